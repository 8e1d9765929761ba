// Package main provides the entry point for the kokorod CLI application.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/kokorod/internal/tts"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "kokorod",
		Short: "Run a supervised Kokoro text-to-speech worker",
		Long: paragraph(
			fmt.Sprintf("\nSynthesize speech through a %s Kokoro worker process.", keyword("supervised")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if debug {
				log.SetLevel(log.DebugLevel)
			}
			return loadConfigFile(cmd)
		},
	}
)

// loadConfigFile reads --config when given, replacing whatever was found in
// the default places.
func loadConfigFile(cmd *cobra.Command) error {
	if !cmd.Flags().Changed("config") {
		return nil
	}
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("unable to read config file: %w", err)
	}
	log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
	return nil
}

// newService loads the configuration and builds an idle service.
func newService(opts ...tts.Option) (*tts.Service, tts.Config, error) {
	cfg, err := tts.LoadConfig(viper.GetViper())
	if err != nil {
		return nil, cfg, err
	}
	svc, err := tts.New(cfg, opts...)
	if err != nil {
		return nil, cfg, err
	}
	return svc, cfg, nil
}

// shutdownService stops svc with a fresh deadline so an interrupted command
// still drains and stops the worker.
func shutdownService(svc *tts.Service, cfg tts.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+cfg.KillGrace+time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		log.Error("Shutdown failed", "err", err)
	}
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	_ = closer()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log debug output")
	rootCmd.PersistentFlags().Int("concurrency", 0, "requests the worker runs at once")
	rootCmd.PersistentFlags().String("device", "", "worker device: auto, cpu, cuda or mps")
	rootCmd.PersistentFlags().String("model-path", "", "local Kokoro model directory")
	rootCmd.PersistentFlags().String("worker-dir", "", "working directory of the worker")

	// Config bindings
	_ = viper.BindPFlag("concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))
	_ = viper.BindPFlag("worker.device", rootCmd.PersistentFlags().Lookup("device"))
	_ = viper.BindPFlag("worker.model_path", rootCmd.PersistentFlags().Lookup("model-path"))
	_ = viper.BindPFlag("worker.dir", rootCmd.PersistentFlags().Lookup("worker-dir"))

	tts.SetDefaults(viper.GetViper())

	rootCmd.AddCommand(synthCmd, batchCmd, statusCmd, selftestCmd, voicesCmd, configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "kokorod")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "kokorod")}, dirs...)
	}

	if c := os.Getenv("KOKOROD_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("kokorod")
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}
	configFile = filepath.Join(dirs[0], "kokorod.yml")
}
