package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/x/editor"
	"github.com/dgnsrekt/kokorod/internal/tts"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the kokorod config file",
	Long:    paragraph(fmt.Sprintf("\n%s the kokorod config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created with the defaults.", keyword("Edit"))),
	Example: paragraph("kokorod config\nkokorod config --config path/to/config.yml\nkokorod config example > kokorod.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("kokorod", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		if _, err := loadConfigAt(configFile); err != nil {
			fmt.Fprintln(os.Stderr, warnStyle.Render("Warning: "+err.Error()))
		}
		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print the default configuration",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		example, err := tts.GenerateExampleConfig()
		if err != nil {
			return err
		}
		fmt.Print(example)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration in effect",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		cfg, err := tts.LoadConfig(viper.GetViper())
		if err != nil {
			return err
		}
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Println(row("file", used))
		} else {
			fmt.Println(row("file", faintStyle.Render("none, using defaults")))
		}
		fmt.Println(row("worker", strings.TrimSpace(cfg.Worker.Command+" "+strings.Join(cfg.Worker.Args, " "))))
		fmt.Println(row("device", cfg.Worker.Device))
		fmt.Println(row("concurrency", cfg.Concurrency))
		fmt.Println(row("default voice", cfg.DefaultVoice))
		fmt.Println(okStyle.Render("Configuration is valid"))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configExampleCmd, configCheckCmd)
}

// loadConfigAt validates the file at p on its own viper instance.
func loadConfigAt(p string) (tts.Config, error) {
	v := viper.New()
	tts.SetDefaults(v)
	v.SetConfigFile(p)
	if err := v.ReadInConfig(); err != nil {
		return tts.Config{}, fmt.Errorf("unable to read %s: %w", p, err)
	}
	return tts.LoadConfig(v)
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		example, err := tts.GenerateExampleConfig()
		if err != nil {
			return err
		}
		if err := os.WriteFile(configFile, []byte(example), 0o600); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
