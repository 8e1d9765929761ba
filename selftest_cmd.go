package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgnsrekt/kokorod/internal/tts"
	"github.com/dgnsrekt/kokorod/internal/ttypes"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const selftestText = "Hello! This is a quick test of the Kokoro speech worker."

var (
	selftestVoice string
	selftestOut   string

	selftestCmd = &cobra.Command{
		Use:   "selftest",
		Short: "Check the worker setup and synthesize a test sentence",
		Long: paragraph(fmt.Sprintf("\n%s the worker configuration, start the worker and synthesize a sentence. "+
			"Reports the device, load time, latency and audio length.", keyword("Validate"))),
		Args: cobra.NoArgs,
		RunE: runSelftest,
	}
)

func init() {
	selftestCmd.Flags().StringVarP(&selftestVoice, "voice", "v", "", "voice id, language code or BCP 47 tag")
	selftestCmd.Flags().StringVarP(&selftestOut, "out", "o", "", "also write the test audio to this file")
}

func runSelftest(cmd *cobra.Command, _ []string) error {
	cfg, err := tts.LoadConfig(viper.GetViper())
	if err != nil {
		return err
	}

	result := tts.ValidateWorker(cfg)
	keys := make([]string, 0, len(result.Details))
	for k := range result.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Println(row(k, result.Details[k]))
	}
	if !result.Available {
		fmt.Println()
		fmt.Println(errStyle.Render("Worker unavailable: ") + result.Error.Error())
		fmt.Println()
		fmt.Println(result.Guidance)
		return errors.New("selftest failed")
	}

	svc, err := tts.New(cfg)
	if err != nil {
		return err
	}
	defer shutdownService(svc, cfg)

	began := time.Now()
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.StartupTimeout)
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		reportStderr(svc)
		return fmt.Errorf("worker did not start: %w", err)
	}
	fmt.Println(row("startup", time.Since(began).Round(time.Millisecond)))
	fmt.Println(row("pid", svc.Status().PID))

	p, err := svc.Synthesize(cmd.Context(), ttypes.Request{Text: selftestText, Speed: tts.DefaultSpeed, VoiceOrLanguage: selftestVoice})
	if err != nil {
		reportStderr(svc)
		return fmt.Errorf("test synthesis failed: %w", err)
	}

	fmt.Println(row("device", p.Device))
	fmt.Println(row("voice", fmt.Sprintf("%s (%s)", p.Voice, p.LangCode)))
	fmt.Println(row("latency", p.Latency.Round(time.Millisecond)))
	fmt.Println(row("audio", fmt.Sprintf("%s, %d Hz, %s", p.Duration.Round(10*time.Millisecond), p.SampleRate, humanize.Bytes(uint64(len(p.Audio))))))
	if p.Duration > 0 && p.Latency > 0 {
		fmt.Println(row("real time factor", fmt.Sprintf("%.2f", p.Latency.Seconds()/p.Duration.Seconds())))
	}

	if selftestOut != "" {
		if err := os.WriteFile(selftestOut, p.Audio, 0o644); err != nil { //nolint:gosec
			return fmt.Errorf("unable to write %s: %w", selftestOut, err)
		}
		fmt.Println(row("written", selftestOut))
	}

	fmt.Println(okStyle.Render("Selftest passed"))
	return nil
}

func reportStderr(svc *tts.Service) {
	tail := svc.StderrTail(20)
	if len(tail) == 0 {
		return
	}
	fmt.Println(faintStyle.Render("worker stderr:"))
	for _, line := range tail {
		fmt.Println(faintStyle.Render("  " + line))
	}
}
