package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/kokorod/internal/tts"
	"github.com/dgnsrekt/kokorod/internal/ttypes"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

var (
	batchOutDir      string
	batchSpeed       float64
	batchVoice       string
	batchMetricsAddr string
	batchRate        float64

	batchCmd = &cobra.Command{
		Use:   "batch",
		Short: "Synthesize one WAV file per line of standard input",
		Long: paragraph(fmt.Sprintf("\nRead one text per line from standard input and %s them all at once. "+
			"Line N is written to NNNN.wav in the output directory; blank lines are skipped.", keyword("synthesize"))),
		Example: paragraph("kokorod batch --out-dir clips < phrases.txt\n" +
			"kokorod batch --metrics-addr :9090 --rate 5 < phrases.txt"),
		Args: cobra.NoArgs,
		RunE: runBatch,
	}
)

func init() {
	batchCmd.Flags().StringVarP(&batchOutDir, "out-dir", "o", ".", "directory for the WAV files")
	batchCmd.Flags().Float64VarP(&batchSpeed, "speed", "s", tts.DefaultSpeed, "speech speed")
	batchCmd.Flags().StringVarP(&batchVoice, "voice", "v", "", "voice id, language code or BCP 47 tag")
	batchCmd.Flags().StringVar(&batchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	batchCmd.Flags().Float64Var(&batchRate, "rate", 0, "submit at most this many lines per second (0 for no limit)")
}

type batchLine struct {
	number int
	text   string
}

type batchResult struct {
	line    batchLine
	path    string
	payload *ttypes.AudioPayload
	err     error
}

func readLines() ([]batchLine, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("batch reads texts from standard input; pipe a file into it")
	}

	var lines []batchLine
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		if text := strings.TrimSpace(scanner.Text()); text != "" {
			lines = append(lines, batchLine{number: n, text: text})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("unable to read from stdin: %w", err)
	}
	return lines, nil
}

func runBatch(cmd *cobra.Command, _ []string) error {
	lines, err := readLines()
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return errors.New("no lines to synthesize")
	}
	if err := os.MkdirAll(batchOutDir, 0o755); err != nil { //nolint:gosec
		return fmt.Errorf("unable to create output directory: %w", err)
	}

	metrics := tts.NewPrometheusMetricsCollector("")
	svc, cfg, err := newService(tts.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer shutdownService(svc, cfg)

	if batchMetricsAddr != "" {
		stop := serveMetrics(batchMetricsAddr, metrics)
		defer stop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if batchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(batchRate), 1)
	}

	began := time.Now()
	results := submitBatch(cmd.Context(), svc, lines, limiter)

	failed := 0
	var total uint64
	for _, r := range results {
		label := fmt.Sprintf("%04d", r.line.number)
		if r.err != nil {
			failed++
			fmt.Printf("%s %s %s\n", label, errStyle.Render(string(kindLabel(r.err))), r.err)
			continue
		}
		total += uint64(len(r.payload.Audio))
		fmt.Printf("%s %s %s %s\n", label, okStyle.Render("ok"), r.path,
			faintStyle.Render(fmt.Sprintf("(%s, %s)", humanize.Bytes(uint64(len(r.payload.Audio))), r.payload.Latency.Round(time.Millisecond))))
	}

	stats := svc.QueueStats()
	fmt.Println(faintStyle.Render(fmt.Sprintf("%d of %d lines in %s, %s written, peak queue %d, average wait %s",
		len(lines)-failed, len(lines), time.Since(began).Round(10*time.Millisecond), humanize.Bytes(total),
		stats.PeakSize, stats.AverageWait().Round(time.Millisecond))))

	if failed > 0 {
		return fmt.Errorf("%d of %d lines failed", failed, len(lines))
	}
	return nil
}

// submitBatch synthesizes every line concurrently and writes each WAV as
// soon as it arrives. Results come back in line order.
func submitBatch(ctx context.Context, svc *tts.Service, lines []batchLine, limiter *rate.Limiter) []batchResult {
	results := make([]batchResult, len(lines))
	var wg sync.WaitGroup
	for i, line := range lines {
		results[i].line = line
		if err := limiter.Wait(ctx); err != nil {
			results[i].err = err
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			r := &results[i]
			r.payload, r.err = svc.Synthesize(ctx, ttypes.Request{Text: line.text, Speed: batchSpeed, VoiceOrLanguage: batchVoice})
			if r.err != nil {
				log.Debug("Line failed", "line", line.number, "err", r.err)
				return
			}
			r.path = filepath.Join(batchOutDir, fmt.Sprintf("%04d.wav", line.number))
			if err := os.WriteFile(r.path, r.payload.Audio, 0o644); err != nil { //nolint:gosec
				r.err = fmt.Errorf("unable to write %s: %w", r.path, err)
			}
		}()
	}
	wg.Wait()
	return results
}

// kindLabel names the failure class for the per-line report.
func kindLabel(err error) tts.Kind {
	if k := tts.KindOf(err); k != "" {
		return k
	}
	if errors.Is(err, context.Canceled) {
		return "CANCELED"
	}
	return "ERROR"
}

// serveMetrics exposes the collector's registry on addr until the returned
// function is called.
func serveMetrics(addr string, metrics *tts.PrometheusMetricsCollector) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "addr", addr, "err", err)
		}
	}()
	log.Info("Serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
