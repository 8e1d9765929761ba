package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dgnsrekt/kokorod/internal/audio"
	"github.com/dgnsrekt/kokorod/internal/chunk"
	"github.com/dgnsrekt/kokorod/internal/tts"
	"github.com/dgnsrekt/kokorod/internal/ttypes"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var (
	synthOut      string
	synthSpeed    float64
	synthVoice    string
	synthPlay     bool
	synthMarkdown bool
	synthSplit    int
	synthGap      time.Duration

	synthCmd = &cobra.Command{
		Use:   "synth [TEXT]",
		Short: "Synthesize text to a WAV file",
		Long: paragraph(fmt.Sprintf("\n%s TEXT, or standard input when it is piped, into a WAV file. "+
			"Long input is split at sentence boundaries and the pieces are joined with a short pause.", keyword("Synthesize"))),
		Example: paragraph("kokorod synth \"Hello there\" --out hello.wav\n" +
			"kokorod synth --voice bf_emma --speed 1.25 --play \"Good morning\"\n" +
			"kokorod synth --markdown --out readme.wav < README.md"),
		Args: cobra.MaximumNArgs(1),
		RunE: runSynth,
	}
)

func init() {
	synthCmd.Flags().StringVarP(&synthOut, "out", "o", "out.wav", "output WAV file")
	synthCmd.Flags().Float64VarP(&synthSpeed, "speed", "s", tts.DefaultSpeed, fmt.Sprintf("speech speed (%.1f to %.1f)", tts.MinSpeed, tts.MaxSpeed))
	synthCmd.Flags().StringVarP(&synthVoice, "voice", "v", "", "voice id, language code or BCP 47 tag")
	synthCmd.Flags().BoolVarP(&synthPlay, "play", "p", false, "play the result")
	synthCmd.Flags().BoolVarP(&synthMarkdown, "markdown", "m", false, "treat the input as markdown and read only its prose")
	synthCmd.Flags().IntVar(&synthSplit, "split", 0, "split input into pieces of at most this many characters (0 splits only when too long)")
	synthCmd.Flags().DurationVar(&synthGap, "gap", 250*time.Millisecond, "silence between joined pieces")
}

// readInput returns the text argument, or standard input when no argument
// is given (or it is "-") and stdin is not a terminal.
func readInput(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("no text given: pass TEXT or pipe it on standard input")
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("unable to read from stdin: %w", err)
	}
	return string(b), nil
}

func runSynth(cmd *cobra.Command, args []string) error {
	text, err := readInput(args)
	if err != nil {
		return err
	}
	if synthMarkdown {
		text = chunk.MarkdownText([]byte(text))
	}

	svc, cfg, err := newService()
	if err != nil {
		return err
	}
	defer shutdownService(svc, cfg)

	limit := cfg.MaxTextLength
	if synthSplit > 0 && synthSplit < limit {
		limit = synthSplit
	}
	parts := chunk.New(limit).Chunks(text)
	if len(parts) == 0 {
		return errors.New("nothing to synthesize")
	}

	began := time.Now()
	payloads, err := synthesizeAll(cmd.Context(), svc, parts, synthSpeed, synthVoice)
	if err != nil {
		return err
	}

	info, size, err := writeAudio(synthOut, payloads, synthGap)
	if err != nil {
		return err
	}

	first := payloads[0]
	fmt.Printf("%s %s %s\n",
		okStyle.Render("Wrote"),
		synthOut,
		faintStyle.Render(fmt.Sprintf("(%s, %s, %d part(s), voice %s, device %s, took %s)",
			humanize.Bytes(uint64(size)), info.Duration.Round(10*time.Millisecond), len(parts), //nolint:gosec
			first.Voice, first.Device, time.Since(began).Round(10*time.Millisecond))))

	if !synthPlay {
		return nil
	}
	data, err := os.ReadFile(synthOut)
	if err != nil {
		return fmt.Errorf("unable to read %s: %w", synthOut, err)
	}
	return play(cmd.Context(), data, info)
}

// synthesizeAll submits every part at once and returns the payloads in
// input order. The service queues what exceeds the worker's ceiling.
func synthesizeAll(ctx context.Context, svc *tts.Service, parts []string, speed float64, voice string) ([]*ttypes.AudioPayload, error) {
	payloads := make([]*ttypes.AudioPayload, len(parts))
	g, ctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		g.Go(func() error {
			p, err := svc.Synthesize(ctx, ttypes.Request{Text: part, Speed: speed, VoiceOrLanguage: voice})
			if err != nil {
				if len(parts) > 1 {
					return fmt.Errorf("part %d of %d: %w", i+1, len(parts), err)
				}
				return err
			}
			payloads[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return payloads, nil
}

// writeAudio writes a single payload as is and joins several into one file.
func writeAudio(path string, payloads []*ttypes.AudioPayload, gap time.Duration) (audio.Info, int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return audio.Info{}, 0, fmt.Errorf("unable to create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var info audio.Info
	if len(payloads) == 1 {
		if _, err := f.Write(payloads[0].Audio); err != nil {
			return info, 0, fmt.Errorf("unable to write %s: %w", path, err)
		}
		if info, err = audio.Inspect(payloads[0].Audio); err != nil {
			return info, 0, err
		}
	} else {
		parts := make([][]byte, len(payloads))
		for i, p := range payloads {
			parts[i] = p.Audio
		}
		if info, err = audio.Join(f, parts, gap); err != nil {
			return info, 0, err
		}
	}

	st, err := f.Stat()
	if err != nil {
		return info, 0, fmt.Errorf("unable to stat %s: %w", path, err)
	}
	return info, st.Size(), f.Close()
}

func play(ctx context.Context, data []byte, info audio.Info) error {
	cfg := audio.DefaultPlayerConfig()
	cfg.SampleRate = info.SampleRate
	cfg.Channels = info.Channels

	player, err := audio.NewPlayer(cfg)
	if err != nil {
		return err
	}
	return player.Play(ctx, data)
}
