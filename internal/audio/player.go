package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Player plays WAV payloads through the system audio device.
// oto allows a single context per process, so create one Player and reuse it.
type Player struct {
	context    *oto.Context
	sampleRate int
	channels   int

	// Playback is serialized; the device is shared.
	mu sync.Mutex
}

// PlayerConfig contains configuration for the audio player.
type PlayerConfig struct {
	SampleRate int // Kokoro produces 24000 Hz
	Channels   int // 1 = mono, 2 = stereo
	BufferSize time.Duration
}

// DefaultPlayerConfig returns the player configuration matching Kokoro output.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{
		SampleRate: 24000,
		Channels:   1,
		BufferSize: 100 * time.Millisecond,
	}
}

// NewPlayer opens the audio device.
func NewPlayer(config PlayerConfig) (*Player, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	op := &oto.NewContextOptions{
		SampleRate:   config.SampleRate,
		ChannelCount: config.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   config.BufferSize,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	return &Player{
		context:    ctx,
		sampleRate: config.SampleRate,
		channels:   config.Channels,
	}, nil
}

func validateConfig(config PlayerConfig) error {
	switch config.SampleRate {
	case 22050, 24000, 44100, 48000:
	default:
		return fmt.Errorf("unsupported sample rate %d Hz", config.SampleRate)
	}
	if config.Channels != 1 && config.Channels != 2 {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", config.Channels)
	}
	if config.BufferSize < 0 {
		return errors.New("buffer size cannot be negative")
	}
	return nil
}

// Play decodes wav and blocks until playback finished or ctx is done.
func (p *Player) Play(ctx context.Context, wav []byte) error {
	pcm, info, err := PCM(wav)
	if err != nil {
		return err
	}
	if info.SampleRate != p.sampleRate || info.Channels != p.channels {
		return fmt.Errorf("audio is %d Hz/%d ch, device opened at %d Hz/%d ch",
			info.SampleRate, info.Channels, p.sampleRate, p.channels)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// pcm stays referenced by the reader until Close.
	player := p.context.NewPlayer(bytes.NewReader(pcm))
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return player.Err()
}
