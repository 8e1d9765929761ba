package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
)

// ErrEmpty is returned for zero-length audio.
var ErrEmpty = errors.New("audio data is empty")

// Info describes a decoded WAV payload.
type Info struct {
	SampleRate int
	Channels   int
	Precision  int
	Samples    int
	Duration   time.Duration
}

// Inspect reads the WAV header of data.
func Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrEmpty
	}

	stream, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("decode wav: %w", err)
	}
	defer stream.Close()

	return infoOf(stream, format), nil
}

func infoOf(stream beep.StreamSeekCloser, format beep.Format) Info {
	n := stream.Len()
	return Info{
		SampleRate: int(format.SampleRate),
		Channels:   format.NumChannels,
		Precision:  format.Precision,
		Samples:    n,
		Duration:   format.SampleRate.D(n),
	}
}

// PCM decodes data into signed 16-bit little-endian samples, interleaved
// when the file has two channels.
func PCM(data []byte) ([]byte, Info, error) {
	if len(data) == 0 {
		return nil, Info{}, ErrEmpty
	}

	stream, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Info{}, fmt.Errorf("decode wav: %w", err)
	}
	defer stream.Close()

	info := infoOf(stream, format)
	channels := format.NumChannels
	if channels < 1 || channels > 2 {
		return nil, info, fmt.Errorf("unsupported channel count %d", channels)
	}

	out := make([]byte, 0, info.Samples*channels*2)
	buf := make([][2]float64, 4096)
	var sample [2]byte
	for {
		n, ok := stream.Stream(buf)
		for _, frame := range buf[:n] {
			for c := 0; c < channels; c++ {
				binary.LittleEndian.PutUint16(sample[:], uint16(toInt16(frame[c])))
				out = append(out, sample[:]...)
			}
		}
		if !ok {
			break
		}
	}
	if err := stream.Err(); err != nil {
		return nil, info, fmt.Errorf("read samples: %w", err)
	}
	return out, info, nil
}

func toInt16(v float64) int16 {
	v = math.Max(-1, math.Min(1, v))
	return int16(math.Round(v * math.MaxInt16))
}

// Join concatenates WAV payloads of the same format into one WAV file
// written to w, with gap of silence between parts.
func Join(w io.WriteSeeker, parts [][]byte, gap time.Duration) (Info, error) {
	if len(parts) == 0 {
		return Info{}, ErrEmpty
	}

	var (
		format    beep.Format
		streamers []beep.Streamer
		total     int
	)
	for i, data := range parts {
		stream, f, err := wav.Decode(bytes.NewReader(data))
		if err != nil {
			return Info{}, fmt.Errorf("decode part %d: %w", i, err)
		}
		defer stream.Close()

		if i == 0 {
			format = f
		} else if f != format {
			return Info{}, fmt.Errorf("part %d is %d Hz/%d ch, expected %d Hz/%d ch",
				i, f.SampleRate, f.NumChannels, format.SampleRate, format.NumChannels)
		}
		if i > 0 && gap > 0 {
			n := format.SampleRate.N(gap)
			streamers = append(streamers, beep.Silence(n))
			total += n
		}
		streamers = append(streamers, stream)
		total += stream.Len()
	}

	if err := wav.Encode(w, beep.Seq(streamers...), format); err != nil {
		return Info{}, fmt.Errorf("encode wav: %w", err)
	}
	return Info{
		SampleRate: int(format.SampleRate),
		Channels:   format.NumChannels,
		Precision:  format.Precision,
		Samples:    total,
		Duration:   format.SampleRate.D(total),
	}, nil
}
