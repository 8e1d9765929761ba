package protocol

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxLineBytes bounds a single response line. A minute of 24kHz mono
// audio is roughly 4MB once base64 encoded.
const DefaultMaxLineBytes = 32 << 20

// Encoder writes requests to the worker's stdin.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes req as one line. Concurrent calls never interleave.
func (e *Encoder) Encode(req Request) error {
	b, err := Marshal(req)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("write request %d: %w", req.RequestID, err)
	}
	return nil
}

// Frame is one complete line received from the worker.
// Err is set (wrapping ErrMalformed) when the line could not be decoded.
type Frame struct {
	Response Response
	Raw      []byte
	Err      error
}

// Framer reassembles newline-delimited responses from arbitrary chunks.
// It is not safe for concurrent use; the supervisor feeds it from the single
// goroutine reading stdout.
type Framer struct {
	buf []byte
	max int
}

// NewFramer creates a framer. maxLineBytes <= 0 uses DefaultMaxLineBytes.
func NewFramer(maxLineBytes int) *Framer {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Framer{max: maxLineBytes}
}

// Feed appends chunk and returns every line completed by it, in order.
// The returned error is ErrLineTooLong when the unterminated remainder
// exceeds the limit; the buffer is discarded in that case.
func (f *Framer) Feed(chunk []byte) ([]Frame, error) {
	f.buf = append(f.buf, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(f.buf[:i])
		f.buf = f.buf[i+1:]
		if len(line) == 0 {
			continue
		}
		frames = append(frames, decodeFrame(line))
	}

	if len(f.buf) > f.max {
		n := len(f.buf)
		f.buf = nil
		return frames, fmt.Errorf("%w: %d bytes without newline (limit %d)", ErrLineTooLong, n, f.max)
	}

	// Drop the consumed prefix so the backing array does not grow forever.
	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 4*len(f.buf) && cap(f.buf) > 64<<10 {
		f.buf = bytes.Clone(f.buf)
	}

	return frames, nil
}

// Flush returns the unterminated remainder as a final frame, if any.
// It is called once the worker closed stdout.
func (f *Framer) Flush() (Frame, bool) {
	line := bytes.TrimSpace(f.buf)
	f.buf = nil
	if len(line) == 0 {
		return Frame{}, false
	}
	return decodeFrame(line), true
}

// Buffered returns the number of bytes waiting for a newline.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

func decodeFrame(line []byte) Frame {
	raw := bytes.Clone(line)
	resp, err := Unmarshal(raw)
	return Frame{Response: resp, Raw: raw, Err: err}
}
