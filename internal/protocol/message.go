// Package protocol implements the line-delimited JSON protocol spoken with
// the TTS worker over its standard streams.
//
// Every message is one JSON object terminated by a newline. Requests are
// written with a single Write call; responses are reassembled from arbitrary
// stdout chunks by a Framer. The worker's stderr is not part of the protocol
// but is classified line by line into diagnostics (readiness, degraded
// health) by a Classifier.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrLineTooLong is returned when the worker writes more than the allowed
	// number of bytes without a newline. It is fatal for the worker.
	ErrLineTooLong = errors.New("protocol: line exceeds maximum length")

	// ErrMalformed is returned for a complete line that is not a valid response.
	ErrMalformed = errors.New("protocol: malformed response")
)

// Request is the wire form of a synthesis request.
type Request struct {
	RequestID uint64  `json:"requestId"`
	Text      string  `json:"text"`
	Speed     float64 `json:"speed"`
	LangCode  string  `json:"lang_code,omitempty"`
	Voice     string  `json:"voice,omitempty"`
}

// Response is the wire form of a worker reply.
// RequestID is nil when the worker did not echo the id.
type Response struct {
	Success   bool    `json:"success"`
	AudioData string  `json:"audio_data,omitempty"`
	Device    string  `json:"device,omitempty"`
	Message   string  `json:"message,omitempty"`
	Error     string  `json:"error,omitempty"`
	LangCode  string  `json:"lang_code,omitempty"`
	Voice     string  `json:"voice,omitempty"`
	RequestID *uint64 `json:"requestId,omitempty"`
}

// ID returns the echoed request id and whether the worker sent one.
func (r Response) ID() (uint64, bool) {
	if r.RequestID == nil {
		return 0, false
	}
	return *r.RequestID, true
}

// Marshal encodes a request as a single newline-terminated line.
// encoding/json escapes control characters, so embedded newlines in the text
// never break framing.
func Marshal(req Request) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request %d: %w", req.RequestID, err)
	}
	return append(b, '\n'), nil
}

// Unmarshal decodes one complete line into a response.
func Unmarshal(line []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return resp, nil
}
