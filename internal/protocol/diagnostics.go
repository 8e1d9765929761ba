package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Default patterns matching the stock Kokoro wrapper output.
const (
	DefaultReadyPattern = "service is ready"
	DefaultErrorPattern = `(?i)\b(error|exception|traceback|failed)\b`
)

// DiagnosticKind classifies a stderr line.
type DiagnosticKind int

const (
	// DiagnosticInfo is ordinary log output
	DiagnosticInfo DiagnosticKind = iota

	// DiagnosticReady announces the worker finished loading
	DiagnosticReady

	// DiagnosticDegraded signals the worker reported a problem but is alive
	DiagnosticDegraded

	// DiagnosticHealthy clears a previous degraded signal
	DiagnosticHealthy
)

// String returns the string representation of the kind
func (k DiagnosticKind) String() string {
	switch k {
	case DiagnosticInfo:
		return "info"
	case DiagnosticReady:
		return "ready"
	case DiagnosticDegraded:
		return "degraded"
	case DiagnosticHealthy:
		return "healthy"
	default:
		return "unknown"
	}
}

// Diagnostic is a classified stderr line.
type Diagnostic struct {
	Kind   DiagnosticKind
	Line   string
	Detail string

	// Structured is true when the line was a JSON health event rather than
	// a substring match on free text.
	Structured bool
}

// healthEvent is the optional structured form a worker may print on stderr:
//
//	{"event":"ready"}
//	{"event":"health","healthy":false,"detail":"CUDA out of memory"}
type healthEvent struct {
	Event   string `json:"event"`
	Healthy *bool  `json:"healthy"`
	Detail  string `json:"detail"`
}

// Classifier turns stderr lines into diagnostics.
//
// Substring matching on human readable output is a known limitation: a
// message such as "no errors found" is reported as degraded. Workers that
// can emit structured health events should do so.
type Classifier struct {
	readyRe *regexp.Regexp
	errorRe *regexp.Regexp
}

// NewClassifier compiles both patterns. The ready pattern always matches
// case-insensitively; the error pattern is used as written. Empty arguments
// use the defaults.
func NewClassifier(readyPattern, errorPattern string) (*Classifier, error) {
	if readyPattern == "" {
		readyPattern = DefaultReadyPattern
	}
	if errorPattern == "" {
		errorPattern = DefaultErrorPattern
	}
	readyRe, err := regexp.Compile("(?i)" + readyPattern)
	if err != nil {
		return nil, fmt.Errorf("ready pattern: %w", err)
	}
	errorRe, err := regexp.Compile(errorPattern)
	if err != nil {
		return nil, fmt.Errorf("error pattern: %w", err)
	}
	return &Classifier{readyRe: readyRe, errorRe: errorRe}, nil
}

// Classify inspects one stderr line.
func (c *Classifier) Classify(line string) Diagnostic {
	line = strings.TrimSpace(line)
	d := Diagnostic{Kind: DiagnosticInfo, Line: line}
	if line == "" {
		return d
	}

	if strings.HasPrefix(line, "{") {
		var ev healthEvent
		if err := json.Unmarshal([]byte(line), &ev); err == nil && ev.Event != "" {
			d.Structured = true
			d.Detail = ev.Detail
			switch strings.ToLower(ev.Event) {
			case "ready":
				d.Kind = DiagnosticReady
			case "health":
				if ev.Healthy != nil && *ev.Healthy {
					d.Kind = DiagnosticHealthy
				} else {
					d.Kind = DiagnosticDegraded
				}
			}
			return d
		}
	}

	if c.readyRe.MatchString(line) {
		d.Kind = DiagnosticReady
		return d
	}
	if c.errorRe.MatchString(line) {
		d.Kind = DiagnosticDegraded
		d.Detail = line
	}
	return d
}
