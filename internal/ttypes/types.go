// Package ttypes contains the shared types of the TTS supervisor.
// It sits below worker, tts and the CLI so none of them import each other
// just to exchange requests, payloads or status snapshots.
package ttypes

import "time"

// WorkerState represents the lifecycle state of the worker process.
type WorkerState int

const (
	// WorkerNotStarted indicates no worker has been spawned yet
	WorkerNotStarted WorkerState = iota

	// WorkerStarting indicates a worker was spawned and is loading its model
	WorkerStarting

	// WorkerReady indicates the worker announced readiness and accepts requests
	WorkerReady

	// WorkerCrashed indicates the worker exited or failed to start
	WorkerCrashed

	// WorkerShuttingDown indicates the worker is being stopped on purpose
	WorkerShuttingDown
)

// String returns the string representation of the state
func (s WorkerState) String() string {
	switch s {
	case WorkerNotStarted:
		return "not-started"
	case WorkerStarting:
		return "starting"
	case WorkerReady:
		return "ready"
	case WorkerCrashed:
		return "crashed"
	case WorkerShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// Request is a single synthesis request.
// ID is zero until the request is admitted to the worker.
type Request struct {
	ID uint64

	// Text to synthesize
	Text string

	// Speed multiplier, 1.0 is normal speed
	Speed float64

	// VoiceOrLanguage is either a Kokoro voice id (af_heart), a BCP 47 tag
	// (en-GB) or a Kokoro language code (a). Empty uses the configured default.
	VoiceOrLanguage string
}

// AudioPayload is the result of a successful synthesis.
type AudioPayload struct {
	RequestID uint64

	// Audio is the decoded WAV file produced by the worker
	Audio []byte

	// Encoded is the base64 form exactly as received on the wire
	Encoded string

	// Metadata reported by the worker
	Device   string
	Voice    string
	LangCode string
	Message  string

	// Filled in when the WAV header could be inspected
	SampleRate int
	Channels   int
	Duration   time.Duration

	// Timing as observed by the supervisor
	QueueWait time.Duration
	Latency   time.Duration
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	Initialized     bool
	Healthy         bool
	PendingRequests int
	QueueLength     int
	RestartAttempts int

	State             WorkerState
	RestartsExhausted bool
	Degraded          bool
	Accepting         bool
	Ceiling           int
	Active            int
	PID               int
	LastError         string
	TotalRequests     uint64
}
