// Package worker supervises the long-lived TTS worker process.
//
// A Supervisor spawns the worker with a controlled environment, waits for
// its readiness banner on stderr, feeds requests to stdin through a single
// writer goroutine and hands every decoded stdout response to its Handler.
// When the worker dies the Supervisor reports the exit and applies a bounded
// restart policy with a cooldown between attempts.
package worker

import (
	"errors"
	"os"
	"sort"
	"time"

	"github.com/dgnsrekt/kokorod/internal/protocol"
)

var (
	// ErrNotReady is returned by Send when no ready worker is running.
	ErrNotReady = errors.New("worker: not ready")

	// ErrStartupTimeout is returned when the worker did not announce
	// readiness within the startup timeout.
	ErrStartupTimeout = errors.New("worker: startup timed out")

	// ErrExitedBeforeReady is returned when the worker died while loading.
	ErrExitedBeforeReady = errors.New("worker: exited before becoming ready")

	// ErrProcessExited is reported to the Handler when a ready worker dies.
	ErrProcessExited = errors.New("worker: process exited")

	// ErrRestartsExhausted is returned once the restart budget is spent.
	// It stays in effect until ResetRestarts is called.
	ErrRestartsExhausted = errors.New("worker: restart attempts exhausted")

	// ErrRestartPending is returned by EnsureReady while a restart is
	// waiting out its cooldown.
	ErrRestartPending = errors.New("worker: restart pending")

	// ErrShuttingDown is returned after Stop was called.
	ErrShuttingDown = errors.New("worker: shutting down")

	// ErrBacklogFull is returned by Send when the stdin backlog is full.
	ErrBacklogFull = errors.New("worker: stdin backlog full")
)

// DefaultInheritEnv lists the parent environment variables passed through to
// the worker. Everything else is dropped.
var DefaultInheritEnv = []string{
	"PATH",
	"HOME",
	"USER",
	"LANG",
	"LC_ALL",
	"LC_CTYPE",
	"TMPDIR",
	"TEMP",
	"TMP",
	"SYSTEMROOT",
	"VIRTUAL_ENV",
	"PYTHONPATH",
	"HF_HOME",
	"XDG_CACHE_HOME",
	"CUDA_VISIBLE_DEVICES",
}

// Config controls how the worker is spawned and restarted.
type Config struct {
	// Command is the executable, e.g. python3
	Command string

	// Args are passed to Command, e.g. -u kokoro_wrapper.py
	Args []string

	// Dir is the working directory; empty uses the current one
	Dir string

	// Env holds variables set explicitly for the worker
	Env map[string]string

	// InheritEnv names parent variables to pass through; nil uses DefaultInheritEnv
	InheritEnv []string

	// StartupTimeout bounds the wait for the readiness banner
	StartupTimeout time.Duration

	// MaxRestarts is the number of crash-triggered restarts allowed before
	// the supervisor gives up; reset after every successful start
	MaxRestarts int

	// RestartCooldown is waited before each restart attempt
	RestartCooldown time.Duration

	// ReadyPattern and ErrorPattern drive stderr classification
	ReadyPattern string
	ErrorPattern string

	// MaxLineBytes bounds a single stdout response line
	MaxLineBytes int

	// Backlog is the number of requests that may wait for the stdin writer
	Backlog int
}

func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 60 * time.Second
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.RestartCooldown < 0 {
		c.RestartCooldown = 0
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = protocol.DefaultMaxLineBytes
	}
	if c.Backlog <= 0 {
		c.Backlog = 64
	}
	if c.InheritEnv == nil {
		c.InheritEnv = DefaultInheritEnv
	}
	return c
}

// BuildEnv assembles the worker environment from the allowlisted parent
// variables and the explicit ones, which win on conflict. The result is
// sorted so spawns are reproducible.
func BuildEnv(inherit []string, explicit map[string]string) []string {
	vars := make(map[string]string, len(inherit)+len(explicit))
	for _, name := range inherit {
		if v, ok := os.LookupEnv(name); ok {
			vars[name] = v
		}
	}
	for k, v := range explicit {
		vars[k] = v
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
