package worker

import "github.com/dgnsrekt/kokorod/internal/protocol"

// Handler receives worker events. Methods are called from supervisor
// goroutines without any supervisor lock held, and may call back into the
// Supervisor.
type Handler interface {
	// HandleReady is called once a spawned worker announced readiness.
	HandleReady(pid int)

	// HandleResponse is called for every decoded stdout response, in the
	// order the worker wrote them.
	HandleResponse(resp protocol.Response)

	// HandleExit is called when a ready worker died. err wraps ErrProcessExited.
	// It is always called after the last response of that process.
	HandleExit(err error)

	// HandleStartFailure is called when a spawn did not reach readiness.
	// willRetry reports whether the restart policy scheduled another attempt.
	HandleStartFailure(err error, willRetry bool)

	// HandleRestart is called before each restart attempt.
	HandleRestart(attempt int)

	// HandleExhausted is called once when the restart budget is spent.
	HandleExhausted(err error)

	// HandleDiagnostic is called for degraded and healthy stderr signals.
	HandleDiagnostic(d protocol.Diagnostic)
}

// NopHandler ignores every event. Embed it to implement only some methods.
type NopHandler struct{}

func (NopHandler) HandleReady(int)                      {}
func (NopHandler) HandleResponse(protocol.Response)     {}
func (NopHandler) HandleExit(error)                     {}
func (NopHandler) HandleStartFailure(error, bool)       {}
func (NopHandler) HandleRestart(int)                    {}
func (NopHandler) HandleExhausted(error)                {}
func (NopHandler) HandleDiagnostic(protocol.Diagnostic) {}
