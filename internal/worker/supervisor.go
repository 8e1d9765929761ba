package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/kokorod/internal/protocol"
	"github.com/dgnsrekt/kokorod/internal/ttypes"
)

// Snapshot is a point-in-time view of the supervisor.
type Snapshot struct {
	State          ttypes.WorkerState
	PID            int
	Attempts       int
	Exhausted      bool
	RestartPending bool
	Degraded       bool
	DegradedDetail string
	LastError      error
	Spawns         int
}

// Supervisor owns the worker process lifecycle.
type Supervisor struct {
	cfg        Config
	handler    Handler
	logger     *log.Logger
	classifier *protocol.Classifier

	// warn limits degraded-health warnings; a sick worker can print a
	// traceback per request.
	warn *rate.Limiter

	starts singleflight.Group

	mu             sync.Mutex
	state          ttypes.WorkerState
	proc           *process
	gen            int
	spawns         int
	attempts       int
	exhausted      bool
	restartPending bool
	degraded       bool
	degradedDetail string
	lastErr        error
	stopping       bool
	stopCh         chan struct{}
}

// NewSupervisor validates cfg and returns an idle supervisor. Nothing is
// spawned until EnsureReady.
func NewSupervisor(cfg Config, handler Handler, logger *log.Logger) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if cfg.Command == "" {
		return nil, errors.New("worker: command is required")
	}
	if handler == nil {
		handler = NopHandler{}
	}
	if logger == nil {
		logger = log.Default()
	}

	classifier, err := protocol.NewClassifier(cfg.ReadyPattern, cfg.ErrorPattern)
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		cfg:        cfg,
		handler:    handler,
		logger:     logger.WithPrefix("worker"),
		classifier: classifier,
		warn:       rate.NewLimiter(rate.Every(10*time.Second), 3),
		state:      ttypes.WorkerNotStarted,
		stopCh:     make(chan struct{}),
	}, nil
}

// EnsureReady starts the worker if it is not running and waits until it is
// ready. Concurrent callers share a single start attempt. A start triggered
// here does not count against the restart budget.
func (s *Supervisor) EnsureReady(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.stopping:
		s.mu.Unlock()
		return ErrShuttingDown
	case s.state == ttypes.WorkerReady:
		s.mu.Unlock()
		return nil
	case s.exhausted:
		err := s.exhaustedErr()
		s.mu.Unlock()
		return err
	case s.restartPending:
		s.mu.Unlock()
		return ErrRestartPending
	}
	s.mu.Unlock()

	ch := s.starts.DoChan("start", func() (interface{}, error) {
		return nil, s.start()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues req for the worker's stdin. It never blocks.
func (s *Supervisor) Send(req protocol.Request) error {
	s.mu.Lock()
	p := s.proc
	ready := s.state == ttypes.WorkerReady && !s.stopping
	s.mu.Unlock()

	if !ready || p == nil {
		return ErrNotReady
	}

	select {
	case p.writes <- req:
		return nil
	case <-p.exited:
		return ErrNotReady
	default:
		return ErrBacklogFull
	}
}

// Stop terminates the worker: stdin is closed and SIGTERM sent, then the
// process group is killed if it is still alive after grace. Pending restarts
// are cancelled. Stop is idempotent; the supervisor cannot be restarted.
func (s *Supervisor) Stop(grace time.Duration) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	p := s.proc
	s.setState(ttypes.WorkerShuttingDown)
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	s.logger.Info("Stopping worker", "pid", p.pid, "grace", grace)
	return p.stop(grace)
}

// Kill force-kills the current worker without stopping the supervisor.
// The normal crash handling and restart policy apply.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return ErrNotReady
	}
	return forceKill(p.cmd.Process)
}

// ResetRestarts clears the restart budget and the exhausted state so the
// next EnsureReady may spawn again.
func (s *Supervisor) ResetRestarts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.exhausted = false
	s.logger.Info("Restart budget reset")
}

// Snapshot returns the current supervisor state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:          s.state,
		Attempts:       s.attempts,
		Exhausted:      s.exhausted,
		RestartPending: s.restartPending,
		Degraded:       s.degraded,
		DegradedDetail: s.degradedDetail,
		LastError:      s.lastErr,
		Spawns:         s.spawns,
	}
	if s.proc != nil {
		snap.PID = s.proc.pid
	}
	return snap
}

// State returns the current worker state.
func (s *Supervisor) State() ttypes.WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StderrTail returns up to n recent stderr lines of the current worker.
func (s *Supervisor) StderrTail(n int) []string {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.stderrTail(n)
}

func (s *Supervisor) start() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if s.state == ttypes.WorkerReady {
		s.mu.Unlock()
		return nil
	}
	s.setState(ttypes.WorkerStarting)
	s.gen++
	s.spawns++
	gen := s.gen
	s.mu.Unlock()

	began := time.Now()
	p, err := s.spawn(gen)
	if err != nil {
		return s.startFailed(err)
	}

	timer := time.NewTimer(s.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-p.ready:
	case <-p.exited:
		return s.startFailed(fmt.Errorf("%w: %s", ErrExitedBeforeReady, p.describe()))
	case <-timer.C:
		_ = forceKill(p.cmd.Process)
		return s.startFailed(fmt.Errorf("%w after %v", ErrStartupTimeout, s.cfg.StartupTimeout))
	case <-s.stopCh:
		_ = forceKill(p.cmd.Process)
		return ErrShuttingDown
	}

	s.mu.Lock()
	select {
	case <-p.exited:
		// Died right after the banner; wait already ignored it because it
		// was never current.
		s.mu.Unlock()
		return s.startFailed(fmt.Errorf("%w: %s", ErrExitedBeforeReady, p.describe()))
	default:
	}
	if s.stopping {
		s.mu.Unlock()
		_ = forceKill(p.cmd.Process)
		return ErrShuttingDown
	}
	s.proc = p
	s.attempts = 0
	s.degraded = false
	s.degradedDetail = ""
	s.lastErr = nil
	s.setState(ttypes.WorkerReady)
	s.mu.Unlock()

	s.logger.Info("Worker ready", "pid", p.pid, "took", time.Since(began).Round(time.Millisecond))
	s.handler.HandleReady(p.pid)
	return nil
}

// startFailed records a failed spawn and consults the restart policy.
func (s *Supervisor) startFailed(err error) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.lastErr = err
	s.setState(ttypes.WorkerCrashed)
	s.mu.Unlock()

	s.logger.Error("Worker failed to start", "err", err)
	willRetry, exhausted := s.scheduleRestart()
	s.handler.HandleStartFailure(err, willRetry)
	if exhausted {
		s.handler.HandleExhausted(s.wrapExhausted(err))
	}
	return err
}

// processExited is called once per spawned process after it was reaped.
func (s *Supervisor) processExited(p *process) {
	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	if s.stopping {
		s.mu.Unlock()
		s.logger.Info("Worker stopped", "pid", p.pid)
		return
	}
	err := fmt.Errorf("%w (pid %d): %s", ErrProcessExited, p.pid, p.describe())
	s.lastErr = err
	s.setState(ttypes.WorkerCrashed)
	s.mu.Unlock()

	s.logger.Error("Worker exited unexpectedly", "pid", p.pid, "err", p.cause())
	s.handler.HandleExit(err)

	if _, exhausted := s.scheduleRestart(); exhausted {
		s.handler.HandleExhausted(s.wrapExhausted(err))
	}
}

// scheduleRestart applies the restart policy: while attempts remain, wait
// the cooldown and try again. It reports whether a restart is scheduled
// and whether the budget just ran out.
func (s *Supervisor) scheduleRestart() (willRetry, exhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return false, false
	}
	if s.restartPending {
		return true, false
	}
	if s.attempts >= s.cfg.MaxRestarts {
		if s.exhausted {
			return false, false
		}
		s.exhausted = true
		s.logger.Error("Worker restart attempts exhausted", "attempts", s.attempts, "max", s.cfg.MaxRestarts)
		return false, true
	}

	s.restartPending = true
	go s.restartAfter(s.cfg.RestartCooldown)
	return true, false
}

func (s *Supervisor) restartAfter(cooldown time.Duration) {
	timer := time.NewTimer(cooldown)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-s.stopCh:
		s.mu.Lock()
		s.restartPending = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.restartPending = false
	// A lazy start may have won the race, or the budget was reset.
	if s.stopping || s.exhausted || s.state == ttypes.WorkerReady || s.state == ttypes.WorkerStarting {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	s.logger.Warn("Restarting worker", "attempt", attempt, "max", s.cfg.MaxRestarts)
	s.handler.HandleRestart(attempt)

	// The failed start that scheduled this restart may still be unwinding
	// inside the group; do not join it.
	s.starts.Forget("start")

	// Errors are handled by startFailed, which schedules the next attempt.
	_, _, _ = s.starts.Do("start", func() (interface{}, error) {
		return nil, s.start()
	})
}

func (s *Supervisor) markDegraded(p *process, d protocol.Diagnostic) {
	s.mu.Lock()
	current := s.proc == p
	if current {
		s.degraded = true
		s.degradedDetail = d.Detail
	}
	s.mu.Unlock()

	if s.warn.Allow() {
		s.logger.Warn("Worker reported a problem", "pid", p.pid, "detail", d.Detail)
	} else {
		s.logger.Debug("Worker reported a problem", "pid", p.pid, "detail", d.Detail)
	}
	if current {
		s.handler.HandleDiagnostic(d)
	}
}

func (s *Supervisor) markHealthy(p *process, d protocol.Diagnostic) {
	s.mu.Lock()
	current := s.proc == p
	was := s.degraded
	if current {
		s.degraded = false
		s.degradedDetail = ""
	}
	s.mu.Unlock()

	if current && was {
		s.logger.Info("Worker reported healthy", "pid", p.pid)
		s.handler.HandleDiagnostic(d)
	}
}

// ClearDegraded is called by the owner after a successful response.
func (s *Supervisor) ClearDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = false
	s.degradedDetail = ""
}

// setState must be called with s.mu held.
func (s *Supervisor) setState(state ttypes.WorkerState) {
	if s.state != state {
		s.logger.Debug("Worker state", "from", s.state, "to", state)
		s.state = state
	}
}

// exhaustedErr must be called with s.mu held.
func (s *Supervisor) exhaustedErr() error {
	if s.lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrRestartsExhausted, s.attempts, s.lastErr)
	}
	return ErrRestartsExhausted
}

func (s *Supervisor) wrapExhausted(cause error) error {
	s.mu.Lock()
	attempts := s.attempts
	s.mu.Unlock()
	return fmt.Errorf("%w after %d attempts: %v", ErrRestartsExhausted, attempts, cause)
}
