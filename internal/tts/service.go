// Package tts multiplexes synthesis requests through a single supervised
// Kokoro worker.
//
// A Service admits at most Concurrency requests to the worker at a time.
// Further requests wait in a FIFO queue with their own deadline. Admitted
// requests are correlated with worker responses by id and carry a second,
// independent deadline. When the worker dies every admitted request fails
// with a ProcessExit error and the worker is restarted within a bounded
// budget.
package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/kokorod/internal/audio"
	"github.com/dgnsrekt/kokorod/internal/correlator"
	"github.com/dgnsrekt/kokorod/internal/protocol"
	"github.com/dgnsrekt/kokorod/internal/queue"
	"github.com/dgnsrekt/kokorod/internal/ttypes"
	"github.com/dgnsrekt/kokorod/internal/worker"
)

// call is one caller waiting for a result. It lives in the queue, then in
// the pending table, and is finished exactly once.
type call struct {
	text  string
	speed float64
	voice Voice

	id       uint64
	enqueued time.Time
	admitted time.Time
	qentry   *queue.Entry[*call]
	done     bool

	result chan result
}

type result struct {
	payload *ttypes.AudioPayload
	err     error
}

// Service is the synthesis front end. It is safe for concurrent use.
type Service struct {
	cfg     Config
	logger  *log.Logger
	metrics MetricsCollector
	voices  *VoiceResolver
	sup     *worker.Supervisor

	// mu guards everything below. Lock order is Service, then Supervisor.
	mu        sync.Mutex
	queue     *queue.FIFO[*call]
	pending   *correlator.Table[*call]
	slots     *queue.Slots
	accepting bool
	total     uint64
	lastState ttypes.WorkerState
	warming   bool
	draining  chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The worker supervisor logs through it too.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New validates cfg and creates an idle service. The worker is started on
// the first request or by Start.
func New(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	voices, err := cfg.NewVoiceResolver()
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		logger:    log.Default(),
		metrics:   NewNoopMetricsCollector(),
		voices:    voices,
		queue:     queue.NewFIFO[*call](cfg.QueueTimeout),
		pending:   correlator.New[*call](cfg.RequestTimeout),
		slots:     queue.NewSlots(cfg.Concurrency),
		accepting: true,
		lastState: ttypes.WorkerNotStarted,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sup, err = worker.NewSupervisor(cfg.ToWorkerConfig(), workerEvents{s}, s.logger)
	if err != nil {
		return nil, err
	}
	s.logger = s.logger.WithPrefix("tts")
	return s, nil
}

// Voices returns the resolver used to validate voice selections.
func (s *Service) Voices() *VoiceResolver {
	return s.voices
}

// Start starts the worker and waits until it is ready. Calling it is
// optional; requests start the worker on demand.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	accepting := s.accepting
	s.mu.Unlock()
	if !accepting {
		return newError(KindShutdown, 0, "service is shut down", nil)
	}

	err := s.sup.EnsureReady(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, worker.ErrShuttingDown):
		return newError(KindShutdown, 0, "service is shut down", err)
	case errors.Is(err, worker.ErrRestartsExhausted):
		return newError(KindProcessExit, 0, "worker is unavailable", err)
	default:
		return newError(KindInitialization, 0, "worker failed to start", err)
	}
}

// Generate synthesizes text with the default voice.
func (s *Service) Generate(ctx context.Context, text string, speed float64) (*ttypes.AudioPayload, error) {
	return s.Synthesize(ctx, ttypes.Request{Text: text, Speed: speed})
}

// Synthesize validates req, waits for a worker slot and returns the audio.
// Cancelling ctx while the request is queued withdraws it. Once admitted
// the request runs to completion and ctx only stops the wait.
func (s *Service) Synthesize(ctx context.Context, req ttypes.Request) (*ttypes.AudioPayload, error) {
	c, err := s.newCall(req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil, newError(KindShutdown, 0, "service is shutting down", nil)
	}
	s.total++
	s.submitLocked(c)
	s.mu.Unlock()

	select {
	case r := <-c.result:
		return r.payload, r.err
	case <-ctx.Done():
	}

	s.mu.Lock()
	if c.qentry != nil && s.queue.Remove(c.qentry) {
		c.qentry = nil
		c.done = true
		s.metrics.QueueDepth(s.queue.Len())
		s.logger.Debug("Request withdrawn while queued", "waited", time.Since(c.enqueued).Round(time.Millisecond))
	}
	s.mu.Unlock()

	// The result may have raced the cancellation.
	select {
	case r := <-c.result:
		return r.payload, r.err
	default:
		return nil, ctx.Err()
	}
}

func (s *Service) newCall(req ttypes.Request) (*call, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, validationError("text cannot be empty")
	}
	if n := utf8.RuneCountInString(req.Text); n > s.cfg.MaxTextLength {
		return nil, validationError("text is %d characters, maximum is %d", n, s.cfg.MaxTextLength)
	}

	speed := req.Speed
	if speed == 0 {
		speed = DefaultSpeed
	}
	if err := ValidateSpeed(speed); err != nil {
		return nil, validationError("%v", err)
	}

	voice, err := s.voices.Resolve(req.VoiceOrLanguage)
	if err != nil {
		return nil, err
	}

	return &call{
		text:     req.Text,
		speed:    speed,
		voice:    voice,
		enqueued: time.Now(),
		result:   make(chan result, 1),
	}, nil
}

// submitLocked admits c at once when the worker is ready, a slot is free
// and nobody is waiting. Otherwise c is queued and the worker is started
// if needed.
func (s *Service) submitLocked(c *call) {
	snap := s.sup.Snapshot()
	if snap.Exhausted {
		s.finishLocked(c, nil, newError(KindProcessExit, 0, "worker is unavailable",
			fmt.Errorf("%w: %v", worker.ErrRestartsExhausted, snap.LastError)))
		return
	}

	ready := snap.State == ttypes.WorkerReady
	if ready && s.queue.Len() == 0 && s.slots.TryAcquire() {
		s.admitLocked(c)
		return
	}

	c.qentry = s.queue.Push(c, s.onQueueTimeout)
	s.metrics.QueueDepth(s.queue.Len())
	if !ready {
		s.warmLocked()
	}
}

// admitLocked sends c to the worker. The caller has acquired a slot.
func (s *Service) admitLocked(c *call) bool {
	c.id = s.pending.NextID()
	c.admitted = time.Now()
	s.pending.Add(c.id, c, s.onRequestTimeout)

	err := s.sup.Send(protocol.Request{
		RequestID: c.id,
		Text:      c.text,
		Speed:     c.speed,
		LangCode:  c.voice.LangCode,
		Voice:     c.voice.Name,
	})
	if err != nil {
		s.pending.Resolve(c.id)
		s.slots.Release()
		s.finishLocked(c, nil, newError(KindProcessExit, c.id, "failed to send request to worker", err))
		return false
	}

	s.pending.Sent(c.id)
	s.logger.Debug("Request admitted", "id", c.id, "voice", c.voice.Name, "queued", c.admitted.Sub(c.enqueued).Round(time.Millisecond))
	s.metrics.ActiveRequests(s.slots.Active())
	return true
}

// pumpLocked admits queued calls in FIFO order while slots are free.
func (s *Service) pumpLocked() {
	for s.queue.Len() > 0 && s.slots.Available() {
		if s.sup.State() != ttypes.WorkerReady {
			s.warmLocked()
			break
		}
		e, _ := s.queue.Pop()
		c := e.Value
		c.qentry = nil
		s.slots.TryAcquire()
		s.admitLocked(c)
	}
	s.metrics.QueueDepth(s.queue.Len())
}

func (s *Service) warmLocked() {
	if s.warming || !s.accepting {
		return
	}
	s.warming = true
	go s.warmUp()
}

func (s *Service) warmUp() {
	err := s.sup.EnsureReady(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.warming = false
	if err != nil {
		// Start failures and exhaustion reach the queue through the
		// supervisor's handler; a pending restart pumps on ready.
		s.logger.Debug("Worker not ready", "err", err)
		return
	}
	s.pumpLocked()
}

func (s *Service) onQueueTimeout(e *queue.Entry[*call]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.queue.Expire(e) {
		return
	}
	c := e.Value
	c.qentry = nil
	s.logger.Warn("Request timed out in queue", "waited", e.Waited().Round(time.Millisecond), "queued", s.queue.Len())
	s.finishLocked(c, nil, newError(KindQueueTimeout, 0,
		fmt.Sprintf("no worker slot within %v", s.cfg.QueueTimeout), nil))
}

func (s *Service) onRequestTimeout(e *correlator.Entry[*call]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending.Expire(e) {
		return
	}
	s.slots.Release()
	s.logger.Warn("Request timed out", "id", e.ID, "elapsed", e.Elapsed().Round(time.Millisecond))
	s.finishLocked(e.Value, nil, newError(KindRequestTimeout, e.ID,
		fmt.Sprintf("worker did not answer within %v", s.cfg.RequestTimeout), nil))
	s.pumpLocked()
}

func (s *Service) onResponseLocked(resp protocol.Response) {
	var (
		e  *correlator.Entry[*call]
		ok bool
	)
	id, hasID := resp.ID()
	if hasID {
		e, ok = s.pending.Resolve(id)
	} else {
		id, e, ok = s.pending.ResolveOldest()
	}

	if !ok {
		s.metrics.UnmatchedResponse()
		switch {
		case !hasID && id == 0:
			s.logger.Warn("Discarding response without request id", "pending", s.pending.Len())
		case id > 0 && id <= s.pending.LastID():
			s.logger.Warn("Ignoring late response", "id", id)
		default:
			s.logger.Warn("Discarding response for unknown request", "id", id)
		}
		return
	}

	c := e.Value
	s.slots.Release()
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		if msg == "" {
			msg = "worker reported failure"
		}
		s.finishLocked(c, nil, newError(KindGeneration, c.id, msg, nil))
	} else if payload, err := s.payload(c, resp); err != nil {
		s.finishLocked(c, nil, newError(KindGeneration, c.id, "invalid audio from worker", err))
	} else {
		if s.sup.Snapshot().Degraded {
			s.sup.ClearDegraded()
			s.metrics.WorkerDegraded(false)
		}
		s.finishLocked(c, payload, nil)
	}
	s.pumpLocked()
}

func (s *Service) payload(c *call, resp protocol.Response) (*ttypes.AudioPayload, error) {
	if resp.AudioData == "" {
		return nil, errors.New("response carries no audio")
	}
	data, err := base64.StdEncoding.DecodeString(resp.AudioData)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}

	now := time.Now()
	p := &ttypes.AudioPayload{
		RequestID: c.id,
		Audio:     data,
		Encoded:   resp.AudioData,
		Device:    resp.Device,
		Voice:     resp.Voice,
		LangCode:  resp.LangCode,
		Message:   resp.Message,
		QueueWait: c.admitted.Sub(c.enqueued),
		Latency:   now.Sub(c.admitted),
	}
	if p.Voice == "" {
		p.Voice = c.voice.Name
	}
	if p.LangCode == "" {
		p.LangCode = c.voice.LangCode
	}

	if info, err := audio.Inspect(data); err != nil {
		s.logger.Warn("Could not inspect audio", "id", c.id, "err", err)
	} else {
		p.SampleRate = info.SampleRate
		p.Channels = info.Channels
		p.Duration = info.Duration
	}
	return p, nil
}

// finishLocked delivers the outcome of c. Later calls are no-ops.
func (s *Service) finishLocked(c *call, p *ttypes.AudioPayload, err error) {
	if c.done {
		return
	}
	c.done = true
	c.result <- result{payload: p, err: err}

	var wait, latency time.Duration
	if c.admitted.IsZero() {
		wait = time.Since(c.enqueued)
	} else {
		wait = c.admitted.Sub(c.enqueued)
		latency = time.Since(c.admitted)
	}
	s.metrics.RequestCompleted(KindOf(err), wait, latency)
	s.metrics.ActiveRequests(s.slots.Active())
	s.metrics.QueueDepth(s.queue.Len())

	if s.draining != nil && s.pending.Len() == 0 {
		close(s.draining)
		s.draining = nil
	}
}

// rejectQueuedLocked fails every queued call with err.
func (s *Service) rejectQueuedLocked(kind Kind, msg string, cause error) int {
	entries := s.queue.Drain()
	for _, e := range entries {
		e.Value.qentry = nil
		s.finishLocked(e.Value, nil, newError(kind, 0, msg, cause))
	}
	return len(entries)
}

// rejectPendingLocked fails every admitted call with err and frees its slot.
func (s *Service) rejectPendingLocked(kind Kind, msg string, cause error) int {
	entries := s.pending.Drain()
	for _, e := range entries {
		s.slots.Release()
		s.finishLocked(e.Value, nil, newError(kind, e.ID, msg, cause))
	}
	return len(entries)
}

func (s *Service) recordStateLocked() {
	state := s.sup.State()
	if state != s.lastState {
		s.metrics.WorkerStateTransition(s.lastState.String(), state.String())
		s.lastState = state
	}
}

// Status returns a snapshot of the service and its worker.
func (s *Service) Status() ttypes.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.sup.Snapshot()
	st := ttypes.Status{
		Initialized:       snap.State == ttypes.WorkerReady,
		Healthy:           snap.State == ttypes.WorkerReady && !snap.Degraded,
		PendingRequests:   s.pending.Len(),
		QueueLength:       s.queue.Len(),
		RestartAttempts:   snap.Attempts,
		State:             snap.State,
		RestartsExhausted: snap.Exhausted,
		Degraded:          snap.Degraded,
		Accepting:         s.accepting,
		Ceiling:           s.slots.Ceiling(),
		Active:            s.slots.Active(),
		PID:               snap.PID,
		TotalRequests:     s.total,
	}
	if snap.LastError != nil {
		st.LastError = snap.LastError.Error()
	} else if snap.Degraded {
		st.LastError = snap.DegradedDetail
	}
	return st
}

// QueueStats returns admission queue statistics.
func (s *Service) QueueStats() queue.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Stats()
}

// StderrTail returns up to n recent lines the worker wrote to stderr.
func (s *Service) StderrTail(n int) []string {
	return s.sup.StderrTail(n)
}

// Reset clears an exhausted restart budget so the next request may start
// the worker again.
func (s *Service) Reset() {
	s.sup.ResetRestarts()
	s.logger.Info("Worker restart budget reset")
}

// workerEvents adapts supervisor callbacks to the service. Each callback
// takes the service lock; the supervisor holds none of its own.
type workerEvents struct {
	s *Service
}

func (w workerEvents) HandleReady(pid int) {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordStateLocked()
	s.logger.Debug("Worker ready, admitting queued requests", "pid", pid, "queued", s.queue.Len())
	s.pumpLocked()
}

func (w workerEvents) HandleResponse(resp protocol.Response) {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResponseLocked(resp)
}

func (w workerEvents) HandleExit(err error) {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordStateLocked()
	if n := s.rejectPendingLocked(KindProcessExit, "worker exited", err); n > 0 {
		s.logger.Warn("Worker exit failed in-flight requests", "count", n)
	}
}

func (w workerEvents) HandleStartFailure(err error, willRetry bool) {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordStateLocked()
	if willRetry {
		return
	}
	if n := s.rejectQueuedLocked(KindInitialization, "worker failed to start", err); n > 0 {
		s.logger.Warn("Worker start failure rejected queued requests", "count", n)
	}
}

func (w workerEvents) HandleRestart(attempt int) {
	s := w.s
	s.metrics.WorkerRestart()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordStateLocked()
}

func (w workerEvents) HandleExhausted(err error) {
	s := w.s
	s.metrics.RestartsExhausted()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordStateLocked()
	n := s.rejectQueuedLocked(KindProcessExit, "worker is unavailable", err)
	s.logger.Error("Worker gave up restarting; requests fail until reset", "rejected", n, "err", err)
}

func (w workerEvents) HandleDiagnostic(d protocol.Diagnostic) {
	w.s.metrics.WorkerDegraded(d.Kind == protocol.DiagnosticDegraded)
}
