package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/kokorod/internal/protocol"
	"github.com/dgnsrekt/kokorod/internal/ttypes"
	"github.com/dgnsrekt/kokorod/internal/worker/workertest"
)

func TestMain(m *testing.M) {
	if workertest.IsWorker() {
		workertest.Run()
	}
	os.Exit(m.Run())
}

// recorder collects handler events for assertions.
type recorder struct {
	mu          sync.Mutex
	responses   chan protocol.Response
	ready       chan int
	exits       chan error
	startFails  []bool
	restarts    []int
	exhausted   chan error
	diagnostics []protocol.Diagnostic
}

func newRecorder() *recorder {
	return &recorder{
		responses: make(chan protocol.Response, 64),
		ready:     make(chan int, 16),
		exits:     make(chan error, 16),
		exhausted: make(chan error, 4),
	}
}

func (r *recorder) HandleReady(pid int)                  { r.ready <- pid }
func (r *recorder) HandleResponse(resp protocol.Response) { r.responses <- resp }
func (r *recorder) HandleExit(err error)                 { r.exits <- err }
func (r *recorder) HandleExhausted(err error)            { r.exhausted <- err }

func (r *recorder) HandleStartFailure(_ error, willRetry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startFails = append(r.startFails, willRetry)
}

func (r *recorder) HandleRestart(attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts = append(r.restarts, attempt)
}

func (r *recorder) HandleDiagnostic(d protocol.Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagnostics = append(r.diagnostics, d)
}

func (r *recorder) restartAttempts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.restarts...)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func fakeConfig(env map[string]string) Config {
	cmd, args := workertest.Command()
	return Config{
		Command:         cmd,
		Args:            args,
		Env:             env,
		StartupTimeout:  5 * time.Second,
		MaxRestarts:     3,
		RestartCooldown: 10 * time.Millisecond,
	}
}

func newSupervisor(t *testing.T, cfg Config, h Handler) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(cfg, h, quietLogger())
	if err != nil {
		t.Fatalf("NewSupervisor failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(time.Second) })
	return s
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestSupervisor_StartAndRoundTrip(t *testing.T) {
	rec := newRecorder()
	s := newSupervisor(t, fakeConfig(workertest.Env(workertest.ModeNormal, 0)), rec)

	if err := s.Send(protocol.Request{RequestID: 1, Text: "x"}); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady before start, got %v", err)
	}

	if err := s.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	pid := recv(t, rec.ready, "ready")

	snap := s.Snapshot()
	if snap.State != ttypes.WorkerReady {
		t.Errorf("Expected ready state, got %s", snap.State)
	}
	if snap.PID != pid || pid == 0 {
		t.Errorf("Expected pid %d in snapshot, got %d", pid, snap.PID)
	}

	if err := s.Send(protocol.Request{RequestID: 7, Text: "hello", Speed: 1}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	resp := recv(t, rec.responses, "response")
	if id, ok := resp.ID(); !ok || id != 7 {
		t.Errorf("Expected response id 7, got %d (%v)", id, ok)
	}
	if !resp.Success || resp.AudioData == "" {
		t.Errorf("Expected successful response with audio, got %+v", resp)
	}
}

func TestSupervisor_ConcurrentEnsureReadySpawnsOnce(t *testing.T) {
	rec := newRecorder()
	env := workertest.WithReadyDelay(workertest.Env(workertest.ModeNormal, 0), 100*time.Millisecond)
	s := newSupervisor(t, fakeConfig(env), rec)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureReady(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureReady failed: %v", err)
		}
	}
	if spawns := s.Snapshot().Spawns; spawns != 1 {
		t.Errorf("Expected a single spawn, got %d", spawns)
	}
}

func TestSupervisor_StartupTimeout(t *testing.T) {
	rec := newRecorder()
	cfg := fakeConfig(workertest.Env(workertest.ModeNoReady, 0))
	cfg.StartupTimeout = 100 * time.Millisecond
	cfg.MaxRestarts = 0
	s := newSupervisor(t, cfg, rec)

	err := s.EnsureReady(context.Background())
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Expected ErrStartupTimeout, got %v", err)
	}
	recv(t, rec.exhausted, "exhausted")

	if err := s.EnsureReady(context.Background()); !errors.Is(err, ErrRestartsExhausted) {
		t.Errorf("Expected ErrRestartsExhausted, got %v", err)
	}
}

func TestSupervisor_ExitBeforeReadyIncludesStderr(t *testing.T) {
	rec := newRecorder()
	cfg := fakeConfig(workertest.Env(workertest.ModeExitOnStart, 0))
	cfg.MaxRestarts = 0
	s := newSupervisor(t, cfg, rec)

	err := s.EnsureReady(context.Background())
	if !errors.Is(err, ErrExitedBeforeReady) {
		t.Fatalf("Expected ErrExitedBeforeReady, got %v", err)
	}
	if !strings.Contains(err.Error(), "fake model load error") {
		t.Errorf("Expected stderr tail in error, got %q", err)
	}
}

func TestSupervisor_RestartBudgetExhausted(t *testing.T) {
	rec := newRecorder()
	cfg := fakeConfig(workertest.Env(workertest.ModeExitOnStart, 0))
	cfg.MaxRestarts = 3
	s := newSupervisor(t, cfg, rec)

	if err := s.EnsureReady(context.Background()); err == nil {
		t.Fatal("Expected start failure")
	}
	recv(t, rec.exhausted, "exhausted")

	// One lazy spawn plus three restarts.
	snap := s.Snapshot()
	if snap.Spawns != 4 {
		t.Errorf("Expected 4 spawns, got %d", snap.Spawns)
	}
	if snap.Attempts != 3 || !snap.Exhausted {
		t.Errorf("Expected 3 exhausted attempts, got %d exhausted=%v", snap.Attempts, snap.Exhausted)
	}
	if got := rec.restartAttempts(); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("Expected restart attempts [1 2 3], got %v", got)
	}

	// No further spawn after exhaustion.
	time.Sleep(50 * time.Millisecond)
	if err := s.EnsureReady(context.Background()); !errors.Is(err, ErrRestartsExhausted) {
		t.Errorf("Expected ErrRestartsExhausted, got %v", err)
	}
	if spawns := s.Snapshot().Spawns; spawns != 4 {
		t.Errorf("Expected no spawn after exhaustion, got %d", spawns)
	}

	s.ResetRestarts()
	if snap := s.Snapshot(); snap.Exhausted || snap.Attempts != 0 {
		t.Errorf("Expected reset budget, got %+v", snap)
	}
}

func TestSupervisor_RecoversAfterFailedStarts(t *testing.T) {
	rec := newRecorder()
	dir := t.TempDir()
	env := workertest.WithFailFirst(workertest.Env(workertest.ModeNormal, 0), dir, 2)
	s := newSupervisor(t, fakeConfig(env), rec)

	if err := s.EnsureReady(context.Background()); err == nil {
		t.Fatal("Expected the first spawn to fail")
	}
	recv(t, rec.ready, "ready after restarts")

	snap := s.Snapshot()
	if snap.State != ttypes.WorkerReady {
		t.Errorf("Expected ready, got %s", snap.State)
	}
	if snap.Attempts != 0 {
		t.Errorf("Expected attempts reset after success, got %d", snap.Attempts)
	}
	if got := workertest.Spawns(dir); got != 3 {
		t.Errorf("Expected 3 spawns, got %d", got)
	}
}

func TestSupervisor_CrashReportsExitThenRestarts(t *testing.T) {
	rec := newRecorder()
	s := newSupervisor(t, fakeConfig(workertest.Env(workertest.ModeNormal, 0)), rec)

	if err := s.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	first := recv(t, rec.ready, "ready")

	if err := s.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	err := recv(t, rec.exits, "exit")
	if !errors.Is(err, ErrProcessExited) {
		t.Errorf("Expected ErrProcessExited, got %v", err)
	}

	second := recv(t, rec.ready, "ready after restart")
	if second == first {
		t.Errorf("Expected a new pid after restart, got %d twice", first)
	}
	if got := rec.restartAttempts(); len(got) != 1 || got[0] != 1 {
		t.Errorf("Expected one restart attempt, got %v", got)
	}
}

func TestSupervisor_ResponsesBeforeExit(t *testing.T) {
	rec := newRecorder()
	cfg := fakeConfig(workertest.Env(workertest.ModeCrashOnRequest, 0))
	cfg.MaxRestarts = 0
	s := newSupervisor(t, cfg, rec)

	if err := s.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if err := s.Send(protocol.Request{RequestID: 1, Text: "boom"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	err := recv(t, rec.exits, "exit")
	if !strings.Contains(err.Error(), "segmentation fault") {
		t.Errorf("Expected stderr tail in exit error, got %q", err)
	}
	recv(t, rec.exhausted, "exhausted")
}

func TestSupervisor_ExitReportedWhileChildHoldsOutput(t *testing.T) {
	rec := newRecorder()
	s := newSupervisor(t, fakeConfig(workertest.Env(workertest.ModeOrphan, 0)), rec)

	if err := s.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	first := recv(t, rec.ready, "ready")

	began := time.Now()
	if err := s.Send(protocol.Request{RequestID: 1, Text: "hi"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	err := recv(t, rec.exits, "exit with child still running")
	if !errors.Is(err, ErrProcessExited) {
		t.Errorf("Expected ErrProcessExited, got %v", err)
	}
	if elapsed := time.Since(began); elapsed > outputDrainDelay+2*time.Second {
		t.Errorf("Exit reported after %v", elapsed)
	}

	second := recv(t, rec.ready, "ready after restart")
	if second == first {
		t.Errorf("Expected a new pid after restart, got %d twice", first)
	}
}

func TestSupervisor_MalformedOutputSkipped(t *testing.T) {
	rec := newRecorder()
	s := newSupervisor(t, fakeConfig(workertest.Env(workertest.ModeNoisy, 0)), rec)

	if err := s.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if err := s.Send(protocol.Request{RequestID: 3, Text: "hi"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	resp := recv(t, rec.responses, "response")
	if id, _ := resp.ID(); id != 3 {
		t.Errorf("Expected id 3 after garbage line, got %d", id)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !s.Snapshot().Degraded && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !s.Snapshot().Degraded {
		t.Error("Expected degraded health after stderr error")
	}

	s.ClearDegraded()
	if s.Snapshot().Degraded {
		t.Error("Expected ClearDegraded to clear health")
	}
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	rec := newRecorder()
	s := newSupervisor(t, fakeConfig(workertest.Env(workertest.ModeSilent, 0)), rec)

	if err := s.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if err := s.Stop(time.Second); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := s.Stop(time.Second); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}

	select {
	case err := <-rec.exits:
		t.Errorf("Expected no exit event on requested stop, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := s.EnsureReady(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown after stop, got %v", err)
	}
	if err := s.Send(protocol.Request{RequestID: 1}); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady after stop, got %v", err)
	}
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("KOKOROD_TEST_KEEP", "yes")
	t.Setenv("KOKOROD_TEST_DROP", "no")

	env := BuildEnv([]string{"KOKOROD_TEST_KEEP"}, map[string]string{
		"KOKORO_DEVICE":     "cpu",
		"KOKOROD_TEST_KEEP": "override",
	})

	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "KOKOROD_TEST_DROP") {
		t.Error("Expected non-allowlisted variable to be dropped")
	}
	if !strings.Contains(joined, "KOKOROD_TEST_KEEP=override") {
		t.Error("Expected explicit variable to win over inherited one")
	}
	if !strings.Contains(joined, "KOKORO_DEVICE=cpu") {
		t.Error("Expected explicit variable to be set")
	}
	for i := 1; i < len(env); i++ {
		if env[i-1] > env[i] {
			t.Fatalf("Expected sorted env, got %v", env)
		}
	}
}

func TestNewSupervisor_Validation(t *testing.T) {
	if _, err := NewSupervisor(Config{}, nil, quietLogger()); err == nil {
		t.Error("Expected error for empty command")
	}
	if _, err := NewSupervisor(Config{Command: "x", ErrorPattern: "("}, nil, quietLogger()); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}
