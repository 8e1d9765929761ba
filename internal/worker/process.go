package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/kokorod/internal/protocol"
)

// stderrTailLines is the number of stderr lines kept for error reports.
const stderrTailLines = 50

// outputDrainDelay bounds how long the output pipes may stay open after the
// worker itself exited. Whatever it forked that still holds them is killed.
const outputDrainDelay = 2 * time.Second

// process is one spawned worker. A new one is created on every (re)start.
type process struct {
	gen int
	cmd *exec.Cmd
	pid int

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writes chan protocol.Request

	ready     chan struct{}
	readyOnce sync.Once

	// exited is closed once the process is reaped and its output drained;
	// exitErr and fatal are final then.
	exited  chan struct{}
	exitErr error

	readers sync.WaitGroup

	mu    sync.Mutex
	fatal error
	tail  []string
}

func (s *Supervisor) spawn(gen int) (*process, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = BuildEnv(s.cfg.InheritEnv, s.cfg.Env)
	configureCmd(cmd)

	p := &process{
		gen:    gen,
		cmd:    cmd,
		writes: make(chan protocol.Request, s.cfg.Backlog),
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}

	var err error
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if p.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.cfg.Command, err)
	}
	p.pid = cmd.Process.Pid

	s.logger.Debug("Worker spawned", "pid", p.pid, "generation", gen, "command", s.cfg.Command)

	p.readers.Add(2)
	go s.readStdout(p)
	go s.readStderr(p)
	go s.writeStdin(p)
	go s.wait(p)

	return p, nil
}

// readStdout frames responses and delivers them in arrival order.
func (s *Supervisor) readStdout(p *process) {
	defer p.readers.Done()

	framer := protocol.NewFramer(s.cfg.MaxLineBytes)
	buffer := make([]byte, 32*1024)
	for {
		n, err := p.stdout.Read(buffer)
		if n > 0 {
			frames, ferr := framer.Feed(buffer[:n])
			s.deliver(p, frames)
			if ferr != nil {
				// The stream cannot be resynchronised without losing a
				// response, so the worker is treated as crashed.
				s.logger.Error("Worker output exceeded line limit", "pid", p.pid, "err", ferr)
				p.fail(ferr)
				_ = forceKill(p.cmd.Process)
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				s.logger.Debug("Worker stdout read error", "pid", p.pid, "err", err)
			}
			break
		}
	}

	if frame, ok := framer.Flush(); ok {
		s.deliver(p, []protocol.Frame{frame})
	}
}

func (s *Supervisor) deliver(p *process, frames []protocol.Frame) {
	for _, f := range frames {
		if f.Err != nil {
			s.logger.Warn("Discarding malformed worker output", "pid", p.pid, "err", f.Err, "line", truncate(string(f.Raw), 200))
			continue
		}
		s.handler.HandleResponse(f.Response)
	}
}

// readStderr records the tail and classifies every line.
func (s *Supervisor) readStderr(p *process) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.remember(line)

		d := s.classifier.Classify(line)
		switch d.Kind {
		case protocol.DiagnosticReady:
			s.logger.Debug("Worker announced readiness", "pid", p.pid)
			p.markReady()
		case protocol.DiagnosticDegraded:
			s.markDegraded(p, d)
		case protocol.DiagnosticHealthy:
			s.markHealthy(p, d)
		default:
			s.logger.Debug("Worker stderr", "pid", p.pid, "line", line)
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug("Worker stderr scanner stopped", "pid", p.pid, "err", err)
	}
}

// writeStdin is the only goroutine writing to the worker.
func (s *Supervisor) writeStdin(p *process) {
	enc := protocol.NewEncoder(p.stdin)
	for {
		select {
		case req := <-p.writes:
			if err := enc.Encode(req); err != nil {
				s.logger.Error("Failed to write request to worker", "pid", p.pid, "request_id", req.RequestID, "err", err)
				p.fail(fmt.Errorf("stdin write failed: %w", err))
				_ = forceKill(p.cmd.Process)
				return
			}
		case <-p.exited:
			return
		}
	}
}

// wait reaps the process and then lets both output streams drain, so the
// exit is always reported after the last response. A forked child holding
// the pipes open must not hold up the report: once the worker is gone the
// group is killed and the pipes closed.
func (s *Supervisor) wait(p *process) {
	state, err := p.cmd.Process.Wait()
	if err == nil && !state.Success() {
		err = &exec.ExitError{ProcessState: state}
	}

	drained := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(outputDrainDelay)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		s.logger.Warn("Worker output still open after exit, killing its process group", "pid", p.pid)
		_ = forceKill(p.cmd.Process)
		select {
		case <-drained:
		case <-time.After(outputDrainDelay):
			_ = p.stdout.Close()
			_ = p.stderr.Close()
			<-drained
		}
	}
	_ = p.stdin.Close()
	_ = p.stdout.Close()
	_ = p.stderr.Close()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.exited)

	s.processExited(p)
}

// stop closes stdin, signals the group and escalates to a kill after grace.
func (p *process) stop(grace time.Duration) error {
	_ = p.stdin.Close()

	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := terminate(p.cmd.Process); err != nil {
		_ = forceKill(p.cmd.Process)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}

	if err := forceKill(p.cmd.Process); err != nil {
		return fmt.Errorf("kill worker %d: %w", p.pid, err)
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(grace + 2*outputDrainDelay):
		return fmt.Errorf("worker %d did not exit after kill", p.pid)
	}
}

func (p *process) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *process) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatal == nil {
		p.fatal = err
	}
}

func (p *process) remember(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > stderrTailLines {
		p.tail = p.tail[1:]
	}
}

// stderrTail returns up to n of the most recent stderr lines.
func (p *process) stderrTail(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.tail) {
		n = len(p.tail)
	}
	out := make([]string, n)
	copy(out, p.tail[len(p.tail)-n:])
	return out
}

// cause describes why the process ended. Only valid after exited is closed.
func (p *process) cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatal != nil {
		return p.fatal
	}
	if p.exitErr != nil {
		return p.exitErr
	}
	return errors.New("exit status 0")
}

// describe formats the exit cause with the last stderr line, if any.
func (p *process) describe() string {
	msg := p.cause().Error()
	if tail := p.stderrTail(1); len(tail) > 0 {
		msg += ": " + truncate(tail[0], 300)
	}
	return msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
