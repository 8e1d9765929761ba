package tts

import (
	"context"
	"time"
)

// Shutdown stops accepting requests, rejects everything still queued,
// gives admitted requests up to ShutdownGrace to finish and stops the
// worker. It is idempotent; concurrent callers wait for the first one and
// share its result.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Service) shutdown(ctx context.Context) error {
	began := time.Now()

	s.mu.Lock()
	s.accepting = false
	queued := s.rejectQueuedLocked(KindShutdown, "service is shutting down", nil)
	inflight := s.pending.Len()
	var drained chan struct{}
	if inflight > 0 {
		s.draining = make(chan struct{})
		drained = s.draining
	}
	s.mu.Unlock()

	s.logger.Info("Shutting down", "queued_rejected", queued, "in_flight", inflight)

	if drained != nil {
		timer := time.NewTimer(s.cfg.ShutdownGrace)
		defer timer.Stop()

		select {
		case <-drained:
		case <-timer.C:
			s.logger.Warn("In-flight requests did not finish in time", "grace", s.cfg.ShutdownGrace)
		case <-ctx.Done():
			s.logger.Warn("Shutdown interrupted", "err", ctx.Err())
		}

		s.mu.Lock()
		s.draining = nil
		if n := s.rejectPendingLocked(KindShutdown, "service is shutting down", nil); n > 0 {
			s.logger.Warn("Rejected unfinished requests", "count", n)
		}
		s.mu.Unlock()
	}

	err := s.sup.Stop(s.cfg.KillGrace)

	s.mu.Lock()
	s.recordStateLocked()
	s.mu.Unlock()

	s.logger.Info("Shutdown complete", "took", time.Since(began).Round(time.Millisecond))
	return err
}
