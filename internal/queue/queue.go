package queue

import (
	"container/list"
	"time"
)

// Entry is a value waiting for admission.
type Entry[T any] struct {
	Value      T
	EnqueuedAt time.Time

	elem  *list.Element
	timer *time.Timer
}

// Waited returns how long the entry has been queued.
func (e *Entry[T]) Waited() time.Duration {
	return time.Since(e.EnqueuedAt)
}

// Stats tracks queue activity.
type Stats struct {
	TotalEnqueued int64
	TotalAdmitted int64
	TotalExpired  int64
	TotalRemoved  int64
	CurrentSize   int
	PeakSize      int
	TotalWait     time.Duration
}

// AverageWait returns the mean time admitted entries spent queued.
func (s Stats) AverageWait() time.Duration {
	if s.TotalAdmitted == 0 {
		return 0
	}
	return s.TotalWait / time.Duration(s.TotalAdmitted)
}

// FIFO is a first-in first-out queue whose entries expire after a timeout.
type FIFO[T any] struct {
	items   *list.List
	timeout time.Duration
	stats   Stats
}

// NewFIFO creates a queue. timeout <= 0 disables expiry.
func NewFIFO[T any](timeout time.Duration) *FIFO[T] {
	return &FIFO[T]{
		items:   list.New(),
		timeout: timeout,
	}
}

// Push appends v and arms its queue timeout. onExpire runs on a timer
// goroutine; it must lock the owner and call Expire, which reports whether
// the entry was still queued.
func (q *FIFO[T]) Push(v T, onExpire func(*Entry[T])) *Entry[T] {
	e := &Entry[T]{Value: v, EnqueuedAt: time.Now()}
	e.elem = q.items.PushBack(e)

	if q.timeout > 0 && onExpire != nil {
		e.timer = time.AfterFunc(q.timeout, func() { onExpire(e) })
	}

	q.stats.TotalEnqueued++
	if n := q.items.Len(); n > q.stats.PeakSize {
		q.stats.PeakSize = n
	}
	return e
}

// Pop removes the oldest entry and cancels its timer.
func (q *FIFO[T]) Pop() (*Entry[T], bool) {
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	e := front.Value.(*Entry[T])
	q.unlink(e)

	q.stats.TotalAdmitted++
	q.stats.TotalWait += e.Waited()
	return e, true
}

// Peek returns the oldest entry without removing it.
func (q *FIFO[T]) Peek() (*Entry[T], bool) {
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(*Entry[T]), true
}

// Expire removes an entry whose timer fired. It returns false when the entry
// was already admitted or removed, in which case the caller must do nothing.
func (q *FIFO[T]) Expire(e *Entry[T]) bool {
	if !q.unlink(e) {
		return false
	}
	q.stats.TotalExpired++
	return true
}

// Remove takes an entry out of the queue, e.g. when its caller gave up.
func (q *FIFO[T]) Remove(e *Entry[T]) bool {
	if !q.unlink(e) {
		return false
	}
	q.stats.TotalRemoved++
	return true
}

// Drain empties the queue in FIFO order, cancelling every timer.
func (q *FIFO[T]) Drain() []*Entry[T] {
	drained := make([]*Entry[T], 0, q.items.Len())
	for {
		front := q.items.Front()
		if front == nil {
			break
		}
		e := front.Value.(*Entry[T])
		q.unlink(e)
		q.stats.TotalRemoved++
		drained = append(drained, e)
	}
	return drained
}

// Len returns the number of queued entries.
func (q *FIFO[T]) Len() int {
	return q.items.Len()
}

// Stats returns queue statistics.
func (q *FIFO[T]) Stats() Stats {
	s := q.stats
	s.CurrentSize = q.items.Len()
	return s
}

func (q *FIFO[T]) unlink(e *Entry[T]) bool {
	if e == nil || e.elem == nil {
		return false
	}
	q.items.Remove(e.elem)
	e.elem = nil
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}
