// Package correlator matches worker responses to the requests that produced
// them and enforces a deadline per admitted request.
//
// A Table is not safe for concurrent use. Its owner serializes calls and
// takes the same lock inside the timeout callback before calling Expire.
package correlator

import (
	"sort"
	"time"
)

// Entry is a request currently executing on the worker.
type Entry[T any] struct {
	ID         uint64
	Value      T
	AdmittedAt time.Time

	timer *time.Timer
	live  bool
}

// Elapsed returns how long the entry has been executing.
func (e *Entry[T]) Elapsed() time.Duration {
	return time.Since(e.AdmittedAt)
}

// Table holds pending entries keyed by request id.
//
// It also keeps the ids written to the worker in send order, expired ones
// included, until each is answered. A worker that does not echo ids answers
// one request at a time in that order, so an id-less response belongs to the
// oldest unanswered id.
type Table[T any] struct {
	entries map[uint64]*Entry[T]
	timeout time.Duration
	lastID  uint64
	sent    []uint64
}

// New creates a table. timeout <= 0 disables request deadlines.
func New[T any](timeout time.Duration) *Table[T] {
	return &Table[T]{
		entries: make(map[uint64]*Entry[T]),
		timeout: timeout,
	}
}

// NextID allocates the next request id. Ids increase monotonically for the
// lifetime of the table and are never reused, across worker restarts too.
func (t *Table[T]) NextID() uint64 {
	t.lastID++
	return t.lastID
}

// LastID returns the most recently allocated id.
func (t *Table[T]) LastID() uint64 {
	return t.lastID
}

// Add registers an admitted request and arms its deadline. onTimeout runs on
// a timer goroutine; it must lock the owner and call Expire.
func (t *Table[T]) Add(id uint64, v T, onTimeout func(*Entry[T])) *Entry[T] {
	e := &Entry[T]{ID: id, Value: v, AdmittedAt: time.Now(), live: true}
	t.entries[id] = e
	if t.timeout > 0 && onTimeout != nil {
		e.timer = time.AfterFunc(t.timeout, func() { onTimeout(e) })
	}
	return e
}

// Resolve removes the entry for id and cancels its deadline.
// It returns false for ids that are unknown, expired or already resolved.
func (t *Table[T]) Resolve(id uint64) (*Entry[T], bool) {
	t.answered(id)
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	t.remove(e)
	return e, true
}

// Sent records that id was written to the worker.
func (t *Table[T]) Sent(id uint64) {
	t.sent = append(t.sent, id)
}

// ResolveOldest consumes the oldest unanswered id and resolves its entry.
// The id is consumed even when its entry already expired; ok is then false
// and the response must be dropped. id is zero when nothing was outstanding.
func (t *Table[T]) ResolveOldest() (id uint64, e *Entry[T], ok bool) {
	if len(t.sent) == 0 {
		return 0, nil, false
	}
	id = t.sent[0]
	e, ok = t.Resolve(id)
	return id, e, ok
}

// Outstanding returns how many sent ids are still unanswered.
func (t *Table[T]) Outstanding() int {
	return len(t.sent)
}

func (t *Table[T]) answered(id uint64) {
	for i, v := range t.sent {
		if v == id {
			t.sent = append(t.sent[:i], t.sent[i+1:]...)
			return
		}
	}
}

// Expire removes an entry whose deadline fired. It returns false if the
// entry was resolved in the meantime.
func (t *Table[T]) Expire(e *Entry[T]) bool {
	if e == nil || !e.live || t.entries[e.ID] != e {
		return false
	}
	t.remove(e)
	return true
}

// Drain removes every entry, ordered by id, cancelling their deadlines. The
// sent ids are forgotten too; a new worker starts with none outstanding.
func (t *Table[T]) Drain() []*Entry[T] {
	t.sent = nil
	drained := make([]*Entry[T], 0, len(t.entries))
	for _, e := range t.entries {
		drained = append(drained, e)
	}
	sort.Slice(drained, func(i, j int) bool { return drained[i].ID < drained[j].ID })
	for _, e := range drained {
		t.remove(e)
	}
	return drained
}

// Len returns the number of pending entries.
func (t *Table[T]) Len() int {
	return len(t.entries)
}

func (t *Table[T]) remove(e *Entry[T]) {
	delete(t.entries, e.ID)
	e.live = false
	if e.timer != nil {
		e.timer.Stop()
	}
}
