package queue

import "fmt"

// Slots counts requests executing on the worker against a fixed ceiling.
type Slots struct {
	ceiling int
	active  int
}

// NewSlots creates a counter. A ceiling below one is raised to one.
func NewSlots(ceiling int) *Slots {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Slots{ceiling: ceiling}
}

// TryAcquire takes a slot if one is free.
func (s *Slots) TryAcquire() bool {
	if s.active >= s.ceiling {
		return false
	}
	s.active++
	return true
}

// Release frees a slot. Releasing more than was acquired is a bug in the
// owner and panics rather than silently breaking the ceiling.
func (s *Slots) Release() {
	if s.active == 0 {
		panic(fmt.Sprintf("queue: release with no active slots (ceiling %d)", s.ceiling))
	}
	s.active--
}

// Available reports whether a slot is free.
func (s *Slots) Available() bool {
	return s.active < s.ceiling
}

// Active returns the number of slots in use.
func (s *Slots) Active() int {
	return s.active
}

// Ceiling returns the configured maximum.
func (s *Slots) Ceiling() int {
	return s.ceiling
}
