package queue

import "testing"

func TestSlots_Ceiling(t *testing.T) {
	s := NewSlots(2)

	if !s.TryAcquire() || !s.TryAcquire() {
		t.Fatal("Expected two slots to be available")
	}
	if s.TryAcquire() {
		t.Error("Expected third acquire to fail")
	}
	if s.Available() {
		t.Error("Expected no slots available")
	}
	if s.Active() != 2 {
		t.Errorf("Expected 2 active, got %d", s.Active())
	}

	s.Release()
	if !s.Available() {
		t.Error("Expected a slot after release")
	}
	if !s.TryAcquire() {
		t.Error("Expected acquire after release to succeed")
	}
}

func TestSlots_MinimumCeiling(t *testing.T) {
	s := NewSlots(0)
	if s.Ceiling() != 1 {
		t.Errorf("Expected ceiling 1, got %d", s.Ceiling())
	}
}

func TestSlots_ReleaseUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on release without acquire")
		}
	}()
	NewSlots(1).Release()
}
