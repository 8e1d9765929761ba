package tts

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestError_Is(t *testing.T) {
	err := newError(KindQueueTimeout, 7, "waited 60s", nil)

	if !errors.Is(err, ErrQueueTimeout) {
		t.Error("Expected error to match its kind")
	}
	if errors.Is(err, ErrShutdown) {
		t.Error("Error matched another kind")
	}

	wrapped := fmt.Errorf("batch line 3: %w", err)
	if !errors.Is(wrapped, ErrQueueTimeout) {
		t.Error("Wrapped error lost its kind")
	}
	if KindOf(wrapped) != KindQueueTimeout {
		t.Errorf("KindOf() = %q", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf() should be empty for foreign errors")
	}
}

func TestError_Message(t *testing.T) {
	cause := errors.New("exit status 1")
	err := newError(KindProcessExit, 12, "worker exited", cause)

	want := "PROCESS_EXIT: worker exited (request 12): exit status 1"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected Unwrap to expose the cause")
	}

	if got := ErrShutdown.Error(); got != "SHUTDOWN" {
		t.Errorf("Bare sentinel message = %q", got)
	}
}

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindValidation, false},
		{KindQueueTimeout, true},
		{KindRequestTimeout, true},
		{KindGeneration, false},
		{KindProcessExit, true},
		{KindInitialization, true},
		{KindShutdown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := newError(tt.kind, 0, "", nil)
			if got := err.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
			if got := IsRetryable(fmt.Errorf("wrapped: %w", err)); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}

	if IsRetryable(errors.New("plain")) {
		t.Error("Foreign errors are not retryable")
	}
}

func TestValidateSpeed(t *testing.T) {
	tests := []struct {
		speed float64
		ok    bool
	}{
		{0.5, true},
		{1.0, true},
		{2.0, true},
		{0.49, false},
		{2.01, false},
		{-1, false},
		{math.NaN(), false},
		{math.Inf(1), false},
	}

	for _, tt := range tests {
		err := ValidateSpeed(tt.speed)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateSpeed(%v) = %v, want ok=%v", tt.speed, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrSpeedOutOfRange) {
			t.Errorf("ValidateSpeed(%v) should wrap ErrSpeedOutOfRange", tt.speed)
		}
	}
}

func TestDescribeSpeed(t *testing.T) {
	for _, s := range SpeedSteps {
		if err := ValidateSpeed(s); err != nil {
			t.Errorf("Preset %v is out of range", s)
		}
	}
	if got := DescribeSpeed(1.0); got != "1.0x (Normal)" {
		t.Errorf("DescribeSpeed(1.0) = %q", got)
	}
	if got := DescribeSpeed(1.1); got != "1.10x" {
		t.Errorf("DescribeSpeed(1.1) = %q", got)
	}
}
