package tts

import (
	"errors"
	"fmt"
	"math"
)

// Speed limits accepted by the worker.
const (
	MinSpeed     = 0.5
	MaxSpeed     = 2.0
	DefaultSpeed = 1.0
)

// ErrSpeedOutOfRange is returned when speed is outside valid range
var ErrSpeedOutOfRange = errors.New("speed must be between 0.5 and 2.0")

// SpeedSteps are the presets offered by the CLI.
var SpeedSteps = []float64{0.5, 0.75, 1.0, 1.25, 1.5, 1.75, 2.0}

// ValidateSpeed checks speed against the accepted range.
func ValidateSpeed(speed float64) error {
	if math.IsNaN(speed) || speed < MinSpeed || speed > MaxSpeed {
		return fmt.Errorf("%w, got %v", ErrSpeedOutOfRange, speed)
	}
	return nil
}

// DescribeSpeed returns a human-readable speed description.
func DescribeSpeed(speed float64) string {
	switch speed {
	case 0.5:
		return "0.5x (Half Speed)"
	case 0.75:
		return "0.75x (Slow)"
	case 1.0:
		return "1.0x (Normal)"
	case 1.25:
		return "1.25x (Fast)"
	case 1.5:
		return "1.5x (Faster)"
	case 1.75:
		return "1.75x (Very Fast)"
	case 2.0:
		return "2.0x (Double Speed)"
	default:
		return fmt.Sprintf("%.2fx", speed)
	}
}
