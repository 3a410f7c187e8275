package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/botross/brushcnc/internal/config"
	"github.com/botross/brushcnc/internal/hw/stepper"
)

// ErrNoScale is returned when an axis has no steps-per-mm calibration.
var ErrNoScale = errors.New("axis has no steps_per_mm calibration")

// Axis converts between machine units and motor steps for one axis.
type Axis struct {
	StepsPerMM float64
}

// NewAxis builds a converter from an axis configuration.
func NewAxis(cfg *config.AxisConfig) Axis {
	return Axis{StepsPerMM: cfg.StepsPerMM}
}

// Calibrated reports whether mm conversions are available.
func (a Axis) Calibrated() bool {
	return a.StepsPerMM > 0
}

// Steps converts a distance in mm to the nearest whole step count.
func (a Axis) Steps(mm float64) (int, error) {
	if !a.Calibrated() {
		return 0, ErrNoScale
	}
	return int(math.Round(mm * a.StepsPerMM)), nil
}

// Frequency converts a feed rate in mm/s to a step frequency in Hz.
// The feed rate is a speed: negative or non-finite values are rejected,
// the direction of a move lives in its distance.
func (a Axis) Frequency(mmPerSec float64) (float64, error) {
	if !a.Calibrated() {
		return 0, ErrNoScale
	}
	if math.IsNaN(mmPerSec) || math.IsInf(mmPerSec, 0) || mmPerSec < 0 {
		return 0, fmt.Errorf("%w: %v mm/s", stepper.ErrInvalidFrequency, mmPerSec)
	}
	return mmPerSec * a.StepsPerMM, nil
}

// MM converts a step count back to mm. Uncalibrated axes report 0.
func (a Axis) MM(steps int) float64 {
	if !a.Calibrated() {
		return 0
	}
	return float64(steps) / a.StepsPerMM
}
