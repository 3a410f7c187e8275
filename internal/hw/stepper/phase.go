package stepper

import (
	"errors"
	"fmt"

	"github.com/botross/brushcnc/internal/hw/gpio"
	"go.uber.org/multierr"
)

// ErrNoCoils is returned when a motor is built without exactly four
// distinct coil channels.
var ErrNoCoils = errors.New("stepper: need four distinct coil pins")

// Direction selects which way the phase index moves on each step.
type Direction int

const (
	Forward Direction = 1
	Reverse Direction = -1
)

// DirectionOf returns the direction that moves toward a signed goal.
// A zero goal maps to Forward; callers treat zero as a stop before asking.
func DirectionOf(goal int) Direction {
	if goal < 0 {
		return Reverse
	}
	return Forward
}

// Delta is the signed step applied to phase index and position.
func (d Direction) Delta() int {
	return int(d)
}

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// phases is the half-step energization sequence for a 4-wire unipolar
// motor, indexed by phase (coil1..coil4).
var phases = [8][4]gpio.Level{
	{gpio.High, gpio.Low, gpio.Low, gpio.Low},
	{gpio.High, gpio.High, gpio.Low, gpio.Low},
	{gpio.Low, gpio.High, gpio.Low, gpio.Low},
	{gpio.Low, gpio.High, gpio.High, gpio.Low},
	{gpio.Low, gpio.Low, gpio.High, gpio.Low},
	{gpio.Low, gpio.Low, gpio.High, gpio.High},
	{gpio.Low, gpio.Low, gpio.Low, gpio.High},
	{gpio.High, gpio.Low, gpio.Low, gpio.High},
}

// Pattern returns the coil levels for phase index i (taken mod 8).
func Pattern(i int) [4]gpio.Level {
	return phases[((i%8)+8)%8]
}

// Coils is the phase sequencer for one motor. It owns the phase index
// and writes the matching pattern to the four coil outputs.
// Not safe for concurrent use; Motor serializes access.
type Coils struct {
	gpio  gpio.Driver
	pins  [4]int
	phase int
}

// NewCoils configures the four coil pins as outputs.
func NewCoils(g gpio.Driver, pins [4]int) (*Coils, error) {
	seen := make(map[int]bool, len(pins))
	for _, p := range pins {
		if p < 0 || seen[p] {
			return nil, fmt.Errorf("%w: %v", ErrNoCoils, pins)
		}
		seen[p] = true
	}

	var err error
	for _, p := range pins {
		err = multierr.Append(err, g.SetupPin(p, gpio.Output))
	}
	if err != nil {
		return nil, fmt.Errorf("setup coil pins %v: %w", pins, err)
	}
	return &Coils{gpio: g, pins: pins}, nil
}

// Phase returns the current phase index in [0,7].
func (c *Coils) Phase() int {
	return c.phase
}

// Step advances the phase index by one in direction d and emits the new pattern.
func (c *Coils) Step(d Direction) error {
	c.phase = (c.phase + d.Delta() + 8) % 8
	return c.emit(phases[c.phase])
}

// Energize re-emits the pattern for the current phase without moving.
func (c *Coils) Energize() error {
	return c.emit(phases[c.phase])
}

// Release drives every coil low. The phase index is kept so the next
// step continues from where the rotor was left.
func (c *Coils) Release() error {
	return c.emit([4]gpio.Level{})
}

func (c *Coils) emit(levels [4]gpio.Level) error {
	var err error
	for i, p := range c.pins {
		err = multierr.Append(err, c.gpio.WritePin(p, levels[i]))
	}
	return err
}
