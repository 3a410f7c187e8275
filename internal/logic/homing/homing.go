package homing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/botross/brushcnc/internal/debug"
)

// Drive is the stepping surface homing needs from an axis. Both a single
// motor and a lockstep gang satisfy it.
type Drive interface {
	Run(frequency float64, goal int) error
	Stop()
	Zero()
}

// Switch reports whether an axis limit switch is pressed.
type Switch interface {
	Triggered() (bool, error)
}

// Axis is one homed axis: its drive, its home switch and its limits.
type Axis struct {
	Name         string
	Drive        Drive
	Switch       Switch
	MaxFrequency float64 // steps/s
	TravelLength int     // steps
}

// State of one axis during a homing pass.
type State int

const (
	Homing State = iota
	Zeroed
)

func (s State) String() string {
	if s == Zeroed {
		return "zeroed"
	}
	return "homing"
}

// Options tune a Coordinator. The zero value polls without delay.
type Options struct {
	// PollInterval is slept between polls of the switches. 0 busy-polls.
	PollInterval time.Duration
	// OnZeroed, if set, is called as each axis is zeroed.
	OnZeroed func(axis string, iteration int)
}

// Report describes a finished homing pass.
type Report struct {
	Iterations int            `json:"iterations"`
	ZeroedAt   map[string]int `json:"zeroed_at"` // poll iteration each axis zeroed on
}

// Coordinator drives every axis toward its home switch at once and zeroes
// each axis independently as its switch trips.
type Coordinator struct {
	axes []Axis
	opts Options

	mu     sync.Mutex
	states map[string]State
}

// NewCoordinator validates the axes and returns a coordinator for them.
func NewCoordinator(axes []Axis, opts Options) (*Coordinator, error) {
	if len(axes) == 0 {
		return nil, errors.New("homing: no axes")
	}
	seen := make(map[string]bool, len(axes))
	for _, a := range axes {
		switch {
		case a.Name == "":
			return nil, errors.New("homing: axis without a name")
		case seen[a.Name]:
			return nil, fmt.Errorf("homing: duplicate axis %q", a.Name)
		case a.Drive == nil || a.Switch == nil:
			return nil, fmt.Errorf("homing: axis %q needs a drive and a switch", a.Name)
		case !(a.MaxFrequency > 0):
			return nil, fmt.Errorf("homing: axis %q max frequency must be > 0", a.Name)
		case a.TravelLength <= 0:
			return nil, fmt.Errorf("homing: axis %q travel length must be > 0", a.Name)
		}
		seen[a.Name] = true
	}
	return &Coordinator{
		axes:   axes,
		opts:   opts,
		states: make(map[string]State, len(axes)),
	}, nil
}

// States returns the per-axis state of the current or last pass.
func (c *Coordinator) States() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.states))
	for k, v := range c.states {
		out[k] = v
	}
	return out
}

func (c *Coordinator) setState(axis string, s State) {
	c.mu.Lock()
	c.states[axis] = s
	c.mu.Unlock()
}

// Home runs every axis toward its negative limit at half its maximum
// frequency and returns once every axis has hit its switch and been
// zeroed. There is no timeout: a switch that never trips keeps Home
// polling until ctx is cancelled, which stops the axes still moving.
func (c *Coordinator) Home(ctx context.Context) (*Report, error) {
	report := &Report{ZeroedAt: make(map[string]int, len(c.axes))}
	homing := make([]Axis, 0, len(c.axes))

	for _, a := range c.axes {
		c.setState(a.Name, Homing)
	}
	for _, a := range c.axes {
		debug.Move(a.Name, -a.TravelLength, a.MaxFrequency/2)
		if err := a.Drive.Run(a.MaxFrequency/2, -a.TravelLength); err != nil {
			c.stop(homing)
			c.stop([]Axis{a})
			return report, fmt.Errorf("home axis %s: %w", a.Name, err)
		}
		homing = append(homing, a)
	}

	var ticker *time.Ticker
	if c.opts.PollInterval > 0 {
		ticker = time.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()
	}

	for iteration := 1; len(homing) > 0; iteration++ {
		select {
		case <-ctx.Done():
			c.stop(homing)
			return report, ctx.Err()
		default:
		}
		report.Iterations = iteration

		pending := make([]Axis, 0, len(homing))
		for i, a := range homing {
			tripped, err := a.Switch.Triggered()
			if err != nil {
				c.stop(append(pending, homing[i:]...))
				return report, fmt.Errorf("home axis %s: %w", a.Name, err)
			}
			if !tripped {
				pending = append(pending, a)
				continue
			}
			a.Drive.Stop()
			a.Drive.Zero()
			c.setState(a.Name, Zeroed)
			report.ZeroedAt[a.Name] = iteration
			debug.Zeroed(a.Name, iteration)
			if c.opts.OnZeroed != nil {
				c.opts.OnZeroed(a.Name, iteration)
			}
		}
		homing = pending

		if ticker != nil && len(homing) > 0 {
			select {
			case <-ctx.Done():
				c.stop(homing)
				return report, ctx.Err()
			case <-ticker.C:
			}
		}
	}

	debug.Info("Homing complete after %d polls", report.Iterations)
	return report, nil
}

func (c *Coordinator) stop(axes []Axis) {
	for _, a := range axes {
		a.Drive.Stop()
	}
}
