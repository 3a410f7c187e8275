package stepper

import (
	"context"

	"go.uber.org/multierr"
)

// Gang drives several motors as one lockstep unit, such as the left and
// right motors of a gantry axis. Every command goes to every member
// back-to-back, in order.
type Gang struct {
	name   string
	motors []*Motor
}

// NewGang groups motors under one name. It panics on an empty gang.
func NewGang(name string, motors ...*Motor) *Gang {
	if len(motors) == 0 {
		panic("stepper: empty gang " + name)
	}
	return &Gang{name: name, motors: motors}
}

// Name returns the gang name.
func (g *Gang) Name() string {
	return g.name
}

// Motors returns the members in command order.
func (g *Gang) Motors() []*Motor {
	return g.motors
}

// Run issues Run to every member. The frequency is checked once up front
// so a rejected command leaves every member untouched.
func (g *Gang) Run(frequency float64, goal int) error {
	if err := ValidateFrequency(frequency); err != nil {
		return err
	}
	var err error
	for _, m := range g.motors {
		err = multierr.Append(err, m.Run(frequency, goal))
	}
	return err
}

// RunAbsolute issues RunAbsolute to every member.
func (g *Gang) RunAbsolute(frequency float64, setpoint int) error {
	if err := ValidateFrequency(frequency); err != nil {
		return err
	}
	var err error
	for _, m := range g.motors {
		err = multierr.Append(err, m.RunAbsolute(frequency, setpoint))
	}
	return err
}

// Stop stops every member.
func (g *Gang) Stop() {
	for _, m := range g.motors {
		m.Stop()
	}
}

// Zero zeroes every member.
func (g *Gang) Zero() {
	for _, m := range g.motors {
		m.Zero()
	}
}

// Position returns the first member's position.
func (g *Gang) Position() int {
	return g.motors[0].Position()
}

// IsComplete reports whether every member is complete.
func (g *Gang) IsComplete() bool {
	for _, m := range g.motors {
		if !m.IsComplete() {
			return false
		}
	}
	return true
}

// Wait waits for every member and combines their errors.
func (g *Gang) Wait() error {
	var err error
	for _, m := range g.motors {
		err = multierr.Append(err, m.Wait())
	}
	return err
}

// WaitContext waits for every member, bounded by ctx.
func (g *Gang) WaitContext(ctx context.Context) error {
	var err error
	for _, m := range g.motors {
		if werr := m.WaitContext(ctx); werr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = multierr.Append(err, werr)
		}
	}
	return err
}

// Release stops and de-energizes every member.
func (g *Gang) Release() error {
	var err error
	for _, m := range g.motors {
		err = multierr.Append(err, m.Release())
	}
	return err
}

// Status returns a snapshot of every member.
func (g *Gang) Status() []Status {
	out := make([]Status, len(g.motors))
	for i, m := range g.motors {
		out[i] = m.Status()
	}
	return out
}
