package stepper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/botross/brushcnc/internal/debug"
	"github.com/botross/brushcnc/internal/hw/gpio"
)

// ErrInvalidFrequency is returned for negative, NaN or infinite step rates.
var ErrInvalidFrequency = errors.New("stepper: invalid frequency")

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	Name string
	Pins [4]int // coil1..coil4 channels
}

// canceler is the part of *time.Timer the scheduler needs.
type canceler interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) canceler

func timeAfterFunc(d time.Duration, f func()) canceler {
	return time.AfterFunc(d, f)
}

// run is the state of one run command, shared by every step it schedules.
type run struct {
	goal    int
	current int
	dir     Direction
	period  time.Duration
}

// task is one armed one-shot callback. A task is live only while it is
// the motor's pending task; anything else is a cancelled leftover.
type task struct {
	run   *run
	timer canceler
}

// Motor schedules steps for one unipolar stepper at a constant rate
// toward a signed step goal, tracking absolute position.
//
// Each step fires from its own timer goroutine. At most one task is
// pending per motor: a new command cancels the outstanding task before
// arming its own, and a callback that lost its slot does nothing.
type Motor struct {
	name  string
	coils *Coils

	now       func() time.Time
	afterFunc afterFunc

	mu       sync.Mutex
	position int
	lastStep time.Time
	pending  *task
	complete bool
	done     chan struct{} // closed while complete
	err      error
}

// NewStepper creates a motor controller on the given coil pins.
func NewStepper(g gpio.Driver, cfg Config) (*Motor, error) {
	coils, err := NewCoils(g, cfg.Pins)
	if err != nil {
		return nil, err
	}
	return newMotor(cfg.Name, coils, time.Now, timeAfterFunc), nil
}

func newMotor(name string, coils *Coils, now func() time.Time, af afterFunc) *Motor {
	done := make(chan struct{})
	close(done)
	return &Motor{
		name:      name,
		coils:     coils,
		now:       now,
		afterFunc: af,
		complete:  true,
		done:      done,
	}
}

// Name returns the motor name given at construction.
func (m *Motor) Name() string {
	return m.name
}

// ValidateFrequency reports whether frequency is usable by Run.
// Zero is valid: it is the stop signal.
func ValidateFrequency(frequency float64) error {
	if math.IsNaN(frequency) || math.IsInf(frequency, 0) || frequency < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidFrequency, frequency)
	}
	if frequency > 0 && float64(time.Second)/frequency >= math.MaxInt64 {
		return fmt.Errorf("%w: %v Hz is too slow", ErrInvalidFrequency, frequency)
	}
	return nil
}

// Run starts stepping toward goal (steps relative to now) at frequency
// steps per second. A zero frequency or zero goal stops the motor.
// Run does not block; use Wait or RunAndWait to join the run.
func (m *Motor) Run(frequency float64, goal int) error {
	if err := ValidateFrequency(frequency); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.start(frequency, goal)
	return nil
}

// RunAndWait is Run followed by Wait.
func (m *Motor) RunAndWait(frequency float64, goal int) error {
	if err := m.Run(frequency, goal); err != nil {
		return err
	}
	return m.Wait()
}

// RunAbsolute steps toward an absolute setpoint measured from the last Zero.
func (m *Motor) RunAbsolute(frequency float64, setpoint int) error {
	if err := ValidateFrequency(frequency); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.start(frequency, setpoint-m.position)
	return nil
}

// RunAbsoluteAndWait is RunAbsolute followed by Wait.
func (m *Motor) RunAbsoluteAndWait(frequency float64, setpoint int) error {
	if err := m.RunAbsolute(frequency, setpoint); err != nil {
		return err
	}
	return m.Wait()
}

// Stop cancels any run in progress. Equivalent to Run(0, 0).
func (m *Motor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start(0, 0)
}

// start issues a validated command. Caller holds m.mu.
func (m *Motor) start(frequency float64, goal int) {
	m.cancel()

	if frequency == 0 || goal == 0 {
		debug.Verbose("Motor %s: stop (frequency=%v goal=%d)", m.name, frequency, goal)
		m.finish(nil)
		return
	}

	r := &run{
		goal:   goal,
		dir:    DirectionOf(goal),
		period: time.Duration(float64(time.Second) / frequency),
	}
	m.begin()
	debug.Verbose("Motor %s: run %d steps %s every %v", m.name, goal, r.dir, r.period)

	elapsed := m.now().Sub(m.lastStep)
	if elapsed >= r.period {
		m.advance(r)
		return
	}
	m.arm(r, r.period-elapsed)
}

// arm schedules the next step of r after d. Caller holds m.mu and has
// already cancelled any previous task.
func (m *Motor) arm(r *run, d time.Duration) {
	t := &task{run: r}
	t.timer = m.afterFunc(d, func() { m.fire(t) })
	m.pending = t
}

// cancel stops the pending task, if any. Caller holds m.mu.
func (m *Motor) cancel() {
	if m.pending == nil {
		return
	}
	m.pending.timer.Stop()
	m.pending = nil
}

func (m *Motor) fire(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != t {
		// superseded by a later command while waiting for the lock
		return
	}
	m.pending = nil
	m.advance(t.run)
}

// advance performs one step of r and re-arms or completes. Caller holds m.mu.
func (m *Motor) advance(r *run) {
	if err := m.coils.Step(r.dir); err != nil {
		err = fmt.Errorf("motor %s: step: %w", m.name, err)
		debug.Error(err)
		m.finish(err)
		return
	}
	m.position += r.dir.Delta()
	m.lastStep = m.now()
	r.current += r.dir.Delta()
	if debug.IsEnabled(debug.LevelTrace) {
		debug.Trace("Motor %s: phase=%d position=%d", m.name, m.coils.Phase(), m.position)
	}

	if r.goal-r.current != 0 {
		m.arm(r, r.period)
		return
	}
	m.finish(nil)
}

// begin marks a run in progress. Caller holds m.mu.
func (m *Motor) begin() {
	m.err = nil
	if m.complete {
		m.complete = false
		m.done = make(chan struct{})
	}
}

// finish marks the motor complete and wakes waiters. Caller holds m.mu.
func (m *Motor) finish(err error) {
	m.err = err
	if !m.complete {
		m.complete = true
		close(m.done)
	}
}

// Zero makes the current position the reference. It does not touch the
// phase index and does not cancel a run in progress.
func (m *Motor) Zero() {
	m.mu.Lock()
	m.position = 0
	m.mu.Unlock()
}

// Position returns the step count since the last Zero.
func (m *Motor) Position() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// IsComplete reports whether no run is in progress.
func (m *Motor) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete
}

// Err returns the error that ended the last run, if it failed.
func (m *Motor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Wait blocks until the current run completes and returns its error.
// It never times out; only call it when the goal is reachable.
func (m *Motor) Wait() error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	<-done
	return m.Err()
}

// WaitContext is Wait bounded by ctx. The run keeps going if ctx ends first.
func (m *Motor) WaitContext(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release stops the motor and de-energizes its coils.
func (m *Motor) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start(0, 0)
	return m.coils.Release()
}

// Status is a point-in-time view of a motor.
type Status struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
	Phase    int    `json:"phase"`
	Complete bool   `json:"complete"`
}

// Status returns a snapshot of the motor state.
func (m *Motor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Name:     m.name,
		Position: m.position,
		Phase:    m.coils.Phase(),
		Complete: m.complete,
	}
}
