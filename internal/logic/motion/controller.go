package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/botross/brushcnc/internal/debug"
	"github.com/botross/brushcnc/internal/hw/stepper"
	"github.com/botross/brushcnc/internal/logic/geometry"
	"github.com/botross/brushcnc/internal/logic/homing"
	"go.uber.org/multierr"
)

var (
	// ErrUnknownAxis is returned for an axis name the machine does not have.
	ErrUnknownAxis = errors.New("unknown axis")
	// ErrBusy is returned while a homing pass owns the axes.
	ErrBusy = errors.New("homing in progress")
	// ErrTooFast is returned when a move exceeds the axis maximum frequency.
	ErrTooFast = errors.New("frequency above axis maximum")
)

// Drive is one machine axis as seen by the controller. Both a single
// *stepper.Motor and a lockstep *stepper.Gang satisfy it.
type Drive interface {
	Run(frequency float64, goal int) error
	RunAbsolute(frequency float64, setpoint int) error
	Stop()
	Zero()
	Position() int
	IsComplete() bool
	WaitContext(ctx context.Context) error
	Release() error
}

// Axis binds a drive to its limit switch and limits.
type Axis struct {
	Name         string
	Drive        Drive
	Switch       homing.Switch
	MaxFrequency float64
	TravelLength int
	Geometry     geometry.Axis
}

// AxisInfo describes the static limits of an axis.
type AxisInfo struct {
	Name         string  `json:"name"`
	MaxFrequency float64 `json:"max_frequency_hz"`
	TravelLength int     `json:"travel_steps"`
	StepsPerMM   float64 `json:"steps_per_mm,omitempty"`
}

// AxisStatus is a point-in-time snapshot of one axis.
type AxisStatus struct {
	Name       string           `json:"name"`
	Position   int              `json:"position"`
	PositionMM float64          `json:"position_mm,omitempty"`
	Complete   bool             `json:"complete"`
	Homing     string           `json:"homing_state,omitempty"`
	Motors     []stepper.Status `json:"motors"`
}

// Status is a point-in-time snapshot of the machine.
type Status struct {
	Homing        bool         `json:"homing"`
	LastHomeError string       `json:"last_home_error,omitempty"`
	Axes          []AxisStatus `json:"axes"`
}

// Controller drives the machine axes. It is the single entry point the
// CLI and the web server use; homing and manual moves exclude each other.
type Controller struct {
	axes   []Axis
	byName map[string]*Axis
	homer  *homing.Coordinator

	// mu also serializes manual move commands against claim, so a move
	// checked as not busy is issued before a homing pass can start.
	mu         sync.Mutex
	homing     bool
	cancelHome context.CancelFunc
	homeDone   chan struct{}
	lastReport *homing.Report
	lastErr    error
}

// NewController validates the axes and prepares the homing coordinator.
func NewController(axes []Axis, opts homing.Options) (*Controller, error) {
	homeAxes := make([]homing.Axis, 0, len(axes))
	for _, a := range axes {
		homeAxes = append(homeAxes, homing.Axis{
			Name:         a.Name,
			Drive:        a.Drive,
			Switch:       a.Switch,
			MaxFrequency: a.MaxFrequency,
			TravelLength: a.TravelLength,
		})
	}
	homer, err := homing.NewCoordinator(homeAxes, opts)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		axes:   append([]Axis(nil), axes...),
		byName: make(map[string]*Axis, len(axes)),
		homer:  homer,
	}
	for i := range c.axes {
		c.byName[c.axes[i].Name] = &c.axes[i]
	}
	return c, nil
}

// Axes returns the axis limits in configuration order.
func (c *Controller) Axes() []AxisInfo {
	out := make([]AxisInfo, 0, len(c.axes))
	for _, a := range c.axes {
		out = append(out, AxisInfo{
			Name:         a.Name,
			MaxFrequency: a.MaxFrequency,
			TravelLength: a.TravelLength,
			StepsPerMM:   a.Geometry.StepsPerMM,
		})
	}
	return out
}

func (c *Controller) axis(name string) (*Axis, error) {
	a, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAxis, name)
	}
	return a, nil
}

// Homing reports whether a homing pass is running.
func (c *Controller) Homing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.homing
}

// LastHome returns the report and error of the most recent homing pass.
func (c *Controller) LastHome() (*homing.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReport, c.lastErr
}

// claim marks a homing pass as running and returns the context it runs
// under. Stop cancels that context.
func (c *Controller) claim(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.homing {
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	c.homing = true
	c.cancelHome = cancel
	c.homeDone = make(chan struct{})
	return ctx, nil
}

// Home runs a homing pass on every axis and blocks until it completes,
// ctx is cancelled or Stop is called.
func (c *Controller) Home(ctx context.Context) (*homing.Report, error) {
	ctx, err := c.claim(ctx)
	if err != nil {
		return nil, err
	}
	return c.home(ctx)
}

// HomeAsync starts a homing pass in the background and calls done, if
// non-nil, with its outcome. The outcome is also kept for LastHome.
func (c *Controller) HomeAsync(ctx context.Context, done func(*homing.Report, error)) error {
	ctx, err := c.claim(ctx)
	if err != nil {
		return err
	}
	go func() {
		report, err := c.home(ctx)
		if done != nil {
			done(report, err)
		}
	}()
	return nil
}

type resetter interface {
	Reset()
}

func (c *Controller) home(ctx context.Context) (*homing.Report, error) {
	for _, a := range c.axes {
		if r, ok := a.Switch.(resetter); ok {
			r.Reset()
		}
	}

	debug.Live("Homing %d axes", len(c.axes))
	report, err := c.homer.Home(ctx)
	if err != nil {
		debug.Error(fmt.Errorf("homing: %w", err))
	}

	c.mu.Lock()
	c.homing = false
	c.cancelHome()
	c.cancelHome = nil
	close(c.homeDone)
	c.homeDone = nil
	c.lastReport = report
	c.lastErr = err
	c.mu.Unlock()
	return report, err
}

// checkMove resolves and validates a manual move. Caller holds c.mu.
func (c *Controller) checkMove(name string, frequency float64) (*Axis, error) {
	a, err := c.axis(name)
	if err != nil {
		return nil, err
	}
	if c.homing {
		return nil, ErrBusy
	}
	if frequency > a.MaxFrequency {
		return nil, fmt.Errorf("%w: axis %s %.1f Hz > %.1f Hz", ErrTooFast, name, frequency, a.MaxFrequency)
	}
	return a, nil
}

// Move starts a relative move of goal steps on the named axis.
func (c *Controller) Move(name string, frequency float64, goal int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.checkMove(name, frequency)
	if err != nil {
		return err
	}
	debug.Move(name, goal, frequency)
	if err := a.Drive.Run(frequency, goal); err != nil {
		return fmt.Errorf("move axis %s: %w", name, err)
	}
	return nil
}

// MoveTo starts a move to an absolute step position on the named axis.
func (c *Controller) MoveTo(name string, frequency float64, setpoint int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.checkMove(name, frequency)
	if err != nil {
		return err
	}
	debug.Move(name, setpoint-a.Drive.Position(), frequency)
	if err := a.Drive.RunAbsolute(frequency, setpoint); err != nil {
		return fmt.Errorf("move axis %s: %w", name, err)
	}
	return nil
}

// MoveMM starts a relative move of mm millimetres at mmPerSec.
func (c *Controller) MoveMM(name string, mmPerSec, mm float64) error {
	a, err := c.axis(name)
	if err != nil {
		return err
	}
	steps, err := a.Geometry.Steps(mm)
	if err != nil {
		return fmt.Errorf("axis %s: %w", name, err)
	}
	frequency, err := a.Geometry.Frequency(mmPerSec)
	if err != nil {
		return fmt.Errorf("axis %s: %w", name, err)
	}
	return c.Move(name, frequency, steps)
}

// Stop halts every axis. A running homing pass is cancelled and Stop
// returns once it has ended, so the axes are free for new commands.
// It must not be called from a homing OnZeroed hook.
func (c *Controller) Stop() {
	debug.Live("Stopping all axes")
	c.mu.Lock()
	cancel, done := c.cancelHome, c.homeDone
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	for _, a := range c.axes {
		a.Drive.Stop()
	}
}

// Wait blocks until every axis has finished its current run.
func (c *Controller) Wait(ctx context.Context) error {
	var err error
	for _, a := range c.axes {
		if werr := a.Drive.WaitContext(ctx); werr != nil {
			err = multierr.Append(err, fmt.Errorf("axis %s: %w", a.Name, werr))
		}
	}
	return err
}

// Release stops every axis and de-energizes its coils.
func (c *Controller) Release() error {
	var err error
	for _, a := range c.axes {
		err = multierr.Append(err, a.Drive.Release())
	}
	return err
}

// Status returns a snapshot of every axis.
func (c *Controller) Status() Status {
	states := c.homer.States()

	c.mu.Lock()
	st := Status{Homing: c.homing}
	if c.lastErr != nil {
		st.LastHomeError = c.lastErr.Error()
	}
	c.mu.Unlock()

	for _, a := range c.axes {
		as := AxisStatus{
			Name:     a.Name,
			Position: a.Drive.Position(),
			Complete: a.Drive.IsComplete(),
			Motors:   motorStatus(a.Drive),
		}
		as.PositionMM = a.Geometry.MM(as.Position)
		if s, ok := states[a.Name]; ok {
			as.Homing = s.String()
		}
		st.Axes = append(st.Axes, as)
	}
	return st
}

func motorStatus(d Drive) []stepper.Status {
	switch v := d.(type) {
	case *stepper.Motor:
		return []stepper.Status{v.Status()}
	case *stepper.Gang:
		return v.Status()
	default:
		return nil
	}
}
