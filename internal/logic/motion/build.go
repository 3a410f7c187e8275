package motion

import (
	"fmt"

	"github.com/botross/brushcnc/internal/config"
	"github.com/botross/brushcnc/internal/debug"
	"github.com/botross/brushcnc/internal/hw/gpio"
	"github.com/botross/brushcnc/internal/hw/limitswitch"
	"github.com/botross/brushcnc/internal/hw/stepper"
	"github.com/botross/brushcnc/internal/logic/geometry"
	"github.com/botross/brushcnc/internal/logic/homing"
)

// Build wires motors, the Y lockstep pair and limit switches from cfg
// onto g and returns the machine controller.
func Build(g gpio.Driver, cfg *config.Config, opts homing.Options) (*Controller, error) {
	debug.Summary("Machine")
	axes := make([]Axis, 0, len(config.AxisNames))
	for _, name := range config.AxisNames {
		ac, _ := cfg.Axis(name)

		drive, err := buildDrive(g, name, ac)
		if err != nil {
			return nil, err
		}
		sw, err := limitswitch.New(g, limitswitch.Config{
			Pin:       ac.SwitchChannel(),
			ActiveLow: ac.SwitchActiveLow,
			Samples:   cfg.Homing.SwitchSamples,
		})
		if err != nil {
			return nil, fmt.Errorf("axis %s: %w", name, err)
		}

		axes = append(axes, Axis{
			Name:         name,
			Drive:        drive,
			Switch:       sw,
			MaxFrequency: ac.MaxFrequencyHz,
			TravelLength: ac.TravelSteps,
			Geometry:     geometry.NewAxis(ac),
		})
		debug.Value("Axis "+name, fmt.Sprintf("coils=%v switch=%d max=%.0fHz travel=%d",
			ac.Coils, sw.Pin(), ac.MaxFrequencyHz, ac.TravelSteps))
	}

	debug.PrintStruct("Homing config", cfg.Homing)
	if opts.PollInterval == 0 {
		opts.PollInterval = cfg.PollInterval()
	}
	return NewController(axes, opts)
}

func buildDrive(g gpio.Driver, name string, ac *config.AxisConfig) (Drive, error) {
	if len(ac.CoilsRight) == 0 {
		m, err := stepper.NewStepper(g, stepper.Config{Name: name, Pins: ac.CoilPins()})
		if err != nil {
			return nil, fmt.Errorf("axis %s: %w", name, err)
		}
		return m, nil
	}

	left, err := stepper.NewStepper(g, stepper.Config{Name: name + "-left", Pins: ac.CoilPins()})
	if err != nil {
		return nil, fmt.Errorf("axis %s: %w", name, err)
	}
	right, err := stepper.NewStepper(g, stepper.Config{Name: name + "-right", Pins: ac.RightCoilPins()})
	if err != nil {
		return nil, fmt.Errorf("axis %s: %w", name, err)
	}
	return stepper.NewGang(name, left, right), nil
}
