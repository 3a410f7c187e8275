package limitswitch

import (
	"fmt"
	"sync"

	"github.com/botross/brushcnc/internal/debug"
	"github.com/botross/brushcnc/internal/hw/gpio"
)

// Config describes one limit switch input.
type Config struct {
	Pin       int
	ActiveLow bool // switch pulls the line LOW when pressed
	Samples   int  // consecutive active reads required; 0 or 1 = single read
}

// Switch reads a mechanical limit switch through the GPIO driver.
type Switch struct {
	gpio    gpio.Driver
	pin     int
	active  gpio.Level
	samples int
	mu      sync.Mutex
	streak  int
}

// New configures pin as an input and returns the switch reader.
func New(g gpio.Driver, cfg Config) (*Switch, error) {
	if cfg.Pin < 0 {
		return nil, fmt.Errorf("limit switch pin %d not configured", cfg.Pin)
	}
	if err := g.SetupPin(cfg.Pin, gpio.Input); err != nil {
		return nil, fmt.Errorf("setup switch pin %d: %w", cfg.Pin, err)
	}
	samples := cfg.Samples
	if samples < 1 {
		samples = 1
	}
	active := gpio.High
	if cfg.ActiveLow {
		active = gpio.Low
	}
	return &Switch{
		gpio:    g,
		pin:     cfg.Pin,
		active:  active,
		samples: samples,
	}, nil
}

// Pin returns the input channel.
func (s *Switch) Pin() int {
	return s.pin
}

// Triggered reads the input once and reports whether the switch has read
// active on the last Samples consecutive calls.
func (s *Switch) Triggered() (bool, error) {
	level, err := s.gpio.ReadPin(s.pin)
	if err != nil {
		return false, fmt.Errorf("read switch pin %d: %w", s.pin, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if level != s.active {
		s.streak = 0
		return false, nil
	}
	if s.streak < s.samples {
		s.streak++
	}
	if s.streak >= s.samples {
		debug.Trace("Switch pin %d triggered", s.pin)
		return true, nil
	}
	return false, nil
}

// Reset clears the consecutive-read count.
func (s *Switch) Reset() {
	s.mu.Lock()
	s.streak = 0
	s.mu.Unlock()
}
