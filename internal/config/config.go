package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file Load will read.
const MaxConfigFileBytes = 1 << 20

// Axis names, in homing and display order.
const (
	AxisX = "x"
	AxisY = "y"
	AxisZ = "z"
)

// AxisNames lists every machine axis.
var AxisNames = []string{AxisX, AxisY, AxisZ}

// AxisConfig holds the wiring and limits of one axis.
type AxisConfig struct {
	Coils           []int   `yaml:"coils"`             // coil1..coil4 output channels (BCM or line offsets)
	CoilsRight      []int   `yaml:"coils_right"`       // second motor of a lockstep pair (Y only)
	SwitchPin       *int    `yaml:"switch_pin"`        // home limit switch input channel, required
	SwitchActiveLow bool    `yaml:"switch_active_low"` // switch pulls the input LOW when pressed
	MaxFrequencyHz  float64 `yaml:"max_frequency_hz"`  // fastest step rate the axis tolerates
	TravelSteps     int     `yaml:"travel_steps"`      // full travel length in steps
	StepsPerMM      float64 `yaml:"steps_per_mm"`      // 0 = mm moves unavailable
}

// AxesConfig groups the three machine axes.
type AxesConfig struct {
	X AxisConfig `yaml:"x"`
	Y AxisConfig `yaml:"y"`
	Z AxisConfig `yaml:"z"`
}

// HomingConfig tunes the homing pass.
type HomingConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"` // 0 = poll switches without delay
	SwitchSamples  int `yaml:"switch_samples"`   // consecutive active reads to count as pressed
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel  int    `yaml:"debug_level"`  // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	GPIOBackend string `yaml:"gpio_backend"` // "mock", "rpio" or "gpiocdev"
	GPIOChip    string `yaml:"gpio_chip"`    // gpiocdev chip, e.g. "gpiochip0"
}

// WebConfig configures the control server.
type WebConfig struct {
	Port int `yaml:"port"`
}

// Config aggregates all application configuration.
type Config struct {
	Axes     AxesConfig     `yaml:"axes"`
	Homing   HomingConfig   `yaml:"homing"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Web      WebConfig      `yaml:"web"`
}

// ValidateConfigPath accepts only .yaml files inside a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Homing.SwitchSamples <= 0 {
		c.Homing.SwitchSamples = 1
	}
	if c.Defaults.GPIOBackend == "" {
		c.Defaults.GPIOBackend = "mock"
	}
	if c.Defaults.GPIOChip == "" {
		c.Defaults.GPIOChip = "gpiochip0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
}

// Validate checks wiring and limits of every axis.
func (c *Config) Validate() error {
	switch c.Defaults.GPIOBackend {
	case "mock", "rpio", "gpiocdev":
	default:
		return fmt.Errorf("defaults.gpio_backend must be mock, rpio or gpiocdev, got %q", c.Defaults.GPIOBackend)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Homing.PollIntervalMs < 0 {
		return fmt.Errorf("homing.poll_interval_ms must be >= 0, got %d", c.Homing.PollIntervalMs)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 1-65535, got %d", c.Web.Port)
	}

	used := make(map[int]string)
	claim := func(pin int, owner string) error {
		if pin < 0 {
			return fmt.Errorf("%s: channel %d not configured", owner, pin)
		}
		if prev, ok := used[pin]; ok {
			return fmt.Errorf("%s: channel %d already used by %s", owner, pin, prev)
		}
		used[pin] = owner
		return nil
	}

	for _, name := range AxisNames {
		a, _ := c.Axis(name)
		prefix := "axes." + name
		if len(a.Coils) != 4 {
			return fmt.Errorf("%s.coils needs 4 channels, got %d", prefix, len(a.Coils))
		}
		for _, p := range a.Coils {
			if err := claim(p, prefix+".coils"); err != nil {
				return err
			}
		}
		if name == AxisY {
			if len(a.CoilsRight) != 4 {
				return fmt.Errorf("%s.coils_right needs 4 channels, got %d", prefix, len(a.CoilsRight))
			}
			for _, p := range a.CoilsRight {
				if err := claim(p, prefix+".coils_right"); err != nil {
					return err
				}
			}
		} else if len(a.CoilsRight) != 0 {
			return fmt.Errorf("%s.coils_right is only valid on the y axis", prefix)
		}
		if a.SwitchPin == nil {
			return fmt.Errorf("%s.switch_pin is required", prefix)
		}
		if err := claim(*a.SwitchPin, prefix+".switch_pin"); err != nil {
			return err
		}
		if !(a.MaxFrequencyHz > 0) {
			return fmt.Errorf("%s.max_frequency_hz must be > 0, got %v", prefix, a.MaxFrequencyHz)
		}
		if a.TravelSteps <= 0 {
			return fmt.Errorf("%s.travel_steps must be > 0, got %d", prefix, a.TravelSteps)
		}
		if a.StepsPerMM < 0 {
			return fmt.Errorf("%s.steps_per_mm must be >= 0, got %v", prefix, a.StepsPerMM)
		}
	}
	return nil
}

// Axis returns the configuration of the named axis.
func (c *Config) Axis(name string) (*AxisConfig, bool) {
	switch name {
	case AxisX:
		return &c.Axes.X, true
	case AxisY:
		return &c.Axes.Y, true
	case AxisZ:
		return &c.Axes.Z, true
	default:
		return nil, false
	}
}

// PollInterval returns the delay between homing switch polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Homing.PollIntervalMs) * time.Millisecond
}

// SwitchChannel returns the home switch input channel, or -1 if unset.
func (a *AxisConfig) SwitchChannel() int {
	if a.SwitchPin == nil {
		return -1
	}
	return *a.SwitchPin
}

// CoilPins returns the first four coil channels as an array.
func (a *AxisConfig) CoilPins() [4]int {
	var p [4]int
	copy(p[:], a.Coils)
	return p
}

// RightCoilPins returns the lockstep partner's coil channels.
func (a *AxisConfig) RightCoilPins() [4]int {
	var p [4]int
	copy(p[:], a.CoilsRight)
	return p
}
