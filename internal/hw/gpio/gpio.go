package gpio

import (
	"fmt"
	"sync"

	"github.com/botross/brushcnc/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Backend names accepted by NewDriver.
const (
	BackendMock     = "mock"
	BackendRPi      = "rpio"
	BackendGPIOCdev = "gpiocdev"
)

// Driver defines the abstract interface for controlling GPIOs.
// Coil outputs and limit switch inputs both go through it, so the
// stepping core never touches hardware directly.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver creates a GPIO driver for the named backend.
// chip is only used by the gpiocdev backend (e.g. "gpiochip0").
func NewDriver(backend, chip string) (Driver, error) {
	switch backend {
	case "", BackendMock:
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case BackendRPi:
		return NewRPiRealDriver()
	case BackendGPIOCdev:
		return NewCdevDriver(chip)
	default:
		return nil, fmt.Errorf("unknown gpio backend %q", backend)
	}
}

// MockDriver is an in-memory implementation used on a PC and in tests.
// Writes are remembered per pin; inputs are set with SetInput.
// It is safe for concurrent use.
type MockDriver struct {
	mu      sync.Mutex
	outputs map[int]Level
	inputs  map[int]Level
	writes  int
}

// NewMockDriver returns a MockDriver with every pin LOW.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		outputs: make(map[int]Level),
		inputs:  make(map[int]Level),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	m.outputs[pin] = level
	m.writes++
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	level := m.inputs[pin]
	m.mu.Unlock()
	debug.GPIO("ReadPin", pin, level)
	return level, nil
}

// SetInput sets the level returned by subsequent ReadPin calls on pin.
func (m *MockDriver) SetInput(pin int, level Level) {
	m.mu.Lock()
	m.inputs[pin] = level
	m.mu.Unlock()
}

// Output returns the last level written to pin.
func (m *MockDriver) Output(pin int) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputs[pin]
}

// Writes returns the total number of WritePin calls.
func (m *MockDriver) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
