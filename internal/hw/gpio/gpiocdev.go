package gpio

import (
	"fmt"
	"sync"

	"github.com/botross/brushcnc/internal/debug"
	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
)

const consumer = "brushcnc"

// CdevDriver drives GPIO lines through the Linux GPIO character device
// (/dev/gpiochipN). Pin numbers are line offsets on the chip.
type CdevDriver struct {
	chip  string
	mu    sync.Mutex
	lines map[int]*cdevLine
}

type cdevLine struct {
	line *gpiocdev.Line
	mode PinMode
}

// NewCdevDriver opens lines on the named chip lazily; chip defaults to gpiochip0.
func NewCdevDriver(chip string) (*CdevDriver, error) {
	if chip == "" {
		chip = "gpiochip0"
	}
	debug.Info("Initializing GPIO character device driver (%s)", chip)
	if err := gpiocdev.IsChip(chip); err != nil {
		return nil, fmt.Errorf("gpio chip %q not available: %w", chip, err)
	}
	return &CdevDriver{
		chip:  chip,
		lines: make(map[int]*cdevLine),
	}, nil
}

func (c *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.request(pin, mode)
	return err
}

// request returns the line for pin configured in mode. Caller holds c.mu.
func (c *CdevDriver) request(pin int, mode PinMode) (*gpiocdev.Line, error) {
	if l, ok := c.lines[pin]; ok {
		if l.mode == mode {
			return l.line, nil
		}
		var err error
		switch mode {
		case Input:
			err = l.line.Reconfigure(gpiocdev.AsInput)
		case Output:
			err = l.line.Reconfigure(gpiocdev.AsOutput(0))
		}
		if err != nil {
			return nil, fmt.Errorf("reconfigure line %d: %w", pin, err)
		}
		l.mode = mode
		return l.line, nil
	}

	var opt gpiocdev.LineReqOption
	switch mode {
	case Input:
		opt = gpiocdev.AsInput
	case Output:
		opt = gpiocdev.AsOutput(0)
	default:
		return nil, fmt.Errorf("unknown pin mode: %d", mode)
	}
	line, err := gpiocdev.RequestLine(c.chip, pin, opt, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("request line %d on %s: %w", pin, c.chip, err)
	}
	c.lines[pin] = &cdevLine{line: line, mode: mode}
	return line, nil
}

func (c *CdevDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	c.mu.Lock()
	defer c.mu.Unlock()
	line, err := c.request(pin, Output)
	if err != nil {
		return err
	}
	v := 0
	if level == High {
		v = 1
	}
	return line.SetValue(v)
}

func (c *CdevDriver) ReadPin(pin int) (Level, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	line, err := c.request(pin, Input)
	if err != nil {
		return Low, err
	}
	v, err := line.Value()
	if err != nil {
		return Low, fmt.Errorf("read line %d: %w", pin, err)
	}
	debug.GPIO("ReadPin", pin, v)
	return Level(v != 0), nil
}

// Close releases every requested line. Released lines revert to the
// kernel default, which leaves the coils unpowered.
func (c *CdevDriver) Close() error {
	debug.Trace("GPIO Close (gpiocdev)")
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for pin, l := range c.lines {
		err = multierr.Append(err, l.line.Close())
		delete(c.lines, pin)
	}
	return err
}
