// Package gpio drives the relay pins of the power board.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/camzilla/internal/debug"
)

// Level is the electrical state of a pin.
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

// PinMode is the pin direction.
type PinMode int

const (
	Input PinMode = iota
	Output
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ErrNotOutput is returned when writing a pin that was set up as an input.
var ErrNotOutput = errors.New("pin is not an output")

// Driver switches and reads pins. Reading an output pin returns the level
// last driven, which is how rail status is reported.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver returns the in-memory driver when mock is set, the Raspberry
// Pi driver otherwise.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiDriver()
}

// MockDriver keeps pin levels in memory. The zero value is usable.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	modes  map[int]PinMode
	writes int
}

func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level), modes: make(map[int]PinMode)}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if mode != Input && mode != Output {
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modes == nil {
		m.modes = make(map[int]PinMode)
	}
	m.modes[pin] = mode
	return nil
}

// WritePin drives pin. Pins never set up are treated as outputs.
func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode, ok := m.modes[pin]; ok && mode != Output {
		return fmt.Errorf("write pin %d: %w", pin, ErrNotOutput)
	}
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
	m.writes++
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.levels[pin]
	debug.GPIO("ReadPin", pin, l)
	return l, nil
}

// Writes is the number of successful WritePin calls.
func (m *MockDriver) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
