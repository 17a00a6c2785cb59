package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/cjeanneret/camzilla/internal/debug"
)

// RPiDriver switches the relay pins through go-rpio's memory map.
type RPiDriver struct {
	mu    sync.Mutex
	modes map[int]PinMode
}

// NewRPiDriver maps the GPIO registers. It needs /dev/gpiomem or root.
func NewRPiDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}
	debug.Verbose("GPIO memory mapped successfully")
	return &RPiDriver{modes: make(map[int]PinMode)}, nil
}

// SetupPin sets the direction only. The level register is left alone so
// a restart does not switch rails.
func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setup(pin, mode)
}

func (r *RPiDriver) setup(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.modes[pin] = mode
	return nil
}

// WritePin drives pin, setting it up as an output on first use.
func (r *RPiDriver) WritePin(pin int, level Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.GPIO("WritePin", pin, level)

	mode, ok := r.modes[pin]
	if !ok {
		if err := r.setup(pin, Output); err != nil {
			return err
		}
		mode = Output
	}
	if mode != Output {
		return fmt.Errorf("write pin %d: %w", pin, ErrNotOutput)
	}

	p := rpio.Pin(pin)
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

// ReadPin reads the level register.
func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := rpio.Pin(pin).Read()
	debug.GPIO("ReadPin", pin, state)
	return Level(state == rpio.High), nil
}

// Close releases the memory map. Rail pins keep their level.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")
	return rpio.Close()
}
