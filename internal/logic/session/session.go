// Package session holds the device state shared by the power, motion and
// scheduling components of one engine.
package session

import "sync"

// State is the motion controller session state.
type State int

const (
	Unpowered State = iota
	Starting
	AwaitingControllerReady
	Ready
	ManualOverride
	Calibrating
	Faulted
)

func (s State) String() string {
	switch s {
	case Unpowered:
		return "unpowered"
	case Starting:
		return "starting"
	case AwaitingControllerReady:
		return "awaiting_controller_ready"
	case Ready:
		return "ready"
	case ManualOverride:
		return "manual_override"
	case Calibrating:
		return "calibrating"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Snapshot is a copy of the session for reporting.
type Snapshot struct {
	State      string  `json:"state"`
	Calibrated bool    `json:"calibrated"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	ParkX      float64 `json:"park_x"`
	ParkY      float64 `json:"park_y"`
	Fault      string  `json:"fault,omitempty"`
}

// Context is the single owned session record. It is written by the
// motion controller and the power sequencer and read for reporting.
type Context struct {
	mu         sync.RWMutex
	state      State
	calibrated bool
	x, y       float64
	parkX      float64
	parkY      float64
	fault      string
}

// New returns an unpowered session positioned at the park position.
func New(parkX, parkY float64) *Context {
	return &Context{x: parkX, y: parkY, parkX: parkX, parkY: parkY}
}

func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState moves to s. Leaving Faulted clears the fault reason.
func (c *Context) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s != Faulted {
		c.fault = ""
	}
	c.state = s
}

// Transition moves from `from` to `to` and reports whether the session
// was in `from`. It keeps a forced power-down from being overwritten by
// the tail of an exchange that was in flight.
func (c *Context) Transition(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	if to != Faulted {
		c.fault = ""
	}
	return true
}

// Fault moves to Faulted and records why.
func (c *Context) Fault(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Faulted
	c.fault = reason
}

func (c *Context) Calibrated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calibrated
}

func (c *Context) SetCalibrated(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calibrated = v
}

// Position returns the current position in degrees.
func (c *Context) Position() (x, y float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.x, c.y
}

func (c *Context) SetX(x float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.x = x
}

func (c *Context) SetY(y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.y = y
}

// Park returns the park position in degrees.
func (c *Context) Park() (x, y float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parkX, c.parkY
}

// PowerLost forces the session to Unpowered and clears calibration.
func (c *Context) PowerLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Unpowered
	c.calibrated = false
	c.fault = ""
}

func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		State:      c.state.String(),
		Calibrated: c.calibrated,
		X:          c.x,
		Y:          c.y,
		ParkX:      c.parkX,
		ParkY:      c.parkY,
		Fault:      c.fault,
	}
}
