// Package power drives the switched extension and USB ports of the
// station's power board.
package power

import (
	"fmt"

	"github.com/cjeanneret/camzilla/internal/debug"
	"github.com/cjeanneret/camzilla/internal/hw/gpio"
)

// Bank selects a group of switched ports.
type Bank int

const (
	Ext Bank = iota // 12V extension ports
	USB             // USB power ports
)

func (b Bank) String() string {
	switch b {
	case Ext:
		return "ext"
	case USB:
		return "usb"
	default:
		return fmt.Sprintf("bank(%d)", int(b))
	}
}

// Ports is the number of ports per bank. Ports are numbered 1..Ports.
const Ports = 3

// Control is the power board: per-port status, on and off.
type Control interface {
	Status(b Bank, port int) (bool, error)
	On(b Bank, port int) error
	Off(b Bank, port int) error
}

// PinMap assigns a BCM pin to each port of each bank.
type PinMap struct {
	Ext [Ports]int
	USB [Ports]int
}

// GPIOControl switches ports by driving relay pins through a gpio.Driver.
type GPIOControl struct {
	gpio      gpio.Driver
	pins      PinMap
	activeLow bool
}

// NewGPIOControl configures every mapped pin as an output. Pins are not
// written, so ports keep whatever state they had.
func NewGPIOControl(g gpio.Driver, pins PinMap, activeLow bool) (*GPIOControl, error) {
	c := &GPIOControl{gpio: g, pins: pins, activeLow: activeLow}
	for _, b := range []Bank{Ext, USB} {
		for port := 1; port <= Ports; port++ {
			pin, err := c.pin(b, port)
			if err != nil {
				return nil, err
			}
			if err := g.SetupPin(pin, gpio.Output); err != nil {
				return nil, fmt.Errorf("setup %s%d pin %d: %w", b, port, pin, err)
			}
		}
	}
	return c, nil
}

func (c *GPIOControl) pin(b Bank, port int) (int, error) {
	if port < 1 || port > Ports {
		return 0, fmt.Errorf("%s port %d out of range 1..%d", b, port, Ports)
	}
	switch b {
	case Ext:
		return c.pins.Ext[port-1], nil
	case USB:
		return c.pins.USB[port-1], nil
	default:
		return 0, fmt.Errorf("unknown bank %d", int(b))
	}
}

func (c *GPIOControl) level(on bool) gpio.Level {
	if c.activeLow {
		return gpio.Level(!on)
	}
	return gpio.Level(on)
}

// Status reports whether the port is switched on.
func (c *GPIOControl) Status(b Bank, port int) (bool, error) {
	pin, err := c.pin(b, port)
	if err != nil {
		return false, err
	}
	l, err := c.gpio.ReadPin(pin)
	if err != nil {
		return false, fmt.Errorf("read %s%d: %w", b, port, err)
	}
	return l == c.level(true), nil
}

// On switches the port on.
func (c *GPIOControl) On(b Bank, port int) error {
	return c.set(b, port, true)
}

// Off switches the port off.
func (c *GPIOControl) Off(b Bank, port int) error {
	return c.set(b, port, false)
}

func (c *GPIOControl) set(b Bank, port int, on bool) error {
	pin, err := c.pin(b, port)
	if err != nil {
		return err
	}
	debug.Trace("power: %s%d (pin %d) on=%v", b, port, pin, on)
	if err := c.gpio.WritePin(pin, c.level(on)); err != nil {
		return fmt.Errorf("switch %s%d: %w", b, port, err)
	}
	return nil
}
