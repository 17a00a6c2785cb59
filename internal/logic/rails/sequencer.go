// Package rails sequences the camera, robot and heater power rails.
package rails

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/camzilla/internal/debug"
	"github.com/cjeanneret/camzilla/internal/errcode"
	"github.com/cjeanneret/camzilla/internal/hw/power"
)

// Rail is a logical power rail.
type Rail int

const (
	CameraPower Rail = iota // camera and robot 12V, shared
	HeaterPower
	CameraUSB
	RobotUSB
)

func (r Rail) String() string {
	switch r {
	case CameraPower:
		return "camera_power"
	case HeaterPower:
		return "heater_power"
	case CameraUSB:
		return "camera_usb"
	case RobotUSB:
		return "robot_usb"
	default:
		return fmt.Sprintf("rail(%d)", int(r))
	}
}

// Assignment maps logical rails to board port numbers (1..3).
// RobotUSB is ignored when no robot is present.
type Assignment struct {
	CameraExt int
	HeaterExt int
	CameraUSB int
	RobotUSB  int
}

// port is a resolved board port.
type port struct {
	bank power.Bank
	num  int
}

// ControllerLink is the robot side of power sequencing.
type ControllerLink interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
}

// Sequencer switches rails in the order the hardware needs.
type Sequencer struct {
	ctl   power.Control
	table map[Rail]port
	robot ControllerLink // nil without a robot
}

// NewSequencer resolves the assignment once into a rail table. robot is
// nil when the station has no robot.
func NewSequencer(ctl power.Control, a Assignment, robot ControllerLink) *Sequencer {
	table := map[Rail]port{
		CameraPower: {power.Ext, a.CameraExt},
		HeaterPower: {power.Ext, a.HeaterExt},
		CameraUSB:   {power.USB, a.CameraUSB},
	}
	if robot != nil {
		table[RobotUSB] = port{power.USB, a.RobotUSB}
	}
	return &Sequencer{ctl: ctl, table: table, robot: robot}
}

// HasRobot reports whether the robot rails are sequenced.
func (s *Sequencer) HasRobot() bool { return s.robot != nil }

func (s *Sequencer) status(r Rail) bool {
	p := s.table[r]
	on, err := s.ctl.Status(p.bank, p.num)
	if err != nil {
		debug.Warn("rails: status %s: %v", r, err)
		return false
	}
	return on
}

func (s *Sequencer) switchRail(r Rail, on bool) error {
	p, ok := s.table[r]
	if !ok {
		return fmt.Errorf("rail %s is not assigned", r)
	}
	debug.Rail(r.String(), on)
	var err error
	if on {
		err = s.ctl.On(p.bank, p.num)
	} else {
		err = s.ctl.Off(p.bank, p.num)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", r, err)
	}
	return nil
}

func (s *Sequencer) railsOn() bool {
	if !s.status(CameraUSB) || !s.status(CameraPower) {
		return false
	}
	return s.robot == nil || s.status(RobotUSB)
}

// IsPowered reports whether the camera rails, and the robot USB rail when
// a robot is present, are on.
func (s *Sequencer) IsPowered() bool {
	return s.railsOn()
}

// PowerUp switches camera USB, the shared power rail and the robot USB
// rail on, then waits for the controller. It is a no-op when everything
// is already up.
func (s *Sequencer) PowerUp(ctx context.Context) error {
	if s.railsOn() && (s.robot == nil || s.robot.Connected()) {
		return nil
	}
	debug.Info("rails: powering up")
	seq := []Rail{CameraUSB, CameraPower}
	if s.robot != nil {
		seq = append(seq, RobotUSB)
	}
	for _, r := range seq {
		if err := s.switchRail(r, true); err != nil {
			return errcode.Wrap(errcode.NotPowered, "power up", err)
		}
	}
	if s.robot == nil {
		return nil
	}
	return s.robot.Connect(ctx)
}

// PowerDown switches camera USB and the shared rail off, drops the
// controller link and switches robot USB off. When nothing is powered it
// only makes sure the heater is off.
func (s *Sequencer) PowerDown() error {
	if !s.railsOn() {
		var errs []error
		if s.robot != nil && s.robot.Connected() {
			errs = append(errs, s.robot.Disconnect())
		}
		errs = append(errs, s.switchRail(HeaterPower, false))
		return errcode.Wrap(errcode.Error, "power down", errors.Join(errs...))
	}
	debug.Info("rails: powering down")
	errs := []error{
		s.switchRail(CameraUSB, false),
		s.switchRail(CameraPower, false),
	}
	if s.robot != nil {
		errs = append(errs, s.robot.Disconnect(), s.switchRail(RobotUSB, false))
	}
	return errcode.Wrap(errcode.Error, "power down", errors.Join(errs...))
}

// Heater reports whether the heater rail is on.
func (s *Sequencer) Heater() bool {
	return s.status(HeaterPower)
}

// SetHeater switches the heater rail.
func (s *Sequencer) SetHeater(on bool) error {
	return s.switchRail(HeaterPower, on)
}
