// Package motion drives the pan/tilt motion controller over its serial
// line protocol and keeps the session position in sync with its answers.
package motion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cjeanneret/camzilla/internal/debug"
	"github.com/cjeanneret/camzilla/internal/errcode"
	"github.com/cjeanneret/camzilla/internal/hw/link"
	"github.com/cjeanneret/camzilla/internal/logic/geometry"
	"github.com/cjeanneret/camzilla/internal/logic/session"
)

// Readiness marker printed by the controller once it accepts commands.
const readyMarker = "Joystick"

const overrideEngaged = "manual joystick control has been turned on -> no more commands will be sent to CamZilla until joystick control has been turned off"

// Link is the part of link.Link the controller needs.
type Link interface {
	Open() error
	Close() error
	Exchange(fn func(c link.Conn) error) error
}

// Config bounds the controller bring-up.
type Config struct {
	ConnectAttempts int           // link opens before giving up
	ReadAttempts    int           // lines read per open while waiting for the marker
	Backoff         time.Duration // wait between failed opens
}

// DefaultConfig matches the controller firmware start-up behaviour.
func DefaultConfig() Config {
	return Config{ConnectAttempts: 6, ReadAttempts: 4, Backoff: 500 * time.Millisecond}
}

// Axis names a controller axis. Its value is the command prefix.
type Axis byte

const (
	AxisX Axis = 'x'
	AxisY Axis = 'y'
)

func (a Axis) String() string { return string(a) }

// Limits reports which axes sit on their limit switch after a move.
type Limits struct {
	X, Y bool
}

// Any reports whether either limit was reached.
func (l Limits) Any() bool { return l.X || l.Y }

// CalibrationResult is what the controller reports after "cal".
type CalibrationResult struct {
	XMaxPulses, YMaxPulses int
	XPulses, YPulses       int
}

// MaxRotation converts the encoder maxima to the full travel in degrees.
// The controller reports half the travel on each side of zero.
func (r CalibrationResult) MaxRotation(p geometry.Pulses) (x, y float64) {
	return p.ToDegrees(2 * r.XMaxPulses), p.ToDegrees(2 * r.YMaxPulses)
}

// Controller is the position controller. It owns the session state
// transitions that follow controller answers. Callers serialize use.
type Controller struct {
	link   Link
	sess   *session.Context
	pulses geometry.Pulses
	cfg    Config
}

func NewController(l Link, sess *session.Context, pulses geometry.Pulses, cfg Config) *Controller {
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 1
	}
	if cfg.ReadAttempts < 1 {
		cfg.ReadAttempts = 1
	}
	return &Controller{link: l, sess: sess, pulses: pulses, cfg: cfg}
}

// Pulses returns the degree/pulse converter in use.
func (c *Controller) Pulses() geometry.Pulses { return c.pulses }

// Connect opens the link and waits for the readiness marker. It is called
// once the robot USB rail is on.
func (c *Controller) Connect(ctx context.Context) error {
	c.sess.SetState(session.Starting)
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			c.sess.PowerLost()
			return errcode.Wrap(errcode.Stopped, "connect", err)
		}
		if err := c.link.Open(); err != nil {
			lastErr = err
			debug.Warn("motion: open attempt %d/%d failed: %v", attempt, c.cfg.ConnectAttempts, err)
			if err := sleep(ctx, c.cfg.Backoff); err != nil {
				c.sess.PowerLost()
				return errcode.Wrap(errcode.Stopped, "connect", err)
			}
			continue
		}

		c.sess.SetState(session.AwaitingControllerReady)
		var banner string
		err := c.link.Exchange(func(conn link.Conn) error {
			for read := 1; read <= c.cfg.ReadAttempts; read++ {
				line, err := conn.ReadLine()
				if err != nil {
					return err
				}
				if strings.Contains(line, readyMarker) {
					banner = line
					return nil
				}
				debug.Verbose("motion: waiting for controller, got %q", line)
			}
			return fmt.Errorf("no %q line after %d reads", readyMarker, c.cfg.ReadAttempts)
		})
		if err != nil {
			_ = c.link.Close()
			c.sess.Fault("controller did not start up properly")
			return &errcode.E{C: errcode.Connection, Op: "connect", Msg: "controller did not start up properly", Err: err}
		}
		c.sess.SetState(session.Ready)
		debug.Info("motion: controller ready (%s)", banner)
		return nil
	}
	c.sess.Fault("could not open controller link")
	return &errcode.E{
		C:   errcode.Connection,
		Op:  "connect",
		Msg: fmt.Sprintf("could not open controller link after %d attempts: %v", c.cfg.ConnectAttempts, lastErr),
		Err: lastErr,
	}
}

// Disconnect closes the link and forgets calibration. Any in-flight
// exchange fails with link.ErrClosed.
func (c *Controller) Disconnect() error {
	err := c.link.Close()
	c.sess.PowerLost()
	return err
}

// Connected reports whether the link is up and the controller answered
// its readiness marker.
func (c *Controller) Connected() bool {
	switch c.sess.State() {
	case session.Ready, session.ManualOverride, session.Calibrating:
		return true
	}
	return false
}

// ready rejects commands the session cannot take, without touching the link.
func (c *Controller) ready(op string) error {
	switch st := c.sess.State(); st {
	case session.Ready:
		return nil
	case session.ManualOverride:
		return errcode.New(errcode.ManualOverride, op, "manual joystick control is turned on -> command will not be executed")
	case session.Unpowered, session.Starting, session.AwaitingControllerReady:
		return errcode.New(errcode.NotPowered, op, "robot is not powered")
	case session.Faulted:
		return errcode.New(errcode.Protocol, op, "session faulted: "+c.sess.Snapshot().Fault)
	default:
		return errcode.New(errcode.Protocol, op, "controller busy ("+st.String()+")")
	}
}

// linkFailure classifies an I/O error of an exchange.
func (c *Controller) linkFailure(op string, err error) error {
	if c.sess.State() == session.Unpowered {
		return &errcode.E{C: errcode.NotPowered, Op: op, Msg: "robot lost power", Err: err}
	}
	c.sess.Fault(op + ": " + err.Error())
	return errcode.Wrap(errcode.Protocol, op, err)
}

// Move drives one axis to target degrees. A target equal to the current
// position is a no-op and the link is not used.
func (c *Controller) Move(axis Axis, target float64) (Limits, error) {
	op := "move " + axis.String()
	x, y := c.sess.Position()
	cur := x
	if axis == AxisY {
		cur = y
	}
	if target == cur {
		return Limits{}, nil
	}
	if err := c.ready(op); err != nil {
		return Limits{}, err
	}

	pulses := c.pulses.FromDegrees(target)
	cmd := fmt.Sprintf("%c=%d", axis, pulses)
	debug.Move(axis.String(), target, pulses)

	var line string
	err := c.link.Exchange(func(conn link.Conn) error {
		if err := conn.WriteLine(cmd); err != nil {
			return err
		}
		var err error
		line, err = conn.ReadLine()
		return err
	})
	if err != nil {
		return Limits{}, c.linkFailure(op, err)
	}

	r := ParseResponse(line)
	switch r.Kind {
	case Position:
		if axis == AxisX {
			c.sess.SetX(c.pulses.ToDegrees(r.X))
		} else {
			c.sess.SetY(c.pulses.ToDegrees(r.Y))
		}
		return Limits{X: r.XLimit, Y: r.YLimit}, nil
	case NotCalibrated:
		c.sess.SetCalibrated(false)
		return Limits{}, errcode.New(errcode.Protocol, op, "not yet calibrated")
	case ManualOverrideEngaged:
		c.sess.SetState(session.ManualOverride)
		return Limits{}, errcode.New(errcode.ManualOverride, op, overrideEngaged)
	case Emergency:
		c.sess.Fault(r.Raw)
		return Limits{}, errcode.New(errcode.Protocol, op, r.Raw)
	default:
		c.sess.Fault("unknown answer " + r.Raw)
		return Limits{}, errcode.New(errcode.Protocol, op, fmt.Sprintf("unknown answer %q to %s", r.Raw, cmd))
	}
}

// MoveTo moves x then y. The limits are those of the last answer received.
func (c *Controller) MoveTo(x, y float64) (Limits, error) {
	_, y0 := c.sess.Position()
	lx, err := c.Move(AxisX, x)
	if err != nil {
		return lx, err
	}
	if y == y0 {
		return lx, nil
	}
	return c.Move(AxisY, y)
}

// Park moves to the park position.
func (c *Controller) Park() error {
	x, y := c.sess.Park()
	_, err := c.MoveTo(x, y)
	return err
}

// Calibrate releases the joystick and runs the controller calibration.
func (c *Controller) Calibrate() (CalibrationResult, error) {
	const op = "calibrate"
	if err := c.ready(op); err != nil {
		return CalibrationResult{}, err
	}
	c.sess.SetState(session.Calibrating)
	c.sess.SetCalibrated(false)

	var release, first, second string
	err := c.link.Exchange(func(conn link.Conn) error {
		if err := conn.WriteLine("j=off"); err != nil {
			return err
		}
		var err error
		if release, err = conn.ReadLine(); err != nil {
			return err
		}
		if release != "j=off" {
			return nil
		}
		if err := conn.WriteLine("cal"); err != nil {
			return err
		}
		if first, err = conn.ReadLine(); err != nil {
			return err
		}
		if _, _, err := parseMaxima(first); err != nil {
			return nil
		}
		second, err = conn.ReadLine()
		return err
	})
	if err != nil {
		return CalibrationResult{}, c.linkFailure(op, err)
	}

	if release != "j=off" {
		return CalibrationResult{}, c.calibrationFailure(op, ParseResponse(release))
	}
	if r := ParseResponse(first); r.Kind != Unknown {
		return CalibrationResult{}, c.calibrationFailure(op, r)
	}

	var res CalibrationResult
	if res.XMaxPulses, res.YMaxPulses, err = parseMaxima(first); err != nil {
		c.sess.Fault(err.Error())
		return CalibrationResult{}, errcode.Wrap(errcode.Protocol, op, err)
	}
	pos := ParseResponse(second)
	if pos.Kind != Position {
		c.sess.Fault("unknown answer " + pos.Raw)
		return CalibrationResult{}, errcode.New(errcode.Protocol, op, fmt.Sprintf("unknown position answer %q", pos.Raw))
	}
	res.XPulses, res.YPulses = pos.X, pos.Y

	if !c.sess.Transition(session.Calibrating, session.Ready) {
		return CalibrationResult{}, errcode.New(errcode.NotPowered, op, "robot lost power")
	}
	c.sess.SetX(c.pulses.ToDegrees(res.XPulses))
	c.sess.SetY(c.pulses.ToDegrees(res.YPulses))
	c.sess.SetCalibrated(true)
	debug.Info("motion: calibrated (max %d/%d pulses, at %d/%d)", res.XMaxPulses, res.YMaxPulses, res.XPulses, res.YPulses)
	return res, nil
}

// calibrationFailure maps a non-success answer during calibration. A
// refused calibration leaves the session Ready and uncalibrated.
func (c *Controller) calibrationFailure(op string, r Response) error {
	switch r.Kind {
	case ManualOverrideEngaged:
		c.sess.Transition(session.Calibrating, session.ManualOverride)
		return errcode.New(errcode.ManualOverride, op, overrideEngaged)
	case NotCalibrated:
		c.sess.Transition(session.Calibrating, session.Ready)
		return errcode.New(errcode.Protocol, op, "could not calibrate")
	case Emergency:
		c.sess.Transition(session.Calibrating, session.Ready)
		return errcode.New(errcode.Protocol, op, fmt.Sprintf("could not calibrate (answer: %s)", r.Raw))
	default:
		c.sess.Fault("unknown answer " + r.Raw)
		return errcode.New(errcode.Protocol, op, fmt.Sprintf("unknown answer %q", r.Raw))
	}
}

// SetJoystick switches manual control on or off. The controller must echo
// the command back unchanged.
func (c *Controller) SetJoystick(on bool) error {
	op := "joystick"
	cmd := "j=off"
	if on {
		cmd = "j=on"
	}
	switch c.sess.State() {
	case session.Ready, session.ManualOverride:
	default:
		if err := c.ready(op); err != nil {
			return err
		}
	}

	var ans string
	err := c.link.Exchange(func(conn link.Conn) error {
		if err := conn.WriteLine(cmd); err != nil {
			return err
		}
		var err error
		ans, err = conn.ReadLine()
		return err
	})
	if err != nil {
		return c.linkFailure(op, err)
	}
	if ans != cmd {
		c.sess.Fault("unexpected joystick answer " + ans)
		return errcode.New(errcode.Protocol, op, fmt.Sprintf("expected answer %q, got %q", cmd, ans))
	}
	if on {
		c.sess.SetState(session.ManualOverride)
	} else {
		c.sess.SetState(session.Ready)
	}
	debug.Info("motion: joystick turned %s", strings.TrimPrefix(cmd, "j="))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
