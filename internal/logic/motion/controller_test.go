package motion

import (
	"context"
	"errors"
	"testing"

	"github.com/cjeanneret/camzilla/internal/errcode"
	"github.com/cjeanneret/camzilla/internal/hw/link"
	"github.com/cjeanneret/camzilla/internal/hw/link/linktest"
	"github.com/cjeanneret/camzilla/internal/logic/geometry"
	"github.com/cjeanneret/camzilla/internal/logic/session"
)

const ppd = 100

func newRig(t *testing.T) (*Controller, *linktest.Controller, *session.Context) {
	t.Helper()
	sim := linktest.NewController()
	l := link.New(link.Config{Device: "/dev/sim"}, sim.Open)
	t.Cleanup(func() { _ = l.Close() })
	sess := session.New(0, 0)
	cfg := DefaultConfig()
	cfg.Backoff = 0
	return NewController(l, sess, geometry.NewPulses(ppd), cfg), sim, sess
}

func connected(t *testing.T) (*Controller, *linktest.Controller, *session.Context) {
	t.Helper()
	ctrl, sim, sess := newRig(t)
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return ctrl, sim, sess
}

func calibrated(t *testing.T) (*Controller, *linktest.Controller, *session.Context) {
	t.Helper()
	ctrl, sim, sess := connected(t)
	if _, err := ctrl.Calibrate(); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	sim.ResetCommands()
	return ctrl, sim, sess
}

func TestConnect_Ready(t *testing.T) {
	_, sim, sess := connected(t)
	if sess.State() != session.Ready {
		t.Errorf("state = %v, want ready", sess.State())
	}
	if sim.Opens() != 1 {
		t.Errorf("opens = %d, want 1", sim.Opens())
	}
}

func TestConnect_RetriesOpen(t *testing.T) {
	ctrl, sim, sess := newRig(t)
	sim.OpenFailures = 2
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sim.Opens() != 3 {
		t.Errorf("opens = %d, want 3", sim.Opens())
	}
	if sess.State() != session.Ready {
		t.Errorf("state = %v, want ready", sess.State())
	}
}

func TestConnect_GivesUpAfterSixOpens(t *testing.T) {
	ctrl, sim, sess := newRig(t)
	sim.OpenFailures = 10
	err := ctrl.Connect(context.Background())
	if errcode.Of(err) != errcode.Connection {
		t.Fatalf("Connect = %v, want connection error", err)
	}
	if sim.Opens() != 6 {
		t.Errorf("opens = %d, want 6", sim.Opens())
	}
	if sess.State() != session.Faulted {
		t.Errorf("state = %v, want faulted", sess.State())
	}
}

func TestConnect_NoMarker(t *testing.T) {
	ctrl, sim, sess := newRig(t)
	sim.Banner = []string{"boot", "boot", "boot", "boot", "boot"}
	err := ctrl.Connect(context.Background())
	if errcode.Of(err) != errcode.Connection {
		t.Fatalf("Connect = %v, want connection error", err)
	}
	if sess.State() != session.Faulted {
		t.Errorf("state = %v, want faulted", sess.State())
	}
}

func TestConnect_Cancelled(t *testing.T) {
	ctrl, sim, sess := newRig(t)
	sim.OpenFailures = 10
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctrl.Connect(ctx); errcode.Of(err) != errcode.Stopped {
		t.Errorf("Connect = %v, want stopped", err)
	}
	if sess.State() != session.Unpowered {
		t.Errorf("state = %v, want unpowered", sess.State())
	}
}

func TestCalibrate_Success(t *testing.T) {
	ctrl, sim, sess := connected(t)
	sess.SetX(42)

	res, err := ctrl.Calibrate()
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	cmds := sim.Commands()
	if len(cmds) != 2 || cmds[0] != "j=off" || cmds[1] != "cal" {
		t.Errorf("commands = %v, want [j=off cal]", cmds)
	}
	if !sess.Calibrated() || sess.State() != session.Ready {
		t.Errorf("calibrated=%v state=%v", sess.Calibrated(), sess.State())
	}
	if x, y := sess.Position(); x != 0 || y != 0 {
		t.Errorf("position = %v/%v, want 0/0", x, y)
	}
	xmax, ymax := res.MaxRotation(ctrl.Pulses())
	if xmax != 360 || ymax != 180 {
		t.Errorf("max rotation = %v/%v, want 360/180", xmax, ymax)
	}
}

func TestCalibrate_NotCalibratedKeepsReady(t *testing.T) {
	ctrl, sim, sess := connected(t)
	sim.Respond("cal", "!cal")

	_, err := ctrl.Calibrate()
	if errcode.Of(err) != errcode.Protocol {
		t.Fatalf("Calibrate = %v, want protocol error", err)
	}
	if sess.State() != session.Ready {
		t.Errorf("state = %v, want ready", sess.State())
	}
	if sess.Calibrated() {
		t.Error("calibrated should stay false")
	}
}

func TestCalibrate_EmergencyKeepsReady(t *testing.T) {
	ctrl, sim, sess := connected(t)
	sim.Respond("cal", "EMERGENCY button pressed")

	if _, err := ctrl.Calibrate(); errcode.Of(err) != errcode.Protocol {
		t.Fatalf("Calibrate = %v, want protocol error", err)
	}
	if sess.State() != session.Ready {
		t.Errorf("state = %v, want ready", sess.State())
	}
}

func TestCalibrate_JoystickEngaged(t *testing.T) {
	ctrl, sim, sess := connected(t)
	sim.Respond("j=off", "j=on")

	if _, err := ctrl.Calibrate(); errcode.Of(err) != errcode.ManualOverride {
		t.Fatalf("Calibrate = %v, want manual override", err)
	}
	if sess.State() != session.ManualOverride {
		t.Errorf("state = %v, want manual_override", sess.State())
	}
}

func TestCalibrate_GarbledFaults(t *testing.T) {
	ctrl, sim, sess := connected(t)
	sim.Respond("cal", "cal=(oops")

	if _, err := ctrl.Calibrate(); errcode.Of(err) != errcode.Protocol {
		t.Fatalf("Calibrate = %v, want protocol error", err)
	}
	if sess.State() != session.Faulted {
		t.Errorf("state = %v, want faulted", sess.State())
	}
}

func TestMove_SamePositionIsNoop(t *testing.T) {
	ctrl, sim, _ := calibrated(t)
	if _, err := ctrl.MoveTo(0, 0); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if got := sim.Commands(); len(got) != 0 {
		t.Errorf("commands = %v, want none", got)
	}
}

func TestMove_SendsPulses(t *testing.T) {
	ctrl, sim, sess := calibrated(t)
	if _, err := ctrl.MoveTo(10, 12.5); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	cmds := sim.Commands()
	if len(cmds) != 2 || cmds[0] != "x=1000" || cmds[1] != "y=1250" {
		t.Errorf("commands = %v", cmds)
	}
	if x, y := sess.Position(); x != 10 || y != 12.5 {
		t.Errorf("position = %v/%v, want 10/12.5", x, y)
	}
}

func TestMove_UpdatesOnlyCommandedAxisFromEcho(t *testing.T) {
	ctrl, sim, sess := calibrated(t)
	sess.SetX(77)
	sim.Respond("x=500", "x/y=500/300")

	if _, err := ctrl.Move(AxisX, 5); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if x, y := sess.Position(); x != 5 || y != 0 {
		t.Errorf("position = %v/%v, want 5/0", x, y)
	}
}

func TestMove_LimitReached(t *testing.T) {
	ctrl, _, sess := calibrated(t)
	lim, err := ctrl.Move(AxisX, 200)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if !lim.X || lim.Y || !lim.Any() {
		t.Errorf("limits = %+v, want x only", lim)
	}
	if x, _ := sess.Position(); x != 180 {
		t.Errorf("x = %v, want 180 (clamped)", x)
	}
}

func TestMove_NotCalibrated(t *testing.T) {
	ctrl, _, sess := connected(t)
	sess.SetCalibrated(true)

	_, err := ctrl.Move(AxisY, 3)
	if errcode.Of(err) != errcode.Protocol {
		t.Fatalf("Move = %v, want protocol error", err)
	}
	if sess.Calibrated() {
		t.Error("calibrated flag should be cleared")
	}
	if sess.State() != session.Ready {
		t.Errorf("state = %v, want ready", sess.State())
	}
}

func TestMove_ManualOverrideFailsFastAfterwards(t *testing.T) {
	ctrl, sim, sess := calibrated(t)
	sim.Engage()

	if _, err := ctrl.Move(AxisX, 10); !errors.Is(err, errcode.ManualOverride) {
		t.Fatalf("Move = %v, want manual override", err)
	}
	if sess.State() != session.ManualOverride {
		t.Fatalf("state = %v, want manual_override", sess.State())
	}

	sim.ResetCommands()
	if _, err := ctrl.Move(AxisY, 10); !errors.Is(err, errcode.ManualOverride) {
		t.Errorf("second Move = %v, want manual override", err)
	}
	if _, err := ctrl.Calibrate(); !errors.Is(err, errcode.ManualOverride) {
		t.Errorf("Calibrate = %v, want manual override", err)
	}
	if got := sim.Commands(); len(got) != 0 {
		t.Errorf("commands = %v, want none while overridden", got)
	}

	if err := ctrl.SetJoystick(false); err != nil {
		t.Fatalf("SetJoystick(false): %v", err)
	}
	if sess.State() != session.Ready {
		t.Errorf("state = %v, want ready after j=off", sess.State())
	}
	if _, err := ctrl.Move(AxisX, 10); err != nil {
		t.Errorf("Move after release: %v", err)
	}
}

func TestMove_EmergencyFaults(t *testing.T) {
	ctrl, sim, sess := calibrated(t)
	sim.Respond("x=100", "emergency stop")

	if _, err := ctrl.Move(AxisX, 1); errcode.Of(err) != errcode.Protocol {
		t.Fatalf("Move = %v, want protocol error", err)
	}
	if sess.State() != session.Faulted {
		t.Errorf("state = %v, want faulted", sess.State())
	}
}

func TestMove_UnknownAnswerFaults(t *testing.T) {
	ctrl, sim, sess := calibrated(t)
	sim.Respond("x=100", "what?")

	if _, err := ctrl.Move(AxisX, 1); errcode.Of(err) != errcode.Protocol {
		t.Fatalf("Move = %v, want protocol error", err)
	}
	if sess.State() != session.Faulted {
		t.Errorf("state = %v, want faulted", sess.State())
	}
}

func TestDisconnect(t *testing.T) {
	ctrl, sim, sess := calibrated(t)
	if err := ctrl.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if sess.State() != session.Unpowered || sess.Calibrated() {
		t.Errorf("state=%v calibrated=%v", sess.State(), sess.Calibrated())
	}
	if _, err := ctrl.Move(AxisX, 10); errcode.Of(err) != errcode.NotPowered {
		t.Errorf("Move = %v, want not powered", err)
	}
	if got := sim.Commands(); len(got) != 0 {
		t.Errorf("commands = %v, want none", got)
	}
}

func TestSetJoystick(t *testing.T) {
	ctrl, sim, sess := calibrated(t)
	if err := ctrl.SetJoystick(true); err != nil {
		t.Fatalf("SetJoystick(true): %v", err)
	}
	if sess.State() != session.ManualOverride || !sim.Joystick {
		t.Errorf("state=%v joystick=%v", sess.State(), sim.Joystick)
	}
	if err := ctrl.SetJoystick(false); err != nil {
		t.Fatalf("SetJoystick(false): %v", err)
	}
	if sess.State() != session.Ready {
		t.Errorf("state = %v, want ready", sess.State())
	}
}

func TestPark(t *testing.T) {
	ctrl, sim, sess := calibrated(t)
	sess.SetX(10)
	sess.SetY(10)
	if err := ctrl.Park(); err != nil {
		t.Fatalf("Park: %v", err)
	}
	cmds := sim.Commands()
	if len(cmds) != 2 || cmds[0] != "x=0" || cmds[1] != "y=0" {
		t.Errorf("commands = %v, want [x=0 y=0]", cmds)
	}
}

func TestConnected(t *testing.T) {
	ctrl, _, sess := newRig(t)
	if ctrl.Connected() {
		t.Error("fresh controller should not be connected")
	}
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ctrl.Connected() {
		t.Error("controller should be connected after Connect")
	}
	sess.Fault("test")
	if ctrl.Connected() {
		t.Error("faulted controller should not count as connected")
	}
}
