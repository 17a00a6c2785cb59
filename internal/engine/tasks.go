package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/camzilla/internal/debug"
	"github.com/cjeanneret/camzilla/internal/errcode"
	"github.com/cjeanneret/camzilla/internal/logic/capture"
	"github.com/cjeanneret/camzilla/internal/logic/geometry"
	"github.com/cjeanneret/camzilla/internal/logic/motion"
	"github.com/cjeanneret/camzilla/internal/logic/session"
	"github.com/cjeanneret/camzilla/internal/task"
)

const notPowered = "CamZilla is not powered -> turn power on first"

func (e *Engine) process(ctx context.Context, it item) {
	now := e.now()
	if it.err != nil {
		e.emit(e.result(now, "action", "could not execute task: "+it.err.Error()).WithErr(it.err))
		return
	}
	if it.cmd.Kind == task.PowerCommand {
		e.powerCommand(ctx, now, it.cmd)
		return
	}

	t := it.cmd.Task
	debug.Section("Task " + t.String())
	cat := t.Kind.String()
	if err := e.prepare(ctx, t); err != nil {
		e.emit(e.result(now, cat, e.prepareOutcome(t, err)).WithErr(err))
		return
	}

	switch t.Kind {
	case task.Panorama:
		e.panorama(ctx, now, t)
	case task.PictureNow:
		e.pictureNow(ctx, now, t)
	case task.Positioning:
		e.positioning(now, t)
	case task.Mode:
		e.mode(now, t)
	case task.Calibration:
		e.calibration(now)
	}
}

// prepare powers the rig up and calibrates it before a task. A faulted
// session is power cycled first.
func (e *Engine) prepare(ctx context.Context, t *task.Task) error {
	if e.motion == nil {
		if t.Kind != task.PictureNow {
			return errcode.NoRobot
		}
		if !e.power.IsPowered() {
			return errcode.Wrap(errcode.NotPowered, "power up", e.power.PowerUp(ctx))
		}
		return nil
	}

	if t.Kind == task.Mode {
		if t.Mode != 0 && t.Mode != 1 {
			return nil
		}
		if e.sess.State() == session.Faulted {
			if err := e.powerCycle(ctx, t); err != nil {
				return err
			}
		}
		if !e.power.IsPowered() || !e.motion.Connected() {
			return errcode.New(errcode.NotPowered, "mode", notPowered)
		}
		return nil
	}

	if e.sess.State() == session.ManualOverride && t.Kind != task.PictureNow {
		return errcode.New(errcode.ManualOverride, t.Kind.String(), "manual joystick control is turned on -> command will not be executed")
	}
	if e.sess.State() == session.Faulted {
		if err := e.powerCycle(ctx, t); err != nil {
			return err
		}
	}
	if err := e.power.PowerUp(ctx); err != nil {
		return errcode.Wrap(errcode.NotPowered, "power up", err)
	}
	// implicit calibration is logged, not recorded
	if t.Kind != task.Calibration && !e.sess.Calibrated() {
		debug.Verbose("calibrating before %s", t.Kind)
		res, err := e.motion.Calibrate()
		if err != nil {
			return err
		}
		debug.Info("calibration before %s %s", t.Kind, e.calibrationOutcome(res))
	}
	return nil
}

// powerCycle switches a faulted rig off and on again.
func (e *Engine) powerCycle(ctx context.Context, t *task.Task) error {
	debug.Warn("controller faulted, power cycling before %s", t.Kind)
	if err := e.power.PowerDown(); err != nil {
		debug.Errorf("engine: power down: %v", err)
	}
	if err := e.power.PowerUp(ctx); err != nil {
		return errcode.Wrap(errcode.NotPowered, "power up", err)
	}
	return nil
}

func (e *Engine) prepareOutcome(t *task.Task, err error) string {
	switch errcode.Of(err) {
	case errcode.NoRobot:
		switch t.Kind {
		case task.Panorama:
			return "CamZilla can not take panorama pictures without robot"
		case task.Positioning:
			return "CamZilla can not be positioned without robot"
		case task.Mode:
			return "CamZilla mode command can not be used without robot"
		default:
			return "CamZilla can not be calibrated without robot"
		}
	case errcode.ManualOverride:
		return "could not execute task (" + err.Error() + ")"
	default:
		return notPowered + " (" + err.Error() + ")"
	}
}

func (e *Engine) panorama(ctx context.Context, now time.Time, t *task.Task) {
	cat := t.Kind.String()
	if t.Target == capture.Camera {
		e.reconcile(ctx)
	}
	plan, err := geometry.ParsePlan(t.Settings)
	if err != nil {
		e.emit(e.result(now, cat, "could not execute task: "+err.Error()).WithErr(err))
		return
	}
	debug.PrintStruct("plan", plan)

	var resolved any
	var settings capture.Settings
	if t.Target == capture.Camera {
		settings, err = e.cam.Configure(ctx, plan.Settings)
		if err != nil {
			e.emit(e.result(now, cat, fmt.Sprintf("could not finish task successfully (%v)", err), plan.Params()...).WithErr(err))
			return
		}
		resolved = settings.Resolved
	}
	params := append(plan.Params(), resolved)

	var (
		pending []string
		taken   int
		yLimit  bool
	)
	total := plan.Total()
	for _, cell := range plan.Cells() {
		if err = ctx.Err(); err != nil {
			err = errcode.Wrap(errcode.Stopped, "panorama", err)
			break
		}
		if cell.Col == 0 {
			var l motion.Limits
			if l, err = e.motion.Move(motion.AxisY, cell.Y); err != nil {
				break
			}
			yLimit = l.Y
		}
		var l motion.Limits
		if l, err = e.motion.Move(motion.AxisX, cell.X); err != nil {
			break
		}
		if err = sleep(ctx, plan.Delay); err != nil {
			break
		}

		x, y := e.sess.Position()
		stem := capture.PictureStem(now, cell.Index, x, y)
		debug.Shot(cell.Index, total, x, y)
		if err = e.cam.Capture(ctx, t.Target, stem); err != nil {
			break
		}
		if t.Target == capture.Camera {
			names := capture.FileNames(stem, settings.Bracketing)
			if plan.Batch {
				pending = append(pending, names...)
			} else if _, err = e.cam.Download(ctx, names); err != nil {
				break
			}
		}
		taken++
		e.emit(e.result(now, cat, cellOutcome(cell.Index, total, settings.Bracketing, l.X, yLimit), params...))
	}

	if len(pending) > 0 {
		// pictures already taken are fetched even when the sweep failed
		if _, derr := e.cam.Download(ctx, pending); derr != nil && err == nil {
			err = derr
		}
	}

	switch {
	case err == nil:
		e.emit(e.result(now, cat, "finished successfully", params...))
	case taken > 0:
		e.emit(e.result(now, cat, fmt.Sprintf("could not finish task successfully (%d/%d pictures taken: %v)", taken, total, err), params...).WithErr(err))
	default:
		e.emit(e.result(now, cat, fmt.Sprintf("could not finish task successfully (%v)", err), params...).WithErr(err))
	}
}

func cellOutcome(pic, total int, bracketing, xLimit, yLimit bool) string {
	s := "taken successfully" + limitSuffix(xLimit, yLimit)
	if bracketing {
		n := capture.BracketShots
		return fmt.Sprintf("pictures number %d-%d/%d %s", 1+(pic-1)*n, n+(pic-1)*n, total*n, s)
	}
	return fmt.Sprintf("picture number %d/%d %s", pic, total, s)
}

func limitSuffix(x, y bool) string {
	switch {
	case x && y:
		return " (x and y limit reached)"
	case x:
		return " (x limit reached)"
	case y:
		return " (y limit reached)"
	}
	return ""
}

func (e *Engine) pictureNow(ctx context.Context, now time.Time, t *task.Task) {
	cat := t.Kind.String()
	if t.Target == capture.Camera {
		e.reconcile(ctx)
	}

	var (
		resolved any
		settings capture.Settings
		err      error
	)
	if t.Target == capture.Camera {
		settings, err = e.cam.Configure(ctx, geometry.SplitSettings(t.Settings))
		if err != nil {
			e.emit(e.result(now, cat, fmt.Sprintf("could not take picture now (%v)", err)).WithErr(err))
			return
		}
		resolved = settings.Resolved
	}
	params := task.SettingsParams(resolved)

	stem := capture.Stamp(now)
	if e.motion != nil {
		x, y := e.sess.Position()
		stem = capture.PictureStem(now, 1, x, y)
	}
	if err = e.cam.Capture(ctx, t.Target, stem); err != nil {
		e.emit(e.result(now, cat, fmt.Sprintf("could not take picture now (%v)", err), params...).WithErr(err))
		return
	}
	if t.Target == capture.Camera {
		if _, err = e.cam.Download(ctx, capture.FileNames(stem, settings.Bracketing)); err != nil {
			e.emit(e.result(now, cat, fmt.Sprintf("could not download all pictures (%v)", err), params...).WithErr(err))
			return
		}
	}
	e.emit(e.result(now, cat, "finished successfully", params...))
}

func (e *Engine) positioning(now time.Time, t *task.Task) {
	cat := t.Kind.String()
	l, err := e.motion.MoveTo(t.X, t.Y)
	if err != nil {
		e.emit(e.result(now, cat, fmt.Sprintf("not finished successfully (%v)", err)).WithErr(err))
		return
	}
	e.emit(e.result(now, cat, "finished successfully"+limitSuffix(l.X, l.Y)))
}

func (e *Engine) mode(now time.Time, t *task.Task) {
	cat := t.Kind.String()
	var outcome string
	switch t.Mode {
	case 0:
		outcome = "joystick turned off"
	case 1:
		outcome = "joystick turned on"
	default:
		e.emit(e.result(now, cat, "unknown mode", t.Mode).WithErr(errcode.Configuration))
		return
	}
	if err := e.motion.SetJoystick(t.Mode == 1); err != nil {
		e.emit(e.result(now, cat, fmt.Sprintf("could not change mode (%v)", err), t.Mode).WithErr(err))
		return
	}
	e.emit(e.result(now, cat, outcome, t.Mode))
}

func (e *Engine) calibration(now time.Time) {
	cat := task.Calibration.String()
	res, err := e.motion.Calibrate()
	if err != nil {
		e.emit(e.result(now, cat, fmt.Sprintf("could not finish calibration successfully (%v)", err)).WithErr(err))
		return
	}
	e.emit(e.result(now, cat, e.calibrationOutcome(res)))
}

func (e *Engine) calibrationOutcome(res motion.CalibrationResult) string {
	if x, y := res.MaxRotation(e.motion.Pulses()); x != 0 && y != 0 {
		return fmt.Sprintf("finished successfully (maximal rotation in degrees: x=%f, y=%f)", x, y)
	}
	return "finished successfully"
}

func (e *Engine) powerCommand(ctx context.Context, now time.Time, cmd task.Command) {
	what := "Camera"
	if e.motion != nil {
		what = "Camera and robot"
	}
	var (
		outcome string
		err     error
	)
	if cmd.Camera {
		outcome = what + " " + plural(what) + " turned on"
		err = e.power.PowerUp(ctx)
	} else {
		outcome = what + " " + plural(what) + " turned off"
		err = e.power.PowerDown()
	}
	if herr := e.power.SetHeater(cmd.Heater); herr != nil && err == nil {
		err = herr
	}
	if cmd.Heater {
		outcome += " and heater is turned on"
	} else {
		outcome += " and heater is turned off"
	}

	r := e.result(now, task.CategoryPower, outcome)
	if err != nil {
		r.Outcome = fmt.Sprintf("%s (%v)", outcome, err)
		r = r.WithErr(err)
	}
	e.emit(r)
}

func plural(subject string) string {
	if subject == "Camera" {
		return "is"
	}
	return "are"
}

func parkedOutcome(idle time.Duration) string {
	return fmt.Sprintf("CamZilla has been parked successfully after being idle for %f minutes", idle.Minutes())
}
