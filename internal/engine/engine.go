// Package engine runs the station: one coordinator goroutine owns the
// task queue, the idle park timer and every device call.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/camzilla/internal/debug"
	"github.com/cjeanneret/camzilla/internal/errcode"
	"github.com/cjeanneret/camzilla/internal/logic/capture"
	"github.com/cjeanneret/camzilla/internal/logic/geometry"
	"github.com/cjeanneret/camzilla/internal/logic/motion"
	"github.com/cjeanneret/camzilla/internal/logic/session"
	"github.com/cjeanneret/camzilla/internal/task"
)

var (
	// ErrQueueFull is returned by Submit when the inbound queue is full.
	ErrQueueFull = errors.New("command queue full")
	// ErrStopped is returned by Submit once Shutdown was called or Run
	// has returned.
	ErrStopped = errors.New("engine stopped")
)

// Power is the rail sequencer.
type Power interface {
	IsPowered() bool
	PowerUp(ctx context.Context) error
	PowerDown() error
	Heater() bool
	SetHeater(on bool) error
}

// Motion is the position controller.
type Motion interface {
	Move(axis motion.Axis, target float64) (motion.Limits, error)
	MoveTo(x, y float64) (motion.Limits, error)
	Calibrate() (motion.CalibrationResult, error)
	SetJoystick(on bool) error
	Park() error
	Connected() bool
	Pulses() geometry.Pulses
}

// Capturer is the capture orchestrator.
type Capturer interface {
	Configure(ctx context.Context, settings []string) (capture.Settings, error)
	Capture(ctx context.Context, target capture.Target, name string) error
	Download(ctx context.Context, names []string) (int, error)
	DownloadAllUnknown(ctx context.Context) (int, error)
	// Wait blocks until the camera tools started so far have exited.
	Wait()
}

// Config is the station policy.
type Config struct {
	RobotAvailable bool
	PowerSaveMode  bool          // power down after parking
	ParkIdle       time.Duration // idle time before parking
	QueueSize      int           // inbound and task queue capacity
}

// Deps are the components the engine drives. Motion is nil without a robot.
type Deps struct {
	Power   Power
	Motion  Motion
	Capture Capturer
	Session *session.Context
	Sink    task.Sink
}

// item is one queue entry. stop is the shutdown sentinel.
type item struct {
	cmd  task.Command
	err  error // action parse failure
	stop bool
}

// Engine is the task processor.
type Engine struct {
	cfg      Config
	power    Power
	motion   Motion
	cam      Capturer
	sess     *session.Context
	sink     task.Sink
	now      func() time.Time
	newTimer func(time.Duration) *time.Timer

	inbound chan item // raw commands, parsed by the parser worker
	queue   chan item // parsed commands, executed in order

	mu       sync.Mutex // guards stopping and the sentinel send
	stopping bool

	busy       atomic.Bool
	parserDone chan struct{}
	held       *item // set by the parser before parserDone closes
	done       chan struct{}
}

// New returns an engine. Call Run to start it.
func New(cfg Config, d Deps) *Engine {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 32
	}
	if !cfg.RobotAvailable {
		d.Motion = nil
	}
	sink := d.Sink
	if sink == nil {
		sink = task.SinkFunc(func(task.Result) {})
	}
	return &Engine{
		cfg:        cfg,
		power:      d.Power,
		motion:     d.Motion,
		cam:        d.Capture,
		sess:       d.Session,
		sink:       sink,
		now:        time.Now,
		newTimer:   time.NewTimer,
		inbound:    make(chan item, cfg.QueueSize),
		queue:      make(chan item, cfg.QueueSize),
		parserDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Submit queues a command without blocking.
func (e *Engine) Submit(cmd task.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return ErrStopped
	}
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.inbound <- item{cmd: cmd}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown lets the queued commands finish, then parks and powers the
// station down. It returns once Run has returned or ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.stopping {
		e.stopping = true
		select {
		case e.inbound <- item{stop: true}:
		case <-e.done:
		case <-ctx.Done():
			e.mu.Unlock()
			return ctx.Err()
		}
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Status is a point-in-time view for reporting.
type Status struct {
	Session session.Snapshot `json:"session"`
	Robot   bool             `json:"robot"`
	Powered bool             `json:"powered"`
	Heater  bool             `json:"heater"`
	Busy    bool             `json:"busy"`
	Queued  int              `json:"queued"`
}

func (e *Engine) Status() Status {
	return Status{
		Session: e.sess.Snapshot(),
		Robot:   e.cfg.RobotAvailable,
		Powered: e.power.IsPowered(),
		Heater:  e.power.Heater(),
		Busy:    e.busy.Load(),
		Queued:  len(e.inbound) + len(e.queue),
	}
}

// Run brings the station up and processes commands until Shutdown or
// until ctx is cancelled. Cancelling ctx is a hard stop: queued commands
// are reported as aborted.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	go e.parseLoop(ctx)

	debug.Summary("CamZilla engine started")
	e.startup(ctx)

	var (
		timer *time.Timer
		park  <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer, park = nil, nil
		}
	}
	arm := func() {
		disarm()
		if e.motion == nil || e.cfg.ParkIdle <= 0 || len(e.queue) > 0 || len(e.inbound) > 0 {
			return
		}
		timer = e.newTimer(e.cfg.ParkIdle)
		park = timer.C
		debug.Verbose("engine: park timer armed for %s", e.cfg.ParkIdle)
	}
	arm()

	for {
		select {
		case <-ctx.Done():
			disarm()
			e.flush()
			e.shutdown()
			return ctx.Err()

		case <-park:
			timer, park = nil, nil
			e.parkIdle()

		case it := <-e.queue:
			disarm()
			if ctx.Err() != nil {
				e.abort(it)
				continue
			}
			if it.stop {
				debug.Info("engine: stop requested, queue drained")
				e.shutdown()
				return nil
			}
			e.busy.Store(true)
			e.process(ctx, it)
			e.busy.Store(false)
			if it.cmd.Kind == task.TaskCommand && ctx.Err() == nil {
				arm()
			}
		}
	}
}

// parseLoop turns action texts into tasks, preserving arrival order.
func (e *Engine) parseLoop(ctx context.Context) {
	defer close(e.parserDone)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-e.inbound:
			if !it.stop && it.cmd.Kind == task.TaskCommand && it.cmd.Task == nil {
				it.cmd.Task, it.err = task.ParseAction(it.cmd.Action)
			}
			select {
			case e.queue <- it:
			case <-ctx.Done():
				e.held = &it
				return
			}
			if it.stop {
				return
			}
		}
	}
}

// flush reports every command that will not run after a hard stop.
func (e *Engine) flush() {
	<-e.parserDone
	var pending []item
	for len(e.queue) > 0 {
		pending = append(pending, <-e.queue)
	}
	if e.held != nil {
		pending = append(pending, *e.held)
	}
	for len(e.inbound) > 0 {
		pending = append(pending, <-e.inbound)
	}
	for _, it := range pending {
		e.abort(it)
	}
}

func (e *Engine) abort(it item) {
	if it.stop {
		return
	}
	e.emit(e.result(e.now(), category(it), "task aborted: CamZilla is shutting down").WithErr(errcode.Stopped))
}

func category(it item) string {
	if it.cmd.Kind == task.PowerCommand {
		return task.CategoryPower
	}
	t := it.cmd.Task
	if t == nil {
		if parsed, err := task.ParseAction(it.cmd.Action); err == nil {
			t = parsed
		}
	}
	if t == nil {
		return "action"
	}
	return t.Kind.String()
}

func (e *Engine) emit(r task.Result) {
	if r.OK() {
		debug.Info("%s: %s", r.Category, r.Outcome)
	} else {
		debug.Errorf("%s: %s", r.Category, r.Outcome)
	}
	e.sink.Emit(r)
}

// result builds a record at the current position.
func (e *Engine) result(at time.Time, category, outcome string, params ...any) task.Result {
	x, y := e.sess.Position()
	return task.NewResult(at, category, outcome, x, y, params...)
}

// startup brings the station into its idle state.
func (e *Engine) startup(ctx context.Context) {
	if e.motion == nil {
		if err := e.power.PowerUp(ctx); err != nil {
			debug.Errorf("engine: power up: %v", err)
			return
		}
		e.reconcile(ctx)
		return
	}
	if e.cfg.PowerSaveMode {
		return
	}
	if err := e.power.PowerUp(ctx); err != nil {
		debug.Errorf("engine: power up: %v", err)
		return
	}
	if !e.sess.Calibrated() {
		if res, err := e.motion.Calibrate(); err != nil {
			debug.Errorf("engine: calibrate: %v", err)
		} else {
			debug.Info("engine: calibration %s", e.calibrationOutcome(res))
		}
	}
	if len(e.inbound) == 0 && len(e.queue) == 0 {
		if err := e.motion.Park(); err != nil {
			debug.Errorf("engine: park: %v", err)
		}
	}
	e.reconcile(ctx)
}

// shutdown parks and powers down, whatever the state. Camera tools left
// running by a hard stop are waited for first so the rails stay up
// until they exit.
func (e *Engine) shutdown() {
	debug.Info("engine: shutting down")
	e.cam.Wait()
	if e.motion != nil && e.motion.Connected() {
		if err := e.motion.Park(); err != nil {
			debug.Errorf("engine: park: %v", err)
		}
	}
	if err := e.power.PowerDown(); err != nil {
		debug.Errorf("engine: power down: %v", err)
	}
}

// parkIdle runs when the park timer fires.
func (e *Engine) parkIdle() {
	if !e.power.IsPowered() {
		debug.Verbose("engine: idle but not powered, nothing to park")
		return
	}
	now := e.now()
	var parkErr error
	if e.motion.Connected() {
		parkErr = e.motion.Park()
	} else {
		parkErr = errcode.New(errcode.Connection, "park", "motion controller is not ready ("+e.sess.State().String()+")")
	}
	if e.cfg.PowerSaveMode {
		if err := e.power.PowerDown(); err != nil {
			debug.Errorf("engine: power down: %v", err)
		}
	}
	if parkErr != nil {
		e.emit(e.result(now, task.CategoryParking, "CamZilla could not be parked ("+parkErr.Error()+")").WithErr(parkErr))
		return
	}
	e.emit(e.result(now, task.CategoryParking, parkedOutcome(e.cfg.ParkIdle)))
}

// reconcile moves pictures left on the card into the picture folder.
func (e *Engine) reconcile(ctx context.Context) {
	if !e.power.IsPowered() {
		return
	}
	if _, err := e.cam.DownloadAllUnknown(ctx); err != nil {
		debug.Errorf("engine: download unknown pictures: %v", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errcode.Wrap(errcode.Stopped, "delay", ctx.Err())
	case <-t.C:
		return nil
	}
}
