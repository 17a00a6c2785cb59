package main

import (
	"fmt"

	"github.com/cjeanneret/camzilla/internal/config"
	"github.com/cjeanneret/camzilla/internal/debug"
	"github.com/cjeanneret/camzilla/internal/engine"
	"github.com/cjeanneret/camzilla/internal/hw/camera"
	"github.com/cjeanneret/camzilla/internal/hw/gpio"
	"github.com/cjeanneret/camzilla/internal/hw/link"
	"github.com/cjeanneret/camzilla/internal/hw/power"
	"github.com/cjeanneret/camzilla/internal/logic/capture"
	"github.com/cjeanneret/camzilla/internal/logic/geometry"
	"github.com/cjeanneret/camzilla/internal/logic/motion"
	"github.com/cjeanneret/camzilla/internal/logic/rails"
	"github.com/cjeanneret/camzilla/internal/logic/session"
	"github.com/cjeanneret/camzilla/internal/task"
)

// station is the wired hardware and engine.
type station struct {
	engine *engine.Engine
	gpio   gpio.Driver
	link   *link.Link // nil without a robot
}

// Close releases the hardware handles.
func (s *station) Close() {
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			debug.Warn("closing serial link failed: %v", err)
		}
	}
	if err := s.gpio.Close(); err != nil {
		debug.Warn("closing GPIO driver failed: %v", err)
	}
}

// opener is swapped by tests.
var opener link.Opener = link.SerialOpener

// newStation builds every component from cfg. sink receives the result records.
func newStation(cfg *config.Config, sink task.Sink) (*station, error) {
	debug.Step(1, "Initializing GPIO driver")
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	drv, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	st := &station{gpio: drv}

	debug.Step(2, "Initializing power board")
	board, err := power.NewGPIOControl(drv, power.PinMap{Ext: cfg.Power.Pins.Ext, USB: cfg.Power.Pins.USB}, cfg.Power.ActiveLow)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init power board: %w", err)
	}
	debug.PrintStruct("Power config", cfg.Power)

	parkX, parkY, err := cfg.ParkPosition()
	if err != nil {
		st.Close()
		return nil, err
	}
	sess := session.New(parkX, parkY)

	var (
		robot rails.ControllerLink
		mot   engine.Motion
	)
	if cfg.Robot.Available {
		debug.Step(3, "Initializing motion controller")
		debug.PrintStruct("Robot config", cfg.Robot)
		st.link = link.New(link.Config{
			Device:      cfg.Robot.DeviceName,
			Baud:        cfg.Robot.BaudRate,
			ReadTimeout: cfg.ReadTimeout(),
		}, opener)
		mcfg := motion.DefaultConfig()
		mcfg.Backoff = cfg.ConnectBackoff()
		ctl := motion.NewController(st.link, sess, geometry.NewPulses(cfg.Robot.PulsesPerDegree), mcfg)
		robot, mot = ctl, ctl
	} else {
		debug.Info("No robot configured: only picture tasks are available")
	}

	seq := rails.NewSequencer(board, rails.Assignment{
		CameraExt: cfg.Power.ExtPortCamera,
		HeaterExt: cfg.Power.ExtPortHeater,
		CameraUSB: cfg.Power.USBPortCamera,
		RobotUSB:  cfg.Power.USBPortRobot,
	}, robot)

	debug.Step(4, "Initializing capture tools")
	orch, err := newOrchestrator(cfg, seq)
	if err != nil {
		st.Close()
		return nil, err
	}

	st.engine = engine.New(engine.Config{
		RobotAvailable: cfg.Robot.Available,
		PowerSaveMode:  cfg.Robot.PowerSaveMode,
		ParkIdle:       cfg.ParkIdle(),
		QueueSize:      cfg.Defaults.QueueSize,
	}, engine.Deps{
		Power:   seq,
		Motion:  mot,
		Capture: orch,
		Session: sess,
		Sink:    sink,
	})
	return st, nil
}

func newOrchestrator(cfg *config.Config, pc capture.PowerChecker) (*capture.Orchestrator, error) {
	// one runner so a stop waits for every tool it started
	runner := &camera.ExecRunner{}
	gp, err := camera.NewTool(cfg.Camera.Gphoto2, runner)
	if err != nil {
		return nil, fmt.Errorf("camera.gphoto2: %w", err)
	}
	debug.Value("Camera tool", gp.Name())

	var web capture.Fetcher
	if cfg.Webcam.Wget != "" {
		wg, err := camera.NewTool(cfg.Webcam.Wget, runner)
		if err != nil {
			return nil, fmt.Errorf("webcam.wget: %w", err)
		}
		web = camera.NewWget(wg)
		debug.Value("Webcam URL", cfg.Webcam.URL)
	}

	var consumer capture.Consumer
	if cfg.Consumer.PauseURL != "" || cfg.Consumer.ResumeURL != "" {
		consumer = capture.NewHTTPConsumer(cfg.Consumer.PauseURL, cfg.Consumer.ResumeURL)
	}

	return capture.NewOrchestrator(capture.Config{
		PictureFolder: cfg.Camera.PictureFolder,
		ScratchFolder: cfg.Camera.ScratchFolder,
		WebcamFolder:  cfg.Webcam.PictureFolder,
		WebcamURL:     cfg.Webcam.URL,
		Autofocus:     cfg.Camera.Autofocus,
		UnknownMarker: cfg.Camera.UnknownMarker,
		Throughput:    cfg.Camera.ThroughputBps,
		MinWait:       cfg.TransferMinWait(),
	}, camera.NewGphoto2(gp), web, pc, consumer), nil
}
