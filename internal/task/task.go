// Package task defines the commands the station accepts and the result
// records it reports.
package task

import (
	"fmt"
	"strings"

	"github.com/cjeanneret/camzilla/internal/errcode"
	"github.com/cjeanneret/camzilla/internal/logic/capture"
)

// Kind is the task variant.
type Kind int

const (
	Panorama Kind = iota
	PictureNow
	Positioning
	Mode
	Calibration
)

// String is the category written into result records.
func (k Kind) String() string {
	switch k {
	case Panorama:
		return "panorama"
	case PictureNow:
		return "picture_now"
	case Positioning:
		return "positioning"
	case Mode:
		return "mode"
	case Calibration:
		return "calibration"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Task is one unit of work for the engine. It is not modified once queued.
type Task struct {
	Kind   Kind
	Target capture.Target

	// Settings is the panorama plan text for Panorama and the comma
	// separated capture tool settings for PictureNow.
	Settings string

	X, Y float64 // Positioning target in degrees
	Mode int     // Mode: 0 joystick off, 1 joystick on
}

func (t *Task) String() string {
	switch t.Kind {
	case Panorama, PictureNow:
		return fmt.Sprintf("%s(%s(%s))", t.Kind, t.Target, t.Settings)
	case Positioning:
		return fmt.Sprintf("positioning(%g,%g)", t.X, t.Y)
	case Mode:
		return fmt.Sprintf("mode(%d)", t.Mode)
	default:
		return t.Kind.String()
	}
}

// ParseAction parses a capture action:
//
//	panorama(start(0,0) pictures(2,2) rotation(10,10))
//	picture(webcam())
//	panorama(camera(start(0,0) gphoto2(/main/imgsettings/imagesize=0)))
//
// The target defaults to the camera. The plan itself is parsed when the
// task runs, so a bad plan is reported as a failed task.
func ParseAction(action string) (*Task, error) {
	s := strings.TrimSpace(action)
	t := &Task{Target: capture.Camera}

	body, ok := call(s, "panorama")
	if ok {
		t.Kind = Panorama
	} else if body, ok = call(s, "picture"); ok {
		t.Kind = PictureNow
	} else {
		return nil, errcode.New(errcode.Configuration, "action", fmt.Sprintf("action unrecognized >%s<", s))
	}

	if inner, ok := call(body, "camera"); ok {
		body = inner
	} else if inner, ok := call(body, "webcam"); ok {
		t.Target = capture.Webcam
		body = inner
	}
	t.Settings = strings.TrimSpace(body)
	return t, nil
}

// call matches name(...) case-insensitively and returns what is inside
// the outer parentheses.
func call(s, name string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len(name)+2 || !strings.EqualFold(s[:len(name)+1], name+"(") || !strings.HasSuffix(s, ")") {
		return "", false
	}
	return s[len(name)+1 : len(s)-1], true
}

// CommandKind separates task commands from power commands.
type CommandKind int

const (
	TaskCommand CommandKind = iota
	PowerCommand
)

// Command is an inbound message. A task command carries either a parsed
// Task or an Action text that is parsed by the engine's parser worker.
type Command struct {
	Kind CommandKind

	Task   *Task
	Action string

	Camera bool // PowerCommand: camera and robot on
	Heater bool // PowerCommand: heater on
}
