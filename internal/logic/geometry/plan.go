package geometry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cjeanneret/camzilla/internal/debug"
	"github.com/cjeanneret/camzilla/internal/errcode"
)

// Plan is a parsed panorama task: a grid of CountX x CountY pictures
// starting at (StartX, StartY) and advancing by (StepX, StepY) degrees.
type Plan struct {
	StartX, StartY float64
	CountX, CountY int
	StepX, StepY   float64
	Delay          time.Duration // wait between positioning and capture
	Batch          bool          // download once at the end instead of per picture
	Settings       []string      // capture tool settings, key=value
}

// ParsePlan parses a settings string such as
//
//	start(0,0) pictures(2,2) rotation(10,10) delay(0) batch(1) gphoto2(/main/imgsettings/iso=1)
//
// Missing parameters take their defaults. A rotation step is required on
// every axis that takes more than one picture.
func ParsePlan(s string) (*Plan, error) {
	var (
		startX, startY float64
		countX, countY = 1, 1
		stepX, stepY   *float64
		delay          time.Duration
		batch          = true
		settings       []string
	)

	for _, param := range strings.Fields(s) {
		key, args, err := splitParam(param)
		if err != nil {
			return nil, err
		}
		switch key {
		case "start":
			if startX, startY, err = floatPair(key, args); err != nil {
				return nil, err
			}
		case "pictures":
			x, y, err := intPair(key, args)
			if err != nil {
				return nil, err
			}
			if x < 1 || y < 1 {
				return nil, errcode.New(errcode.Configuration, "plan", fmt.Sprintf("pictures(%d,%d): counts must be >= 1", x, y))
			}
			countX, countY = x, y
		case "rotation":
			x, y, err := floatPair(key, args)
			if err != nil {
				return nil, err
			}
			stepX, stepY = &x, &y
		case "delay":
			v, err := strconv.ParseFloat(args, 64)
			if err != nil || v < 0 {
				return nil, errcode.New(errcode.Configuration, "plan", fmt.Sprintf("delay(%s): not a positive number of seconds", args))
			}
			delay = time.Duration(v * float64(time.Second))
		case "batch":
			v, err := strconv.Atoi(args)
			if err != nil {
				return nil, errcode.New(errcode.Configuration, "plan", fmt.Sprintf("batch(%s): not an integer", args))
			}
			batch = v != 0
		case "gphoto2":
			settings = splitSettings(args)
		default:
			debug.Warn("unrecognized parameter >%s< in task >%s<", param, s)
		}
	}

	if stepX == nil && countX > 1 {
		return nil, errcode.New(errcode.Configuration, "plan", "x-rotation has to be specified if more than one picture has to be taken in x-direction")
	}
	if stepY == nil && countY > 1 {
		return nil, errcode.New(errcode.Configuration, "plan", "y-rotation has to be specified if more than one picture has to be taken in y-direction")
	}

	p := &Plan{
		StartX:   startX,
		StartY:   startY,
		CountX:   countX,
		CountY:   countY,
		StepX:    1,
		StepY:    1,
		Delay:    delay,
		Batch:    batch,
		Settings: settings,
	}
	if stepX != nil {
		p.StepX = *stepX
	}
	if stepY != nil {
		p.StepY = *stepY
	}
	return p, nil
}

// Total returns the number of grid cells.
func (p *Plan) Total() int {
	return p.CountX * p.CountY
}

// Params returns the plan values echoed into result records, in order:
// start x, start y, pictures x, pictures y, rotation x, rotation y, delay
// seconds, batch.
func (p *Plan) Params() []any {
	batch := 0
	if p.Batch {
		batch = 1
	}
	return []any{p.StartX, p.StartY, p.CountX, p.CountY, p.StepX, p.StepY, p.Delay.Seconds(), batch}
}

func (p *Plan) String() string {
	return fmt.Sprintf("start(%g,%g) pictures(%d,%d) rotation(%g,%g) delay(%g) batch(%v) gphoto2(%s)",
		p.StartX, p.StartY, p.CountX, p.CountY, p.StepX, p.StepY, p.Delay.Seconds(), p.Batch, strings.Join(p.Settings, ","))
}

// SplitSettings splits a comma separated settings list, dropping empty items.
func SplitSettings(s string) []string {
	return splitSettings(s)
}

func splitSettings(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func splitParam(param string) (key, args string, err error) {
	open := strings.IndexByte(param, '(')
	if open <= 0 || !strings.HasSuffix(param, ")") {
		return "", "", errcode.New(errcode.Configuration, "plan", fmt.Sprintf("malformed parameter >%s<", param))
	}
	return strings.ToLower(param[:open]), param[open+1 : len(param)-1], nil
}

func floatPair(key, args string) (float64, float64, error) {
	a, b, ok := strings.Cut(args, ",")
	if ok {
		x, errX := strconv.ParseFloat(strings.TrimSpace(a), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(b), 64)
		if errX == nil && errY == nil {
			return x, y, nil
		}
	}
	return 0, 0, errcode.New(errcode.Configuration, "plan", fmt.Sprintf("%s(%s): expected two numbers", key, args))
}

func intPair(key, args string) (int, int, error) {
	a, b, ok := strings.Cut(args, ",")
	if ok {
		x, errX := strconv.Atoi(strings.TrimSpace(a))
		y, errY := strconv.Atoi(strings.TrimSpace(b))
		if errX == nil && errY == nil {
			return x, y, nil
		}
	}
	return 0, 0, errcode.New(errcode.Configuration, "plan", fmt.Sprintf("%s(%s): expected two integers", key, args))
}
