package motion

import (
	"fmt"
	"strconv"
	"strings"
)

// ResponseKind classifies one answer line from the controller.
type ResponseKind int

const (
	Position              ResponseKind = iota // x/y=<v>[L]/<v>[L]
	NotCalibrated                             // !cal
	ManualOverrideEngaged                     // j=on
	Emergency                                 // contains "emergency"
	Unknown
)

func (k ResponseKind) String() string {
	switch k {
	case Position:
		return "position"
	case NotCalibrated:
		return "not_calibrated"
	case ManualOverrideEngaged:
		return "manual_override"
	case Emergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Response is a parsed controller answer. X, Y and the limit flags are
// only meaningful for Position.
type Response struct {
	Kind   ResponseKind
	X, Y   int
	XLimit bool
	YLimit bool
	Raw    string
}

// ParseResponse classifies a line. It never fails: anything it does not
// recognise is Unknown.
func ParseResponse(line string) Response {
	line = strings.TrimSpace(line)
	r := Response{Kind: Unknown, Raw: line}
	switch {
	case line == "!cal":
		r.Kind = NotCalibrated
	case line == "j=on":
		r.Kind = ManualOverrideEngaged
	case strings.Contains(strings.ToLower(line), "emergency"):
		r.Kind = Emergency
	case strings.HasPrefix(line, "x/y="):
		parts := strings.Split(line[len("x/y="):], "/")
		if len(parts) < 2 {
			return r
		}
		var err error
		if r.X, r.XLimit, err = pulseField(parts[0]); err != nil {
			return r
		}
		if r.Y, r.YLimit, err = pulseField(parts[1]); err != nil {
			return r
		}
		r.Kind = Position
	}
	return r
}

func pulseField(s string) (int, bool, error) {
	limit := strings.HasSuffix(s, "L")
	v, err := strconv.Atoi(strings.TrimSuffix(s, "L"))
	return v, limit, err
}

// parseMaxima reads the first calibration line, "cal=(<xmax>,<ymax>)".
func parseMaxima(line string) (x, y int, err error) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "cal=(") || !strings.HasSuffix(s, ")") {
		return 0, 0, fmt.Errorf("unexpected calibration answer %q", line)
	}
	xs, ys, ok := strings.Cut(s[len("cal=("):len(s)-1], ",")
	if !ok {
		return 0, 0, fmt.Errorf("unexpected calibration answer %q", line)
	}
	if x, err = strconv.Atoi(strings.TrimSpace(xs)); err != nil {
		return 0, 0, fmt.Errorf("calibration maximum %q: %w", xs, err)
	}
	if y, err = strconv.Atoi(strings.TrimSpace(ys)); err != nil {
		return 0, 0, fmt.Errorf("calibration maximum %q: %w", ys, err)
	}
	return x, y, nil
}
