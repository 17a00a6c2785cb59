package task

import (
	"time"

	"github.com/cjeanneret/camzilla/internal/errcode"
)

// ParamCount is the number of echoed parameters in a result record: the
// eight plan values and the resolved capture settings.
const ParamCount = 9

// Extra categories reported outside of tasks.
const (
	CategoryPower   = "power"
	CategoryParking = "parking"
)

// Result is the record emitted for every task and every panorama cell.
type Result struct {
	Timestamp int64        `json:"timestamp"` // ms since epoch
	Category  string       `json:"category"`
	Outcome   string       `json:"outcome"`
	X         float64      `json:"x"`
	Y         float64      `json:"y"`
	Params    []any        `json:"params"`
	Code      errcode.Code `json:"code"`
}

// OK reports whether the record is a success.
func (r Result) OK() bool { return r.Code == errcode.OK }

// NewResult builds a record with params padded to ParamCount.
func NewResult(at time.Time, category, outcome string, x, y float64, params ...any) Result {
	p := make([]any, ParamCount)
	copy(p, params)
	return Result{
		Timestamp: at.UnixMilli(),
		Category:  category,
		Outcome:   outcome,
		X:         x,
		Y:         y,
		Params:    p,
		Code:      errcode.OK,
	}
}

// WithErr marks the record failed with err's code.
func (r Result) WithErr(err error) Result {
	r.Code = errcode.Of(err)
	return r
}

// SettingsParams places only the resolved settings, in the last slot.
func SettingsParams(settings any) []any {
	p := make([]any, ParamCount)
	p[ParamCount-1] = settings
	return p
}

// Sink receives result records.
type Sink interface {
	Emit(r Result)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Result)

func (f SinkFunc) Emit(r Result) { f(r) }

// Fanout emits to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(r Result) {
	for _, s := range f {
		s.Emit(r)
	}
}
