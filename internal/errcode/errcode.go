package errcode

import "errors"

// Code is a stable error identifier carried into result records and logs.
// It is a string newtype, comparable, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes.
const (
	OK             Code = "ok"
	Configuration  Code = "configuration"   // fatal at startup
	NotPowered     Code = "not_powered"     // device lost power
	Protocol       Code = "protocol"        // unexpected controller answer
	ManualOverride Code = "manual_override" // joystick engaged
	Connection     Code = "connection"      // controller never became ready
	ToolExecution  Code = "tool_execution"  // capture/fetch utility failed
	NoRobot        Code = "no_robot"
	Stopped        Code = "stopped"

	Error Code = "error" // generic fallback
)

// E wraps a Code with the failing operation, a human message and an optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		if msg == "" {
			return e.Op + ": " + string(e.C)
		}
		return e.Op + ": " + msg
	}
	if msg == "" {
		return string(e.C)
	}
	return msg
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.Protocol) match a wrapped *E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// New returns an *E with the given code, operation and message.
func New(c Code, op, msg string) *E {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap returns an *E carrying cause err. A nil err yields nil.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}
