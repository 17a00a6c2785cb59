package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestOf_Classifies(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, OK},
		{"bare_code", Protocol, Protocol},
		{"wrapped_code", fmt.Errorf("move: %w", ManualOverride), ManualOverride},
		{"e", New(NotPowered, "capture", "camera has no more power"), NotPowered},
		{"wrapped_e", fmt.Errorf("task: %w", Wrap(Connection, "open", errors.New("no such device"))), Connection},
		{"plain", errors.New("boom"), Error},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Of(tc.err); got != tc.want {
				t.Errorf("Of() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestE_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("calibrate: %w", New(Protocol, "cal", "could not calibrate"))
	if !errors.Is(err, Protocol) {
		t.Error("errors.Is should match the wrapped code")
	}
	if errors.Is(err, ManualOverride) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestE_Error(t *testing.T) {
	cases := []struct {
		e    *E
		want string
	}{
		{&E{C: Protocol}, "protocol"},
		{&E{C: Protocol, Op: "move"}, "move: protocol"},
		{&E{C: Protocol, Msg: "garbled"}, "garbled"},
		{&E{C: Protocol, Op: "move", Err: errors.New("eof")}, "move: eof"},
	}
	for _, tc := range cases {
		if got := tc.e.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(Protocol, "x", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}
