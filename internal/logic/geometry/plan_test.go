package geometry

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/cjeanneret/camzilla/internal/errcode"
)

func TestParsePlan_Defaults(t *testing.T) {
	p, err := ParsePlan("")
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	want := &Plan{CountX: 1, CountY: 1, StepX: 1, StepY: 1, Batch: true}
	if !reflect.DeepEqual(p, want) {
		t.Errorf("plan = %+v, want %+v", p, want)
	}
}

func TestParsePlan_Full(t *testing.T) {
	p, err := ParsePlan("start(-10.5,3) pictures(4,2) rotation(12.5,8) delay(2) batch(0) gphoto2(/main/imgsettings/iso=3,/main/capturesettings/bracketing=0)")
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	want := &Plan{
		StartX: -10.5, StartY: 3,
		CountX: 4, CountY: 2,
		StepX: 12.5, StepY: 8,
		Delay:    2 * time.Second,
		Batch:    false,
		Settings: []string{"/main/imgsettings/iso=3", "/main/capturesettings/bracketing=0"},
	}
	if !reflect.DeepEqual(p, want) {
		t.Errorf("plan = %+v, want %+v", p, want)
	}
}

func TestParsePlan_KeysAreCaseInsensitive(t *testing.T) {
	p, err := ParsePlan("Start(1,2) PICTURES(1,1)")
	if err != nil {
		t.Fatal(err)
	}
	if p.StartX != 1 || p.StartY != 2 {
		t.Errorf("start = (%v,%v)", p.StartX, p.StartY)
	}
}

func TestParsePlan_RotationRequiredForMultiplePictures(t *testing.T) {
	cases := []string{
		"pictures(2,1)",
		"pictures(1,3)",
		"start(0,0) pictures(5,5) delay(1)",
	}
	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			_, err := ParsePlan(s)
			if err == nil {
				t.Fatal("expected configuration error")
			}
			if !errors.Is(err, errcode.Configuration) {
				t.Errorf("error code = %q, want configuration", errcode.Of(err))
			}
		})
	}
}

func TestParsePlan_SingleAxisDefaultsStep(t *testing.T) {
	p, err := ParsePlan("pictures(1,1) delay(0)")
	if err != nil {
		t.Fatal(err)
	}
	if p.StepX != 1.0 || p.StepY != 1.0 {
		t.Errorf("steps = (%v,%v), want defaults (1,1)", p.StepX, p.StepY)
	}
	cells := p.Cells()
	if len(cells) != 1 || cells[0].X != 0 || cells[0].Y != 0 {
		t.Errorf("single-cell plan must not use the step: %+v", cells)
	}
}

func TestParsePlan_Malformed(t *testing.T) {
	cases := []string{
		"start(1)",
		"start(a,b)",
		"pictures(0,1)",
		"pictures(2.5,1) rotation(1,1)",
		"delay(-1)",
		"batch(yes)",
		"start(1,2",
	}
	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			if _, err := ParsePlan(s); !errors.Is(err, errcode.Configuration) {
				t.Errorf("ParsePlan(%q) = %v, want configuration error", s, err)
			}
		})
	}
}

func TestParsePlan_UnknownParameterIgnored(t *testing.T) {
	p, err := ParsePlan("zoom(3) pictures(1,1)")
	if err != nil {
		t.Fatalf("unknown parameter should be ignored, got %v", err)
	}
	if p.Total() != 1 {
		t.Errorf("Total() = %d", p.Total())
	}
}

func TestPlan_Params(t *testing.T) {
	p, err := ParsePlan("start(1,2) pictures(3,1) rotation(5,1) delay(1.5) batch(0)")
	if err != nil {
		t.Fatal(err)
	}
	want := []any{1.0, 2.0, 3, 1, 5.0, 1.0, 1.5, 0}
	if got := p.Params(); !reflect.DeepEqual(got, want) {
		t.Errorf("Params() = %v, want %v", got, want)
	}
}

func TestSplitSettings(t *testing.T) {
	got := SplitSettings(" a=1, ,b=2,")
	if !reflect.DeepEqual(got, []string{"a=1", "b=2"}) {
		t.Errorf("SplitSettings = %v", got)
	}
	if SplitSettings("") != nil {
		t.Error("empty input should yield nil")
	}
}
