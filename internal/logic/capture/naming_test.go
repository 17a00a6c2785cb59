package capture

import (
	"reflect"
	"testing"
	"time"
)

var at = time.Date(2024, 3, 9, 14, 5, 7, 0, time.FixedZone("CET", 3600))

func TestStamp_UTC(t *testing.T) {
	if got := Stamp(at); got != "20240309_130507" {
		t.Errorf("Stamp = %q", got)
	}
}

func TestPictureStem(t *testing.T) {
	cases := []struct {
		n    int
		x, y float64
		want string
	}{
		{1, 0, 0, "20240309_130507_pic001_0x_0y"},
		{12, 10.25, -3.14, "20240309_130507_pic012_103x_-31y"},
		{123, 359.96, 0.04, "20240309_130507_pic123_3600x_0y"},
	}
	for _, tc := range cases {
		if got := PictureStem(at, tc.n, tc.x, tc.y); got != tc.want {
			t.Errorf("PictureStem(%d, %v, %v) = %q, want %q", tc.n, tc.x, tc.y, got, tc.want)
		}
	}
}

func TestFileNames(t *testing.T) {
	if got := FileNames("s", false); !reflect.DeepEqual(got, []string{"s.%C"}) {
		t.Errorf("single = %v", got)
	}
	want := []string{"s_bracket1.%C", "s_bracket2.%C", "s_bracket3.%C"}
	if got := FileNames("s", true); !reflect.DeepEqual(got, want) {
		t.Errorf("bracketed = %v", got)
	}
}

func TestUnknownName(t *testing.T) {
	if got := UnknownName(at, 7); got != "20240309_130507_pic007_unknown.%C" {
		t.Errorf("UnknownName = %q", got)
	}
}
