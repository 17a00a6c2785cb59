package capture

import (
	"fmt"
	"math"
	"time"
)

const stampLayout = "20060102_150405"

// Stamp formats t as the UTC prefix shared by every picture of a task.
func Stamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// PictureStem names picture n of a task taken at (x, y) degrees. The
// position is encoded in tenths of a degree.
func PictureStem(t time.Time, n int, x, y float64) string {
	return fmt.Sprintf("%s_pic%03d_%dx_%dy", Stamp(t), n, tenths(x), tenths(y))
}

// FileNames expands a stem into the names the camera files are stored
// under. "%C" is replaced by gphoto2 with the file suffix.
func FileNames(stem string, bracketing bool) []string {
	if !bracketing {
		return []string{stem + ".%C"}
	}
	names := make([]string, 0, BracketShots)
	for i := 1; i <= BracketShots; i++ {
		names = append(names, fmt.Sprintf("%s_bracket%d.%%C", stem, i))
	}
	return names
}

// UnknownName names the n-th picture found on the card at start-up.
func UnknownName(t time.Time, n int) string {
	return fmt.Sprintf("%s_pic%03d_unknown.%%C", Stamp(t), n)
}

func tenths(deg float64) int {
	return int(math.Round(deg * 10))
}
