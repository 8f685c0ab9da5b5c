package ocr

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRect parses a config "rect" value of the form "x,y,w,h" into
// pixel coordinates against a bitmap of size bitmapW x bitmapH. A
// negative x or y is relative to the right/bottom edge (§4.5): -10
// means 10 pixels in from that edge, matching how operators describe
// regions anchored to a label printed near the film's edge regardless
// of the film's exact size.
func ParseRect(s string, bitmapW, bitmapH int) (Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Rect{}, fmt.Errorf("ocr: invalid rect %q: want \"x,y,w,h\"", s)
	}

	vals := make([]int, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Rect{}, fmt.Errorf("ocr: invalid rect %q: %w", s, err)
		}
		vals[i] = n
	}

	x, y, w, h := vals[0], vals[1], vals[2], vals[3]
	if x < 0 {
		x = bitmapW + x
	}
	if y < 0 {
		y = bitmapH + y
	}
	return Rect{X: x, Y: y, W: w, H: h}, nil
}
