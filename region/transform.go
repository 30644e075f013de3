package region

import (
	"github.com/xaionaro-go/screenrec/types"
)

type basis struct {
	x [2]int32
	y [2]int32
}

// transformBasis returns, for each step in screen space along x and y, how
// many steps are made in frame space.
func transformBasis(transform types.Transform) basis {
	switch transform {
	case types.Transform90:
		return basis{x: [2]int32{0, -1}, y: [2]int32{1, 0}}
	case types.Transform180:
		return basis{x: [2]int32{-1, 0}, y: [2]int32{0, -1}}
	case types.Transform270:
		return basis{x: [2]int32{0, 1}, y: [2]int32{-1, 0}}
	case types.TransformFlipped:
		return basis{x: [2]int32{-1, 0}, y: [2]int32{0, 1}}
	case types.TransformFlipped90:
		return basis{x: [2]int32{0, 1}, y: [2]int32{1, 0}}
	case types.TransformFlipped180:
		return basis{x: [2]int32{1, 0}, y: [2]int32{0, -1}}
	case types.TransformFlipped270:
		return basis{x: [2]int32{0, -1}, y: [2]int32{-1, 0}}
	default:
		return basis{x: [2]int32{1, 0}, y: [2]int32{0, 1}}
	}
}

func IsTransposed(transform types.Transform) bool {
	return transformBasis(transform).x[0] == 0
}

func TransposeIfTransposed(s types.Size, transform types.Transform) types.Size {
	if IsTransposed(transform) {
		return types.Size{W: s.H, H: s.W}
	}
	return s
}

func screenPointToFrame(
	captureW, captureH int32,
	transform types.Transform,
	x, y int32,
) (int32, int32) {
	var originX, originY int32
	switch transform {
	case types.TransformFlipped180, types.Transform90:
		originX, originY = 0, captureH
	case types.TransformFlipped270, types.Transform180:
		originX, originY = captureW, captureH
	case types.TransformFlipped, types.Transform270:
		originX, originY = captureW, 0
	}

	b := transformBasis(transform)
	return originX + x*b.x[0] + y*b.y[0],
		originY + x*b.x[1] + y*b.y[1]
}

// ScreenToFrame converts a rectangle in (transformed) screen coordinates
// into the coordinates of the captured (untransformed) frame of size
// captureW x captureH.
func ScreenToFrame(
	r types.Rect,
	captureW, captureH int32,
	transform types.Transform,
) types.Rect {
	x1, y1 := screenPointToFrame(captureW, captureH, transform, r.X, r.Y)
	x2, y2 := screenPointToFrame(captureW, captureH, transform, r.X+r.W, r.Y+r.H)
	return types.Rect{
		X: min(x1, x2),
		Y: min(y1, y2),
		W: abs(x1 - x2),
		H: abs(y1 - y2),
	}
}

func abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
