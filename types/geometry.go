package types

import (
	"fmt"
	"time"
)

type Rect struct {
	X int32
	Y int32
	W int32
	H int32
}

func NewRect(x, y, w, h int32) Rect {
	return Rect{X: x, Y: y, W: w, H: h}
}

func (r Rect) String() string {
	return fmt.Sprintf("%d,%d %dx%d", r.X, r.Y, r.W, r.H)
}

func (r Rect) IsEmpty() bool {
	return r.W <= 0 || r.H <= 0
}

// Contains returns true if "other" lies completely inside "r".
func (r Rect) Contains(other Rect) bool {
	return other.X >= r.X &&
		other.Y >= r.Y &&
		other.X+other.W <= r.X+r.W &&
		other.Y+other.H <= r.Y+r.H
}

func (r Rect) Intersects(other Rect) bool {
	return r.X < other.X+other.W &&
		other.X < r.X+r.W &&
		r.Y < other.Y+other.H &&
		other.Y < r.Y+r.H
}

func (r Rect) Translate(dx, dy int32) Rect {
	return Rect{X: r.X + dx, Y: r.Y + dy, W: r.W, H: r.H}
}

// Transform is the wl_output transform enum.
type Transform uint32

const (
	TransformNormal = Transform(iota)
	Transform90
	Transform180
	Transform270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
	EndOfTransform
)

func (t Transform) String() string {
	switch t {
	case TransformNormal:
		return "normal"
	case Transform90:
		return "90"
	case Transform180:
		return "180"
	case Transform270:
		return "270"
	case TransformFlipped:
		return "flipped"
	case TransformFlipped90:
		return "flipped-90"
	case TransformFlipped180:
		return "flipped-180"
	case TransformFlipped270:
		return "flipped-270"
	}
	return fmt.Sprintf("unexpected_transform_%d", uint32(t))
}

type Size struct {
	W int32
	H int32
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.W, s.H)
}

// Output is a compositor output as advertised by wl_output + xdg_output.
// It is immutable once resolved for a session.
type Output struct {
	Name            string
	Description     string
	Logical         Rect
	Physical        Size
	Transform       Transform
	Scale           int32
	RefreshInterval time.Duration
}

func (o Output) String() string {
	return fmt.Sprintf("%s (%s, %s)", o.Name, o.Logical, o.Transform)
}

// CaptureRegion is the resolved capture target for a whole run.
type CaptureRegion struct {
	Output Output

	// Global is the region in global compositor logical coordinates.
	Global Rect

	// Local is the same region relative to the output's logical origin.
	Local Rect
}

func (r CaptureRegion) IsFullOutput() bool {
	return r.Local.X == 0 && r.Local.Y == 0 &&
		r.Local.W == r.Output.Logical.W && r.Local.H == r.Output.Logical.H
}
