// Package region turns an output name or an explicit rectangle into a
// capture target in compositor global coordinates.
package region

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xaionaro-go/screenrec/types"
)

var (
	ErrOutputNotFound     = errors.New("output not found")
	ErrAmbiguousOutput    = errors.New("more than one output is available, please select one")
	ErrRegionSpansOutputs = errors.New("capturing a region spanning multiple outputs is not supported")
	ErrRegionOutOfBounds  = errors.New("the region does not intersect any output")
	ErrEmptyRegion        = errors.New("the region is empty")
)

// Target is what the user asked to capture. At most one of the fields is set.
type Target struct {
	OutputName string
	Region     *types.Rect
}

func (t Target) String() string {
	switch {
	case t.Region != nil:
		return "region " + t.Region.String()
	case t.OutputName != "":
		return "output " + t.OutputName
	default:
		return "<default output>"
	}
}

// ParseGeometry parses a rectangle in the "x,y WxH" form (as printed by slurp).
func ParseGeometry(s string) (types.Rect, error) {
	s = strings.TrimSpace(s)
	pos, size, ok := strings.Cut(s, " ")
	if !ok {
		return types.Rect{}, fmt.Errorf("expected format 'x,y WxH', got '%s'", s)
	}
	xs, ys, ok := strings.Cut(pos, ",")
	if !ok {
		return types.Rect{}, fmt.Errorf("expected position in format 'x,y', got '%s'", pos)
	}
	ws, hs, ok := strings.Cut(strings.TrimSpace(size), "x")
	if !ok {
		return types.Rect{}, fmt.Errorf("expected size in format 'WxH', got '%s'", size)
	}

	var values [4]int32
	for idx, str := range []string{xs, ys, ws, hs} {
		v, err := strconv.ParseInt(strings.TrimSpace(str), 10, 32)
		if err != nil {
			return types.Rect{}, fmt.Errorf("unable to parse '%s' as an integer: %w", str, err)
		}
		values[idx] = int32(v)
	}

	r := types.NewRect(values[0], values[1], values[2], values[3])
	if r.IsEmpty() {
		return types.Rect{}, fmt.Errorf("%w: %s", ErrEmptyRegion, r)
	}
	return r, nil
}

// Resolve picks the output to capture and computes the capture region.
func Resolve(
	outputs []types.Output,
	target Target,
) (types.CaptureRegion, error) {
	if len(outputs) == 0 {
		return types.CaptureRegion{}, fmt.Errorf("%w: the compositor advertised no outputs", ErrOutputNotFound)
	}

	switch {
	case target.Region != nil:
		return resolveRegion(outputs, *target.Region)
	case target.OutputName != "":
		for _, output := range outputs {
			if output.Name == target.OutputName {
				return fullOutput(output), nil
			}
		}
		return types.CaptureRegion{}, fmt.Errorf("%w: '%s' (available: %s)", ErrOutputNotFound, target.OutputName, outputNames(outputs))
	default:
		if len(outputs) > 1 {
			return types.CaptureRegion{}, fmt.Errorf("%w: %s", ErrAmbiguousOutput, outputNames(outputs))
		}
		return fullOutput(outputs[0]), nil
	}
}

func resolveRegion(
	outputs []types.Output,
	r types.Rect,
) (types.CaptureRegion, error) {
	if r.IsEmpty() {
		return types.CaptureRegion{}, fmt.Errorf("%w: %s", ErrEmptyRegion, r)
	}

	var intersecting []types.Output
	for _, output := range outputs {
		if output.Logical.Intersects(r) {
			intersecting = append(intersecting, output)
		}
	}
	switch len(intersecting) {
	case 0:
		return types.CaptureRegion{}, fmt.Errorf("%w: %s", ErrRegionOutOfBounds, r)
	case 1:
	default:
		return types.CaptureRegion{}, fmt.Errorf("%w: %s intersects %s", ErrRegionSpansOutputs, r, outputNames(intersecting))
	}

	output := intersecting[0]
	if !output.Logical.Contains(r) {
		return types.CaptureRegion{}, fmt.Errorf("%w: %s is not fully inside output %s", ErrRegionSpansOutputs, r, output)
	}

	return types.CaptureRegion{
		Output: output,
		Global: r,
		Local:  r.Translate(-output.Logical.X, -output.Logical.Y),
	}, nil
}

func fullOutput(output types.Output) types.CaptureRegion {
	return types.CaptureRegion{
		Output: output,
		Global: output.Logical,
		Local:  types.NewRect(0, 0, output.Logical.W, output.Logical.H),
	}
}

func outputNames(outputs []types.Output) string {
	names := make([]string, 0, len(outputs))
	for _, output := range outputs {
		names = append(names, output.Name)
	}
	return strings.Join(names, ", ")
}
