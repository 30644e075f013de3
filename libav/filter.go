//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
)

type filterInput struct {
	Width         int
	Height        int
	PixelFormat   astiav.PixelFormat
	FramesContext *astiav.HardwareFramesContext
}

// filterGraph is a single-input single-output video filter chain.
type filterGraph struct {
	description string
	input       filterInput
	graph       *astiav.FilterGraph
	source      *astiav.BuffersrcFilterContext
	sink        *astiav.BuffersinkFilterContext
	closer      astikit.Closer
}

func newFilterGraph(
	ctx context.Context,
	description string,
	input filterInput,
) (_ret *filterGraph, _err error) {
	logger.Debugf(ctx, "newFilterGraph('%s')", description)
	defer func() { logger.Debugf(ctx, "/newFilterGraph('%s'): %v", description, _err) }()

	g := &filterGraph{description: description, input: input}
	defer func() {
		if _err != nil {
			_ = g.Close()
		}
	}()

	g.graph = astiav.AllocFilterGraph()
	if g.graph == nil {
		return nil, fmt.Errorf("unable to allocate a filter graph")
	}
	g.closer.Add(g.graph.Free)

	var err error
	g.source, err = g.graph.NewBuffersrcFilterContext(astiav.FindFilterByName("buffer"), "in")
	if err != nil {
		return nil, fmt.Errorf("unable to create the buffer source: %w", err)
	}
	g.sink, err = g.graph.NewBuffersinkFilterContext(astiav.FindFilterByName("buffersink"), "out")
	if err != nil {
		return nil, fmt.Errorf("unable to create the buffer sink: %w", err)
	}

	params := astiav.AllocBuffersrcFilterContextParameters()
	defer params.Free()
	params.SetWidth(input.Width)
	params.SetHeight(input.Height)
	params.SetPixelFormat(input.PixelFormat)
	params.SetTimeBase(timeBase)
	params.SetSampleAspectRatio(astiav.NewRational(1, 1))
	if input.FramesContext != nil {
		params.SetHardwareFramesContext(input.FramesContext)
	}
	if err := g.source.SetParameters(params); err != nil {
		return nil, fmt.Errorf("unable to set the buffer source parameters: %w", err)
	}
	if err := g.source.Initialize(nil); err != nil {
		return nil, fmt.Errorf("unable to initialize the buffer source: %w", err)
	}

	outputs := astiav.AllocFilterInOut()
	defer outputs.Free()
	outputs.SetName("in")
	outputs.SetFilterContext(g.source.FilterContext())
	outputs.SetPadIdx(0)
	outputs.SetNext(nil)

	inputs := astiav.AllocFilterInOut()
	defer inputs.Free()
	inputs.SetName("out")
	inputs.SetFilterContext(g.sink.FilterContext())
	inputs.SetPadIdx(0)
	inputs.SetNext(nil)

	if err := g.graph.Parse(description, inputs, outputs); err != nil {
		return nil, fmt.Errorf("unable to parse the filter graph '%s': %w", description, err)
	}
	if err := g.graph.Configure(); err != nil {
		return nil, fmt.Errorf("unable to configure the filter graph '%s': %w", description, err)
	}
	return g, nil
}

// Matches reports if the graph was built for the same chain and input.
func (g *filterGraph) Matches(description string, input filterInput) bool {
	return g.description == description && g.input == input
}

// Filter pushes the frame and calls fn with every frame coming out.
// The frames passed to fn are unreferenced once fn returns.
func (g *filterGraph) Filter(
	frame *astiav.Frame,
	out *astiav.Frame,
	fn func(*astiav.Frame) error,
) error {
	if err := g.source.AddFrame(frame, astiav.NewBuffersrcFlags(astiav.BuffersrcFlagKeepRef)); err != nil {
		return fmt.Errorf("unable to push a frame into the filter graph: %w", err)
	}
	for {
		err := g.sink.GetFrame(out, astiav.NewBuffersinkFlags())
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEagain), errors.Is(err, astiav.ErrEof):
			return nil
		default:
			return fmt.Errorf("unable to get a frame from the filter graph: %w", err)
		}
		err = fn(out)
		out.Unref()
		if err != nil {
			return err
		}
	}
}

func (g *filterGraph) Close() error {
	return g.closer.Close()
}
