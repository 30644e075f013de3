package wayland

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	pkgerrors "github.com/pkg/errors"
	"github.com/xaionaro-go/screenrec/types"
)

const (
	ifaceOutput        = "wl_output"
	ifaceOutputManager = "zxdg_output_manager_v1"
)

// wl_output
const (
	evOutputGeometry    = 0
	evOutputMode        = 1
	evOutputDone        = 2
	evOutputScale       = 3
	evOutputName        = 4
	evOutputDescription = 5

	outputModeCurrent = 0x1
)

// zxdg_output_manager_v1 / zxdg_output_v1
const (
	opOutputManagerDestroy      = 0
	opOutputManagerGetXDGOutput = 1

	opXDGOutputDestroy = 0

	evXDGOutputLogicalPosition = 0
	evXDGOutputLogicalSize     = 1
	evXDGOutputName            = 3
	evXDGOutputDescription     = 4
)

type outputState struct {
	ID     ObjectID
	Output types.Output
}

func (o *outputState) onEvent(ctx context.Context, msg Message) error {
	args := msg.Args()
	switch msg.Opcode {
	case evOutputGeometry:
		args.Int32()
		args.Int32()
		physW, physH := args.Int32(), args.Int32()
		args.Int32()
		args.String()
		args.String()
		transform := types.Transform(args.Int32())
		if transform >= types.EndOfTransform {
			return pkgerrors.Errorf("invalid transform %d of output %d", transform, o.ID)
		}
		o.Output.Transform = transform
		logger.Tracef(ctx, "output %d: physical size %dx%dmm, transform %s", o.ID, physW, physH, transform)
	case evOutputMode:
		flags := args.Uint32()
		w, h, refresh := args.Int32(), args.Int32(), args.Int32()
		if flags&outputModeCurrent != 0 {
			o.Output.Physical = types.Size{W: w, H: h}
			if refresh > 0 {
				o.Output.RefreshInterval = time.Duration(int64(time.Second) * 1000 / int64(refresh))
			}
		}
	case evOutputScale:
		o.Output.Scale = args.Int32()
	case evOutputName:
		o.Output.Name = args.String()
	case evOutputDescription:
		o.Output.Description = args.String()
	}
	return args.Err()
}

func (o *outputState) onXDGEvent(ctx context.Context, msg Message) error {
	args := msg.Args()
	switch msg.Opcode {
	case evXDGOutputLogicalPosition:
		o.Output.Logical.X, o.Output.Logical.Y = args.Int32(), args.Int32()
	case evXDGOutputLogicalSize:
		o.Output.Logical.W, o.Output.Logical.H = args.Int32(), args.Int32()
	case evXDGOutputName:
		// wl_output v4 provides the same name
		if name := args.String(); o.Output.Name == "" {
			o.Output.Name = name
		}
	case evXDGOutputDescription:
		if desc := args.String(); o.Output.Description == "" {
			o.Output.Description = desc
		}
	}
	return args.Err()
}

// Outputs binds every advertised output and returns their descriptions.
// The wl_output objects stay bound for OutputObject.
func (c *Client) Outputs(ctx context.Context) (_ret []types.Output, _err error) {
	logger.Debugf(ctx, "Outputs")
	defer func() { logger.Debugf(ctx, "/Outputs: %v %v", _ret, _err) }()

	manager, _, err := c.Bind(ctx, ifaceOutputManager, 2, 3, nil)
	if err != nil {
		return nil, err
	}

	globals := c.findGlobals(ifaceOutput)
	sort.Slice(globals, func(i, j int) bool { return globals[i].Name < globals[j].Name })
	states := make([]*outputState, 0, len(globals))
	for _, g := range globals {
		o := &outputState{}
		o.ID, _, err = c.bindGlobal(ctx, g, 2, 4, o.onEvent)
		if err != nil {
			return nil, err
		}
		xdg := c.NewID(o.onXDGEvent)
		if err := c.Send(ctx, NewRequest(manager, opOutputManagerGetXDGOutput).Object(xdg).Object(o.ID)); err != nil {
			return nil, err
		}
		states = append(states, o)
		defer func() {
			if err := c.Send(ctx, NewRequest(xdg, opXDGOutputDestroy)); err != nil {
				logger.Debugf(ctx, "unable to destroy the xdg_output: %v", err)
			}
		}()
	}
	defer func() {
		if err := c.Send(ctx, NewRequest(manager, opOutputManagerDestroy)); err != nil {
			logger.Debugf(ctx, "unable to destroy the xdg_output manager: %v", err)
		}
	}()

	if err := c.Roundtrip(ctx); err != nil {
		return nil, fmt.Errorf("unable to get the output descriptions: %w", err)
	}

	c.outputs = map[string]ObjectID{}
	result := make([]types.Output, 0, len(states))
	for _, o := range states {
		if o.Output.Name == "" {
			o.Output.Name = fmt.Sprintf("output-%d", o.ID)
		}
		c.outputs[o.Output.Name] = o.ID
		result = append(result, o.Output)
	}
	return result, nil
}

// OutputObject returns the wl_output object of an output returned by Outputs.
func (c *Client) OutputObject(name string) (ObjectID, bool) {
	id, ok := c.outputs[name]
	return id, ok
}
