// Package wayland is a minimal Wayland client: just the wire protocol and
// the few interfaces needed to discover outputs and copy their contents
// with wlr-screencopy.
package wayland

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	pkgerrors "github.com/pkg/errors"
	"github.com/xaionaro-go/screenrec"
)

const (
	displayID = ObjectID(1)

	roundtripTimeout = 5 * time.Second
)

// wl_display
const (
	opDisplaySync        = 0
	opDisplayGetRegistry = 1

	evDisplayError    = 0
	evDisplayDeleteID = 1
)

// wl_registry
const (
	opRegistryBind = 0

	evRegistryGlobal       = 0
	evRegistryGlobalRemove = 1
)

// wl_callback
const evCallbackDone = 0

// Global is an interface advertised by the compositor.
type Global struct {
	Name      uint32
	Interface string
	Version   uint32
}

type EventHandler func(ctx context.Context, msg Message) error

// ProtocolError is a fatal error reported by the compositor.
type ProtocolError struct {
	Object  ObjectID
	Code    uint32
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on object %d (code %d): %s", e.Object, e.Code, e.Message)
}

// Client is a connection to the compositor. It is owned by a single
// goroutine except for the socket writes.
type Client struct {
	conn     *Conn
	nextID   ObjectID
	handlers map[ObjectID]EventHandler
	registry ObjectID
	globals  map[uint32]Global
	outputs  map[string]ObjectID
	err      error
}

// Connect connects to the compositor of the session and collects the
// advertised globals.
func Connect(ctx context.Context) (*Client, error) {
	conn, err := Dial(ctx)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func NewClient(ctx context.Context, conn *Conn) (_ret *Client, _err error) {
	logger.Debugf(ctx, "NewClient")
	defer func() { logger.Debugf(ctx, "/NewClient: %v", _err) }()

	c := &Client{
		conn:     conn,
		nextID:   displayID + 1,
		handlers: map[ObjectID]EventHandler{},
		globals:  map[uint32]Global{},
	}
	c.handlers[displayID] = c.onDisplayEvent

	c.registry = c.NewID(c.onRegistryEvent)
	if err := c.Send(ctx, NewRequest(displayID, opDisplayGetRegistry).Object(c.registry)); err != nil {
		return nil, err
	}
	if err := c.Roundtrip(ctx); err != nil {
		return nil, fmt.Errorf("unable to collect the globals: %w", err)
	}
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// NewID allocates an object ID and sets the handler of its events.
func (c *Client) NewID(handler EventHandler) ObjectID {
	id := c.nextID
	c.nextID++
	if handler != nil {
		c.handlers[id] = handler
	}
	return id
}

// SetHandler sets the event handler of an (e.g. server-created) object.
func (c *Client) SetHandler(id ObjectID, handler EventHandler) {
	c.handlers[id] = handler
}

func (c *Client) Send(ctx context.Context, r *Request) error {
	if c.err != nil {
		return c.err
	}
	return c.conn.Send(ctx, r)
}

func (c *Client) Globals() []Global {
	result := make([]Global, 0, len(c.globals))
	for _, g := range c.globals {
		result = append(result, g)
	}
	return result
}

func (c *Client) findGlobals(iface string) []Global {
	var result []Global
	for _, g := range c.globals {
		if g.Interface == iface {
			result = append(result, g)
		}
	}
	return result
}

// Bind binds the first global of the interface at the highest version
// supported by both sides.
func (c *Client) Bind(
	ctx context.Context,
	iface string,
	minVersion, maxVersion uint32,
	handler EventHandler,
) (ObjectID, uint32, error) {
	globals := c.findGlobals(iface)
	if len(globals) == 0 {
		return 0, 0, fmt.Errorf("%w: %s is not advertised", screenrec.ErrProtocolUnsupported, iface)
	}
	return c.bindGlobal(ctx, globals[0], minVersion, maxVersion, handler)
}

func (c *Client) bindGlobal(
	ctx context.Context,
	g Global,
	minVersion, maxVersion uint32,
	handler EventHandler,
) (ObjectID, uint32, error) {
	if g.Version < minVersion {
		return 0, 0, fmt.Errorf("%w: %s v%d is advertised, but v%d is required", screenrec.ErrProtocolUnsupported, g.Interface, g.Version, minVersion)
	}
	version := min(g.Version, maxVersion)
	id := c.NewID(handler)
	err := c.Send(ctx, NewRequest(c.registry, opRegistryBind).
		Uint32(g.Name).
		String(g.Interface).
		Uint32(version).
		Object(id),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to bind %s: %w", g.Interface, err)
	}
	logger.Debugf(ctx, "bound %s v%d as object %d", g.Interface, version, id)
	return id, version, nil
}

// Roundtrip waits until the compositor processed all the requests sent
// so far, dispatching the events meanwhile.
func (c *Client) Roundtrip(ctx context.Context) error {
	done := false
	callback := c.NewID(func(ctx context.Context, msg Message) error {
		if msg.Opcode == evCallbackDone {
			done = true
		}
		return nil
	})
	if err := c.Send(ctx, NewRequest(displayID, opDisplaySync).Object(callback)); err != nil {
		return err
	}
	ctx, cancelFn := context.WithTimeout(ctx, roundtripTimeout)
	defer cancelFn()
	for !done {
		deadline, _ := ctx.Deadline()
		if err := ctx.Err(); err != nil {
			return pkgerrors.Wrap(err, "the compositor did not answer")
		}
		if err := c.Dispatch(ctx, time.Until(deadline)); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch reads the available events (waiting for at most timeout) and
// calls their handlers.
func (c *Client) Dispatch(ctx context.Context, timeout time.Duration) error {
	if c.err != nil {
		return c.err
	}
	msgs, err := c.conn.Receive(ctx, timeout)
	if err != nil {
		c.err = err
		return err
	}
	for _, msg := range msgs {
		handler := c.handlers[msg.Object]
		if handler == nil {
			logger.Tracef(ctx, "no handler for %s", msg)
			continue
		}
		if err := handler(ctx, msg); err != nil {
			c.err = err
			return err
		}
	}
	return nil
}

func (c *Client) onDisplayEvent(ctx context.Context, msg Message) error {
	args := msg.Args()
	switch msg.Opcode {
	case evDisplayError:
		e := &ProtocolError{
			Object:  args.Object(),
			Code:    args.Uint32(),
			Message: args.String(),
		}
		if err := args.Err(); err != nil {
			return pkgerrors.Wrap(err, "unable to parse the error event")
		}
		return pkgerrors.WithStack(e)
	case evDisplayDeleteID:
		id := args.Object()
		delete(c.handlers, id)
		return args.Err()
	}
	return nil
}

func (c *Client) onRegistryEvent(ctx context.Context, msg Message) error {
	args := msg.Args()
	switch msg.Opcode {
	case evRegistryGlobal:
		g := Global{
			Name:      args.Uint32(),
			Interface: args.String(),
			Version:   args.Uint32(),
		}
		if err := args.Err(); err != nil {
			return pkgerrors.Wrap(err, "unable to parse a global")
		}
		logger.Tracef(ctx, "global %d: %s v%d", g.Name, g.Interface, g.Version)
		c.globals[g.Name] = g
	case evRegistryGlobalRemove:
		name := args.Uint32()
		logger.Debugf(ctx, "global %d removed", name)
		delete(c.globals, name)
		return args.Err()
	}
	return nil
}
