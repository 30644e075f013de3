package wayland

import (
	"context"
	"errors"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screenrec/bufferpool"
)

var errBufferRejected = errors.New("the compositor rejected the buffer")

// wl_shm / wl_shm_pool / wl_buffer
const (
	opSHMCreatePool = 0

	opSHMPoolCreateBuffer = 0
	opSHMPoolDestroy      = 1

	opBufferDestroy = 0
)

// zwp_linux_buffer_params_v1
const (
	opParamsDestroy = 0
	opParamsAdd     = 1
	opParamsCreate  = 2

	evParamsCreated = 0
	evParamsFailed  = 1
)

type wlBuffer struct {
	ID ObjectID
}

func (b *wlBuffer) destroy(ctx context.Context, c *Client) error {
	return c.Send(ctx, NewRequest(b.ID, opBufferDestroy))
}

// wlBuffer returns the wl_buffer wrapping buf, creating it on the first
// use. Buffers of other formats (left from before a renegotiation) are
// destroyed.
func (s *ScreencopySource) wlBuffer(
	ctx context.Context,
	buf bufferpool.Buffer,
) (*wlBuffer, error) {
	if b, ok := s.buffers[buf]; ok {
		return b, nil
	}

	desc := buf.Descriptor()
	for key, b := range s.buffers {
		if key.Descriptor().SameFormat(desc) {
			continue
		}
		if err := b.destroy(ctx, s.client); err != nil {
			logger.Debugf(ctx, "unable to destroy the wl_buffer %d: %v", b.ID, err)
		}
		delete(s.buffers, key)
	}

	var (
		b   *wlBuffer
		err error
	)
	switch buf := buf.(type) {
	case bufferpool.CPUBuffer:
		b, err = s.createSHMBuffer(ctx, buf)
	case bufferpool.DMABuffer:
		b, err = s.createDMABuffer(ctx, buf)
	default:
		err = fmt.Errorf("unsupported buffer type %T", buf)
	}
	if err != nil {
		return nil, err
	}
	s.buffers[buf] = b
	return b, nil
}

func (s *ScreencopySource) createSHMBuffer(
	ctx context.Context,
	buf bufferpool.CPUBuffer,
) (*wlBuffer, error) {
	desc := buf.Descriptor()
	if len(desc.Planes) != 1 {
		return nil, fmt.Errorf("expected a single plane shared memory buffer, got %d planes", len(desc.Planes))
	}

	pool := s.client.NewID(nil)
	err := s.client.Send(ctx, NewRequest(s.shm, opSHMCreatePool).
		Object(pool).FD(buf.FD()).Int32(int32(len(buf.Bytes()))))
	if err != nil {
		return nil, fmt.Errorf("unable to create a shared memory pool: %w", err)
	}

	b := &wlBuffer{ID: s.client.NewID(nil)}
	err = s.client.Send(ctx, NewRequest(pool, opSHMPoolCreateBuffer).
		Object(b.ID).
		Int32(int32(desc.Planes[0].Offset)).
		Int32(desc.Width).
		Int32(desc.Height).
		Int32(int32(desc.Planes[0].Stride)).
		Uint32(fourccSHM(desc.Fourcc)))
	if err != nil {
		return nil, fmt.Errorf("unable to create a shared memory buffer: %w", err)
	}

	// the buffer keeps the memory mapped on the compositor side
	if err := s.client.Send(ctx, NewRequest(pool, opSHMPoolDestroy)); err != nil {
		return nil, fmt.Errorf("unable to destroy the shared memory pool: %w", err)
	}
	return b, nil
}

func (s *ScreencopySource) createDMABuffer(
	ctx context.Context,
	buf bufferpool.DMABuffer,
) (_ret *wlBuffer, _err error) {
	desc := buf.Descriptor()
	logger.Debugf(ctx, "createDMABuffer(%s)", desc)
	defer func() { logger.Debugf(ctx, "/createDMABuffer(%s): %v", desc, _err) }()

	if s.dmabuf == 0 {
		return nil, fmt.Errorf("the compositor does not import GPU buffers")
	}
	fds := buf.PlaneFDs()
	if len(fds) != len(desc.Planes) {
		return nil, fmt.Errorf("the buffer has %d file descriptors for %d planes", len(fds), len(desc.Planes))
	}

	var (
		created ObjectID
		failed  bool
	)
	params := s.client.NewID(func(ctx context.Context, msg Message) error {
		args := msg.Args()
		switch msg.Opcode {
		case evParamsCreated:
			created = args.Object()
		case evParamsFailed:
			failed = true
		}
		return args.Err()
	})
	if err := s.client.Send(ctx, NewRequest(s.dmabuf, opDMABufCreateParams).Object(params)); err != nil {
		return nil, fmt.Errorf("unable to create the buffer parameters: %w", err)
	}
	defer func() {
		if err := s.client.Send(ctx, NewRequest(params, opParamsDestroy)); err != nil {
			logger.Debugf(ctx, "unable to destroy the buffer parameters: %v", err)
		}
	}()

	modifier := uint64(desc.Modifier)
	for idx, plane := range desc.Planes {
		err := s.client.Send(ctx, NewRequest(params, opParamsAdd).
			FD(fds[idx]).
			Uint32(uint32(idx)).
			Uint32(plane.Offset).
			Uint32(plane.Stride).
			Uint32(uint32(modifier>>32)).
			Uint32(uint32(modifier)))
		if err != nil {
			return nil, fmt.Errorf("unable to add plane #%d: %w", idx, err)
		}
	}
	err := s.client.Send(ctx, NewRequest(params, opParamsCreate).
		Int32(desc.Width).
		Int32(desc.Height).
		Uint32(uint32(desc.Fourcc)).
		Uint32(0))
	if err != nil {
		return nil, fmt.Errorf("unable to create the GPU buffer: %w", err)
	}
	if err := s.client.Roundtrip(ctx); err != nil {
		return nil, fmt.Errorf("unable to wait for the GPU buffer import: %w", err)
	}
	switch {
	case failed:
		return nil, fmt.Errorf("%w: %s", errBufferRejected, desc)
	case created == 0:
		return nil, fmt.Errorf("the compositor did not answer the GPU buffer import of %s", desc)
	}
	return &wlBuffer{ID: created}, nil
}
