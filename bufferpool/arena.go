package bufferpool

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/screenrec/types"
)

type slot struct {
	buffer     Buffer
	generation uint32
	inUse      bool
}

// arena owns the buffers allocated for one negotiated descriptor.
type arena struct {
	id         uint64
	descriptor types.BufferDescriptor
	allocator  Allocator
	slots      []slot
	retired    bool
}

func newArena(
	id uint64,
	descriptor types.BufferDescriptor,
	allocator Allocator,
	size int,
) *arena {
	return &arena{
		id:         id,
		descriptor: descriptor,
		allocator:  allocator,
		slots:      make([]slot, size),
	}
}

func (a *arena) inFlight() int {
	count := 0
	for idx := range a.slots {
		if a.slots[idx].inUse {
			count++
		}
	}
	return count
}

func (a *arena) acquire(ctx context.Context) (Handle, Buffer, error) {
	for idx := range a.slots {
		s := &a.slots[idx]
		if s.inUse {
			continue
		}
		if s.buffer == nil {
			buf, err := a.allocator.Allocate(ctx, a.descriptor)
			if err != nil {
				return Handle{}, nil, fmt.Errorf("unable to allocate a %s buffer: %w", a.descriptor, err)
			}
			logger.Debugf(ctx, "allocated buffer #%d for %s: %s", idx, a.descriptor, buf.Descriptor())
			s.buffer = buf
		}
		s.inUse = true
		return Handle{
			arena:      a.id,
			index:      uint32(idx),
			generation: s.generation,
		}, s.buffer, nil
	}
	return Handle{}, nil, ErrNoFreeBuffer
}

func (a *arena) lookup(h Handle) (*slot, error) {
	if int(h.index) >= len(a.slots) {
		return nil, fmt.Errorf("%w: %s: index out of range", ErrStaleHandle, h)
	}
	s := &a.slots[h.index]
	if !s.inUse || s.generation != h.generation {
		return nil, fmt.Errorf("%w: %s: the slot is at generation %d (in use: %t)", ErrStaleHandle, h, s.generation, s.inUse)
	}
	return s, nil
}

func (a *arena) release(ctx context.Context, h Handle) error {
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	s.inUse = false
	s.generation++
	if !a.retired {
		return nil
	}

	// buffers of a retired arena are never reused
	buf := s.buffer
	s.buffer = nil
	if buf == nil {
		return nil
	}
	if err := buf.Close(); err != nil {
		return fmt.Errorf("unable to close a retired buffer %s: %w", h, err)
	}
	return nil
}

// retire closes every buffer that is not in flight; the rest is closed on release.
func (a *arena) retire(ctx context.Context) error {
	a.retired = true
	var mErr *multierror.Error
	for idx := range a.slots {
		s := &a.slots[idx]
		if s.inUse || s.buffer == nil {
			continue
		}
		if err := s.buffer.Close(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to close buffer #%d: %w", idx, err))
		}
		s.buffer = nil
	}
	return mErr.ErrorOrNil()
}

func (a *arena) isDrained() bool {
	return a.retired && a.inFlight() == 0
}
