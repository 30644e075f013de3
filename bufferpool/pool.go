// Package bufferpool negotiates the buffer format with the compositor and
// owns a small bounded set of reusable capture buffers.
package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/types"
)

var (
	ErrNoFreeBuffer  = errors.New("no free buffer in the pool")
	ErrStaleHandle   = errors.New("the buffer handle is stale")
	ErrNotNegotiated = errors.New("the buffer format is not negotiated yet")
)

const (
	DefaultSize = 3
	MaxSize     = 4
)

// DefaultPreference lists hardware-friendly formats first.
var DefaultPreference = []types.Fourcc{
	types.FourccXRGB8888,
	types.FourccARGB8888,
	types.FourccXBGR8888,
	types.FourccABGR8888,
	types.FourccXRGB2101010,
	types.FourccXBGR2101010,
}

type Config struct {
	Size          int
	Preference    []types.Fourcc
	AllowSoftware bool
	ForceSoftware bool
}

type formatKey struct {
	memory   types.Memory
	fourcc   types.Fourcc
	modifier types.Modifier
}

// Pool is owned by the reactor goroutine and is not safe for concurrent use.
type Pool struct {
	config       Config
	gpu          Allocator
	shm          Allocator
	rejected     map[formatKey]struct{}
	current      *arena
	retired      []*arena
	nextArenaID  uint64
	softwarePath bool
}

// New creates a pool. gpu may be nil if no GPU allocator is available.
func New(
	cfg Config,
	gpu Allocator,
	shm Allocator,
) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Size > MaxSize {
		cfg.Size = MaxSize
	}
	if len(cfg.Preference) == 0 {
		cfg.Preference = DefaultPreference
	}
	return &Pool{
		config:   cfg,
		gpu:      gpu,
		shm:      shm,
		rejected: map[formatKey]struct{}{},
	}
}

func (p *Pool) Size() int {
	return p.config.Size
}

// SoftwarePath is true if the negotiated buffers live in CPU shared memory.
func (p *Pool) SoftwarePath() bool {
	return p.softwarePath
}

func (p *Pool) Descriptor() (types.BufferDescriptor, bool) {
	if p.current == nil {
		return types.BufferDescriptor{}, false
	}
	return p.current.descriptor, true
}

// Negotiate picks the buffer format for frames of the given size among the
// formats the compositor offered. If the result differs from the current
// format, the current buffers are retired.
func (p *Pool) Negotiate(
	ctx context.Context,
	candidates []types.FormatCandidate,
	width, height int32,
) (_ret types.BufferDescriptor, _err error) {
	logger.Debugf(ctx, "Negotiate(ctx, %v, %d, %d)", candidates, width, height)
	defer func() { logger.Debugf(ctx, "/Negotiate(ctx, %v, %d, %d): %s %v", candidates, width, height, _ret, _err) }()

	if width <= 0 || height <= 0 {
		return types.BufferDescriptor{}, fmt.Errorf("%w: invalid frame size %dx%d", screenrec.ErrFormatNegotiationFailed, width, height)
	}

	desc, ok := p.pickGPU(candidates)
	software := false
	if !ok {
		if !p.config.AllowSoftware && !p.config.ForceSoftware {
			return types.BufferDescriptor{}, fmt.Errorf("%w: no common GPU format among %v and the software path is disallowed", screenrec.ErrFormatNegotiationFailed, candidates)
		}
		desc, ok = p.pickSHM(candidates)
		if !ok {
			return types.BufferDescriptor{}, fmt.Errorf("%w: no common format among %v", screenrec.ErrFormatNegotiationFailed, candidates)
		}
		software = true
	}
	desc.Width, desc.Height = width, height

	if p.current != nil && p.current.descriptor.SameFormat(desc) {
		return p.current.descriptor, nil
	}

	allocator := p.gpu
	if software {
		allocator = p.shm
	}
	if err := p.retireCurrent(ctx); err != nil {
		logger.Errorf(ctx, "unable to retire the previous buffers: %v", err)
	}
	p.nextArenaID++
	p.current = newArena(p.nextArenaID, desc, allocator, p.config.Size)
	if software != p.softwarePath {
		logger.Infof(ctx, "switching the capture path to %s", desc.Memory)
	}
	p.softwarePath = software
	return desc, nil
}

func (p *Pool) pickGPU(candidates []types.FormatCandidate) (types.BufferDescriptor, bool) {
	if p.gpu == nil || p.config.ForceSoftware {
		return types.BufferDescriptor{}, false
	}
	for _, fourcc := range p.config.Preference {
		for _, c := range candidates {
			if c.Memory != types.MemoryDMABuf || c.Fourcc != fourcc {
				continue
			}
			modifiers := c.Modifiers
			if len(modifiers) == 0 {
				modifiers = []types.Modifier{types.ModifierInvalid}
			}
			for _, modifier := range modifiers {
				if p.isRejected(types.MemoryDMABuf, fourcc, modifier) {
					continue
				}
				if !p.gpu.SupportsModifier(fourcc, modifier) {
					continue
				}
				return types.BufferDescriptor{
					Memory:   types.MemoryDMABuf,
					Fourcc:   fourcc,
					Modifier: modifier,
				}, true
			}
		}
	}
	return types.BufferDescriptor{}, false
}

func (p *Pool) pickSHM(candidates []types.FormatCandidate) (types.BufferDescriptor, bool) {
	if p.shm == nil {
		return types.BufferDescriptor{}, false
	}
	for _, fourcc := range p.config.Preference {
		idx := slices.IndexFunc(candidates, func(c types.FormatCandidate) bool {
			return c.Memory == types.MemorySHM && c.Fourcc == fourcc
		})
		if idx < 0 || p.isRejected(types.MemorySHM, fourcc, types.ModifierLinear) {
			continue
		}
		return types.BufferDescriptor{
			Memory:   types.MemorySHM,
			Fourcc:   fourcc,
			Modifier: types.ModifierLinear,
		}, true
	}
	return types.BufferDescriptor{}, false
}

func (p *Pool) isRejected(memory types.Memory, fourcc types.Fourcc, modifier types.Modifier) bool {
	_, ok := p.rejected[formatKey{memory: memory, fourcc: fourcc, modifier: modifier}]
	return ok
}

// Reject excludes the format of desc from all later negotiations.
func (p *Pool) Reject(ctx context.Context, desc types.BufferDescriptor) {
	logger.Debugf(ctx, "Reject(ctx, %s)", desc)
	modifier := desc.Modifier
	if desc.Memory == types.MemorySHM {
		modifier = types.ModifierLinear
	}
	p.rejected[formatKey{memory: desc.Memory, fourcc: desc.Fourcc, modifier: modifier}] = struct{}{}
	if p.current != nil && p.current.descriptor.SameFormat(desc) {
		if err := p.retireCurrent(ctx); err != nil {
			logger.Errorf(ctx, "unable to retire the rejected buffers: %v", err)
		}
	}
}

func (p *Pool) retireCurrent(ctx context.Context) error {
	if p.current == nil {
		return nil
	}
	a := p.current
	p.current = nil
	err := a.retire(ctx)
	if !a.isDrained() {
		p.retired = append(p.retired, a)
	}
	return err
}

// TryAcquire takes a free buffer out of the pool without blocking.
// It returns ErrNoFreeBuffer if all the buffers are in flight.
func (p *Pool) TryAcquire(ctx context.Context) (Handle, Buffer, error) {
	if p.current == nil {
		return Handle{}, nil, ErrNotNegotiated
	}
	if p.InFlight() >= p.config.Size {
		return Handle{}, nil, ErrNoFreeBuffer
	}
	return p.current.acquire(ctx)
}

// Buffer returns the buffer referenced by an in-flight handle.
func (p *Pool) Buffer(h Handle) (Buffer, error) {
	a := p.arenaByID(h.arena)
	if a == nil {
		return nil, fmt.Errorf("%w: %s: unknown arena", ErrStaleHandle, h)
	}
	s, err := a.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.buffer, nil
}

// Release is the only way for a buffer to get back into the free set.
func (p *Pool) Release(ctx context.Context, h Handle) error {
	a := p.arenaByID(h.arena)
	if a == nil {
		return fmt.Errorf("%w: %s: unknown arena", ErrStaleHandle, h)
	}
	if err := a.release(ctx, h); err != nil {
		return err
	}
	if a.isDrained() {
		p.retired = slices.DeleteFunc(p.retired, func(item *arena) bool {
			return item == a
		})
	}
	return nil
}

func (p *Pool) arenaByID(id uint64) *arena {
	if p.current != nil && p.current.id == id {
		return p.current
	}
	for _, a := range p.retired {
		if a.id == id {
			return a
		}
	}
	return nil
}

// InFlight counts acquired and not yet released buffers, including
// the ones of retired formats.
func (p *Pool) InFlight() int {
	count := 0
	if p.current != nil {
		count += p.current.inFlight()
	}
	for _, a := range p.retired {
		count += a.inFlight()
	}
	return count
}

func (p *Pool) HasFree() bool {
	return p.current != nil && p.InFlight() < p.config.Size
}

func (p *Pool) Close(ctx context.Context) error {
	var mErr *multierror.Error
	if err := p.retireCurrent(ctx); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if n := p.InFlight(); n > 0 {
		logger.Warnf(ctx, "closing the buffer pool with %d buffers still in flight", n)
	}
	return mErr.ErrorOrNil()
}
