package bufferpool

import (
	"context"

	"github.com/xaionaro-go/screenrec/types"
)

// Buffer is a single image buffer the compositor copies a frame into.
type Buffer interface {
	Descriptor() types.BufferDescriptor
	Close() error
}

// DMABuffer is a GPU-resident buffer that can be shared as dmabuf file descriptors.
type DMABuffer interface {
	Buffer
	PlaneFDs() []int
}

// CPUBuffer is a buffer backed by shared memory mapped into our address space.
type CPUBuffer interface {
	Buffer
	FD() int
	Bytes() []byte
}

// Allocator creates buffers of a single memory kind.
type Allocator interface {
	Memory() types.Memory

	// SupportsModifier reports if the allocator can create a buffer
	// of the given format with the given modifier.
	SupportsModifier(fourcc types.Fourcc, modifier types.Modifier) bool

	Allocate(ctx context.Context, desc types.BufferDescriptor) (Buffer, error)
}
