package bufferpool

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/screenrec/types"
	"golang.org/x/sys/unix"
)

// SHMAllocator allocates buffers in anonymous shared memory (memfd),
// suitable for wl_shm.
type SHMAllocator struct{}

var _ Allocator = SHMAllocator{}

func (SHMAllocator) Memory() types.Memory {
	return types.MemorySHM
}

func (SHMAllocator) SupportsModifier(fourcc types.Fourcc, modifier types.Modifier) bool {
	return fourcc.BytesPerPixel() > 0 && (modifier == types.ModifierLinear || modifier == types.ModifierInvalid)
}

func (SHMAllocator) Allocate(
	ctx context.Context,
	desc types.BufferDescriptor,
) (_ Buffer, _err error) {
	bpp := desc.Fourcc.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("format %s is not supported by the shared memory allocator", desc.Fourcc)
	}
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, fmt.Errorf("invalid buffer size %dx%d", desc.Width, desc.Height)
	}

	stride := uint32(desc.Width) * uint32(bpp)
	size := int(stride) * int(desc.Height)

	fd, err := unix.MemfdCreate("screenrec-shm", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("unable to create a memfd: %w", err)
	}
	defer func() {
		if _err != nil {
			unix.Close(fd)
		}
	}()

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("unable to resize the memfd to %d bytes: %w", size, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK); err != nil {
		logger.Debugf(ctx, "unable to seal the memfd: %v", err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("unable to mmap %d bytes: %w", size, err)
	}

	desc.Memory = types.MemorySHM
	desc.Modifier = types.ModifierLinear
	desc.Planes = []types.PlaneLayout{{Offset: 0, Stride: stride}}
	return &SHMBuffer{
		descriptor: desc,
		fd:         fd,
		data:       data,
	}, nil
}

type SHMBuffer struct {
	descriptor types.BufferDescriptor
	fd         int
	data       []byte
}

var _ CPUBuffer = (*SHMBuffer)(nil)

func (b *SHMBuffer) Descriptor() types.BufferDescriptor {
	return b.descriptor
}

func (b *SHMBuffer) FD() int {
	return b.fd
}

func (b *SHMBuffer) Bytes() []byte {
	return b.data
}

func (b *SHMBuffer) Close() error {
	var mErr *multierror.Error
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to munmap: %w", err))
		}
		b.data = nil
	}
	if b.fd >= 0 {
		if err := unix.Close(b.fd); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to close the memfd: %w", err))
		}
		b.fd = -1
	}
	return mErr.ErrorOrNil()
}
