package types

import (
	"fmt"
)

// Fourcc is a DRM fourcc pixel format code.
type Fourcc uint32

func NewFourcc(a, b, c, d byte) Fourcc {
	return Fourcc(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	FourccXRGB8888    = NewFourcc('X', 'R', '2', '4')
	FourccARGB8888    = NewFourcc('A', 'R', '2', '4')
	FourccXBGR8888    = NewFourcc('X', 'B', '2', '4')
	FourccABGR8888    = NewFourcc('A', 'B', '2', '4')
	FourccXRGB2101010 = NewFourcc('X', 'R', '3', '0')
	FourccXBGR2101010 = NewFourcc('X', 'B', '3', '0')
	FourccNV12        = NewFourcc('N', 'V', '1', '2')
)

func (f Fourcc) String() string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08X", uint32(f))
		}
	}
	return string(b)
}

// BytesPerPixel returns the size of a pixel of a single-plane packed format
// or 0 if the format is not a single-plane packed format.
func (f Fourcc) BytesPerPixel() int {
	switch f {
	case FourccXRGB8888, FourccARGB8888, FourccXBGR8888, FourccABGR8888,
		FourccXRGB2101010, FourccXBGR2101010:
		return 4
	}
	return 0
}

func (f Fourcc) Is10Bit() bool {
	return f == FourccXRGB2101010 || f == FourccXBGR2101010
}

// Modifier is a DRM format modifier.
type Modifier uint64

const (
	ModifierLinear  = Modifier(0)
	ModifierInvalid = Modifier(0x00ffffffffffffff)
)

func (m Modifier) String() string {
	switch m {
	case ModifierLinear:
		return "linear"
	case ModifierInvalid:
		return "invalid"
	}
	return fmt.Sprintf("0x%016X", uint64(m))
}

type Memory uint8

const (
	MemoryUndefined = Memory(iota)
	MemoryDMABuf
	MemorySHM
)

func (m Memory) String() string {
	switch m {
	case MemoryUndefined:
		return "<undefined>"
	case MemoryDMABuf:
		return "dmabuf"
	case MemorySHM:
		return "shm"
	}
	return fmt.Sprintf("unexpected_memory_%d", uint8(m))
}

// FormatCandidate is one format the compositor is willing to copy into.
type FormatCandidate struct {
	Memory    Memory
	Fourcc    Fourcc
	Modifiers []Modifier
}

func (c FormatCandidate) String() string {
	return fmt.Sprintf("%s:%s%v", c.Memory, c.Fourcc, c.Modifiers)
}

type PlaneLayout struct {
	Offset uint32
	Stride uint32
}

// BufferDescriptor describes the negotiated layout of the pool buffers.
type BufferDescriptor struct {
	Memory   Memory
	Fourcc   Fourcc
	Modifier Modifier
	Width    int32
	Height   int32
	Planes   []PlaneLayout
}

func (d BufferDescriptor) String() string {
	return fmt.Sprintf("%s %s/%s %dx%d", d.Memory, d.Fourcc, d.Modifier, d.Width, d.Height)
}

// SameFormat returns true if both descriptors can share the same buffers.
func (d BufferDescriptor) SameFormat(other BufferDescriptor) bool {
	return d.Memory == other.Memory &&
		d.Fourcc == other.Fourcc &&
		d.Modifier == other.Modifier &&
		d.Width == other.Width &&
		d.Height == other.Height
}
