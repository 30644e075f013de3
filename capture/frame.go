package capture

import (
	"fmt"
	"time"

	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/types"
)

// Frame is one captured image.
//
// The capture session owns it until it is returned by TakeFrame, then the
// receiver owns it until it releases Handle back to the pool.
type Frame struct {
	Handle     bufferpool.Handle
	Buffer     bufferpool.Buffer
	Descriptor types.BufferDescriptor
	Damage     []types.Rect

	// Timestamp is the presentation time reported by the compositor (CLOCK_MONOTONIC).
	Timestamp time.Duration
	Sequence  uint64
	Transform types.Transform
	YInvert   bool

	// Duplicate is set if the frame has no damage relative to the previous one.
	Duplicate bool
}

func (f *Frame) String() string {
	return fmt.Sprintf(
		"frame #%d (%s, ts:%v, damage:%d, dup:%t, %s)",
		f.Sequence, f.Handle, f.Timestamp, len(f.Damage), f.Duplicate, f.Descriptor,
	)
}
