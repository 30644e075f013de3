package bufferpool

import (
	"fmt"
)

// Handle is an opaque reference to a buffer acquired from a Pool.
//
// A Handle is valid from TryAcquire until the matching Release. Any
// later use of it (including a second Release) is detected through the
// generation counter of the slot.
type Handle struct {
	arena      uint64
	index      uint32
	generation uint32
}

func (h Handle) IsZero() bool {
	return h == Handle{}
}

func (h Handle) String() string {
	if h.IsZero() {
		return "<no buffer>"
	}
	return fmt.Sprintf("buf#%d.%d@%d", h.index, h.generation, h.arena)
}
