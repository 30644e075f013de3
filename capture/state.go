package capture

import (
	"fmt"
)

type State uint8

const (
	StateIdle = State(iota)
	StateRequested
	StateFormatNegotiated
	StateCapturing
	StateFrameReady
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateFormatNegotiated:
		return "format_negotiated"
	case StateCapturing:
		return "capturing"
	case StateFrameReady:
		return "frame_ready"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("unexpected_state_%d", uint8(s))
}

func (s State) IsTerminal() bool {
	return s == StateCancelled || s == StateFailed
}

// IsInFlight is true while the compositor is working on a capture request.
func (s State) IsInFlight() bool {
	switch s {
	case StateRequested, StateFormatNegotiated, StateCapturing:
		return true
	}
	return false
}
