package capture

import (
	"fmt"
	"time"

	"github.com/xaionaro-go/screenrec/types"
)

// Event is a compositor response to a capture request.
type Event interface {
	fmt.Stringer
	isEvent()
}

// EventBufferOffer lists all the buffer formats the compositor can copy
// the requested frame into.
type EventBufferOffer struct {
	Candidates []types.FormatCandidate
	Width      int32
	Height     int32
}

func (EventBufferOffer) isEvent() {}
func (ev EventBufferOffer) String() string {
	return fmt.Sprintf("BufferOffer(%dx%d, %v)", ev.Width, ev.Height, ev.Candidates)
}

type EventFlags struct {
	YInvert bool
}

func (EventFlags) isEvent() {}
func (ev EventFlags) String() string {
	return fmt.Sprintf("Flags(y_invert:%t)", ev.YInvert)
}

type EventDamage struct {
	Rect types.Rect
}

func (EventDamage) isEvent() {}
func (ev EventDamage) String() string {
	return fmt.Sprintf("Damage(%s)", ev.Rect)
}

type EventReady struct {
	Timestamp time.Duration
}

func (EventReady) isEvent() {}
func (ev EventReady) String() string {
	return fmt.Sprintf("Ready(%v)", ev.Timestamp)
}

type FailureReason uint8

const (
	FailureReasonGeneric = FailureReason(iota)
	FailureReasonFormatRejected
	FailureReasonOutputRemoved
)

func (r FailureReason) String() string {
	switch r {
	case FailureReasonGeneric:
		return "generic"
	case FailureReasonFormatRejected:
		return "format_rejected"
	case FailureReasonOutputRemoved:
		return "output_removed"
	}
	return fmt.Sprintf("unexpected_failure_reason_%d", uint8(r))
}

type EventFailed struct {
	Reason FailureReason
}

func (EventFailed) isEvent() {}
func (ev EventFailed) String() string {
	return fmt.Sprintf("Failed(%s)", ev.Reason)
}
