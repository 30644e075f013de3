package encoder

import (
	"time"
)

// FPSLimit decimates a variable frame rate stream down to a max frame rate.
//
// Dropping a frame is only safe once the timestamp of the next one is
// known: with timestamps 0, 16, 17, 10000 (ms) it is 16 that must go, since
// 17 stays on screen for ten seconds. So the limiter keeps one frame on deck.
type FPSLimit[T any] struct {
	minDT          time.Duration
	onDeck         *fpsLimitEntry[T]
	nextTargetTime *time.Duration
	onDrop         func(T)
}

type fpsLimitEntry[T any] struct {
	ts    time.Duration
	frame T
}

// NewFPSLimit creates a limiter; onDrop (if not nil) is called for each decimated frame.
func NewFPSLimit[T any](maxFPS float64, onDrop func(T)) *FPSLimit[T] {
	if maxFPS <= 0 {
		panic("maxFPS must be positive")
	}
	return &FPSLimit[T]{
		minDT:  time.Duration(float64(time.Second) / maxFPS),
		onDrop: onDrop,
	}
}

func (l *FPSLimit[T]) MinInterval() time.Duration {
	return l.minDT
}

// OnNewFrame returns the frame that should be encoded now, if any.
func (l *FPSLimit[T]) OnNewFrame(frame T, ts time.Duration) (T, bool) {
	var zero T

	// the first frame always passes, there could be a long gap after it
	if l.nextTargetTime == nil {
		next := ts + l.minDT
		l.nextTargetTime = &next
		return frame, true
	}

	if l.onDeck == nil {
		l.onDeck = &fpsLimitEntry[T]{ts: ts, frame: frame}
		return zero, false
	}

	old := l.onDeck
	l.onDeck = &fpsLimitEntry[T]{ts: ts, frame: frame}

	nextTarget := *l.nextTargetTime
	if ts < nextTarget {
		if l.onDrop != nil {
			l.onDrop(old.frame)
		}
		return zero, false
	}

	next := max(nextTarget, old.ts) + l.minDT
	l.nextTargetTime = &next
	return old.frame, true
}

// Flush returns the frame on deck, if any.
func (l *FPSLimit[T]) Flush() (T, bool) {
	if l.onDeck == nil {
		var zero T
		return zero, false
	}
	frame := l.onDeck.frame
	l.onDeck = nil
	return frame, true
}
