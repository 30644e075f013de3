// Package capture implements the per-output screen capture state machine.
//
// The session is driven only by RequestFrame and HandleEvent, so it can be
// exercised by feeding synthetic protocol events.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/types"
)

var (
	ErrNotIdle      = errors.New("a capture is already in progress")
	ErrNoFreeBuffer = bufferpool.ErrNoFreeBuffer
	ErrTerminated   = errors.New("the capture session is terminated")
)

const (
	DefaultMaxCaptureRetries     = 5
	DefaultMaxNegotiationRetries = 3
)

// Source issues the capture requests to the compositor. The responses are
// delivered back through Session.HandleEvent.
type Source interface {
	RequestCapture(ctx context.Context, region types.CaptureRegion, overlayCursor bool) error
	Copy(ctx context.Context, buf bufferpool.Buffer, withDamage bool) error
	ReleaseCapture(ctx context.Context) error
}

// Pool is the subset of the buffer pool the session needs.
type Pool interface {
	Negotiate(ctx context.Context, candidates []types.FormatCandidate, width, height int32) (types.BufferDescriptor, error)
	Reject(ctx context.Context, desc types.BufferDescriptor)
	TryAcquire(ctx context.Context) (bufferpool.Handle, bufferpool.Buffer, error)
	Release(ctx context.Context, h bufferpool.Handle) error
	HasFree() bool
	InFlight() int
}

var _ Pool = (*bufferpool.Pool)(nil)

type Config struct {
	Region                types.CaptureRegion
	Dedup                 bool
	OverlayCursor         bool
	MaxCaptureRetries     int
	MaxNegotiationRetries int
}

type Stats struct {
	FramesCaptured  uint64
	FramesDuplicate uint64
	CaptureRetries  uint64
	Renegotiations  uint64
}

// Session is owned by the reactor goroutine and is not safe for concurrent use.
type Session struct {
	config Config
	source Source
	pool   Pool

	state        State
	err          error
	handle       bufferpool.Handle
	buffer       bufferpool.Buffer
	descriptor   types.BufferDescriptor
	damage       []types.Rect
	yInvert      bool
	ready        *Frame
	sequence     uint64
	captureFails int
	negotiations int
	lastReadyAt  time.Duration

	stats Stats
}

func NewSession(
	cfg Config,
	source Source,
	pool Pool,
) *Session {
	if cfg.MaxCaptureRetries <= 0 {
		cfg.MaxCaptureRetries = DefaultMaxCaptureRetries
	}
	if cfg.MaxNegotiationRetries <= 0 {
		cfg.MaxNegotiationRetries = DefaultMaxNegotiationRetries
	}
	return &Session{
		config: cfg,
		source: source,
		pool:   pool,
	}
}

func (s *Session) State() State {
	return s.state
}

// Err returns the reason of the Failed state.
func (s *Session) Err() error {
	return s.err
}

func (s *Session) Stats() Stats {
	return s.stats
}

// LastTimestamp is the timestamp of the latest completed capture.
func (s *Session) LastTimestamp() time.Duration {
	return s.lastReadyAt
}

// CanRequest is true if RequestFrame would issue a request.
func (s *Session) CanRequest() bool {
	if s.state != StateIdle {
		return false
	}
	// before the first negotiation nothing is in flight
	return s.pool.HasFree() || s.pool.InFlight() == 0
}

// RequestFrame issues a capture request. It is valid only in the Idle state
// and only while the pool has a free buffer for the copy.
func (s *Session) RequestFrame(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "RequestFrame")
	defer func() { logger.Tracef(ctx, "/RequestFrame: %v", _err) }()

	switch {
	case s.state.IsTerminal():
		return fmt.Errorf("%w: %s", ErrTerminated, s.state)
	case s.state != StateIdle:
		return fmt.Errorf("%w: state %s", ErrNotIdle, s.state)
	}
	if !s.CanRequest() {
		return ErrNoFreeBuffer
	}
	return s.requestCapture(ctx)
}

func (s *Session) requestCapture(ctx context.Context) error {
	s.damage = s.damage[:0]
	s.yInvert = false
	if err := s.source.RequestCapture(ctx, s.config.Region, s.config.OverlayCursor); err != nil {
		return s.fail(ctx, fmt.Errorf("%w: unable to request a capture: %w", screenrec.ErrCaptureFailure, err))
	}
	s.state = StateRequested
	return nil
}

// HandleEvent advances the state machine. A non-nil error means the
// session is in the Failed state.
func (s *Session) HandleEvent(
	ctx context.Context,
	ev Event,
) (_err error) {
	logger.Tracef(ctx, "HandleEvent(%s) in %s", ev, s.state)
	defer func() { logger.Tracef(ctx, "/HandleEvent(%s): %s %v", ev, s.state, _err) }()

	if s.state.IsTerminal() {
		logger.Debugf(ctx, "ignoring %s in terminal state %s", ev, s.state)
		return nil
	}

	switch ev := ev.(type) {
	case EventBufferOffer:
		return s.onBufferOffer(ctx, ev)
	case EventFlags:
		if s.state.IsInFlight() {
			s.yInvert = ev.YInvert
		}
		return nil
	case EventDamage:
		if s.state != StateCapturing {
			logger.Debugf(ctx, "ignoring %s in state %s", ev, s.state)
			return nil
		}
		s.damage = append(s.damage, ev.Rect)
		return nil
	case EventReady:
		return s.onReady(ctx, ev)
	case EventFailed:
		return s.onFailed(ctx, ev)
	default:
		return fmt.Errorf("unexpected event type %T", ev)
	}
}

func (s *Session) onBufferOffer(ctx context.Context, ev EventBufferOffer) error {
	if s.state != StateRequested {
		logger.Warnf(ctx, "ignoring %s in state %s", ev, s.state)
		return nil
	}

	desc, err := s.pool.Negotiate(ctx, ev.Candidates, ev.Width, ev.Height)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("unable to negotiate the buffer format: %w", err))
	}
	if !s.descriptor.SameFormat(desc) {
		logger.Infof(ctx, "capture buffer format: %s", desc)
	}
	s.descriptor = desc
	s.state = StateFormatNegotiated

	handle, buf, err := s.pool.TryAcquire(ctx)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("unable to acquire a buffer for %s: %w", desc, err))
	}
	s.handle, s.buffer = handle, buf
	if err := s.source.Copy(ctx, buf, s.config.Dedup); err != nil {
		return s.fail(ctx, fmt.Errorf("%w: unable to request a copy into %s: %w", screenrec.ErrCaptureFailure, handle, err))
	}
	s.state = StateCapturing
	return nil
}

func (s *Session) onReady(ctx context.Context, ev EventReady) error {
	if s.state != StateCapturing {
		logger.Warnf(ctx, "ignoring %s in state %s", ev, s.state)
		return nil
	}
	if err := s.source.ReleaseCapture(ctx); err != nil {
		logger.Errorf(ctx, "unable to release the capture object: %v", err)
	}

	s.sequence++
	frame := &Frame{
		Handle:     s.handle,
		Buffer:     s.buffer,
		Descriptor: s.buffer.Descriptor(),
		Damage:     append([]types.Rect(nil), s.damage...),
		Timestamp:  ev.Timestamp,
		Sequence:   s.sequence,
		Transform:  s.config.Region.Output.Transform,
		YInvert:    s.yInvert,
	}
	if s.config.Dedup && len(frame.Damage) == 0 && s.stats.FramesCaptured > 0 {
		frame.Duplicate = true
		s.stats.FramesDuplicate++
	}
	s.stats.FramesCaptured++
	s.captureFails = 0
	s.negotiations = 0
	s.lastReadyAt = ev.Timestamp

	s.handle, s.buffer = bufferpool.Handle{}, nil
	s.ready = frame
	s.state = StateFrameReady
	return nil
}

func (s *Session) onFailed(ctx context.Context, ev EventFailed) error {
	if !s.state.IsInFlight() {
		logger.Warnf(ctx, "ignoring %s in state %s", ev, s.state)
		return nil
	}
	if err := s.source.ReleaseCapture(ctx); err != nil {
		logger.Errorf(ctx, "unable to release the capture object: %v", err)
	}
	s.releaseHeld(ctx)

	if ev.Reason == FailureReasonFormatRejected {
		s.negotiations++
		s.stats.Renegotiations++
		if s.negotiations > s.config.MaxNegotiationRetries {
			return s.fail(ctx, fmt.Errorf("%w: the compositor rejected %d buffer formats in a row, the last one: %s", screenrec.ErrFormatNegotiationFailed, s.negotiations, s.descriptor))
		}
		logger.Debugf(ctx, "the compositor rejected %s, renegotiating", s.descriptor)
		s.pool.Reject(ctx, s.descriptor)
		s.descriptor = types.BufferDescriptor{}
		return s.requestCapture(ctx)
	}

	s.captureFails++
	s.stats.CaptureRetries++
	if s.captureFails > s.config.MaxCaptureRetries {
		return s.fail(ctx, fmt.Errorf("%w: %d failures in a row, the last one: %s", screenrec.ErrCaptureFailure, s.captureFails, ev.Reason))
	}
	logger.Warnf(ctx, "capture failed (%s), retry %d/%d", ev.Reason, s.captureFails, s.config.MaxCaptureRetries)
	s.state = StateIdle
	return nil
}

// TakeFrame passes the ownership of the ready frame to the caller and
// returns the session to Idle.
func (s *Session) TakeFrame() (*Frame, bool) {
	if s.state != StateFrameReady {
		return nil, false
	}
	frame := s.ready
	s.ready = nil
	s.state = StateIdle
	return frame, true
}

// Cancel stops the session and releases everything it still holds.
func (s *Session) Cancel(ctx context.Context) {
	logger.Debugf(ctx, "Cancel in %s", s.state)
	if s.state.IsTerminal() {
		return
	}
	if s.state.IsInFlight() {
		if err := s.source.ReleaseCapture(ctx); err != nil {
			logger.Errorf(ctx, "unable to release the capture object: %v", err)
		}
	}
	s.releaseHeld(ctx)
	if s.ready != nil {
		if err := s.pool.Release(ctx, s.ready.Handle); err != nil {
			logger.Errorf(ctx, "unable to release %s: %v", s.ready.Handle, err)
		}
		s.ready = nil
	}
	s.state = StateCancelled
}

func (s *Session) releaseHeld(ctx context.Context) {
	if s.handle.IsZero() {
		return
	}
	if err := s.pool.Release(ctx, s.handle); err != nil {
		logger.Errorf(ctx, "unable to release %s: %v", s.handle, err)
	}
	s.handle, s.buffer = bufferpool.Handle{}, nil
}

func (s *Session) fail(ctx context.Context, err error) error {
	logger.Errorf(ctx, "capture session failed: %v", err)
	if s.state.IsInFlight() {
		if rErr := s.source.ReleaseCapture(ctx); rErr != nil {
			logger.Debugf(ctx, "unable to release the capture object: %v", rErr)
		}
	}
	s.releaseHeld(ctx)
	s.state = StateFailed
	s.err = err
	return err
}
