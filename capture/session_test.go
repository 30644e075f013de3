package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/types"
)

type fakeSource struct {
	requests int
	copies   []bufferpool.Buffer
	releases int
}

func (s *fakeSource) RequestCapture(context.Context, types.CaptureRegion, bool) error {
	s.requests++
	return nil
}

func (s *fakeSource) Copy(_ context.Context, buf bufferpool.Buffer, _ bool) error {
	s.copies = append(s.copies, buf)
	return nil
}

func (s *fakeSource) ReleaseCapture(context.Context) error {
	s.releases++
	return nil
}

type fakeBuffer struct{ desc types.BufferDescriptor }

func (b *fakeBuffer) Descriptor() types.BufferDescriptor { return b.desc }
func (b *fakeBuffer) Close() error { return nil }

type fakeAllocator struct{ memory types.Memory }

func (a fakeAllocator) Memory() types.Memory { return a.memory }
func (a fakeAllocator) SupportsModifier(types.Fourcc, types.Modifier) bool { return true }
func (a fakeAllocator) Allocate(_ context.Context, desc types.BufferDescriptor) (bufferpool.Buffer, error) {
	return &fakeBuffer{desc: desc}, nil
}

var offer = EventBufferOffer{
	Width:  128,
	Height: 128,
	Candidates: []types.FormatCandidate{
		{Memory: types.MemoryDMABuf, Fourcc: types.FourccXRGB8888, Modifiers: []types.Modifier{types.ModifierLinear}},
		{Memory: types.MemoryDMABuf, Fourcc: types.FourccARGB8888, Modifiers: []types.Modifier{types.ModifierLinear}},
		{Memory: types.MemorySHM, Fourcc: types.FourccXRGB8888},
	},
}

func newTestSession(t *testing.T, dedup bool) (*Session, *fakeSource, *bufferpool.Pool) {
	pool := bufferpool.New(
		bufferpool.Config{Size: 2, AllowSoftware: true},
		fakeAllocator{memory: types.MemoryDMABuf},
		fakeAllocator{memory: types.MemorySHM},
	)
	src := &fakeSource{}
	region := types.CaptureRegion{
		Output: types.Output{Name: "DP-1", Transform: types.Transform90},
		Global: types.NewRect(0, 0, 128, 128),
		Local:  types.NewRect(0, 0, 128, 128),
	}
	return NewSession(Config{
		Region:                region,
		Dedup:                 dedup,
		MaxCaptureRetries:     2,
		MaxNegotiationRetries: 1,
	}, src, pool), src, pool
}

func captureOnce(t *testing.T, ctx context.Context, s *Session, ts time.Duration, damage ...types.Rect) *Frame {
	require.NoError(t, s.RequestFrame(ctx))
	require.Equal(t, StateRequested, s.State())
	require.NoError(t, s.HandleEvent(ctx, offer))
	require.Equal(t, StateCapturing, s.State())
	require.NoError(t, s.HandleEvent(ctx, EventFlags{YInvert: true}))
	for _, r := range damage {
		require.NoError(t, s.HandleEvent(ctx, EventDamage{Rect: r}))
	}
	require.NoError(t, s.HandleEvent(ctx, EventReady{Timestamp: ts}))
	require.Equal(t, StateFrameReady, s.State())
	frame, ok := s.TakeFrame()
	require.True(t, ok)
	require.Equal(t, StateIdle, s.State())
	return frame
}

func TestSessionCaptureLoop(t *testing.T) {
	ctx := context.Background()
	s, src, pool := newTestSession(t, true)

	f1 := captureOnce(t, ctx, s, time.Second)
	require.Equal(t, uint64(1), f1.Sequence)
	require.False(t, f1.Duplicate, "the first frame is never a duplicate")
	require.True(t, f1.YInvert)
	require.Equal(t, types.Transform90, f1.Transform)
	require.Equal(t, time.Second, f1.Timestamp)
	require.Equal(t, types.FourccXRGB8888, f1.Descriptor.Fourcc)

	f2 := captureOnce(t, ctx, s, 2*time.Second, types.NewRect(0, 0, 10, 10))
	require.Equal(t, uint64(2), f2.Sequence)
	require.False(t, f2.Duplicate)
	require.Len(t, f2.Damage, 1)

	// both buffers are held by the consumer: no request until one is released
	require.False(t, s.CanRequest())
	require.ErrorIs(t, s.RequestFrame(ctx), ErrNoFreeBuffer)
	require.Equal(t, 2, src.requests)

	require.NoError(t, pool.Release(ctx, f1.Handle))
	f3 := captureOnce(t, ctx, s, 3*time.Second)
	require.True(t, f3.Duplicate)
	require.Greater(t, f3.Sequence, f2.Sequence)
	require.Equal(t, uint64(3), s.Stats().FramesCaptured)
	require.Equal(t, uint64(1), s.Stats().FramesDuplicate)
	require.Equal(t, 3, src.releases)
}

func TestSessionRequestOnlyFromIdle(t *testing.T) {
	ctx := context.Background()
	s, src, _ := newTestSession(t, false)
	require.NoError(t, s.RequestFrame(ctx))
	require.ErrorIs(t, s.RequestFrame(ctx), ErrNotIdle)
	require.Equal(t, 1, src.requests)

	// out-of-order events are ignored
	require.NoError(t, s.HandleEvent(ctx, EventReady{Timestamp: time.Second}))
	require.Equal(t, StateRequested, s.State())
}

func TestSessionNoDedup(t *testing.T) {
	ctx := context.Background()
	s, _, pool := newTestSession(t, false)
	f1 := captureOnce(t, ctx, s, time.Second)
	require.NoError(t, pool.Release(ctx, f1.Handle))
	f2 := captureOnce(t, ctx, s, 2*time.Second)
	require.False(t, f2.Duplicate)
}

func TestSessionCaptureRetries(t *testing.T) {
	ctx := context.Background()
	s, _, pool := newTestSession(t, false)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.RequestFrame(ctx))
		require.NoError(t, s.HandleEvent(ctx, offer))
		require.NoError(t, s.HandleEvent(ctx, EventFailed{Reason: FailureReasonGeneric}))
		require.Equal(t, StateIdle, s.State())
		require.Equal(t, 0, pool.InFlight())
	}

	// a successful frame resets the counter
	f := captureOnce(t, ctx, s, time.Second)
	require.NoError(t, pool.Release(ctx, f.Handle))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.RequestFrame(ctx))
		require.NoError(t, s.HandleEvent(ctx, EventFailed{Reason: FailureReasonOutputRemoved}))
	}
	require.NoError(t, s.RequestFrame(ctx))
	err := s.HandleEvent(ctx, EventFailed{Reason: FailureReasonOutputRemoved})
	require.ErrorIs(t, err, screenrec.ErrCaptureFailure)
	require.Equal(t, StateFailed, s.State())
	require.ErrorIs(t, s.RequestFrame(ctx), ErrTerminated)
	require.Equal(t, uint64(5), s.Stats().CaptureRetries)
}

func TestSessionRenegotiation(t *testing.T) {
	ctx := context.Background()
	s, src, pool := newTestSession(t, false)

	require.NoError(t, s.RequestFrame(ctx))
	require.NoError(t, s.HandleEvent(ctx, offer))
	require.Equal(t, types.FourccXRGB8888, src.copies[0].Descriptor().Fourcc)

	require.NoError(t, s.HandleEvent(ctx, EventFailed{Reason: FailureReasonFormatRejected}))
	require.Equal(t, StateRequested, s.State())
	require.Equal(t, 2, src.requests)
	require.Equal(t, 0, pool.InFlight())

	require.NoError(t, s.HandleEvent(ctx, offer))
	require.Equal(t, types.FourccARGB8888, src.copies[1].Descriptor().Fourcc)

	err := s.HandleEvent(ctx, EventFailed{Reason: FailureReasonFormatRejected})
	require.ErrorIs(t, err, screenrec.ErrFormatNegotiationFailed)
	require.Equal(t, StateFailed, s.State())
	require.Equal(t, 0, pool.InFlight())
}

func TestSessionCancel(t *testing.T) {
	ctx := context.Background()
	s, src, pool := newTestSession(t, false)
	require.NoError(t, s.RequestFrame(ctx))
	require.NoError(t, s.HandleEvent(ctx, offer))
	require.Equal(t, 1, pool.InFlight())

	s.Cancel(ctx)
	require.Equal(t, StateCancelled, s.State())
	require.Equal(t, 0, pool.InFlight())
	require.Equal(t, 1, src.releases)

	require.NoError(t, s.HandleEvent(ctx, EventReady{Timestamp: time.Second}))
	require.Equal(t, StateCancelled, s.State())
}
