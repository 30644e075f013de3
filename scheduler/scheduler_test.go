package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/audio"
	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/capture"
	"github.com/xaionaro-go/screenrec/encoder"
	"github.com/xaionaro-go/screenrec/muxer"
	"github.com/xaionaro-go/screenrec/types"
)

const frameInterval = time.Second / 30

// fakeScreen completes every capture in one poll, one frame interval later.
type fakeScreen struct {
	clock   *types.ManualClock
	offer   capture.EventBufferOffer
	failAll bool
	onFrame func(n int)

	events []capture.Event
	frames int
}

var _ CaptureSource = (*fakeScreen)(nil)

func (s *fakeScreen) RequestCapture(context.Context, types.CaptureRegion, bool) error {
	s.events = append(s.events, s.offer)
	return nil
}

func (s *fakeScreen) Copy(context.Context, bufferpool.Buffer, bool) error {
	if s.failAll {
		s.events = append(s.events, capture.EventFailed{Reason: capture.FailureReasonGeneric})
		return nil
	}
	s.frames++
	s.clock.Advance(frameInterval)
	s.events = append(s.events,
		capture.EventDamage{Rect: types.NewRect(0, 0, 16, 16)},
		capture.EventReady{Timestamp: s.clock.Now()},
	)
	if s.onFrame != nil {
		s.onFrame(s.frames)
	}
	return nil
}

func (s *fakeScreen) ReleaseCapture(context.Context) error { return nil }

func (s *fakeScreen) PollEvents(_ context.Context, timeout time.Duration) ([]capture.Event, error) {
	events := s.events
	s.events = nil
	if len(events) == 0 {
		s.clock.Advance(timeout)
	}
	return events, nil
}

type fakeBuffer struct{ desc types.BufferDescriptor }

func (b *fakeBuffer) Descriptor() types.BufferDescriptor { return b.desc }
func (b *fakeBuffer) Close() error { return nil }

type fakeAllocator struct {
	memory    types.Memory
	supported bool
}

func (a fakeAllocator) Memory() types.Memory { return a.memory }
func (a fakeAllocator) SupportsModifier(types.Fourcc, types.Modifier) bool { return a.supported }
func (a fakeAllocator) Allocate(_ context.Context, desc types.BufferDescriptor) (bufferpool.Buffer, error) {
	return &fakeBuffer{desc: desc}, nil
}

type fakeBackend struct {
	params  encoder.Params
	encoded int
}

func (b *fakeBackend) Variant() encoder.Variant { return b.params.Variant }

func (b *fakeBackend) StreamInfo() types.StreamInfo {
	return types.StreamInfo{Tag: types.StreamTagVideo, Codec: "fake", Width: b.params.OutputSize.W, Height: b.params.OutputSize.H}
}

func (b *fakeBackend) Encode(_ context.Context, _ *capture.Frame, pts int64) ([]types.EncodedPacket, error) {
	pkt := types.EncodedPacket{Payload: []byte{1}, PTS: pts, DTS: pts, Keyframe: b.encoded%30 == 0}
	b.encoded++
	return []types.EncodedPacket{pkt}, nil
}

func (b *fakeBackend) Drain(context.Context) ([]types.EncodedPacket, error) { return nil, nil }
func (b *fakeBackend) Flush(context.Context) ([]types.EncodedPacket, error) { return nil, nil }
func (b *fakeBackend) Pending() int { return 0 }
func (b *fakeBackend) Close() error { return nil }

type fakeEncoders struct {
	backend *fakeBackend
	err     error
}

func (f *fakeEncoders) NewBackend(_ context.Context, params encoder.Params) (encoder.Backend, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.backend = &fakeBackend{params: params}
	return f.backend, nil
}

type fakeContainer struct {
	streams   []types.StreamInfo
	packets   []types.EncodedPacket
	finalized int
}

func (c *fakeContainer) WritePacket(_ context.Context, pkt types.EncodedPacket) error {
	c.packets = append(c.packets, pkt)
	return nil
}

func (c *fakeContainer) Finalize(context.Context) error {
	c.finalized++
	return nil
}

func (c *fakeContainer) OpenContainer(_ context.Context, streams []types.StreamInfo) (muxer.Container, error) {
	c.streams = streams
	return c, nil
}

func (c *fakeContainer) stream(tag types.StreamTag) []types.EncodedPacket {
	var result []types.EncodedPacket
	for _, pkt := range c.packets {
		if pkt.Stream == tag {
			result = append(result, pkt)
		}
	}
	return result
}

type fakeMicrophone struct {
	chunks int
}

func (m *fakeMicrophone) Format() audio.Format {
	return audio.Format{SampleRate: 48000, Channels: 2}
}

func (m *fakeMicrophone) ReadChunk(ctx context.Context) (audio.Chunk, error) {
	if m.chunks <= 0 {
		<-ctx.Done()
		return audio.Chunk{}, ctx.Err()
	}
	m.chunks--
	return audio.Chunk{Samples: 960}, nil
}

func (m *fakeMicrophone) Close() error { return nil }

type fakeAudioEncoder struct{}

func (fakeAudioEncoder) StreamInfo() types.StreamInfo {
	return types.StreamInfo{Tag: types.StreamTagAudio, Codec: "fake", SampleRate: 48000, Channels: 2}
}

func (fakeAudioEncoder) Encode(_ context.Context, _ audio.Chunk, pts int64) ([]types.EncodedPacket, error) {
	return []types.EncodedPacket{{Payload: []byte{2}, PTS: pts, DTS: pts, Duration: 20_000, Keyframe: true}}, nil
}

func (fakeAudioEncoder) Flush(context.Context) ([]types.EncodedPacket, error) { return nil, nil }
func (fakeAudioEncoder) Close() error { return nil }

type testEnv struct {
	screen    *fakeScreen
	encoders  *fakeEncoders
	container *fakeContainer
	deps      Deps
	config    Config
}

func newTestEnv() *testEnv {
	clock := types.NewManualClock(time.Hour)
	env := &testEnv{
		screen: &fakeScreen{
			clock: clock,
			offer: capture.EventBufferOffer{
				Width:  64,
				Height: 32,
				Candidates: []types.FormatCandidate{
					{Memory: types.MemoryDMABuf, Fourcc: types.FourccXRGB8888, Modifiers: []types.Modifier{types.ModifierLinear}},
					{Memory: types.MemorySHM, Fourcc: types.FourccXRGB8888},
				},
			},
		},
		encoders:  &fakeEncoders{},
		container: &fakeContainer{},
		config: Config{
			Config: screenrec.DefaultConfig(),
			Region: types.CaptureRegion{
				Output: types.Output{Name: "DP-1"},
				Global: types.NewRect(0, 0, 64, 32),
				Local:  types.NewRect(0, 0, 64, 32),
			},
			FrameInterval: frameInterval,
		},
	}
	env.config.History.Window = 0
	env.deps = Deps{
		Source:   env.screen,
		Pool:     bufferpool.New(bufferpool.Config{Size: 3, AllowSoftware: true}, fakeAllocator{memory: types.MemoryDMABuf, supported: true}, fakeAllocator{memory: types.MemorySHM}),
		Encoders: env.encoders,
		Opener:   env.container,
		Clock:    clock,
	}
	return env
}

func (env *testEnv) run(t *testing.T) (*Scheduler, error) {
	s, err := New(context.Background(), env.config, env.deps)
	require.NoError(t, err)
	return s, s.Run(context.Background())
}

func requireStrictlyIncreasing(t *testing.T, pkts []types.EncodedPacket) {
	for idx := 1; idx < len(pkts); idx++ {
		require.Less(t, pkts[idx-1].PTS, pkts[idx].PTS, "packet #%d", idx)
		require.Less(t, pkts[idx-1].DTS, pkts[idx].DTS, "packet #%d", idx)
		require.Positive(t, pkts[idx-1].Duration, "packet #%d", idx-1)
	}
}

func TestSchedulerRecord(t *testing.T) {
	env := newTestEnv()
	var s *Scheduler
	env.screen.onFrame = func(n int) {
		if n == 60 {
			s.RequestShutdown()
		}
	}
	s, err := New(context.Background(), env.config, env.deps)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	c := env.container
	require.Len(t, c.streams, 1)
	require.Equal(t, 1, c.finalized)
	require.Len(t, c.packets, 60)
	requireStrictlyIncreasing(t, c.packets)
	require.True(t, c.packets[0].Keyframe)
	require.Positive(t, c.packets[59].Duration)

	stats := s.GetStats(context.Background())
	require.Equal(t, s.SessionID().String(), stats.SessionID)
	require.Equal(t, uint64(60), stats.FramesCaptured)
	require.Equal(t, uint64(60), stats.PacketsWritten)
	require.Equal(t, encoder.VariantHardware.String(), stats.Backend)
	require.Equal(t, uint64(0), stats.BuffersInFlight)
	require.False(t, stats.FlushedOnRequest)
}

func TestSchedulerSoftwareFallback(t *testing.T) {
	env := newTestEnv()
	env.deps.Pool = bufferpool.New(
		bufferpool.Config{Size: 3, AllowSoftware: true},
		fakeAllocator{memory: types.MemoryDMABuf, supported: false},
		fakeAllocator{memory: types.MemorySHM},
	)
	var s *Scheduler
	env.screen.onFrame = func(n int) {
		if n == 45 {
			s.RequestShutdown()
		}
	}
	s, err := New(context.Background(), env.config, env.deps)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, encoder.VariantSoftware, env.encoders.backend.params.Variant)
	require.Equal(t, types.MemorySHM, env.encoders.backend.params.Input.Memory)

	c := env.container
	require.Equal(t, 1, c.finalized)
	require.Len(t, c.packets, 45)
	requireStrictlyIncreasing(t, c.packets)
	require.Equal(t, encoder.VariantSoftware.String(), s.GetStats(context.Background()).Backend)
}

func TestSchedulerFlushIdempotent(t *testing.T) {
	env := newTestEnv()
	env.config.History.Window = time.Second
	var s *Scheduler
	env.screen.onFrame = func(n int) {
		switch n {
		case 90:
			s.RequestFlush()
			s.RequestFlush()
			s.RequestFlush()
		case 120:
			s.RequestFlush()
		case 150:
			s.RequestShutdown()
		}
	}
	s, err := New(context.Background(), env.config, env.deps)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	c := env.container
	require.Equal(t, 1, c.finalized)
	requireStrictlyIncreasing(t, c.packets)

	// the flush at frame 90 starts at the latest keyframe at least a
	// window before: frame 31
	first := c.packets[0]
	require.True(t, first.Keyframe)
	require.Equal(t, types.FromDuration(31*frameInterval), first.PTS)
	require.Len(t, c.packets, 150-31+1)
	require.Equal(t, types.FromDuration(150*frameInterval), c.packets[len(c.packets)-1].PTS)

	stats := s.GetStats(context.Background())
	require.Equal(t, uint64(4), stats.FlushRequests)
	require.True(t, stats.FlushedOnRequest)
	require.Equal(t, muxer.ModeLive.String(), stats.Mode)
}

func TestSchedulerShutdownWhileBuffering(t *testing.T) {
	env := newTestEnv()
	env.config.History.Window = time.Second
	var s *Scheduler
	env.screen.onFrame = func(n int) {
		if n == 20 {
			s.RequestShutdown()
		}
	}
	s, err := New(context.Background(), env.config, env.deps)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	c := env.container
	require.Len(t, c.streams, 1)
	require.Empty(t, c.packets)
	require.Equal(t, 1, c.finalized)
	require.Equal(t, muxer.ModeBuffering.String(), s.GetStats(context.Background()).Mode)
}

func TestSchedulerWithAudio(t *testing.T) {
	env := newTestEnv()
	env.deps.AudioSource = &fakeMicrophone{chunks: 50}
	env.deps.AudioEncoder = fakeAudioEncoder{}
	var s *Scheduler
	env.screen.onFrame = func(n int) {
		if n == 60 {
			s.RequestShutdown()
		}
	}
	s, err := New(context.Background(), env.config, env.deps)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	c := env.container
	require.Len(t, c.streams, 2)
	require.Equal(t, 1, c.finalized)

	video := c.stream(types.StreamTagVideo)
	require.Len(t, video, 60)
	requireStrictlyIncreasing(t, video)

	sound := c.stream(types.StreamTagAudio)
	require.Len(t, sound, 50)
	requireStrictlyIncreasing(t, sound)

	stats := s.GetStats(context.Background())
	assert.Equal(t, uint64(50), stats.AudioPackets)
	assert.Equal(t, uint64(110), stats.PacketsWritten)
}

func TestSchedulerCaptureFailure(t *testing.T) {
	env := newTestEnv()
	env.screen.failAll = true
	_, err := env.run(t)
	require.ErrorIs(t, err, screenrec.ErrCaptureFailure)
	require.Equal(t, 0, env.container.finalized)
}

func TestSchedulerEncoderInitFailure(t *testing.T) {
	env := newTestEnv()
	env.encoders.err = errors.New("no VAAPI device")
	_, err := env.run(t)
	require.ErrorIs(t, err, screenrec.ErrEncoderInit)
	require.Empty(t, env.container.packets)
}

func TestSchedulerContextCancel(t *testing.T) {
	env := newTestEnv()
	ctx, cancelFn := context.WithCancel(context.Background())
	env.screen.onFrame = func(n int) {
		if n == 10 {
			cancelFn()
		}
	}
	s, err := New(ctx, env.config, env.deps)
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))
	require.Equal(t, 1, env.container.finalized)
	require.Len(t, env.container.packets, 10)
}

func TestSignals(t *testing.T) {
	var s Signals
	require.False(t, s.consumeFlush())
	s.RequestFlush()
	s.RequestFlush()
	require.True(t, s.consumeFlush())
	require.False(t, s.consumeFlush())
	require.Equal(t, uint64(2), s.flushRequests.Load())

	require.False(t, s.isShutdownRequested())
	s.RequestShutdown()
	require.True(t, s.isShutdownRequested())
}
