package encoder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/capture"
	"github.com/xaionaro-go/screenrec/types"
)

type fakeBackend struct {
	variant     Variant
	params      Params
	delay       int
	queue       []int64
	encodeCalls int
	closed      bool
}

func (b *fakeBackend) Variant() Variant { return b.variant }

func (b *fakeBackend) StreamInfo() types.StreamInfo {
	return types.StreamInfo{Tag: types.StreamTagVideo, Codec: "fake", Width: b.params.OutputSize.W, Height: b.params.OutputSize.H}
}

func (b *fakeBackend) Encode(_ context.Context, _ *capture.Frame, pts int64) ([]types.EncodedPacket, error) {
	b.encodeCalls++
	b.queue = append(b.queue, pts)
	if len(b.queue) <= b.delay {
		return nil, nil
	}
	return b.pop(1), nil
}

func (b *fakeBackend) pop(n int) []types.EncodedPacket {
	var out []types.EncodedPacket
	for i := 0; i < n && len(b.queue) > 0; i++ {
		pts := b.queue[0]
		b.queue = b.queue[1:]
		out = append(out, types.EncodedPacket{
			Payload:  []byte{byte(pts)},
			PTS:      pts,
			DTS:      pts,
			Keyframe: b.encodeCalls == 1,
		})
	}
	return out
}

func (b *fakeBackend) Drain(context.Context) ([]types.EncodedPacket, error) { return nil, nil }

func (b *fakeBackend) Flush(context.Context) ([]types.EncodedPacket, error) {
	return b.pop(len(b.queue)), nil
}

func (b *fakeBackend) Pending() int { return len(b.queue) }

func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

type fakeFactory struct {
	backend *fakeBackend
	err     error
	calls   int
}

func (f *fakeFactory) NewBackend(_ context.Context, params Params) (Backend, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.backend.variant = params.Variant
	f.backend.params = params
	return f.backend, nil
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

type testEnv struct {
	t       *testing.T
	ctx     context.Context
	pool    *bufferpool.Pool
	backend *fakeBackend
	factory *fakeFactory
	seq     uint64
}

func newTestEnv(t *testing.T, memory types.Memory) *testEnv {
	ctx := context.Background()
	pool := bufferpool.New(
		bufferpool.Config{Size: 4, AllowSoftware: true},
		fakeAllocator{memory: types.MemoryDMABuf},
		fakeAllocator{memory: types.MemorySHM},
	)
	_, err := pool.Negotiate(ctx, []types.FormatCandidate{{
		Memory:    memory,
		Fourcc:    types.FourccXRGB8888,
		Modifiers: []types.Modifier{types.ModifierLinear},
	}}, 128, 128)
	require.NoError(t, err)
	backend := &fakeBackend{}
	return &testEnv{
		t:       t,
		ctx:     ctx,
		pool:    pool,
		backend: backend,
		factory: &fakeFactory{backend: backend},
	}
}

func (env *testEnv) frame(ts time.Duration, duplicate bool) *capture.Frame {
	h, buf, err := env.pool.TryAcquire(env.ctx)
	require.NoError(env.t, err)
	env.seq++
	return &capture.Frame{
		Handle:     h,
		Buffer:     buf,
		Descriptor: buf.Descriptor(),
		Timestamp:  ts,
		Sequence:   env.seq,
		Transform:  types.Transform90,
		Duplicate:  duplicate,
	}
}

func (env *testEnv) submit(p *Pipeline, ts time.Duration, duplicate bool) []types.EncodedPacket {
	pkts, err := p.Submit(env.ctx, env.frame(ts, duplicate))
	require.NoError(env.t, err)
	return pkts
}

func requireMonotonic(t *testing.T, pkts []types.EncodedPacket) {
	for idx := 1; idx < len(pkts); idx++ {
		require.Greater(t, pkts[idx].PTS, pkts[idx-1].PTS)
		require.Greater(t, pkts[idx].DTS, pkts[idx-1].DTS)
	}
}

func TestPipelineStaticScreen(t *testing.T) {
	env := newTestEnv(t, types.MemoryDMABuf)
	epoch := 10 * time.Second
	p := NewPipeline(env.ctx, Config{FrameInterval: time.Second / 60}, env.factory, env.pool, epoch)

	var pkts []types.EncodedPacket
	for i := 0; i < 300; i++ {
		pkts = append(pkts, env.submit(p, epoch+time.Duration(i)*time.Second/60, i > 0)...)
	}
	require.Empty(t, pkts, "the only packet is on deck until something follows it")

	tail, err := p.Close(env.ctx)
	require.NoError(t, err)
	pkts = append(pkts, tail...)

	require.Equal(t, 1, env.backend.encodeCalls)
	require.Len(t, pkts, 1)
	require.Equal(t, int64(0), pkts[0].PTS)
	require.Equal(t, types.StreamTagVideo, pkts[0].Stream)
	require.InDelta(t, 5_000_000, pkts[0].Duration, 10)
	require.Equal(t, uint64(299), p.Stats().FramesDuplicate)
	require.Equal(t, 0, env.pool.InFlight())
	require.True(t, env.backend.closed)
}

func TestPipelineDurations(t *testing.T) {
	env := newTestEnv(t, types.MemoryDMABuf)
	p := NewPipeline(env.ctx, Config{FrameInterval: 10 * time.Millisecond}, env.factory, env.pool, 0)

	var pkts []types.EncodedPacket
	pkts = append(pkts, env.submit(p, 0, false)...)
	pkts = append(pkts, env.submit(p, 20*time.Millisecond, true)...)
	pkts = append(pkts, env.submit(p, 40*time.Millisecond, false)...)
	pkts = append(pkts, env.submit(p, 50*time.Millisecond, false)...)
	tail, err := p.Close(env.ctx)
	require.NoError(t, err)
	pkts = append(pkts, tail...)

	require.Len(t, pkts, 3)
	requireMonotonic(t, pkts)
	require.Equal(t, []int64{0, 40_000, 50_000}, []int64{pkts[0].PTS, pkts[1].PTS, pkts[2].PTS})
	require.Equal(t, []int64{40_000, 10_000, 10_000}, []int64{pkts[0].Duration, pkts[1].Duration, pkts[2].Duration})
}

func TestPipelineNonMonotonic(t *testing.T) {
	env := newTestEnv(t, types.MemoryDMABuf)
	p := NewPipeline(env.ctx, Config{}, env.factory, env.pool, 0)

	var pkts []types.EncodedPacket
	for _, ts := range []time.Duration{100, 100, 90, 120} {
		pkts = append(pkts, env.submit(p, ts*time.Millisecond, false)...)
	}
	tail, err := p.Close(env.ctx)
	require.NoError(t, err)
	pkts = append(pkts, tail...)

	require.Len(t, pkts, 2)
	requireMonotonic(t, pkts)
	require.Equal(t, uint64(2), p.Stats().FramesMerged)
	require.Equal(t, 0, env.pool.InFlight())
}

func TestPipelineBackpressure(t *testing.T) {
	env := newTestEnv(t, types.MemoryDMABuf)
	env.backend.delay = 100
	p := NewPipeline(env.ctx, Config{QueueDepth: 2}, env.factory, env.pool, 0)

	for i := 0; i < 5; i++ {
		require.Empty(t, env.submit(p, time.Duration(i+1)*10*time.Millisecond, false))
	}
	require.Equal(t, 2, env.backend.encodeCalls)
	require.Equal(t, uint64(3), p.Stats().FramesMerged)
	require.Equal(t, 0, env.pool.InFlight())

	pkts, err := p.Close(env.ctx)
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	requireMonotonic(t, pkts)
	require.Equal(t, int64(10_000), pkts[0].Duration)
	require.Equal(t, int64(50_000+16_666-20_000), pkts[1].Duration)
}

func TestPipelineDelayedOutput(t *testing.T) {
	env := newTestEnv(t, types.MemoryDMABuf)
	env.backend.delay = 2
	p := NewPipeline(env.ctx, Config{}, env.factory, env.pool, 0)

	var pkts []types.EncodedPacket
	for i := 0; i < 10; i++ {
		pkts = append(pkts, env.submit(p, time.Duration(i)*20*time.Millisecond, false)...)
	}
	tail, err := p.Close(env.ctx)
	require.NoError(t, err)
	pkts = append(pkts, tail...)
	require.Len(t, pkts, 10)
	requireMonotonic(t, pkts)
	for _, pkt := range pkts[:9] {
		require.Equal(t, int64(20_000), pkt.Duration)
	}
}

func TestPipelineBackendSelection(t *testing.T) {
	env := newTestEnv(t, types.MemorySHM)
	p := NewPipeline(env.ctx, Config{}, env.factory, env.pool, 0)
	require.Equal(t, VariantUndefined, p.Variant())
	env.submit(p, time.Millisecond, false)
	require.Equal(t, VariantSoftware, p.Variant())
	require.Equal(t, types.Size{W: 128, H: 128}, env.backend.params.OutputSize)
	require.Equal(t, types.Transform90, env.backend.params.Transform)

	env = newTestEnv(t, types.MemoryDMABuf)
	cfg := Config{}
	cfg.EncodeWidth, cfg.EncodeHeight = 64, 32
	p = NewPipeline(env.ctx, cfg, env.factory, env.pool, 0)
	env.submit(p, time.Millisecond, false)
	env.submit(p, 2*time.Millisecond, false)
	require.Equal(t, VariantHardware, p.Variant())
	require.Equal(t, 1, env.factory.calls)
	info, ok := p.StreamInfo()
	require.True(t, ok)
	require.Equal(t, int32(64), info.Width)
}

func TestPipelineInitFailure(t *testing.T) {
	env := newTestEnv(t, types.MemoryDMABuf)
	env.factory.err = errors.New("no VAAPI device")
	p := NewPipeline(env.ctx, Config{}, env.factory, env.pool, 0)
	_, err := p.Submit(env.ctx, env.frame(time.Millisecond, false))
	require.ErrorIs(t, err, screenrec.ErrEncoderInit)
	require.Equal(t, 0, env.pool.InFlight())
}

func TestPipelineMaxFPS(t *testing.T) {
	env := newTestEnv(t, types.MemoryDMABuf)
	p := NewPipeline(env.ctx, Config{MaxFPS: 1}, env.factory, env.pool, 0)

	var pkts []types.EncodedPacket
	for _, s := range []float64{0, 0.5, 1.1, 1.2, 1.3, 5} {
		pkts = append(pkts, env.submit(p, seconds(s), false)...)
	}
	tail, err := p.Close(env.ctx)
	require.NoError(t, err)
	pkts = append(pkts, tail...)

	require.Len(t, pkts, 4)
	requireMonotonic(t, pkts)
	require.Equal(t, uint64(2), p.Stats().FramesLimited)
	require.Equal(t, 0, env.pool.InFlight())
	require.Equal(t, int64(time.Second/time.Microsecond), pkts[3].Duration)
}
