package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screenrec/types"
)

type fakeSource struct {
	clock  *types.ManualClock
	limit  int
	read   int
	closed bool
}

func (s *fakeSource) Format() Format { return Format{SampleRate: 48000, Channels: 2} }

func (s *fakeSource) ReadChunk(ctx context.Context) (Chunk, error) {
	if s.read >= s.limit {
		<-ctx.Done()
		return Chunk{}, ctx.Err()
	}
	s.read++
	chunk := Chunk{Samples: 1024}
	s.clock.Advance(chunk.Duration(s.Format()))
	return chunk, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeEncoder struct {
	last      int64
	failAfter int
	calls     int
	closed    bool
}

func (e *fakeEncoder) StreamInfo() types.StreamInfo {
	return types.StreamInfo{Tag: types.StreamTagAudio, Codec: "fake", SampleRate: 48000, Channels: 2}
}

func (e *fakeEncoder) Encode(_ context.Context, chunk Chunk, pts int64) ([]types.EncodedPacket, error) {
	e.calls++
	if e.failAfter > 0 && e.calls > e.failAfter {
		return nil, errors.New("encoder exploded")
	}
	e.last = pts
	return []types.EncodedPacket{{PTS: pts, DTS: pts, Keyframe: true, Payload: []byte{1}}}, nil
}

func (e *fakeEncoder) Flush(context.Context) ([]types.EncodedPacket, error) {
	return []types.EncodedPacket{{PTS: e.last + 1, DTS: e.last + 1, Keyframe: true}}, nil
}

func (e *fakeEncoder) Close() error {
	e.closed = true
	return nil
}

func receiveAll(t *testing.T, p *Pipeline) []types.EncodedPacket {
	var pkts []types.EncodedPacket
	require.Eventually(t, func() bool {
		for {
			pkt, ok, closed := p.TryReceive()
			if closed {
				return true
			}
			if !ok {
				return false
			}
			pkts = append(pkts, pkt)
		}
	}, 5*time.Second, time.Millisecond)
	return pkts
}

func TestPipelineTimestamps(t *testing.T) {
	ctx := context.Background()
	epoch := 100 * time.Second
	clock := types.NewManualClock(epoch)
	src := &fakeSource{clock: clock, limit: 10}
	enc := &fakeEncoder{}
	p := NewPipeline(src, enc, clock, epoch, 0)
	p.Start(ctx)

	require.Eventually(t, func() bool {
		return p.Stats().PacketsQueued == 10
	}, 5*time.Second, time.Millisecond)
	p.Stop()
	pkts := receiveAll(t, p)
	require.NoError(t, p.Err())

	require.Len(t, pkts, 11)
	require.Equal(t, int64(0), pkts[0].PTS)
	require.Equal(t, int64(21333), pkts[1].PTS)
	require.Equal(t, int64(42666), pkts[2].PTS)
	for idx, pkt := range pkts {
		require.Equal(t, types.StreamTagAudio, pkt.Stream)
		if idx > 0 {
			require.Greater(t, pkt.PTS, pkts[idx-1].PTS)
			require.Greater(t, pkt.DTS, pkts[idx-1].DTS)
		}
	}
	require.True(t, src.closed)
	require.True(t, enc.closed)
}

func TestPipelineBoundedQueue(t *testing.T) {
	ctx := context.Background()
	clock := types.NewManualClock(time.Second)
	src := &fakeSource{clock: clock, limit: 5}
	p := NewPipeline(src, &fakeEncoder{}, clock, 0, 2)
	p.Start(ctx)

	require.Eventually(t, func() bool {
		return p.Stats().QueueStalls > 0
	}, 5*time.Second, time.Millisecond)
	require.LessOrEqual(t, p.Stats().PacketsQueued, uint64(2))

	var pkts []types.EncodedPacket
	require.Eventually(t, func() bool {
		for {
			pkt, ok, _ := p.TryReceive()
			if !ok {
				break
			}
			pkts = append(pkts, pkt)
		}
		return len(pkts) >= 5
	}, 5*time.Second, time.Millisecond)
	p.Stop()
	pkts = append(pkts, receiveAll(t, p)...)
	require.Len(t, pkts, 6)
}

func TestPipelineEncoderError(t *testing.T) {
	ctx := context.Background()
	clock := types.NewManualClock(time.Second)
	p := NewPipeline(&fakeSource{clock: clock, limit: 5}, &fakeEncoder{failAfter: 2}, clock, 0, 0)
	p.Start(ctx)
	pkts := receiveAll(t, p)
	require.Len(t, pkts, 3)
	require.ErrorContains(t, p.Err(), "encoder exploded")
}

type zeroRateSource struct {
	fakeSource
}

func (s *zeroRateSource) Format() Format { return Format{Channels: 2} }

func TestPipelineInvalidSampleRate(t *testing.T) {
	ctx := context.Background()
	clock := types.NewManualClock(time.Second)
	src := &zeroRateSource{fakeSource{clock: clock, limit: 5}}
	enc := &fakeEncoder{}
	p := NewPipeline(src, enc, clock, 0, 0)
	p.Start(ctx)
	require.Empty(t, receiveAll(t, p))
	require.ErrorContains(t, p.Err(), "invalid sample rate")
	require.Zero(t, enc.calls)
	require.True(t, src.closed)
	require.True(t, enc.closed)
}
