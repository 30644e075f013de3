package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/screenrec/types"
)

const (
	DefaultQueueSize = 64

	flushTimeout = time.Second
)

type Stats struct {
	Chunks         uint64
	PacketsQueued  uint64
	PacketsDropped uint64
	QueueStalls    uint64
}

// Pipeline owns its source and encoder; they are touched only by the
// pipeline goroutine.
type Pipeline struct {
	source  Source
	encoder Encoder
	clock   types.Clock
	epoch   time.Duration

	queue    chan types.EncodedPacket
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	err      error

	chunks         atomic.Uint64
	packetsQueued  atomic.Uint64
	packetsDropped atomic.Uint64
	queueStalls    atomic.Uint64
}

// NewPipeline creates a pipeline. epoch is the clock instant of PTS 0,
// the same one the video pipeline uses.
func NewPipeline(
	source Source,
	encoder Encoder,
	clock types.Clock,
	epoch time.Duration,
	queueSize int,
) *Pipeline {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Pipeline{
		source:  source,
		encoder: encoder,
		clock:   clock,
		epoch:   epoch,
		queue:   make(chan types.EncodedPacket, queueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (p *Pipeline) StreamInfo() types.StreamInfo {
	return p.encoder.StreamInfo()
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Chunks:         p.chunks.Load(),
		PacketsQueued:  p.packetsQueued.Load(),
		PacketsDropped: p.packetsDropped.Load(),
		QueueStalls:    p.queueStalls.Load(),
	}
}

// Start launches the capture goroutine.
func (p *Pipeline) Start(ctx context.Context) {
	observability.Go(ctx, func(ctx context.Context) {
		defer close(p.doneCh)
		defer close(p.queue)
		err := p.loop(ctx)
		if err != nil {
			errmon.ObserveErrorCtx(ctx, err)
		}
		p.err = err
	})
}

func (p *Pipeline) loop(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "audio loop")
	defer func() { logger.Debugf(ctx, "/audio loop: %v", _err) }()

	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	observability.Go(ctx, func(ctx context.Context) {
		select {
		case <-p.stopCh:
			cancelFn()
		case <-ctx.Done():
		}
	})

	format := p.source.Format()
	if format.SampleRate <= 0 {
		return multierror.Append(
			fmt.Errorf("the audio source reports an invalid sample rate: %d", format.SampleRate),
			p.encoder.Close(),
			p.source.Close(),
		).ErrorOrNil()
	}
	var (
		anchored   bool
		startPTS   int64
		samples    int64
		hasLastDTS bool
		lastDTS    int64
		mErr       *multierror.Error
	)
	for {
		chunk, err := p.source.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				mErr = multierror.Append(mErr, fmt.Errorf("unable to read an audio chunk: %w", err))
			}
			break
		}
		p.chunks.Add(1)

		if !anchored {
			// the chunk has just ended, so it started one chunk duration ago
			startPTS = types.FromDuration(p.clock.Now() - p.epoch - chunk.Duration(format))
			anchored = true
			logger.Debugf(ctx, "the audio stream starts at %v", types.ToDuration(startPTS))
		}
		pts := startPTS + samples*types.TimeBase/int64(format.SampleRate)
		samples += int64(chunk.Samples)

		pkts, err := p.encoder.Encode(ctx, chunk, pts)
		if err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to encode an audio chunk: %w", err))
			break
		}
		if !p.push(ctx, pkts, &hasLastDTS, &lastDTS) {
			break
		}
	}

	// the context may be cancelled already, but the tail still has to be flushed
	flushCtx, flushCancelFn := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer flushCancelFn()
	pkts, err := p.encoder.Flush(flushCtx)
	if err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to flush the audio encoder: %w", err))
	}
	if !p.push(flushCtx, pkts, &hasLastDTS, &lastDTS) {
		logger.Warnf(ctx, "the reactor did not take the flushed audio packets in %v", flushTimeout)
	}

	if err := p.encoder.Close(); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to close the audio encoder: %w", err))
	}
	if err := p.source.Close(); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to close the audio source: %w", err))
	}
	return mErr.ErrorOrNil()
}

func (p *Pipeline) accept(
	ctx context.Context,
	pkt *types.EncodedPacket,
	hasLastDTS *bool,
	lastDTS *int64,
) bool {
	pkt.Stream = types.StreamTagAudio
	if *hasLastDTS && pkt.DTS <= *lastDTS {
		logger.Warnf(ctx, "dropping an audio packet with DTS from the past: %d <= %d", pkt.DTS, *lastDTS)
		p.packetsDropped.Add(1)
		return false
	}
	*hasLastDTS, *lastDTS = true, pkt.DTS
	return true
}

// push blocks while the queue is full; false means the pipeline is stopping.
func (p *Pipeline) push(
	ctx context.Context,
	pkts []types.EncodedPacket,
	hasLastDTS *bool,
	lastDTS *int64,
) bool {
	for _, pkt := range pkts {
		if !p.accept(ctx, &pkt, hasLastDTS, lastDTS) {
			continue
		}
		select {
		case p.queue <- pkt:
		default:
			p.queueStalls.Add(1)
			logger.Debugf(ctx, "the audio queue is full, waiting for the reactor")
			select {
			case p.queue <- pkt:
			case <-ctx.Done():
				return false
			}
		}
		p.packetsQueued.Add(1)
	}
	return true
}

// TryReceive returns a ready packet without blocking. ok is false if there
// is nothing queued; closed is true once the pipeline is done and drained.
func (p *Pipeline) TryReceive() (pkt types.EncodedPacket, ok bool, closed bool) {
	select {
	case pkt, ok := <-p.queue:
		if !ok {
			return types.EncodedPacket{}, false, true
		}
		return pkt, true, false
	default:
		return types.EncodedPacket{}, false, false
	}
}

// Stop asks the capture goroutine to finish: the encoder gets flushed
// and the queue gets closed.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Done is closed when the capture goroutine has exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.doneCh
}

// Err is the terminal error of the goroutine; valid after Done is closed.
func (p *Pipeline) Err() error {
	<-p.doneCh
	return p.err
}
