// Package encoder turns captured frames into timestamped video packets.
package encoder

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/capture"
	"github.com/xaionaro-go/screenrec/region"
	"github.com/xaionaro-go/screenrec/types"
)

const (
	DefaultQueueDepth    = 4
	DefaultFrameInterval = time.Second / 60

	maxSubmittedHistory = 128
)

type Config struct {
	screenrec.EncodeVideoConfig

	MaxFPS     float64
	QueueDepth int

	// FrameInterval is the nominal interval between frames, used for the
	// duration of the very last packet.
	FrameInterval time.Duration
}

type Stats struct {
	FramesSubmitted uint64
	FramesEncoded   uint64
	FramesDuplicate uint64
	FramesMerged    uint64
	FramesLimited   uint64
	PacketsProduced uint64
	PacketsDropped  uint64
}

// Pipeline is owned by the reactor goroutine and is not safe for concurrent use.
type Pipeline struct {
	config   Config
	factory  BackendFactory
	releaser Releaser
	epoch    time.Duration

	backend Backend
	limiter *FPSLimit[*capture.Frame]

	// submitted are the PTS values passed to the backend, ascending
	submitted []int64
	// held are produced packets waiting for the PTS of their successor
	held []types.EncodedPacket

	hasLastPTS    bool
	lastPTS       int64
	hasLastDTS    bool
	lastDTS       int64
	lastCaptureTS time.Duration
	closed        bool

	stats Stats
}

// NewPipeline creates a pipeline; the backend is created on the first frame.
// epoch is the capture-clock instant corresponding to PTS 0.
func NewPipeline(
	ctx context.Context,
	cfg Config,
	factory BackendFactory,
	releaser Releaser,
	epoch time.Duration,
) *Pipeline {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	p := &Pipeline{
		config:   cfg,
		factory:  factory,
		releaser: releaser,
		epoch:    epoch,
	}
	if cfg.MaxFPS > 0 {
		p.limiter = NewFPSLimit(cfg.MaxFPS, func(frame *capture.Frame) {
			logger.Tracef(ctx, "max-fps: dropping %s", frame)
			p.stats.FramesLimited++
			p.release(ctx, frame)
		})
		if interval := p.limiter.MinInterval(); interval > cfg.FrameInterval {
			p.config.FrameInterval = interval
		}
	}
	return p
}

func (p *Pipeline) Stats() Stats {
	return p.stats
}

// Variant returns VariantUndefined until the first frame is encoded.
func (p *Pipeline) Variant() Variant {
	if p.backend == nil {
		return VariantUndefined
	}
	return p.backend.Variant()
}

func (p *Pipeline) StreamInfo() (types.StreamInfo, bool) {
	if p.backend == nil {
		return types.StreamInfo{}, false
	}
	return p.backend.StreamInfo(), true
}

// Submit takes the ownership of the frame. The frame buffer is released
// before Submit returns.
func (p *Pipeline) Submit(
	ctx context.Context,
	frame *capture.Frame,
) (_ret []types.EncodedPacket, _err error) {
	logger.Tracef(ctx, "Submit(%s)", frame)
	defer func() { logger.Tracef(ctx, "/Submit(%s): %d %v", frame, len(_ret), _err) }()

	if p.closed {
		p.release(ctx, frame)
		return nil, fmt.Errorf("the encoder pipeline is closed")
	}

	p.stats.FramesSubmitted++
	if frame.Timestamp > p.lastCaptureTS {
		p.lastCaptureTS = frame.Timestamp
	}

	if frame.Duplicate {
		p.stats.FramesDuplicate++
		p.release(ctx, frame)
		return nil, nil
	}

	if p.limiter != nil {
		var ok bool
		frame, ok = p.limiter.OnNewFrame(frame, frame.Timestamp)
		if !ok {
			return nil, nil
		}
	}

	return p.encode(ctx, frame)
}

func (p *Pipeline) encode(
	ctx context.Context,
	frame *capture.Frame,
) ([]types.EncodedPacket, error) {
	defer p.release(ctx, frame)

	pts := max(types.FromDuration(frame.Timestamp-p.epoch), 0)
	if p.hasLastPTS && pts <= p.lastPTS {
		logger.Debugf(ctx, "non-monotonic timestamp %d <= %d, merging %s into the previous packet", pts, p.lastPTS, frame)
		p.stats.FramesMerged++
		return nil, nil
	}

	if p.backend == nil {
		if err := p.initBackend(ctx, frame); err != nil {
			return nil, err
		}
	}

	var result []types.EncodedPacket
	if p.backend.Pending() >= p.config.QueueDepth {
		pkts, err := p.backend.Drain(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to drain the encoder: %w", err)
		}
		result = p.collect(ctx, pkts)
		if p.backend.Pending() >= p.config.QueueDepth {
			logger.Debugf(ctx, "the encoder is behind (%d pending), merging %s into the previous packet", p.backend.Pending(), frame)
			p.stats.FramesMerged++
			return result, nil
		}
	}

	pkts, err := p.backend.Encode(ctx, frame, pts)
	if err != nil {
		return result, fmt.Errorf("unable to encode %s: %w", frame, err)
	}
	p.stats.FramesEncoded++
	p.hasLastPTS, p.lastPTS = true, pts
	p.submitted = append(p.submitted, pts)
	if len(p.submitted) > maxSubmittedHistory {
		p.submitted = slices.Clone(p.submitted[len(p.submitted)-maxSubmittedHistory/2:])
	}
	return append(result, p.collect(ctx, pkts)...), nil
}

func (p *Pipeline) initBackend(
	ctx context.Context,
	frame *capture.Frame,
) (_err error) {
	params := p.params(frame)
	logger.Debugf(ctx, "initBackend: %s", params)
	defer func() { logger.Debugf(ctx, "/initBackend: %v", _err) }()

	backend, err := p.factory.NewBackend(ctx, params)
	if err != nil {
		return fmt.Errorf("%w: unable to initialize the %s backend: %w", screenrec.ErrEncoderInit, params.Variant, err)
	}
	logger.Infof(ctx, "encoding with the %s backend: %s", backend.Variant(), backend.StreamInfo())
	p.backend = backend
	return nil
}

func (p *Pipeline) params(frame *capture.Frame) Params {
	variant := VariantHardware
	if p.config.Backend == screenrec.EncoderBackendSoftware || frame.Descriptor.Memory == types.MemorySHM {
		variant = VariantSoftware
	}

	outputSize := region.TransposeIfTransposed(
		types.Size{W: frame.Descriptor.Width, H: frame.Descriptor.Height},
		frame.Transform,
	)
	if p.config.EncodeWidth > 0 && p.config.EncodeHeight > 0 {
		outputSize = types.Size{W: p.config.EncodeWidth, H: p.config.EncodeHeight}
	}

	return Params{
		Variant:       variant,
		Codec:         p.config.Codec,
		EncoderName:   p.config.EncoderName,
		Quality:       p.config.Quality,
		GOPSize:       p.config.GOPSize,
		PixelFormat:   p.config.PixelFormat,
		LowPower:      p.config.LowPower,
		DRIDevice:     p.config.DRIDevice,
		CustomOptions: p.config.CustomOptions,
		Input:         frame.Descriptor,
		Transform:     frame.Transform,
		OutputSize:    outputSize,
		FrameInterval: p.config.FrameInterval,
	}
}

// Drain collects the packets the backend finished since the last call.
func (p *Pipeline) Drain(ctx context.Context) ([]types.EncodedPacket, error) {
	if p.backend == nil || p.closed {
		return nil, nil
	}
	pkts, err := p.backend.Drain(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to drain the encoder: %w", err)
	}
	return p.collect(ctx, pkts), nil
}

// Close flushes everything and returns the remaining packets; the last one
// lasts until the latest observed capture plus one frame interval.
func (p *Pipeline) Close(ctx context.Context) (_ret []types.EncodedPacket, _err error) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %d %v", len(_ret), _err) }()

	if p.closed {
		return nil, nil
	}

	var (
		result []types.EncodedPacket
		mErr   *multierror.Error
	)
	if p.limiter != nil {
		if frame, ok := p.limiter.Flush(); ok {
			pkts, err := p.encode(ctx, frame)
			result = append(result, pkts...)
			if err != nil {
				mErr = multierror.Append(mErr, err)
			}
		}
	}
	p.closed = true

	if p.backend == nil {
		return result, mErr.ErrorOrNil()
	}

	pkts, err := p.backend.Flush(ctx)
	if err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to flush the encoder: %w", err))
	}
	result = append(result, p.collect(ctx, pkts)...)
	result = append(result, p.resolve(ctx, true)...)
	if err := p.backend.Close(); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to close the encoder: %w", err))
	}
	return result, mErr.ErrorOrNil()
}

func (p *Pipeline) collect(
	ctx context.Context,
	pkts []types.EncodedPacket,
) []types.EncodedPacket {
	for _, pkt := range pkts {
		pkt.Stream = types.StreamTagVideo
		if p.hasLastDTS && pkt.DTS <= p.lastDTS {
			logger.Errorf(ctx, "the encoder produced a packet with DTS from the past: %d <= %d; dropping", pkt.DTS, p.lastDTS)
			p.stats.PacketsDropped++
			continue
		}
		p.hasLastDTS, p.lastDTS = true, pkt.DTS
		p.held = append(p.held, pkt)
	}
	return p.resolve(ctx, false)
}

// resolve assigns durations to the held packets whose successor is known.
func (p *Pipeline) resolve(
	ctx context.Context,
	final bool,
) []types.EncodedPacket {
	var out []types.EncodedPacket
	for len(p.held) > 0 {
		pkt := p.held[0]
		idx, found := slices.BinarySearch(p.submitted, pkt.PTS)
		switch {
		case found && idx+1 < len(p.submitted):
			pkt.Duration = p.submitted[idx+1] - pkt.PTS
		case !final:
			return out
		case found:
			end := types.FromDuration(p.lastCaptureTS-p.epoch) + types.FromDuration(p.config.FrameInterval)
			pkt.Duration = max(end-pkt.PTS, 1)
		default:
			pkt.Duration = types.FromDuration(p.config.FrameInterval)
		}
		p.held = p.held[1:]
		p.stats.PacketsProduced++
		logger.Tracef(ctx, "produced %s", &pkt)
		out = append(out, pkt)
	}
	return out
}

func (p *Pipeline) release(ctx context.Context, frame *capture.Frame) {
	if frame == nil || frame.Handle.IsZero() {
		return
	}
	if err := p.releaser.Release(ctx, frame.Handle); err != nil {
		logger.Errorf(ctx, "unable to release %s: %v", frame.Handle, err)
	}
}
