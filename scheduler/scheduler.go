// Package scheduler is the reactor loop that drives the capture session,
// the encoder, the history and the muxer, and consumes the flush/shutdown
// requests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/audio"
	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/capture"
	"github.com/xaionaro-go/screenrec/encoder"
	"github.com/xaionaro-go/screenrec/history"
	"github.com/xaionaro-go/screenrec/muxer"
	"github.com/xaionaro-go/screenrec/types"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

// inFlightGracePeriod is how long the shutdown waits for a capture the
// compositor is still working on.
const inFlightGracePeriod = time.Second

// EventSource delivers the compositor events of the capture session. It
// blocks for at most timeout.
type EventSource interface {
	PollEvents(ctx context.Context, timeout time.Duration) ([]capture.Event, error)
}

type CaptureSource interface {
	capture.Source
	EventSource
}

type Config struct {
	screenrec.Config

	Region types.CaptureRegion

	// FrameInterval is the refresh interval of the captured output.
	FrameInterval time.Duration
}

// Deps are the collaborators the scheduler drives. AudioSource and
// AudioEncoder are nil if audio is disabled.
type Deps struct {
	Source       CaptureSource
	Pool         *bufferpool.Pool
	Encoders     encoder.BackendFactory
	Opener       muxer.Opener
	AudioSource  audio.Source
	AudioEncoder audio.Encoder
	Clock        types.Clock
}

type Scheduler struct {
	Signals

	config    Config
	deps      Deps
	sessionID uuid.UUID
	epoch     time.Duration
	running   atomic.Bool

	session *capture.Session
	encoder *encoder.Pipeline
	audio   *audio.Pipeline
	writer  *muxer.Writer

	videoRegistered  bool
	audioEnded       bool
	videoPackets     uint64
	flushedOnRequest bool

	statsLocker xsync.Mutex
	stats       screenrec.Stats
}

var _ screenrec.Recorder = (*Scheduler)(nil)

func New(
	ctx context.Context,
	cfg Config,
	deps Deps,
) (*Scheduler, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("the capture source is not set")
	case deps.Pool == nil:
		return nil, fmt.Errorf("the buffer pool is not set")
	case deps.Encoders == nil:
		return nil, fmt.Errorf("the encoder factory is not set")
	case deps.Opener == nil:
		return nil, fmt.Errorf("the container opener is not set")
	case (deps.AudioSource == nil) != (deps.AudioEncoder == nil):
		return nil, fmt.Errorf("the audio source and the audio encoder should be set together")
	}
	if deps.Clock == nil {
		deps.Clock = types.MonotonicClock{}
	}
	if cfg.Capture.PollInterval <= 0 {
		cfg.Capture.PollInterval = screenrec.DefaultPollInterval
	}

	s := &Scheduler{
		config:    cfg,
		deps:      deps,
		sessionID: uuid.New(),
		epoch:     deps.Clock.Now(),
	}
	s.session = capture.NewSession(capture.Config{
		Region:                cfg.Region,
		Dedup:                 cfg.Capture.Dedup,
		OverlayCursor:         cfg.Capture.OverlayCursor,
		MaxCaptureRetries:     cfg.Capture.MaxCaptureRetries,
		MaxNegotiationRetries: cfg.Capture.MaxNegotiationRetries,
	}, deps.Source, deps.Pool)
	s.encoder = encoder.NewPipeline(ctx, encoder.Config{
		EncodeVideoConfig: cfg.Video,
		MaxFPS:            cfg.Capture.MaxFPS,
		FrameInterval:     cfg.FrameInterval,
	}, deps.Encoders, deps.Pool, s.epoch)

	streams := []types.StreamTag{types.StreamTagVideo}
	if deps.AudioSource != nil {
		s.audio = audio.NewPipeline(deps.AudioSource, deps.AudioEncoder, deps.Clock, s.epoch, cfg.Audio.QueueSize)
		streams = append(streams, types.StreamTagAudio)
	}

	var hist *history.History
	if cfg.History.IsEnabled() {
		hist = history.New(cfg.History.Window)
	}
	s.writer = muxer.New(muxer.Config{
		Streams:       streams,
		ReorderWindow: cfg.Muxer.ReorderWindow,
	}, deps.Opener, hist)
	s.updateStats(ctx)
	return s, nil
}

func (s *Scheduler) SessionID() uuid.UUID {
	return s.sessionID
}

// Run is the reactor loop. It returns after the output is finalized;
// a graceful shutdown returns nil.
func (s *Scheduler) Run(ctx context.Context) (_err error) {
	ctx = logger.CtxWithLogger(ctx, logger.FromCtx(ctx).WithField("session_id", s.sessionID.String()))
	logger.Debugf(ctx, "Run")
	defer func() { logger.Debugf(ctx, "/Run: %v", _err) }()

	if s.running.Swap(true) {
		return fmt.Errorf("the recorder is already started")
	}

	var runErr error
	if s.audio != nil {
		s.audio.Start(ctx)
		if err := s.writer.AddStream(ctx, s.audio.StreamInfo()); err != nil {
			runErr = fmt.Errorf("unable to register the audio stream: %w", err)
		}
	}

	for runErr == nil && !s.isShutdownRequested() {
		if ctx.Err() != nil {
			logger.Debugf(ctx, "the context is cancelled: %v", ctx.Err())
			break
		}
		runErr = s.iterate(ctx)
	}
	if runErr != nil {
		logger.Errorf(ctx, "stopping the recording: %v", runErr)
	}
	return s.drain(ctx, runErr)
}

func (s *Scheduler) iterate(ctx context.Context) error {
	if s.session.CanRequest() {
		err := s.session.RequestFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, capture.ErrNoFreeBuffer):
			logger.Tracef(ctx, "all buffers are busy, not requesting a frame")
		default:
			return fmt.Errorf("unable to request a frame: %w", err)
		}
	}

	if err := s.pollEvents(ctx, s.config.Capture.PollInterval); err != nil {
		return err
	}
	if err := s.processFrame(ctx); err != nil {
		return err
	}

	pkts, err := s.encoder.Drain(ctx)
	if err != nil {
		return err
	}
	if err := s.pushVideo(ctx, pkts); err != nil {
		return err
	}

	if err := s.drainAudio(ctx); err != nil {
		return err
	}

	if s.consumeFlush() {
		if err := s.flush(ctx); err != nil {
			return err
		}
	}

	s.updateStats(ctx)
	return nil
}

func (s *Scheduler) pollEvents(
	ctx context.Context,
	timeout time.Duration,
) error {
	events, err := s.deps.Source.PollEvents(ctx, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("unable to poll the compositor events: %w", err)
	}
	for _, ev := range events {
		if err := s.session.HandleEvent(ctx, ev); err != nil {
			return fmt.Errorf("the capture session failed: %w", err)
		}
	}
	return nil
}

func (s *Scheduler) processFrame(ctx context.Context) error {
	frame, ok := s.session.TakeFrame()
	if !ok {
		return nil
	}
	pkts, err := s.encoder.Submit(ctx, frame)
	if err != nil {
		return fmt.Errorf("unable to encode %s: %w", frame, err)
	}
	return s.pushVideo(ctx, pkts)
}

func (s *Scheduler) pushVideo(
	ctx context.Context,
	pkts []types.EncodedPacket,
) error {
	if !s.videoRegistered {
		info, ok := s.encoder.StreamInfo()
		if !ok {
			return nil
		}
		if err := s.writer.AddStream(ctx, info); err != nil {
			return fmt.Errorf("unable to register the video stream: %w", err)
		}
		s.videoRegistered = true
	}
	for _, pkt := range pkts {
		if err := s.writer.Push(ctx, pkt); err != nil {
			return err
		}
		s.videoPackets++
	}
	return nil
}

func (s *Scheduler) drainAudio(ctx context.Context) error {
	if s.audio == nil || s.audioEnded {
		return nil
	}
	for {
		pkt, ok, closed := s.audio.TryReceive()
		switch {
		case closed:
			s.audioEnded = true
			if err := s.audio.Err(); err != nil {
				logger.Errorf(ctx, "the audio capture stopped: %v", err)
			}
			return s.writer.EndStream(ctx, types.StreamTagAudio)
		case !ok:
			return nil
		}
		if err := s.writer.Push(ctx, pkt); err != nil {
			return err
		}
	}
}

func (s *Scheduler) flush(ctx context.Context) error {
	now := types.FromDuration(s.deps.Clock.Now() - s.epoch)
	flushed, err := s.writer.RequestFlush(ctx, now)
	if err != nil {
		return fmt.Errorf("unable to flush the history: %w", err)
	}
	if !flushed {
		logger.Debugf(ctx, "ignoring the flush request: the output is already %s", s.writer.Mode())
		return nil
	}
	logger.Infof(ctx, "flushed the history, recording live")
	s.flushedOnRequest = true
	return nil
}

// drain finalizes the recording: the in-flight capture is let to complete
// (unless the loop failed), the encoder and the audio are flushed, and the
// output is finalized.
func (s *Scheduler) drain(
	ctx context.Context,
	cause error,
) (_err error) {
	logger.Debugf(ctx, "drain(ctx, %v)", cause)
	defer func() { logger.Debugf(ctx, "/drain(ctx, %v): %v", cause, _err) }()

	ctx = xcontext.DetachDone(ctx)
	var mErr *multierror.Error
	if cause != nil {
		mErr = multierror.Append(mErr, cause)
	} else {
		if err := s.completeInFlight(ctx); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	s.session.Cancel(ctx)

	pkts, err := s.encoder.Close(ctx)
	if err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to close the encoder: %w", err))
	}
	if err := s.pushVideo(ctx, pkts); err != nil && cause == nil {
		mErr = multierror.Append(mErr, err)
	}

	if s.audio != nil {
		s.audio.Stop()
		if err := s.waitAudio(ctx); err != nil && cause == nil {
			mErr = multierror.Append(mErr, err)
		}
	}

	if err := s.writer.Close(ctx); err != nil {
		if errors.Is(cause, screenrec.ErrMuxerWrite) {
			logger.Errorf(ctx, "unable to finalize the output after a write failure: %v", err)
		} else {
			mErr = multierror.Append(mErr, err)
		}
	}
	if err := s.deps.Pool.Close(ctx); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to close the buffer pool: %w", err))
	}
	s.updateStats(ctx)
	return mErr.ErrorOrNil()
}

func (s *Scheduler) completeInFlight(ctx context.Context) error {
	maxPolls := int(inFlightGracePeriod / s.config.Capture.PollInterval)
	for polls := 0; s.session.State().IsInFlight(); polls++ {
		if polls >= maxPolls {
			logger.Warnf(ctx, "the compositor did not complete the capture in %v, cancelling it", inFlightGracePeriod)
			break
		}
		if err := s.pollEvents(ctx, s.config.Capture.PollInterval); err != nil {
			return err
		}
	}
	return s.processFrame(ctx)
}

func (s *Scheduler) waitAudio(ctx context.Context) error {
	for {
		if err := s.drainAudio(ctx); err != nil {
			return err
		}
		if s.audioEnded {
			return nil
		}
		select {
		case <-s.audio.Done():
		case <-time.After(s.config.Capture.PollInterval):
		}
	}
}

func (s *Scheduler) updateStats(ctx context.Context) {
	capStats := s.session.Stats()
	encStats := s.encoder.Stats()
	wStats := s.writer.Stats()
	stats := screenrec.Stats{
		SessionID:        s.sessionID.String(),
		State:            s.session.State().String(),
		Mode:             wStats.Mode.String(),
		FramesCaptured:   capStats.FramesCaptured,
		FramesDuplicate:  capStats.FramesDuplicate,
		FramesMerged:     encStats.FramesMerged,
		FramesEncoded:    encStats.FramesEncoded,
		CaptureRetries:   capStats.CaptureRetries,
		Renegotiations:   capStats.Renegotiations,
		VideoPackets:     s.videoPackets,
		PacketsWritten:   wStats.PacketsWritten,
		PacketsDropped:   wStats.PacketsDropped,
		BytesWritten:     wStats.BytesWritten,
		BufferedPackets:  wStats.BufferedPackets,
		BuffersInFlight:  uint64(s.deps.Pool.InFlight()),
		FlushedOnRequest: s.flushedOnRequest,
	}
	if v := s.encoder.Variant(); v != encoder.VariantUndefined {
		stats.Backend = v.String()
	}
	if s.audio != nil {
		audioStats := s.audio.Stats()
		stats.AudioPackets = audioStats.PacketsQueued
		stats.AudioDropped = audioStats.PacketsDropped
	}
	s.statsLocker.Do(xsync.WithNoLogging(ctx, true), func() {
		s.stats = stats
	})
}

// GetStats returns the snapshot taken at the end of the latest loop
// iteration. It is safe to call from any goroutine.
func (s *Scheduler) GetStats(ctx context.Context) *screenrec.Stats {
	stats := xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.statsLocker, func() screenrec.Stats {
		return s.stats
	})
	stats.Uptime = s.deps.Clock.Now() - s.epoch
	stats.FlushRequests = s.flushRequests.Load()
	return &stats
}
