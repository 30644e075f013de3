package muxer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/history"
	"github.com/xaionaro-go/screenrec/internal"
	"github.com/xaionaro-go/screenrec/types"
)

const DefaultReorderWindow = screenrec.DefaultReorderWindow

type Mode uint8

const (
	ModeUndefined = Mode(iota)
	ModeBuffering
	ModeLive
)

func (m Mode) String() string {
	switch m {
	case ModeUndefined:
		return "<undefined>"
	case ModeBuffering:
		return "buffering"
	case ModeLive:
		return "live"
	}
	return fmt.Sprintf("unexpected_mode_%d", uint8(m))
}

// Container is an opened output file.
type Container interface {
	WritePacket(ctx context.Context, pkt types.EncodedPacket) error

	// Finalize writes the trailer and releases the container.
	Finalize(ctx context.Context) error
}

type Opener interface {
	OpenContainer(ctx context.Context, streams []types.StreamInfo) (Container, error)
}

type Config struct {
	// Streams are the streams the container is opened with; packets are
	// held until all of them are registered with AddStream.
	Streams       []types.StreamTag
	ReorderWindow time.Duration
}

type Stats struct {
	Mode            Mode
	PacketsWritten  uint64
	PacketsDropped  uint64
	BytesWritten    uint64
	BufferedPackets uint64
}

type streamState struct {
	Info       types.StreamInfo
	Registered bool
	Ended      bool
	LastDTS    int64
	HasDTS     bool
	Queued     int
}

// Writer interleaves the encoded packets into the container.
//
// It is owned by a single goroutine and is not safe for concurrent use.
type Writer struct {
	config    Config
	opener    Opener
	history   *history.History
	mode      Mode
	streams   map[types.StreamTag]*streamState
	queue     []types.EncodedPacket
	container Container
	err       error
	closed    bool
	closeErr  error
	stats     Stats
}

// New returns a Writer. With a nil history the Writer is Live from the
// start, otherwise it keeps buffering until RequestFlush.
func New(
	cfg Config,
	opener Opener,
	hist *history.History,
) *Writer {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = DefaultReorderWindow
	}
	w := &Writer{
		config:  cfg,
		opener:  opener,
		history: hist,
		mode:    ModeLive,
		streams: make(map[types.StreamTag]*streamState, len(cfg.Streams)),
	}
	if hist != nil {
		w.mode = ModeBuffering
	}
	for _, tag := range cfg.Streams {
		w.streams[tag] = &streamState{}
	}
	return w
}

func (w *Writer) Mode() Mode {
	return w.mode
}

func (w *Writer) Stats() Stats {
	stats := w.stats
	stats.Mode = w.mode
	stats.BufferedPackets = uint64(len(w.queue))
	if w.history != nil {
		stats.BufferedPackets += uint64(w.history.Len())
	}
	return stats
}

// AddStream registers a stream; the container is opened as soon as
// every configured stream is registered.
func (w *Writer) AddStream(
	ctx context.Context,
	info types.StreamInfo,
) (_err error) {
	logger.Debugf(ctx, "AddStream(ctx, %s)", info)
	defer func() { logger.Debugf(ctx, "/AddStream(ctx, %s): %v", info, _err) }()

	s := w.streams[info.Tag]
	if s == nil {
		return fmt.Errorf("stream %s is not configured for this output", info.Tag)
	}
	if s.Registered {
		return fmt.Errorf("stream %s is already registered", info.Tag)
	}
	s.Info, s.Registered = info, true

	for _, s := range w.streams {
		if !s.Registered {
			return nil
		}
	}
	if err := w.open(ctx); err != nil {
		return err
	}
	return w.writeReady(ctx, false)
}

// EndStream tells that no more packets of the stream will arrive, so the
// reorder window stops waiting for it.
func (w *Writer) EndStream(
	ctx context.Context,
	tag types.StreamTag,
) error {
	logger.Debugf(ctx, "EndStream(ctx, %s)", tag)
	s := w.streams[tag]
	if s == nil {
		return nil
	}
	s.Ended = true
	return w.writeReady(ctx, false)
}

func (w *Writer) open(ctx context.Context) error {
	var infos []types.StreamInfo
	for _, tag := range w.config.Streams {
		s := w.streams[tag]
		if s.Registered {
			infos = append(infos, s.Info)
		}
	}
	logger.Tracef(ctx, "opening the container with streams: %s", spew.Sdump(infos))
	c, err := w.opener.OpenContainer(ctx, infos)
	if err != nil {
		w.err = fmt.Errorf("%w: unable to open the container: %w", screenrec.ErrMuxerWrite, err)
		return w.err
	}
	w.container = c
	return nil
}

// Push accepts a packet produced by a pipeline.
func (w *Writer) Push(
	ctx context.Context,
	pkt types.EncodedPacket,
) error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return fmt.Errorf("the writer is closed")
	}
	if w.mode == ModeBuffering && w.history.Push(pkt) {
		return nil
	}
	return w.enqueue(ctx, pkt)
}

// RequestFlush drains the history into the container and switches to
// Live. now is in types.TimeBase relative to the recording epoch.
// Requests after the first one are no-ops.
func (w *Writer) RequestFlush(
	ctx context.Context,
	now int64,
) (_ bool, _err error) {
	logger.Debugf(ctx, "RequestFlush(ctx, %d) in %s", now, w.mode)
	defer func() { logger.Debugf(ctx, "/RequestFlush(ctx, %d): %v", now, _err) }()

	if w.mode != ModeBuffering {
		return false, nil
	}
	if w.err != nil {
		return false, w.err
	}
	_, err := w.history.Flush(ctx, now, liveSink{Writer: w})
	w.mode = ModeLive
	if err != nil {
		return true, err
	}
	return true, nil
}

type liveSink struct {
	*Writer
}

func (s liveSink) WritePacket(ctx context.Context, pkt types.EncodedPacket) error {
	return s.Writer.enqueue(ctx, pkt)
}

func (w *Writer) enqueue(
	ctx context.Context,
	pkt types.EncodedPacket,
) error {
	s := w.streams[pkt.Stream]
	if s == nil {
		logger.Errorf(ctx, "received a packet of an unknown stream, ignoring it: %s", &pkt)
		w.stats.PacketsDropped++
		return nil
	}
	if s.HasDTS && pkt.DTS <= s.LastDTS {
		logger.Errorf(ctx, "received a DTS from the past, ignoring the packet: %d <= %d", pkt.DTS, s.LastDTS)
		w.stats.PacketsDropped++
		return nil
	}
	s.LastDTS, s.HasDTS = pkt.DTS, true
	s.Queued++

	idx := sort.Search(len(w.queue), func(i int) bool {
		return w.queue[i].DTS > pkt.DTS
	})
	w.queue = append(w.queue, types.EncodedPacket{})
	copy(w.queue[idx+1:], w.queue[idx:])
	w.queue[idx] = pkt

	return w.writeReady(ctx, false)
}

// isHeadReady reports if the oldest queued packet may be written: either
// every active stream has a packet queued (so nothing older can arrive),
// or the queue spans more than the reorder window.
func (w *Writer) isHeadReady() bool {
	head, last := w.queue[0], w.queue[len(w.queue)-1]
	if types.ToDuration(last.DTS-head.DTS) > w.config.ReorderWindow {
		return true
	}
	for _, s := range w.streams {
		if s.Ended || s.Queued > 0 {
			continue
		}
		return false
	}
	return true
}

func (w *Writer) writeReady(
	ctx context.Context,
	force bool,
) error {
	if w.container == nil || w.err != nil {
		return w.err
	}
	for len(w.queue) > 0 {
		if !force && !w.isHeadReady() {
			return nil
		}
		pkt := w.queue[0]
		w.queue[0] = types.EncodedPacket{}
		w.queue = w.queue[1:]
		w.streams[pkt.Stream].Queued--
		internal.Assertf(ctx, w.streams[pkt.Stream].Queued >= 0, "negative queue length of the %s stream", pkt.Stream)

		logger.Tracef(ctx, "writing %s", &pkt)
		if err := w.container.WritePacket(ctx, pkt); err != nil {
			w.err = fmt.Errorf("%w: unable to write the %s: %w", screenrec.ErrMuxerWrite, &pkt, err)
			return w.err
		}
		w.stats.PacketsWritten++
		w.stats.BytesWritten += uint64(len(pkt.Payload))
	}
	if len(w.queue) == 0 {
		w.queue = w.queue[:0:0]
	}
	return nil
}

// Close writes out whatever is in the reorder window and finalizes the
// container. The container is finalized exactly once, also after a
// write failure. Packets still kept in the history are discarded.
func (w *Writer) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()

	if w.closed {
		return w.closeErr
	}
	w.closed = true

	if w.history != nil && w.mode == ModeBuffering {
		logger.Debugf(ctx, "closing without a flush, discarding %d buffered packets", w.history.Len())
	}

	var mErr *multierror.Error
	if w.container == nil && w.err == nil {
		registered := false
		for _, s := range w.streams {
			registered = registered || s.Registered
		}
		if !registered {
			logger.Warnf(ctx, "no stream was ever registered, nothing to write")
			w.closeErr = w.err
			return w.closeErr
		}
		if err := w.open(ctx); err != nil {
			w.closeErr = err
			return err
		}
	}
	if w.container == nil {
		w.closeErr = w.err
		return w.closeErr
	}

	if err := w.writeReady(ctx, true); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if dropped := len(w.queue); dropped > 0 {
		w.stats.PacketsDropped += uint64(dropped)
		w.queue = nil
	}
	if err := w.container.Finalize(ctx); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("%w: unable to finalize the container: %w", screenrec.ErrMuxerWrite, err))
	}
	w.closeErr = mErr.ErrorOrNil()
	return w.closeErr
}
