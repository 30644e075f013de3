// Package history keeps the last few seconds of encoded packets in memory
// and performs the one-way switch to live writing on a flush request.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screenrec/types"
)

type State uint8

const (
	StateBuffering = State(iota)
	StateDraining
	StateLive
)

func (s State) String() string {
	switch s {
	case StateBuffering:
		return "buffering"
	case StateDraining:
		return "draining"
	case StateLive:
		return "live"
	}
	return fmt.Sprintf("unexpected_state_%d", uint8(s))
}

// Sink receives the drained packets.
type Sink interface {
	WritePacket(ctx context.Context, pkt types.EncodedPacket) error
}

// History is owned by the reactor goroutine and is not safe for concurrent use.
type History struct {
	window  int64
	buffers map[types.StreamTag]*RingBuffer
	state   State

	lastKeyframe     int64
	hasKeyframe      bool
	keyframeInterval int64
}

func New(window time.Duration) *History {
	w := types.FromDuration(window)
	return &History{
		window: w,
		buffers: map[types.StreamTag]*RingBuffer{
			types.StreamTagVideo: NewRingBuffer(types.StreamTagVideo, w),
			types.StreamTagAudio: NewRingBuffer(types.StreamTagAudio, w),
		},
	}
}

func (h *History) State() State {
	return h.state
}

func (h *History) Window() time.Duration {
	return types.ToDuration(h.window)
}

func (h *History) Buffer(stream types.StreamTag) *RingBuffer {
	return h.buffers[stream]
}

// Len is the amount of buffered packets over all the streams.
func (h *History) Len() int {
	total := 0
	for _, rb := range h.buffers {
		total += rb.Len()
	}
	return total
}

// Push buffers the packet. It returns false if the history is not
// buffering anymore, and the packet should be written directly.
func (h *History) Push(pkt types.EncodedPacket) bool {
	if h.state != StateBuffering {
		return false
	}
	rb := h.buffers[pkt.Stream]
	if rb == nil {
		return false
	}
	if pkt.Stream == types.StreamTagVideo && pkt.Keyframe {
		h.observeKeyframe(pkt.PTS)
	}
	rb.Push(pkt)
	return true
}

// observeKeyframe widens the audio window by the longest keyframe interval
// seen so far, so the audio reaches back as far as the oldest buffered
// video keyframe.
func (h *History) observeKeyframe(pts int64) {
	if h.hasKeyframe && pts-h.lastKeyframe > h.keyframeInterval {
		h.keyframeInterval = pts - h.lastKeyframe
		h.buffers[types.StreamTagAudio].SetWindow(h.window + h.keyframeInterval)
	}
	h.lastKeyframe, h.hasKeyframe = pts, true
}

// Flush drains the buffered packets into the sink and switches to Live.
// now is the current time in types.TimeBase relative to the recording
// epoch. Only the first call does anything, later calls return false.
func (h *History) Flush(
	ctx context.Context,
	now int64,
	sink Sink,
) (_ bool, _err error) {
	logger.Debugf(ctx, "Flush(ctx, %d) in %s", now, h.state)
	defer func() { logger.Debugf(ctx, "/Flush(ctx, %d): %v", now, _err) }()

	if h.state != StateBuffering {
		return false, nil
	}
	h.state = StateDraining

	video := h.buffers[types.StreamTagVideo].Snapshot()
	audio := h.buffers[types.StreamTagAudio].Snapshot()
	for _, rb := range h.buffers {
		rb.Reset()
	}

	cut := CutPoint(video, now-h.window)
	video = dropBeforeKeyframe(video, cut)
	audio = dropBefore(audio, cut)
	logger.Debugf(ctx, "draining %d video and %d audio packets starting at %v", len(video), len(audio), types.ToDuration(cut))

	for _, pkt := range MergeByDTS(video, audio) {
		if err := sink.WritePacket(ctx, pkt); err != nil {
			return true, fmt.Errorf("unable to write the buffered %s: %w", &pkt, err)
		}
	}
	h.state = StateLive
	return true, nil
}

// CutPoint returns the PTS of the latest video keyframe at or before
// target; if there is none, the first keyframe. Without any video
// keyframe the target itself is returned.
func CutPoint(video []types.EncodedPacket, target int64) int64 {
	var (
		latestBefore int64
		hasBefore    bool
		first        int64
		hasFirst     bool
	)
	for _, pkt := range video {
		if !pkt.Keyframe {
			continue
		}
		if !hasFirst {
			first, hasFirst = pkt.PTS, true
		}
		if pkt.PTS <= target {
			latestBefore, hasBefore = pkt.PTS, true
		}
	}
	switch {
	case hasBefore:
		return latestBefore
	case hasFirst:
		return first
	default:
		return target
	}
}

func dropBeforeKeyframe(pkts []types.EncodedPacket, cut int64) []types.EncodedPacket {
	for idx, pkt := range pkts {
		if pkt.Keyframe && pkt.PTS == cut {
			return pkts[idx:]
		}
	}
	return dropBefore(pkts, cut)
}

func dropBefore(pkts []types.EncodedPacket, cut int64) []types.EncodedPacket {
	for idx, pkt := range pkts {
		if pkt.PTS >= cut {
			return pkts[idx:]
		}
	}
	return nil
}

// MergeByDTS interleaves two per-stream ordered packet sequences by
// decode timestamp, video first on ties.
func MergeByDTS(video, audio []types.EncodedPacket) []types.EncodedPacket {
	result := make([]types.EncodedPacket, 0, len(video)+len(audio))
	for len(video) > 0 || len(audio) > 0 {
		switch {
		case len(audio) == 0 || (len(video) > 0 && video[0].DTS <= audio[0].DTS):
			result = append(result, video[0])
			video = video[1:]
		default:
			result = append(result, audio[0])
			audio = audio[1:]
		}
	}
	return result
}
