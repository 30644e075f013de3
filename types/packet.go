package types

import (
	"fmt"
	"time"
)

// TimeBase is the time base of all timestamps exchanged between the
// pipelines, the ring buffers and the muxer: microseconds.
const TimeBase = int64(time.Second / time.Microsecond)

type StreamTag uint8

const (
	StreamTagUndefined = StreamTag(iota)
	StreamTagVideo
	StreamTagAudio
	EndOfStreamTag
)

func (t StreamTag) String() string {
	switch t {
	case StreamTagUndefined:
		return "<undefined>"
	case StreamTagVideo:
		return "video"
	case StreamTagAudio:
		return "audio"
	}
	return fmt.Sprintf("unexpected_stream_tag_%d", uint8(t))
}

// EncodedPacket is immutable once produced: nobody modifies it after it left
// the pipeline that produced it.
type EncodedPacket struct {
	Stream   StreamTag
	Payload  []byte
	PTS      int64
	DTS      int64
	Duration int64
	Keyframe bool
}

func (pkt *EncodedPacket) String() string {
	return fmt.Sprintf(
		"%s packet (pts:%d, dts:%d, dur:%d, key:%t, size:%d)",
		pkt.Stream, pkt.PTS, pkt.DTS, pkt.Duration, pkt.Keyframe, len(pkt.Payload),
	)
}

func (pkt *EncodedPacket) PTSDuration() time.Duration {
	return ToDuration(pkt.PTS)
}

func ToDuration(ts int64) time.Duration {
	return time.Duration(ts) * time.Second / time.Duration(TimeBase)
}

func FromDuration(d time.Duration) int64 {
	return int64(d / (time.Second / time.Duration(TimeBase)))
}
