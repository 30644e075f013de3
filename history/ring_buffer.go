package history

import (
	"github.com/xaionaro-go/screenrec/types"
)

// RingBuffer keeps the packets of a single stream for the last window of time.
//
// Eviction never splits a group of pictures: the buffer always starts at a
// keyframe, so max(pts) - min(pts) stays within the window plus one
// keyframe interval. The window is measured back from the end of the
// newest packet (PTS plus Duration), so for streams where every packet is
// a keyframe (audio) the buffered media lasts exactly the window.
type RingBuffer struct {
	stream  types.StreamTag
	window  int64
	packets []types.EncodedPacket
	head    int
	bytes   int
}

func NewRingBuffer(stream types.StreamTag, window int64) *RingBuffer {
	return &RingBuffer{
		stream: stream,
		window: window,
	}
}

func (rb *RingBuffer) Stream() types.StreamTag {
	return rb.stream
}

func (rb *RingBuffer) SetWindow(window int64) {
	rb.window = window
}

func (rb *RingBuffer) Len() int {
	return len(rb.packets) - rb.head
}

// Bytes is the total payload size of the buffered packets.
func (rb *RingBuffer) Bytes() int {
	return rb.bytes
}

func (rb *RingBuffer) items() []types.EncodedPacket {
	return rb.packets[rb.head:]
}

// Span is max(pts) - min(pts) of the buffered packets.
func (rb *RingBuffer) Span() int64 {
	items := rb.items()
	if len(items) == 0 {
		return 0
	}
	minPTS, maxPTS := items[0].PTS, items[0].PTS
	for _, pkt := range items[1:] {
		minPTS = min(minPTS, pkt.PTS)
		maxPTS = max(maxPTS, pkt.PTS)
	}
	return maxPTS - minPTS
}

// Push appends a packet and evicts what fell out of the window. Packets
// must come in the production order of the stream.
func (rb *RingBuffer) Push(pkt types.EncodedPacket) {
	if rb.Len() == 0 && !pkt.Keyframe {
		// nothing could be decoded before the first keyframe anyway
		return
	}
	rb.packets = append(rb.packets, pkt)
	rb.bytes += len(pkt.Payload)
	rb.evict(pkt.PTS + max(pkt.Duration, 0))
}

func (rb *RingBuffer) evict(end int64) {
	cutoff := end - rb.window
	items := rb.items()

	// the latest keyframe at or before the cutoff becomes the new head
	cut := -1
	for idx, pkt := range items {
		if pkt.PTS > cutoff {
			break
		}
		if pkt.Keyframe {
			cut = idx
		}
	}
	if cut <= 0 {
		return
	}
	for _, pkt := range items[:cut] {
		rb.bytes -= len(pkt.Payload)
	}
	clear(items[:cut])
	rb.head += cut

	if rb.head > len(rb.packets)/2 {
		n := copy(rb.packets, rb.packets[rb.head:])
		clear(rb.packets[n:])
		rb.packets = rb.packets[:n]
		rb.head = 0
	}
}

// Snapshot returns a copy of the buffered packets, oldest first.
func (rb *RingBuffer) Snapshot() []types.EncodedPacket {
	items := rb.items()
	result := make([]types.EncodedPacket, len(items))
	copy(result, items)
	return result
}

func (rb *RingBuffer) Reset() {
	clear(rb.packets)
	rb.packets = rb.packets[:0]
	rb.head = 0
	rb.bytes = 0
}
