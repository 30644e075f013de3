// Package audio runs the audio capture and encoding on its own goroutine
// and hands the encoded packets over to the reactor through a bounded queue.
package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/screenrec/types"
)

type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Chunk is a block of raw samples as delivered by the capture device.
type Chunk struct {
	// Samples is the number of samples per channel.
	Samples int

	// Data is backend specific (e.g. a decoded libav frame).
	Data any
}

func (c Chunk) Duration(f Format) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Samples) * time.Second / time.Duration(f.SampleRate)
}

// Source captures raw audio.
type Source interface {
	Format() Format

	// ReadChunk blocks until the next chunk is captured.
	ReadChunk(ctx context.Context) (Chunk, error)

	Close() error
}

// Encoder resamples and encodes raw audio. Packets carry timestamps in
// types.TimeBase, derived from the pts passed with the chunks.
type Encoder interface {
	StreamInfo() types.StreamInfo
	Encode(ctx context.Context, chunk Chunk, pts int64) ([]types.EncodedPacket, error)
	Flush(ctx context.Context) ([]types.EncodedPacket, error)
	Close() error
}
