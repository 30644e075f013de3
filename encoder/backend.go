package encoder

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/capture"
	"github.com/xaionaro-go/screenrec/types"
)

// Variant is the closed set of encoder backends.
type Variant uint8

const (
	VariantUndefined = Variant(iota)
	VariantHardware
	VariantSoftware
)

func (v Variant) String() string {
	switch v {
	case VariantUndefined:
		return "<undefined>"
	case VariantHardware:
		return "hardware"
	case VariantSoftware:
		return "software"
	}
	return fmt.Sprintf("unexpected_variant_%d", uint8(v))
}

// Backend encodes frames into packets.
//
// Encode consumes the pixels of the frame synchronously: once it returns
// the frame buffer may be handed back to the compositor. Returned packets
// carry the PTS passed to Encode, a backend-assigned DTS and the keyframe flag;
// the duration is assigned by the Pipeline.
type Backend interface {
	Variant() Variant
	StreamInfo() types.StreamInfo
	Encode(ctx context.Context, frame *capture.Frame, pts int64) ([]types.EncodedPacket, error)

	// Drain returns packets that became ready without submitting anything.
	Drain(ctx context.Context) ([]types.EncodedPacket, error)

	// Flush signals the end of the stream and returns all remaining packets.
	Flush(ctx context.Context) ([]types.EncodedPacket, error)

	// Pending is the number of submitted frames not yet returned as packets.
	Pending() int

	Close() error
}

// Params are the negotiated parameters of the encoder context. They are
// fixed for the lifetime of a Backend.
type Params struct {
	Variant       Variant
	Codec         screenrec.VideoCodec
	EncoderName   string
	Quality       screenrec.VideoQuality
	GOPSize       int
	PixelFormat   screenrec.EncodePixelFormat
	LowPower      bool
	DRIDevice     string
	CustomOptions screenrec.CustomOptions

	// Input is the layout of the captured buffers.
	Input     types.BufferDescriptor
	Transform types.Transform

	// OutputSize is the size of the encoded picture (after rotation and scaling).
	OutputSize types.Size

	FrameInterval time.Duration
}

func (p Params) String() string {
	return fmt.Sprintf(
		"%s %s (encoder:'%s', gop:%d, pixfmt:%s, lowpower:%t) %s -> %s (%s)",
		p.Variant, &p.Codec, p.EncoderName, p.GOPSize, &p.PixelFormat, p.LowPower,
		p.Input, p.OutputSize, p.Transform,
	)
}

type BackendFactory interface {
	NewBackend(ctx context.Context, params Params) (Backend, error)
}

// Releaser returns frame buffers to the pool.
type Releaser interface {
	Release(ctx context.Context, h bufferpool.Handle) error
}
