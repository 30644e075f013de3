//go:build !with_libav
// +build !with_libav

package libav

import (
	"context"

	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/audio"
	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/encoder"
	"github.com/xaionaro-go/screenrec/muxer"
	"github.com/xaionaro-go/screenrec/types"
)

func Init(ctx context.Context) {}

type VAAPIAllocator struct{}

var _ bufferpool.Allocator = (*VAAPIAllocator)(nil)

func NewVAAPIAllocator(ctx context.Context, driDevice string) (*VAAPIAllocator, error) {
	return nil, ErrNotCompiled
}

func (*VAAPIAllocator) Memory() types.Memory {
	return types.MemoryDMABuf
}

func (*VAAPIAllocator) SupportsModifier(types.Fourcc, types.Modifier) bool {
	return false
}

func (*VAAPIAllocator) Allocate(context.Context, types.BufferDescriptor) (bufferpool.Buffer, error) {
	return nil, ErrNotCompiled
}

func (*VAAPIAllocator) Close() error {
	return nil
}

func newHardwareBackend(context.Context, encoder.Params, *VAAPIAllocator, bool) (encoder.Backend, error) {
	return nil, ErrNotCompiled
}

func newSoftwareBackend(context.Context, encoder.Params, bool) (encoder.Backend, error) {
	return nil, ErrNotCompiled
}

func (o *Opener) OpenContainer(context.Context, []types.StreamInfo) (muxer.Container, error) {
	return nil, ErrNotCompiled
}

func NeedsGlobalHeader(path, formatName string) (bool, error) {
	return false, ErrNotCompiled
}

type AudioCapture struct{}

var _ audio.Source = (*AudioCapture)(nil)

func NewAudioCapture(ctx context.Context, backend, device string) (*AudioCapture, error) {
	return nil, ErrNotCompiled
}

func (*AudioCapture) Format() audio.Format {
	return audio.Format{}
}

func (*AudioCapture) ReadChunk(context.Context) (audio.Chunk, error) {
	return audio.Chunk{}, ErrNotCompiled
}

func (*AudioCapture) Close() error {
	return nil
}

type AudioEncoder struct{}

var _ audio.Encoder = (*AudioEncoder)(nil)

func NewAudioEncoder(
	ctx context.Context,
	cfg screenrec.EncodeAudioConfig,
	input audio.Format,
	globalHeader bool,
) (*AudioEncoder, error) {
	return nil, ErrNotCompiled
}

func (*AudioEncoder) StreamInfo() types.StreamInfo {
	return types.StreamInfo{Tag: types.StreamTagAudio}
}

func (*AudioEncoder) Encode(context.Context, audio.Chunk, int64) ([]types.EncodedPacket, error) {
	return nil, ErrNotCompiled
}

func (*AudioEncoder) Flush(context.Context) ([]types.EncodedPacket, error) {
	return nil, nil
}

func (*AudioEncoder) Close() error {
	return nil
}
