//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/capture"
	"github.com/xaionaro-go/screenrec/encoder"
	"github.com/xaionaro-go/screenrec/region"
	"github.com/xaionaro-go/screenrec/types"
)

// SoftwareEncoder encodes shared memory frames on the CPU: the pixels
// are made upright, converted with swscale and encoded with a libav
// software encoder.
type SoftwareEncoder struct {
	params      encoder.Params
	encoderName string
	codec       *codec
	upright     types.Size
	scratch     []byte
	flipped     []byte
	source      *astiav.Frame
	converted   *astiav.Frame
	scaler      *astiav.SoftwareScaleContext
	outFormat   astiav.PixelFormat
	closer      astikit.Closer
}

var _ encoder.Backend = (*SoftwareEncoder)(nil)

func NewSoftwareEncoder(
	ctx context.Context,
	params encoder.Params,
	globalHeader bool,
) (_ret *SoftwareEncoder, _err error) {
	logger.Debugf(ctx, "NewSoftwareEncoder(%s)", params)
	defer func() { logger.Debugf(ctx, "/NewSoftwareEncoder(%s): %v", params, _err) }()

	encoderName, err := VideoEncoderName(params.Codec, encoder.VariantSoftware, params.EncoderName)
	if err != nil {
		return nil, err
	}
	inFormat, err := pixelFormat(params.Input.Fourcc)
	if err != nil {
		return nil, err
	}
	if params.Input.Fourcc.BytesPerPixel() != 4 {
		return nil, fmt.Errorf("format %s is not a packed 32-bit format", params.Input.Fourcc)
	}

	e := &SoftwareEncoder{
		params:      params,
		encoderName: encoderName,
		outFormat:   astiav.PixelFormatYuv420P,
	}
	if encodePixelFormatName(params) == "p010" {
		e.outFormat = astiav.PixelFormatYuv420P10Le
	}
	defer func() {
		if _err != nil {
			_ = e.Close()
		}
	}()

	e.upright = region.TransposeIfTransposed(
		types.Size{W: params.Input.Width, H: params.Input.Height},
		params.Transform,
	)
	e.scratch = make([]byte, int(e.upright.W)*int(e.upright.H)*4)

	e.source = astiav.AllocFrame()
	e.closer.Add(e.source.Free)
	e.source.SetWidth(int(e.upright.W))
	e.source.SetHeight(int(e.upright.H))
	e.source.SetPixelFormat(inFormat)
	if err := e.source.AllocBuffer(1); err != nil {
		return nil, fmt.Errorf("unable to allocate the source frame: %w", err)
	}

	e.converted = astiav.AllocFrame()
	e.closer.Add(e.converted.Free)

	e.scaler, err = astiav.CreateSoftwareScaleContext(
		int(e.upright.W), int(e.upright.H), inFormat,
		int(params.OutputSize.W), int(params.OutputSize.H), e.outFormat,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create the scaler: %w", err)
	}
	e.closer.Add(e.scaler.Free)

	e.codec, err = newCodec(ctx, encoderName, videoOptions(params, false), func(cc *astiav.CodecContext) error {
		configureVideo(cc, params, globalHeader)
		cc.SetPixelFormat(e.outFormat)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.closer.Add(func() { _ = e.codec.Close() })
	return e, nil
}

func (e *SoftwareEncoder) Variant() encoder.Variant {
	return encoder.VariantSoftware
}

func (e *SoftwareEncoder) StreamInfo() types.StreamInfo {
	return types.StreamInfo{
		Tag:        types.StreamTagVideo,
		Codec:      e.encoderName,
		Width:      e.params.OutputSize.W,
		Height:     e.params.OutputSize.H,
		Configurer: e.codec.CodecContext(),
	}
}

func (e *SoftwareEncoder) Encode(
	ctx context.Context,
	frame *capture.Frame,
	pts int64,
) ([]types.EncodedPacket, error) {
	buf, ok := frame.Buffer.(bufferpool.CPUBuffer)
	if !ok {
		return nil, fmt.Errorf("%T is not a shared memory buffer", frame.Buffer)
	}
	desc := frame.Descriptor
	if !desc.SameFormat(e.params.Input) {
		return nil, fmt.Errorf("the frame is %s, but the encoder was set up for %s", desc, e.params.Input)
	}
	if len(desc.Planes) != 1 {
		return nil, fmt.Errorf("expected a single plane, got %d", len(desc.Planes))
	}

	src := buf.Bytes()[desc.Planes[0].Offset:]
	stride := int(desc.Planes[0].Stride)
	if frame.YInvert {
		src, stride = e.flipRows(src, stride, int(desc.Width), int(desc.Height))
	}
	_, err := encoder.UprightPacked32(
		e.scratch, int(e.upright.W)*4,
		src, stride,
		int(desc.Width), int(desc.Height),
		frame.Transform,
	)
	if err != nil {
		return nil, err
	}

	if err := e.source.MakeWritable(); err != nil {
		return nil, fmt.Errorf("unable to make the source frame writable: %w", err)
	}
	if err := e.source.Data().SetBytes(e.scratch, 1); err != nil {
		return nil, fmt.Errorf("unable to fill the source frame: %w", err)
	}

	e.converted.Unref()
	e.converted.SetWidth(int(e.params.OutputSize.W))
	e.converted.SetHeight(int(e.params.OutputSize.H))
	e.converted.SetPixelFormat(e.outFormat)
	if err := e.scaler.ScaleFrame(e.source, e.converted); err != nil {
		return nil, fmt.Errorf("unable to convert the frame: %w", err)
	}
	e.converted.SetPts(pts)
	if err := e.codec.send(e.converted); err != nil {
		return nil, err
	}
	return e.codec.receive(ctx, types.StreamTagVideo, identity)
}

// flipRows returns the image with the rows in the reverse order.
func (e *SoftwareEncoder) flipRows(src []byte, stride, w, h int) ([]byte, int) {
	rowSize := w * 4
	if len(e.flipped) < rowSize*h {
		e.flipped = make([]byte, rowSize*h)
	}
	for y := 0; y < h; y++ {
		copy(e.flipped[y*rowSize:(y+1)*rowSize], src[(h-1-y)*stride:])
	}
	return e.flipped, rowSize
}

func (e *SoftwareEncoder) Drain(ctx context.Context) ([]types.EncodedPacket, error) {
	return e.codec.receive(ctx, types.StreamTagVideo, identity)
}

func (e *SoftwareEncoder) Flush(ctx context.Context) ([]types.EncodedPacket, error) {
	return e.codec.flush(ctx, types.StreamTagVideo, identity)
}

func (e *SoftwareEncoder) Pending() int {
	return e.codec.pending
}

func (e *SoftwareEncoder) Close() error {
	return e.closer.Close()
}

func newSoftwareBackend(
	ctx context.Context,
	params encoder.Params,
	globalHeader bool,
) (encoder.Backend, error) {
	e, err := NewSoftwareEncoder(ctx, params, globalHeader)
	if err != nil {
		return nil, err
	}
	return e, nil
}
