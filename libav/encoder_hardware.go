//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/capture"
	"github.com/xaionaro-go/screenrec/encoder"
	"github.com/xaionaro-go/screenrec/types"
)

// HardwareEncoder encodes VAAPI surfaces: the captured surface goes
// through transpose_vaapi/scale_vaapi straight into a *_vaapi encoder.
type HardwareEncoder struct {
	params      encoder.Params
	encoderName string
	codec       *codec
	filter      *filterGraph
	filtered    *astiav.Frame
	closer      astikit.Closer
}

var _ encoder.Backend = (*HardwareEncoder)(nil)

func NewHardwareEncoder(
	ctx context.Context,
	params encoder.Params,
	allocator *VAAPIAllocator,
	globalHeader bool,
) (_ret *HardwareEncoder, _err error) {
	logger.Debugf(ctx, "NewHardwareEncoder(%s)", params)
	defer func() { logger.Debugf(ctx, "/NewHardwareEncoder(%s): %v", params, _err) }()

	if allocator == nil {
		return nil, fmt.Errorf("no VAAPI device")
	}
	encoderName, err := VideoEncoderName(params.Codec, encoder.VariantHardware, params.EncoderName)
	if err != nil {
		return nil, err
	}

	e := &HardwareEncoder{params: params, encoderName: encoderName}
	defer func() {
		if _err != nil {
			_ = e.Close()
		}
	}()

	swFormat := astiav.PixelFormatNv12
	if encodePixelFormatName(params) == "p010" {
		swFormat = astiav.PixelFormatP010Le
	}
	framesContext := astiav.AllocHardwareFramesContext(allocator.Device())
	if framesContext == nil {
		return nil, fmt.Errorf("unable to allocate the encoder frames context")
	}
	e.closer.Add(framesContext.Free)
	framesContext.SetHardwarePixelFormat(astiav.PixelFormatVaapi)
	framesContext.SetSoftwarePixelFormat(swFormat)
	framesContext.SetWidth(int(params.OutputSize.W))
	framesContext.SetHeight(int(params.OutputSize.H))
	if err := framesContext.Initialize(); err != nil {
		return nil, fmt.Errorf("unable to initialize the encoder frames context: %w", err)
	}

	options := videoOptions(params, true)
	e.codec, err = newCodec(ctx, encoderName, options, func(cc *astiav.CodecContext) error {
		configureVideo(cc, params, globalHeader)
		cc.SetPixelFormat(astiav.PixelFormatVaapi)
		cc.SetHardwareDeviceContext(allocator.Device())
		cc.SetHardwareFramesContext(framesContext)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.closer.Add(func() { _ = e.codec.Close() })

	e.filtered = astiav.AllocFrame()
	e.closer.Add(e.filtered.Free)
	return e, nil
}

// configureVideo sets the parameters shared by both backends.
func configureVideo(cc *astiav.CodecContext, params encoder.Params, globalHeader bool) {
	cc.SetWidth(int(params.OutputSize.W))
	cc.SetHeight(int(params.OutputSize.H))
	cc.SetTimeBase(timeBase)
	cc.SetSampleAspectRatio(astiav.NewRational(1, 1))
	if params.FrameInterval > 0 {
		cc.SetFramerate(astiav.NewRational(int(time.Second/params.FrameInterval), 1))
	}
	if params.GOPSize > 0 {
		cc.SetGopSize(params.GOPSize)
	}
	if q, ok := params.Quality.(*screenrec.VideoQualityConstantBitrate); ok {
		cc.SetBitRate(int64(*q))
	}
	if globalHeader {
		cc.SetFlags(cc.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}
}

func videoOptions(params encoder.Params, hardware bool) DictionaryItems {
	var options DictionaryItems
	switch q := params.Quality.(type) {
	case *screenrec.VideoQualityConstantBitrate:
		if hardware {
			options = append(options, DictionaryItem{Key: "rc_mode", Value: "CBR"})
		}
	case *screenrec.VideoQualityConstantQuality:
		if hardware {
			options = append(options,
				DictionaryItem{Key: "rc_mode", Value: "CQP"},
				DictionaryItem{Key: "qp", Value: strconv.Itoa(int(*q))},
			)
		} else {
			options = append(options, DictionaryItem{Key: "crf", Value: strconv.Itoa(int(*q))})
		}
	}
	if hardware && params.LowPower {
		options = append(options, DictionaryItem{Key: "low_power", Value: "1"})
	}
	return append(options, dictionaryItems(params.CustomOptions)...)
}

func (e *HardwareEncoder) Variant() encoder.Variant {
	return encoder.VariantHardware
}

func (e *HardwareEncoder) StreamInfo() types.StreamInfo {
	return types.StreamInfo{
		Tag:        types.StreamTagVideo,
		Codec:      e.encoderName,
		Width:      e.params.OutputSize.W,
		Height:     e.params.OutputSize.H,
		Configurer: e.codec.CodecContext(),
	}
}

func (e *HardwareEncoder) Encode(
	ctx context.Context,
	frame *capture.Frame,
	pts int64,
) ([]types.EncodedPacket, error) {
	buf, ok := frame.Buffer.(HardwareBuffer)
	if !ok {
		return nil, fmt.Errorf("%T is not a VAAPI surface", frame.Buffer)
	}
	if err := e.ensureFilter(ctx, buf, frame.YInvert); err != nil {
		return nil, err
	}

	src := buf.HardwareFrame()
	src.SetPts(pts)
	err := e.filter.Filter(src, e.filtered, func(f *astiav.Frame) error {
		return e.codec.send(f)
	})
	if err != nil {
		return nil, err
	}
	return e.codec.receive(ctx, types.StreamTagVideo, identity)
}

func (e *HardwareEncoder) ensureFilter(
	ctx context.Context,
	buf HardwareBuffer,
	yInvert bool,
) error {
	desc := buf.Descriptor()
	input := filterInput{
		Width:         int(desc.Width),
		Height:        int(desc.Height),
		PixelFormat:   astiav.PixelFormatVaapi,
		FramesContext: buf.HardwareFramesContext(),
	}
	description := hardwareFilters(e.params, yInvert)
	if e.filter != nil && e.filter.Matches(description, input) {
		return nil
	}
	if e.filter != nil {
		logger.Debugf(ctx, "rebuilding the filter graph")
		if err := e.filter.Close(); err != nil {
			logger.Warnf(ctx, "unable to close the previous filter graph: %v", err)
		}
		e.filter = nil
	}
	g, err := newFilterGraph(ctx, description, input)
	if err != nil {
		return err
	}
	e.filter = g
	return nil
}

func (e *HardwareEncoder) Drain(ctx context.Context) ([]types.EncodedPacket, error) {
	return e.codec.receive(ctx, types.StreamTagVideo, identity)
}

func (e *HardwareEncoder) Flush(ctx context.Context) ([]types.EncodedPacket, error) {
	return e.codec.flush(ctx, types.StreamTagVideo, identity)
}

func (e *HardwareEncoder) Pending() int {
	return e.codec.pending
}

func (e *HardwareEncoder) Close() error {
	var mErr *multierror.Error
	if e.filter != nil {
		if err := e.filter.Close(); err != nil {
			mErr = multierror.Append(mErr, err)
		}
		e.filter = nil
	}
	if err := e.closer.Close(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	return mErr.ErrorOrNil()
}

func newHardwareBackend(
	ctx context.Context,
	params encoder.Params,
	allocator *VAAPIAllocator,
	globalHeader bool,
) (encoder.Backend, error) {
	e, err := NewHardwareEncoder(ctx, params, allocator, globalHeader)
	if err != nil {
		return nil, err
	}
	return e, nil
}
