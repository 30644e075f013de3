//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screenrec/types"
)

var timeBase = astiav.NewRational(1, int(types.TimeBase))

// codec is an opened encoder context plus everything it depends on.
type codec struct {
	codec        *astiav.Codec
	codecContext *astiav.CodecContext
	packet       *astiav.Packet
	pending      int
	closer       astikit.Closer
}

func (c *codec) CodecContext() *astiav.CodecContext {
	return c.codecContext
}

func (c *codec) Close() error {
	return c.closer.Close()
}

// newCodec finds the encoder by name and lets configure set up the
// context before it is opened with the options.
func newCodec(
	ctx context.Context,
	encoderName string,
	options DictionaryItems,
	configure func(*astiav.CodecContext) error,
) (_ret *codec, _err error) {
	logger.Debugf(ctx, "newCodec('%s')", encoderName)
	defer func() { logger.Debugf(ctx, "/newCodec('%s'): %v", encoderName, _err) }()

	c := &codec{}
	defer func() {
		if _err != nil {
			_ = c.Close()
		}
	}()

	c.codec = astiav.FindEncoderByName(encoderName)
	if c.codec == nil {
		return nil, fmt.Errorf("unable to find the encoder '%s'", encoderName)
	}

	c.codecContext = astiav.AllocCodecContext(c.codec)
	if c.codecContext == nil {
		return nil, fmt.Errorf("unable to allocate the codec context")
	}
	c.closer.Add(c.codecContext.Free)

	if err := configure(c.codecContext); err != nil {
		return nil, err
	}

	var dict *astiav.Dictionary
	if len(options) > 0 {
		dict = astiav.NewDictionary()
		defer dict.Free()
		for _, opt := range options {
			logger.Debugf(ctx, "codec option '%s' = '%s'", opt.Key, opt.Value)
			if err := dict.Set(opt.Key, opt.Value, 0); err != nil {
				return nil, fmt.Errorf("unable to set option '%s': %w", opt.Key, err)
			}
		}
	}

	if err := c.codecContext.Open(c.codec, dict); err != nil {
		return nil, fmt.Errorf("unable to open the codec context: %w", err)
	}

	c.packet = astiav.AllocPacket()
	c.closer.Add(c.packet.Free)
	return c, nil
}

// send submits a frame; nil starts draining the encoder.
func (c *codec) send(frame *astiav.Frame) error {
	if err := c.codecContext.SendFrame(frame); err != nil {
		return fmt.Errorf("unable to send a frame to the encoder: %w", err)
	}
	if frame != nil {
		c.pending++
	}
	return nil
}

// receive collects the packets the encoder has ready. rescale converts
// the encoder timestamps into types.TimeBase.
func (c *codec) receive(
	ctx context.Context,
	stream types.StreamTag,
	rescale func(int64) int64,
) ([]types.EncodedPacket, error) {
	var result []types.EncodedPacket
	for {
		err := c.codecContext.ReceivePacket(c.packet)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEagain), errors.Is(err, astiav.ErrEof):
			return result, nil
		default:
			return result, fmt.Errorf("unable to receive a packet from the encoder: %w", err)
		}

		payload := make([]byte, len(c.packet.Data()))
		copy(payload, c.packet.Data())
		pkt := types.EncodedPacket{
			Stream:   stream,
			Payload:  payload,
			PTS:      rescale(c.packet.Pts()),
			DTS:      rescale(c.packet.Dts()),
			Duration: rescale(c.packet.Duration()),
			Keyframe: c.packet.Flags().Has(astiav.PacketFlagKey),
		}
		c.packet.Unref()
		if c.pending > 0 {
			c.pending--
		}
		if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
			logger.Tracef(ctx, "encoded %s", &pkt)
		}
		result = append(result, pkt)
	}
}

// flush drains the encoder completely.
func (c *codec) flush(
	ctx context.Context,
	stream types.StreamTag,
	rescale func(int64) int64,
) ([]types.EncodedPacket, error) {
	if err := c.send(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return nil, err
	}
	pkts, err := c.receive(ctx, stream, rescale)
	c.pending = 0
	return pkts, err
}

func identity(ts int64) int64 {
	return ts
}

// pixelFormat returns the libav pixel format of a DRM fourcc (in memory
// byte order, e.g. XRGB8888 is B,G,R,X).
func pixelFormat(fourcc types.Fourcc) (astiav.PixelFormat, error) {
	switch fourcc {
	case types.FourccXRGB8888:
		return astiav.PixelFormatBgr0, nil
	case types.FourccARGB8888:
		return astiav.PixelFormatBgra, nil
	case types.FourccXBGR8888:
		return astiav.PixelFormatRgb0, nil
	case types.FourccABGR8888:
		return astiav.PixelFormatRgba, nil
	case types.FourccXRGB2101010:
		return astiav.PixelFormatX2Rgb10Le, nil
	case types.FourccXBGR2101010:
		return astiav.PixelFormatX2Bgr10Le, nil
	case types.FourccNV12:
		return astiav.PixelFormatNv12, nil
	}
	return astiav.PixelFormatNone, fmt.Errorf("format %s has no libav equivalent", fourcc)
}
