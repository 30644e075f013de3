//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"fmt"
	"math"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/screenrec/muxer"
	"github.com/xaionaro-go/screenrec/types"
)

type outputStream struct {
	*astiav.Stream
	LastDTS int64
}

// Container writes the packets into a file through libavformat.
type Container struct {
	path          string
	streams       map[types.StreamTag]*outputStream
	packet        *astiav.Packet
	formatContext *astiav.FormatContext
	dictionary    *astiav.Dictionary
	finalized     bool
	closer        *astikit.Closer
}

var _ muxer.Container = (*Container)(nil)

func (o *Opener) OpenContainer(
	ctx context.Context,
	streams []types.StreamInfo,
) (muxer.Container, error) {
	c, err := NewContainer(ctx, o.Path, o.Format, o.Items, streams)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func NewContainer(
	ctx context.Context,
	path string,
	formatName string,
	options DictionaryItems,
	streams []types.StreamInfo,
) (_ret *Container, _err error) {
	logger.Debugf(ctx, "NewContainer('%s', '%s', %v)", path, formatName, streams)
	defer func() { logger.Debugf(ctx, "/NewContainer('%s'): %v", path, _err) }()

	if path == "" {
		return nil, fmt.Errorf("the output path is empty")
	}

	c := &Container{
		path:    path,
		streams: map[types.StreamTag]*outputStream{},
		closer:  astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			_ = c.closer.Close()
		}
	}()

	if len(options) > 0 {
		c.dictionary = astiav.NewDictionary()
		c.closer.Add(c.dictionary.Free)
		for _, opt := range options {
			if opt.Key == "f" {
				formatName = opt.Value
				continue
			}
			logger.Debugf(ctx, "output.Dictionary['%s'] = '%s'", opt.Key, opt.Value)
			if err := c.dictionary.Set(opt.Key, opt.Value, 0); err != nil {
				return nil, fmt.Errorf("unable to set option '%s': %w", opt.Key, err)
			}
		}
	}

	formatContext, err := astiav.AllocOutputFormatContext(nil, formatName, path)
	if err != nil {
		return nil, fmt.Errorf("unable to allocate the output format context for '%s': %w", path, err)
	}
	if formatContext == nil {
		return nil, fmt.Errorf("unable to allocate the output format context for '%s'", path)
	}
	c.formatContext = formatContext
	c.closer.Add(c.formatContext.Free)

	for _, info := range streams {
		if err := c.addStream(ctx, info); err != nil {
			return nil, fmt.Errorf("unable to add the %s stream: %w", info.Tag, err)
		}
	}

	if !c.formatContext.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		ioContext, err := astiav.OpenIOContext(
			path,
			astiav.NewIOContextFlags(astiav.IOContextFlagWrite),
			nil,
			c.dictionary,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to open '%s' for writing: %w", path, err)
		}
		c.closer.Add(func() {
			if err := ioContext.Close(); err != nil {
				logger.Errorf(ctx, "unable to close '%s': %v", path, err)
			}
		})
		c.formatContext.SetPb(ioContext)
	}

	if err := c.formatContext.WriteHeader(c.dictionary); err != nil {
		return nil, fmt.Errorf("unable to write the header: %w", err)
	}

	c.packet = astiav.AllocPacket()
	c.closer.Add(c.packet.Free)
	return c, nil
}

func (c *Container) addStream(
	ctx context.Context,
	info types.StreamInfo,
) error {
	codecContext, ok := info.Configurer.(*astiav.CodecContext)
	if !ok {
		return fmt.Errorf("expected a codec context, got %T", info.Configurer)
	}

	stream := c.formatContext.NewStream(nil)
	if stream == nil {
		return fmt.Errorf("unable to initialize an output stream")
	}
	if err := stream.CodecParameters().FromCodecContext(codecContext); err != nil {
		return fmt.Errorf("unable to copy the codec parameters: %w", err)
	}
	stream.SetTimeBase(codecContext.TimeBase())
	if info.Tag == types.StreamTagVideo {
		stream.SetAvgFrameRate(codecContext.Framerate())
		stream.SetSampleAspectRatio(codecContext.SampleAspectRatio())
	}
	if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
		logger.Tracef(
			ctx,
			"resulting output stream: %s: %s: %s: %s",
			stream.CodecParameters().MediaType(),
			stream.CodecParameters().CodecID(),
			stream.TimeBase(),
			spew.Sdump(stream.CodecParameters()),
		)
	}
	c.streams[info.Tag] = &outputStream{
		Stream:  stream,
		LastDTS: math.MinInt64,
	}
	return nil
}

func (c *Container) WritePacket(
	ctx context.Context,
	pkt types.EncodedPacket,
) (_err error) {
	if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
		logger.Tracef(ctx, "WritePacket(%s)", &pkt)
		defer func() { logger.Tracef(ctx, "/WritePacket(%s): %v", &pkt, _err) }()
	}

	stream := c.streams[pkt.Stream]
	if stream == nil {
		return fmt.Errorf("there is no %s stream in the container", pkt.Stream)
	}
	if c.finalized {
		return fmt.Errorf("the container is already finalized")
	}

	// the muxer (re)writes the timestamps in the stream time base chosen
	// by WriteHeader
	dts := astiav.RescaleQ(pkt.DTS, timeBase, stream.TimeBase())
	if dts <= stream.LastDTS {
		logger.Errorf(ctx, "received a DTS from the past, ignoring the packet: %d <= %d", dts, stream.LastDTS)
		return nil
	}

	if err := c.packet.FromData(pkt.Payload); err != nil {
		return fmt.Errorf("unable to fill the packet: %w", err)
	}
	defer c.packet.Unref()
	c.packet.SetStreamIndex(stream.Index())
	c.packet.SetPts(astiav.RescaleQ(pkt.PTS, timeBase, stream.TimeBase()))
	c.packet.SetDts(dts)
	c.packet.SetDuration(astiav.RescaleQ(pkt.Duration, timeBase, stream.TimeBase()))
	if pkt.Keyframe {
		c.packet.SetFlags(c.packet.Flags().Add(astiav.PacketFlagKey))
	}

	if err := c.formatContext.WriteInterleavedFrame(c.packet); err != nil {
		return fmt.Errorf("unable to write the frame: %w", err)
	}
	stream.LastDTS = dts
	return nil
}

// Finalize writes the trailer and closes the file.
func (c *Container) Finalize(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Finalize('%s')", c.path)
	defer func() { logger.Debugf(ctx, "/Finalize('%s'): %v", c.path, _err) }()

	if c.finalized {
		return nil
	}
	c.finalized = true

	var mErr *multierror.Error
	if err := c.formatContext.WriteTrailer(); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to write the trailer: %w", err))
	}
	if err := c.closer.Close(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	return mErr.ErrorOrNil()
}

// NeedsGlobalHeader reports if the container format for path wants the
// codec headers out of band, which the encoders must know before opening.
func NeedsGlobalHeader(path, formatName string) (bool, error) {
	formatContext, err := astiav.AllocOutputFormatContext(nil, formatName, path)
	if err != nil {
		return false, fmt.Errorf("unable to guess the container format of '%s': %w", path, err)
	}
	if formatContext == nil {
		return false, fmt.Errorf("unable to guess the container format of '%s'", path)
	}
	defer formatContext.Free()
	return formatContext.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader), nil
}
