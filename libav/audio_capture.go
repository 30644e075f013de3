//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screenrec/audio"
)

// AudioCapture reads raw audio from a libavdevice input (e.g. "pulse").
type AudioCapture struct {
	formatContext *astiav.FormatContext
	interrupter   *astiav.IOInterrupter
	stream        *astiav.Stream
	decoder       *astiav.CodecContext
	packet        *astiav.Packet
	frame         *astiav.Frame
	closer        *astikit.Closer
}

var _ audio.Source = (*AudioCapture)(nil)

func NewAudioCapture(
	ctx context.Context,
	backend string,
	device string,
) (_ret *AudioCapture, _err error) {
	logger.Debugf(ctx, "NewAudioCapture('%s', '%s')", backend, device)
	defer func() { logger.Debugf(ctx, "/NewAudioCapture('%s', '%s'): %v", backend, device, _err) }()

	astiav.RegisterAllDevices()
	inputFormat := astiav.FindInputFormat(backend)
	if inputFormat == nil {
		return nil, fmt.Errorf("audio backend '%s' is not available", backend)
	}

	c := &AudioCapture{closer: astikit.NewCloser()}
	defer func() {
		if _err != nil {
			_ = c.Close()
		}
	}()

	c.formatContext = astiav.AllocFormatContext()
	if c.formatContext == nil {
		return nil, fmt.Errorf("unable to allocate a format context")
	}
	c.closer.Add(c.formatContext.Free)

	c.interrupter = astiav.NewIOInterrupter()
	c.formatContext.SetIOInterrupter(c.interrupter)

	if err := c.formatContext.OpenInput(device, inputFormat, nil); err != nil {
		return nil, fmt.Errorf("unable to open the audio device '%s' of '%s': %w", device, backend, err)
	}
	c.closer.Add(c.formatContext.CloseInput)

	if err := c.formatContext.FindStreamInfo(nil); err != nil {
		return nil, fmt.Errorf("unable to get the stream info: %w", err)
	}
	for _, stream := range c.formatContext.Streams() {
		if stream.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			c.stream = stream
			break
		}
	}
	if c.stream == nil {
		return nil, fmt.Errorf("the audio device '%s' has no audio stream", device)
	}

	decoder := astiav.FindDecoder(c.stream.CodecParameters().CodecID())
	if decoder == nil {
		return nil, fmt.Errorf("unable to find a decoder for %s", c.stream.CodecParameters().CodecID())
	}
	c.decoder = astiav.AllocCodecContext(decoder)
	if c.decoder == nil {
		return nil, fmt.Errorf("unable to allocate the decoder context")
	}
	c.closer.Add(c.decoder.Free)
	if err := c.stream.CodecParameters().ToCodecContext(c.decoder); err != nil {
		return nil, fmt.Errorf("unable to copy the codec parameters: %w", err)
	}
	if err := c.decoder.Open(decoder, nil); err != nil {
		return nil, fmt.Errorf("unable to open the decoder: %w", err)
	}

	c.packet = astiav.AllocPacket()
	c.closer.Add(c.packet.Free)
	c.frame = astiav.AllocFrame()
	c.closer.Add(c.frame.Free)

	logger.Infof(ctx, "capturing audio from '%s' (%s): %s", device, backend, c.Format())
	return c, nil
}

func (c *AudioCapture) Format() audio.Format {
	return audio.Format{
		SampleRate: c.decoder.SampleRate(),
		Channels:   c.decoder.ChannelLayout().Channels(),
	}
}

// ReadChunk returns a decoded frame in Chunk.Data; the receiver owns it
// and frees it with astiav.Frame.Free.
func (c *AudioCapture) ReadChunk(ctx context.Context) (audio.Chunk, error) {
	stop := context.AfterFunc(ctx, c.interrupter.Interrupt)
	defer stop()

	for {
		err := c.decoder.ReceiveFrame(c.frame)
		switch {
		case err == nil:
			frame := c.frame.Clone()
			c.frame.Unref()
			if frame == nil {
				return audio.Chunk{}, fmt.Errorf("unable to clone the audio frame")
			}
			return audio.Chunk{Samples: frame.NbSamples(), Data: frame}, nil
		case errors.Is(err, astiav.ErrEof):
			return audio.Chunk{}, io.EOF
		case !errors.Is(err, astiav.ErrEagain):
			return audio.Chunk{}, fmt.Errorf("unable to decode the audio: %w", err)
		}

		if err := c.readPacket(ctx); err != nil {
			return audio.Chunk{}, err
		}
	}
}

func (c *AudioCapture) readPacket(ctx context.Context) error {
	for {
		err := c.formatContext.ReadFrame(c.packet)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEof):
			return io.EOF
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("unable to read from the audio device: %w", err)
		}

		if c.packet.StreamIndex() != c.stream.Index() {
			c.packet.Unref()
			continue
		}
		err = c.decoder.SendPacket(c.packet)
		c.packet.Unref()
		if err != nil {
			return fmt.Errorf("unable to send the audio packet to the decoder: %w", err)
		}
		return nil
	}
}

func (c *AudioCapture) Close() error {
	return c.closer.Close()
}
