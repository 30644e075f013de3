//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/audio"
	"github.com/xaionaro-go/screenrec/types"
)

const defaultAudioFrameSize = 1024

// AudioEncoder resamples the captured frames into the encoder format
// and cuts them into the encoder frame size through a FIFO.
type AudioEncoder struct {
	encoderName  string
	codec        *codec
	sampleRate   int
	channels     int
	sampleFormat astiav.SampleFormat
	layout       astiav.ChannelLayout
	frameSize    int
	resampler    *astiav.SoftwareResampleContext
	resampled    *astiav.Frame
	fifo         *astiav.AudioFifo
	encodeFrame  *astiav.Frame
	anchored     bool
	nextPTS      int64
	closer       astikit.Closer
}

var _ audio.Encoder = (*AudioEncoder)(nil)

func NewAudioEncoder(
	ctx context.Context,
	cfg screenrec.EncodeAudioConfig,
	input audio.Format,
	globalHeader bool,
) (_ret *AudioEncoder, _err error) {
	logger.Debugf(ctx, "NewAudioEncoder(%s)", input)
	defer func() { logger.Debugf(ctx, "/NewAudioEncoder(%s): %v", input, _err) }()

	encoderName, err := AudioEncoderName(cfg.Codec, cfg.EncoderName)
	if err != nil {
		return nil, err
	}

	e := &AudioEncoder{
		encoderName:  encoderName,
		sampleRate:   audioSampleRate(encoderName, input.SampleRate),
		channels:     min(max(input.Channels, 1), 2),
		sampleFormat: audioSampleFormat(encoderName),
	}
	e.layout = astiav.ChannelLayoutStereo
	if e.channels == 1 {
		e.layout = astiav.ChannelLayoutMono
	}
	defer func() {
		if _err != nil {
			_ = e.Close()
		}
	}()

	options := dictionaryItems(cfg.CustomOptions)
	e.codec, err = newCodec(ctx, encoderName, options, func(cc *astiav.CodecContext) error {
		cc.SetSampleRate(e.sampleRate)
		cc.SetSampleFormat(e.sampleFormat)
		cc.SetChannelLayout(e.layout)
		cc.SetTimeBase(astiav.NewRational(1, e.sampleRate))
		if q, ok := cfg.Quality.(*screenrec.AudioQualityConstantBitrate); ok {
			cc.SetBitRate(int64(*q))
		}
		if globalHeader {
			cc.SetFlags(cc.Flags().Add(astiav.CodecContextFlagGlobalHeader))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.closer.Add(func() { _ = e.codec.Close() })

	e.frameSize = e.codec.CodecContext().FrameSize()
	if e.frameSize <= 0 {
		e.frameSize = defaultAudioFrameSize
	}

	e.resampler = astiav.AllocSoftwareResampleContext()
	if e.resampler == nil {
		return nil, fmt.Errorf("unable to allocate the resampler")
	}
	e.closer.Add(e.resampler.Free)

	e.resampled = astiav.AllocFrame()
	e.closer.Add(e.resampled.Free)

	e.fifo = astiav.AllocAudioFifo(e.sampleFormat, e.channels, e.frameSize)
	if e.fifo == nil {
		return nil, fmt.Errorf("unable to allocate the audio FIFO")
	}
	e.closer.Add(e.fifo.Free)

	e.encodeFrame = astiav.AllocFrame()
	e.closer.Add(e.encodeFrame.Free)
	return e, nil
}

// audioSampleFormat returns a sample format the encoder accepts.
func audioSampleFormat(encoderName string) astiav.SampleFormat {
	switch encoderName {
	case "flac":
		return astiav.SampleFormatS16
	case "libopus":
		return astiav.SampleFormatFlt
	}
	return astiav.SampleFormatFltp
}

func (e *AudioEncoder) StreamInfo() types.StreamInfo {
	return types.StreamInfo{
		Tag:        types.StreamTagAudio,
		Codec:      e.encoderName,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
		Configurer: e.codec.CodecContext(),
	}
}

func (e *AudioEncoder) rescale(ts int64) int64 {
	return astiav.RescaleQ(ts, astiav.NewRational(1, e.sampleRate), timeBase)
}

// Encode takes the ownership of the frame in chunk.Data. Only the pts of
// the first chunk matters, after that the timestamps follow the sample count.
func (e *AudioEncoder) Encode(
	ctx context.Context,
	chunk audio.Chunk,
	pts int64,
) ([]types.EncodedPacket, error) {
	frame, ok := chunk.Data.(*astiav.Frame)
	if !ok {
		return nil, fmt.Errorf("expected an *astiav.Frame, got %T", chunk.Data)
	}
	defer frame.Free()

	if !e.anchored {
		e.nextPTS = astiav.RescaleQ(pts, timeBase, astiav.NewRational(1, e.sampleRate))
		e.anchored = true
	}

	e.resampled.Unref()
	e.resampled.SetChannelLayout(e.layout)
	e.resampled.SetSampleFormat(e.sampleFormat)
	e.resampled.SetSampleRate(e.sampleRate)
	if err := e.resampler.ConvertFrame(frame, e.resampled); err != nil {
		return nil, fmt.Errorf("unable to resample the audio: %w", err)
	}
	if _, err := e.fifo.Write(e.resampled); err != nil {
		return nil, fmt.Errorf("unable to queue the samples: %w", err)
	}
	return e.encodeFIFO(ctx, false)
}

// encodeFIFO encodes every full frame queued, and the partial tail if final.
func (e *AudioEncoder) encodeFIFO(
	ctx context.Context,
	final bool,
) ([]types.EncodedPacket, error) {
	var result []types.EncodedPacket
	for e.fifo.Size() >= e.frameSize || (final && e.fifo.Size() > 0) {
		nbSamples := min(e.fifo.Size(), e.frameSize)
		e.encodeFrame.Unref()
		e.encodeFrame.SetNbSamples(nbSamples)
		e.encodeFrame.SetChannelLayout(e.layout)
		e.encodeFrame.SetSampleFormat(e.sampleFormat)
		e.encodeFrame.SetSampleRate(e.sampleRate)
		if err := e.encodeFrame.AllocBuffer(0); err != nil {
			return result, fmt.Errorf("unable to allocate an audio frame: %w", err)
		}
		n, err := e.fifo.Read(e.encodeFrame)
		if err != nil {
			return result, fmt.Errorf("unable to read the queued samples: %w", err)
		}
		e.encodeFrame.SetNbSamples(n)
		e.encodeFrame.SetPts(e.nextPTS)
		e.nextPTS += int64(n)

		if err := e.codec.send(e.encodeFrame); err != nil {
			return result, err
		}
		pkts, err := e.codec.receive(ctx, types.StreamTagAudio, e.rescale)
		result = append(result, pkts...)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *AudioEncoder) Flush(ctx context.Context) ([]types.EncodedPacket, error) {
	result, err := e.encodeFIFO(ctx, true)
	if err != nil {
		return result, err
	}
	pkts, err := e.codec.flush(ctx, types.StreamTagAudio, e.rescale)
	return append(result, pkts...), err
}

func (e *AudioEncoder) Close() error {
	return e.closer.Close()
}
