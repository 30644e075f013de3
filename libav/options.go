// Package libav binds the recorder to FFmpeg through astiav: VAAPI buffers
// shared with the compositor, the hardware and software video encoders,
// the audio capture and encoder, and the output container.
//
// Everything touching FFmpeg requires the "with_libav" build tag; without
// it the constructors return ErrNotCompiled.
package libav

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/encoder"
)

var ErrNotCompiled = errors.New("not compiled with libav support (build tag 'with_libav')")

// DictionaryItem is an FFmpeg option passed through CustomOptions.
type DictionaryItem struct {
	Key   string
	Value string
}

type DictionaryItems []DictionaryItem

// ParseDictionaryItems parses "key=value" pairs as given on the command line.
func ParseDictionaryItems(in []string) (DictionaryItems, error) {
	result := make(DictionaryItems, 0, len(in))
	for _, item := range in {
		key, value, ok := strings.Cut(item, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option '%s', expected 'key=value'", item)
		}
		result = append(result, DictionaryItem{Key: key, Value: value})
	}
	return result, nil
}

func dictionaryItems(opts screenrec.CustomOptions) DictionaryItems {
	var result DictionaryItems
	for _, opt := range opts {
		switch opt := opt.(type) {
		case DictionaryItem:
			result = append(result, opt)
		case DictionaryItems:
			result = append(result, opt...)
		}
	}
	return result
}

// VideoEncoderName returns the FFmpeg encoder for the codec and backend
// variant. An explicit name always wins.
func VideoEncoderName(
	codec screenrec.VideoCodec,
	variant encoder.Variant,
	explicit string,
) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	hardware := variant == encoder.VariantHardware
	switch codec {
	case screenrec.VideoCodecUndefined, screenrec.VideoCodecH264:
		if hardware {
			return "h264_vaapi", nil
		}
		return "libx264", nil
	case screenrec.VideoCodecHEVC:
		if hardware {
			return "hevc_vaapi", nil
		}
		return "libx265", nil
	case screenrec.VideoCodecAV1:
		if hardware {
			return "av1_vaapi", nil
		}
		return "libsvtav1", nil
	case screenrec.VideoCodecVP8:
		if hardware {
			return "vp8_vaapi", nil
		}
		return "libvpx", nil
	case screenrec.VideoCodecVP9:
		if hardware {
			return "vp9_vaapi", nil
		}
		return "libvpx-vp9", nil
	}
	return "", fmt.Errorf("unsupported video codec %s", &codec)
}

// AudioEncoderName returns the FFmpeg encoder for the audio codec.
func AudioEncoderName(codec screenrec.AudioCodec, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	switch codec {
	case screenrec.AudioCodecUndefined, screenrec.AudioCodecAAC:
		return "aac", nil
	case screenrec.AudioCodecMP3:
		return "libmp3lame", nil
	case screenrec.AudioCodecFLAC:
		return "flac", nil
	case screenrec.AudioCodecOpus:
		return "libopus", nil
	case screenrec.AudioCodecVorbis:
		return "libvorbis", nil
	}
	return "", fmt.Errorf("unsupported audio codec %s", &codec)
}

// audioSampleRate returns the rate the encoder runs at; opus only
// accepts a handful of rates, 48kHz being the natural one.
func audioSampleRate(encoderName string, inputRate int) int {
	switch encoderName {
	case "libopus", "opus":
		return 48000
	}
	return inputRate
}

// hardwareFilters returns the VAAPI filter chain making the captured
// surface upright, scaled and converted for the encoder.
func hardwareFilters(params encoder.Params, yInvert bool) string {
	var chain []string
	if yInvert {
		chain = append(chain, "transpose_vaapi=dir=vflip")
	}
	if dir, ok := encoder.TransposeDirection(params.Transform); ok {
		chain = append(chain, "transpose_vaapi=dir="+dir)
	}
	chain = append(chain, fmt.Sprintf(
		"scale_vaapi=w=%d:h=%d:format=%s",
		params.OutputSize.W, params.OutputSize.H, encodePixelFormatName(params),
	))
	return strings.Join(chain, ",")
}

func encodePixelFormatName(params encoder.Params) string {
	switch params.PixelFormat {
	case screenrec.EncodePixelFormatP010:
		return "p010"
	case screenrec.EncodePixelFormatNV12:
		return "nv12"
	}
	if params.Input.Fourcc.Is10Bit() {
		return "p010"
	}
	return "nv12"
}
