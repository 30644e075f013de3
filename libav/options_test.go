package libav

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/encoder"
	"github.com/xaionaro-go/screenrec/types"
)

func TestParseDictionaryItems(t *testing.T) {
	items, err := ParseDictionaryItems([]string{"preset=veryfast", "x264-params=keyint=60:min-keyint=60", "tune="})
	require.NoError(t, err)
	require.Equal(t, DictionaryItems{
		{Key: "preset", Value: "veryfast"},
		{Key: "x264-params", Value: "keyint=60:min-keyint=60"},
		{Key: "tune", Value: ""},
	}, items)

	_, err = ParseDictionaryItems([]string{"preset"})
	require.Error(t, err)
	_, err = ParseDictionaryItems([]string{"=value"})
	require.Error(t, err)
}

func TestDictionaryItemsFromCustomOptions(t *testing.T) {
	opts := screenrec.CustomOptions{
		DictionaryItem{Key: "a", Value: "1"},
		"ignored",
		DictionaryItems{{Key: "b", Value: "2"}, {Key: "c", Value: "3"}},
	}
	require.Equal(t, DictionaryItems{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
		{Key: "c", Value: "3"},
	}, dictionaryItems(opts))
}

func TestVideoEncoderName(t *testing.T) {
	for _, tc := range []struct {
		codec    screenrec.VideoCodec
		variant  encoder.Variant
		explicit string
		expected string
	}{
		{screenrec.VideoCodecUndefined, encoder.VariantHardware, "", "h264_vaapi"},
		{screenrec.VideoCodecH264, encoder.VariantSoftware, "", "libx264"},
		{screenrec.VideoCodecHEVC, encoder.VariantHardware, "", "hevc_vaapi"},
		{screenrec.VideoCodecHEVC, encoder.VariantSoftware, "", "libx265"},
		{screenrec.VideoCodecAV1, encoder.VariantHardware, "", "av1_vaapi"},
		{screenrec.VideoCodecAV1, encoder.VariantSoftware, "", "libsvtav1"},
		{screenrec.VideoCodecVP9, encoder.VariantSoftware, "", "libvpx-vp9"},
		{screenrec.VideoCodecH264, encoder.VariantHardware, "h264_qsv", "h264_qsv"},
	} {
		name, err := VideoEncoderName(tc.codec, tc.variant, tc.explicit)
		require.NoError(t, err)
		require.Equal(t, tc.expected, name, "%s/%s", &tc.codec, tc.variant)
	}

	_, err := VideoEncoderName(screenrec.EndOfVideoCodec, encoder.VariantHardware, "")
	require.Error(t, err)
}

func TestAudioEncoderName(t *testing.T) {
	name, err := AudioEncoderName(screenrec.AudioCodecUndefined, "")
	require.NoError(t, err)
	require.Equal(t, "aac", name)

	name, err = AudioEncoderName(screenrec.AudioCodecOpus, "")
	require.NoError(t, err)
	require.Equal(t, "libopus", name)
	require.Equal(t, 48000, audioSampleRate(name, 44100))
	require.Equal(t, 44100, audioSampleRate("aac", 44100))

	name, err = AudioEncoderName(screenrec.AudioCodecAAC, "libfdk_aac")
	require.NoError(t, err)
	require.Equal(t, "libfdk_aac", name)
}

func TestHardwareFilters(t *testing.T) {
	params := encoder.Params{
		Input:      types.BufferDescriptor{Fourcc: types.FourccXRGB8888, Width: 1920, Height: 1080},
		Transform:  types.Transform90,
		OutputSize: types.Size{W: 1080, H: 1920},
	}
	require.Equal(t,
		"transpose_vaapi=dir=clock,scale_vaapi=w=1080:h=1920:format=nv12",
		hardwareFilters(params, false),
	)

	params.Transform = types.TransformNormal
	params.Input.Fourcc = types.FourccXRGB2101010
	params.OutputSize = types.Size{W: 1280, H: 720}
	require.Equal(t,
		"transpose_vaapi=dir=vflip,scale_vaapi=w=1280:h=720:format=p010",
		hardwareFilters(params, true),
	)

	params.PixelFormat = screenrec.EncodePixelFormatNV12
	require.Equal(t, "scale_vaapi=w=1280:h=720:format=nv12", hardwareFilters(params, false))
}

func TestFactoryInvalidParams(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(nil, false)

	_, err := f.NewBackend(ctx, encoder.Params{Variant: encoder.VariantHardware})
	require.Error(t, err)

	_, err = f.NewBackend(ctx, encoder.Params{Variant: encoder.VariantUndefined})
	require.Error(t, err)
}
