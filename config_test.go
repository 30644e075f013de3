package screenrec

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/require"
)

func TestConfigMarshalUnmarshal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.History.Window = 10 * time.Second
	cfg.Video.Codec = VideoCodecHEVC
	cfg.Video.Quality = ptr(VideoQualityConstantBitrate(4_000_000))
	cfg.Audio.Enable = true
	cfg.Audio.Encode = EncodeAudioConfig{
		Codec:   AudioCodecOpus,
		Quality: ptr(AudioQualityConstantBitrate(128_000)),
	}

	b, err := yaml.Marshal(&cfg)
	require.NoError(t, err)

	defer func() {
		r := recover()
		if r != nil {
			require.Nil(t, r, string(b))
		}
	}()

	var cfgDup Config
	err = yaml.Unmarshal(b, &cfgDup)
	require.NoError(t, err)

	require.Equal(t, cfg, cfgDup)
}

func TestEncodeVideoConfigUnmarshalJSON(t *testing.T) {
	var cfg EncodeVideoConfig
	err := json.Unmarshal([]byte(`{
		"codec": "h265",
		"quality": {"type": "constant_quality", "quality": 23},
		"gop_size": 60,
		"pixel_format": "p010"
	}`), &cfg)
	require.NoError(t, err)
	require.Equal(t, VideoCodecHEVC, cfg.Codec)
	require.Equal(t, ptr(VideoQualityConstantQuality(23)), cfg.Quality)
	require.Equal(t, 60, cfg.GOPSize)
	require.Equal(t, EncodePixelFormatP010, cfg.PixelFormat)

	err = json.Unmarshal([]byte(`{"quality": {"type": "unknown"}}`), &cfg)
	require.Error(t, err)
}

func TestCodecSet(t *testing.T) {
	var vc VideoCodec
	require.NoError(t, vc.Set("AVC"))
	require.Equal(t, VideoCodecH264, vc)
	require.Error(t, vc.Set("mpeg2"))

	var ac AudioCodec
	require.NoError(t, ac.Set("flac"))
	require.Equal(t, AudioCodecFLAC, ac)

	var b EncoderBackend
	require.NoError(t, b.Set("software"))
	require.Equal(t, EncoderBackendSoftware, b)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Capture.OutputName = "DP-1"
	cfg.Capture.Region = "0,0 128x128"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Video.EncodeWidth = 1280
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Capture.BufferPoolSize = 0
	require.Error(t, cfg.Validate())
}

func TestConfigUnmarshalYAMLNames(t *testing.T) {
	cfg := DefaultConfig()
	err := yaml.Unmarshal([]byte(`
output:
  path: /tmp/out.mkv
video:
  codec: hevc
  backend: software
  pixel_format: p010
  gop_size: 60
  quality:
    type: constant_quality
    quality: 23
audio:
  enable: true
  encode:
    codec: opus
history:
  window: 30s
`), &cfg)
	require.NoError(t, err)
	require.Equal(t, "/tmp/out.mkv", cfg.Output.Path)
	require.Equal(t, VideoCodecHEVC, cfg.Video.Codec)
	require.Equal(t, EncoderBackendSoftware, cfg.Video.Backend)
	require.Equal(t, EncodePixelFormatP010, cfg.Video.PixelFormat)
	require.Equal(t, 60, cfg.Video.GOPSize)
	require.Equal(t, ptr(VideoQualityConstantQuality(23)), cfg.Video.Quality)
	require.True(t, cfg.Audio.Enable)
	require.Equal(t, AudioCodecOpus, cfg.Audio.Encode.Codec)
	require.Equal(t, 30*time.Second, cfg.History.Window)
	require.Equal(t, DefaultBufferPoolSize, cfg.Capture.BufferPoolSize)
}

func TestGetCustomOption(t *testing.T) {
	type deviceOption string
	opts := CustomOptions{42, deviceOption("/dev/dri/renderD128"), deviceOption("/dev/dri/renderD129")}

	dev, ok := GetCustomOption[deviceOption](opts)
	require.True(t, ok)
	require.Equal(t, deviceOption("/dev/dri/renderD128"), dev)

	_, ok = GetCustomOption[float64](opts)
	require.False(t, ok)
}
