package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/libav"
)

func TestLoadOptionsFlags(t *testing.T) {
	opts, err := loadOptions([]string{
		"-f", "/tmp/rec.mkv",
		"--output", "DP-1",
		"--codec", "hevc",
		"--bitrate", "8000000",
		"--encode-resolution", "1280x720",
		"--no-cursor",
		"--history", "30s",
		"--ffmpeg-encoder-options", "preset=fast",
		"--ffmpeg-encoder-options", "tune=zerolatency",
		"--log-level", "debug",
	})
	require.NoError(t, err)

	cfg := opts.Config
	require.Equal(t, "/tmp/rec.mkv", cfg.Output.Path)
	require.Equal(t, "DP-1", cfg.Capture.OutputName)
	require.Equal(t, screenrec.VideoCodecHEVC, cfg.Video.Codec)
	q := screenrec.VideoQualityConstantBitrate(8_000_000)
	require.Equal(t, &q, cfg.Video.Quality)
	require.EqualValues(t, 1280, cfg.Video.EncodeWidth)
	require.EqualValues(t, 720, cfg.Video.EncodeHeight)
	require.False(t, cfg.Capture.OverlayCursor)
	require.True(t, cfg.Capture.Dedup)
	require.Equal(t, 30*time.Second, cfg.History.Window)
	require.Equal(t, logger.LevelDebug, opts.LogLevel)
	require.Equal(t, screenrec.CustomOptions{libav.DictionaryItems{
		{Key: "preset", Value: "fast"},
		{Key: "tune", Value: "zerolatency"},
	}}, cfg.Video.CustomOptions)
}

func TestLoadOptionsPrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "screenrec.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
output:
  path: /tmp/from-file.mp4
capture:
  max_fps: 30
video:
  codec: av1
  gop_size: 240
`), 0o644))

	t.Setenv("SCREENREC_CONFIG", configPath)
	t.Setenv("SCREENREC_MAX_FPS", "24")
	t.Setenv("SCREENREC_GOP_SIZE", "60")

	opts, err := loadOptions([]string{"--gop-size", "90"})
	require.NoError(t, err)
	require.Equal(t, configPath, opts.ConfigPath)
	require.Equal(t, "/tmp/from-file.mp4", opts.Config.Output.Path)
	require.Equal(t, screenrec.VideoCodecAV1, opts.Config.Video.Codec)
	require.Equal(t, 24.0, opts.Config.Capture.MaxFPS)
	require.Equal(t, 90, opts.Config.Video.GOPSize)
}

func TestLoadOptionsErrors(t *testing.T) {
	_, err := loadOptions([]string{"--bitrate", "1000", "--quality", "20"})
	require.Error(t, err)

	_, err = loadOptions([]string{"--encode-resolution", "1280"})
	require.Error(t, err)

	_, err = loadOptions([]string{"--output", "DP-1", "--geometry", "0,0 100x100"})
	require.Error(t, err)

	_, err = loadOptions([]string{"extra"})
	require.Error(t, err)

	_, err = loadOptions([]string{"--ffmpeg-encoder-options", "novalue"})
	require.Error(t, err)
}

func TestParseResolution(t *testing.T) {
	w, h, err := parseResolution("1920X1080")
	require.NoError(t, err)
	require.EqualValues(t, 1920, w)
	require.EqualValues(t, 1080, h)

	_, _, err = parseResolution("1921x1080")
	require.Error(t, err)
	_, _, err = parseResolution("0x0")
	require.Error(t, err)
}
