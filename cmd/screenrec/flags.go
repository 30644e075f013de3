package main

import (
	"fmt"
	"strings"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/libav"
)

// options are the command line settings; Config is overlaid by the config
// file, then by SCREENREC_* environment variables, then by the flags.
type options struct {
	Config screenrec.Config

	ConfigPath         string
	LogLevel           logger.Level
	ControlListenAddr  string
	NetPprofListenAddr string

	NoDamage         bool
	NoCursor         bool
	EncodeResolution string
	VideoBitrate     uint
	VideoQuality     uint8
	AudioBitrate     uint
	EncoderOptions   []string
	OutputOptions    []string
}

func defaultOptions() options {
	return options{
		Config:   screenrec.DefaultConfig(),
		LogLevel: logger.LevelWarning,
	}
}

// newFlagSet binds the flags to o; the current values of o are the defaults.
func newFlagSet(o *options) *pflag.FlagSet {
	cfg := &o.Config
	fs := pflag.NewFlagSet("screenrec", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&o.ConfigPath, "config", o.ConfigPath, "path to a YAML/JSON/TOML config file")
	fs.Var(&o.LogLevel, "log-level", "log level")

	fs.StringVarP(&cfg.Output.Path, "filename", "f", cfg.Output.Path, "the output file, the container format is guessed from its extension")
	fs.StringVar(&cfg.Output.Format, "output-format", cfg.Output.Format, "force the container format (e.g. 'matroska')")
	fs.StringArrayVar(&o.OutputOptions, "output-option", o.OutputOptions, "a muxer option in the 'key=value' form (repeatable)")

	fs.StringVarP(&cfg.Capture.OutputName, "output", "o", cfg.Capture.OutputName, "the name of the output to capture (e.g. 'DP-1')")
	fs.StringVarP(&cfg.Capture.Region, "geometry", "g", cfg.Capture.Region, "the region to capture in the 'x,y WxH' form (as printed by slurp)")
	fs.BoolVar(&o.NoDamage, "no-damage", o.NoDamage, "encode every captured frame, even if nothing changed on the screen")
	fs.BoolVar(&o.NoCursor, "no-cursor", o.NoCursor, "do not draw the cursor")
	fs.Float64Var(&cfg.Capture.MaxFPS, "max-fps", cfg.Capture.MaxFPS, "limit the frame rate (0 is unlimited)")
	fs.IntVar(&cfg.Capture.BufferPoolSize, "buffer-pool-size", cfg.Capture.BufferPoolSize, "the number of capture buffers")

	fs.Var(&cfg.Video.Codec, "codec", "the video codec: auto, avc, hevc, av1, vp8, vp9")
	fs.Var(&cfg.Video.Backend, "encoder-backend", "the video encoder backend: auto, hardware, software")
	fs.BoolVar(&cfg.Video.AllowSoftwareFallback, "allow-software-fallback", cfg.Video.AllowSoftwareFallback, "fall back to software encoding if the hardware encoder fails")
	fs.StringVar(&cfg.Video.EncoderName, "ffmpeg-encoder", cfg.Video.EncoderName, "force the FFmpeg encoder (e.g. 'hevc_vaapi')")
	fs.StringArrayVar(&o.EncoderOptions, "ffmpeg-encoder-options", o.EncoderOptions, "an encoder option in the 'key=value' form (repeatable)")
	fs.UintVar(&o.VideoBitrate, "bitrate", o.VideoBitrate, "the video bitrate in bits per second (constant bitrate)")
	fs.Uint8Var(&o.VideoQuality, "quality", o.VideoQuality, "the video quality (constant QP/CRF)")
	fs.IntVar(&cfg.Video.GOPSize, "gop-size", cfg.Video.GOPSize, "the maximal distance between keyframes")
	fs.Var(&cfg.Video.PixelFormat, "encode-pixfmt", "the encoded pixel format: auto, nv12, p010")
	fs.StringVar(&o.EncodeResolution, "encode-resolution", o.EncodeResolution, "scale the video to 'WxH'")
	fs.BoolVar(&cfg.Video.LowPower, "low-power", cfg.Video.LowPower, "use the low power mode of the VAAPI encoder")
	fs.StringVar(&cfg.Video.DRIDevice, "dri-device", cfg.Video.DRIDevice, "the DRM render node to encode on")

	fs.BoolVar(&cfg.Audio.Enable, "audio", cfg.Audio.Enable, "record audio")
	fs.StringVar(&cfg.Audio.Backend, "audio-backend", cfg.Audio.Backend, "the libavdevice input for the audio (e.g. 'pulse', 'alsa')")
	fs.StringVar(&cfg.Audio.Device, "audio-device", cfg.Audio.Device, "the audio device")
	fs.Var(&cfg.Audio.Encode.Codec, "audio-codec", "the audio codec: auto, aac, mp3, flac, opus, vorbis")
	fs.StringVar(&cfg.Audio.Encode.EncoderName, "audio-encoder", cfg.Audio.Encode.EncoderName, "force the FFmpeg audio encoder")
	fs.UintVar(&o.AudioBitrate, "audio-bitrate", o.AudioBitrate, "the audio bitrate in bits per second")

	fs.DurationVar(&cfg.History.Window, "history", cfg.History.Window, "keep this much of the recent history in memory and write only after a flush request (SIGUSR1)")

	fs.StringVar(&o.ControlListenAddr, "control-listen-addr", o.ControlListenAddr, "an address to serve the HTTP control endpoint on (e.g. '127.0.0.1:8765')")
	fs.StringVar(&o.NetPprofListenAddr, "net-pprof-listen-addr", o.NetPprofListenAddr, "an address to listen for incoming net/pprof connections")
	return fs
}

// apply folds the convenience flags into Config.
func (o *options) apply() error {
	cfg := &o.Config
	if o.NoDamage {
		cfg.Capture.Dedup = false
	}
	if o.NoCursor {
		cfg.Capture.OverlayCursor = false
	}

	switch {
	case o.VideoBitrate > 0 && o.VideoQuality > 0:
		return fmt.Errorf("--bitrate and --quality are mutually exclusive")
	case o.VideoBitrate > 0:
		q := screenrec.VideoQualityConstantBitrate(o.VideoBitrate)
		cfg.Video.Quality = &q
	case o.VideoQuality > 0:
		q := screenrec.VideoQualityConstantQuality(o.VideoQuality)
		cfg.Video.Quality = &q
	}
	if o.AudioBitrate > 0 {
		q := screenrec.AudioQualityConstantBitrate(o.AudioBitrate)
		cfg.Audio.Encode.Quality = &q
	}

	if o.EncodeResolution != "" {
		w, h, err := parseResolution(o.EncodeResolution)
		if err != nil {
			return err
		}
		cfg.Video.EncodeWidth, cfg.Video.EncodeHeight = w, h
	}

	encoderOptions, err := libav.ParseDictionaryItems(o.EncoderOptions)
	if err != nil {
		return fmt.Errorf("unable to parse the encoder options: %w", err)
	}
	if len(encoderOptions) > 0 {
		cfg.Video.CustomOptions = append(cfg.Video.CustomOptions, encoderOptions)
	}
	outputOptions, err := libav.ParseDictionaryItems(o.OutputOptions)
	if err != nil {
		return fmt.Errorf("unable to parse the output options: %w", err)
	}
	if len(outputOptions) > 0 {
		cfg.Output.CustomOptions = append(cfg.Output.CustomOptions, outputOptions)
	}

	if cfg.Video.GOPSize == 0 {
		cfg.Video.GOPSize = screenrec.DefaultGOPSize
	}
	if cfg.Video.DRIDevice == "" {
		cfg.Video.DRIDevice = screenrec.DefaultDRIDevice
	}
	return cfg.Validate()
}

func parseResolution(s string) (int32, int32, error) {
	var w, h int32
	if _, err := fmt.Sscanf(strings.ToLower(s), "%dx%d", &w, &h); err != nil {
		return 0, 0, fmt.Errorf("invalid resolution '%s', expected 'WxH': %w", s, err)
	}
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return 0, 0, fmt.Errorf("invalid resolution '%s', expected positive even dimensions", s)
	}
	return w, h, nil
}
