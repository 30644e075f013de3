package screenrec

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Output  OutputConfig      `json:"output,omitempty"  yaml:"output,omitempty"`
	Capture CaptureConfig     `json:"capture,omitempty" yaml:"capture,omitempty"`
	Video   EncodeVideoConfig `json:"video,omitempty"   yaml:"video,omitempty"`
	Audio   AudioConfig       `json:"audio,omitempty"   yaml:"audio,omitempty"`
	History HistoryConfig     `json:"history,omitempty" yaml:"history,omitempty"`
	Muxer   MuxerConfig       `json:"muxer,omitempty"   yaml:"muxer,omitempty"`
}

type OutputConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Format overrides the container format guessed from Path.
	Format        string        `json:"format,omitempty" yaml:"format,omitempty"`
	CustomOptions CustomOptions `json:"custom_options,omitempty" yaml:"custom_options,omitempty"`
}

type CaptureConfig struct {
	OutputName string `json:"output_name,omitempty" yaml:"output_name,omitempty"`

	// Region is in the "x,y WxH" format, in global compositor coordinates.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	Dedup         bool    `json:"dedup"           yaml:"dedup"`
	OverlayCursor bool    `json:"overlay_cursor"  yaml:"overlay_cursor"`
	MaxFPS        float64 `json:"max_fps,omitempty" yaml:"max_fps,omitempty"`

	BufferPoolSize        int `json:"buffer_pool_size,omitempty"        yaml:"buffer_pool_size,omitempty"`
	MaxCaptureRetries     int `json:"max_capture_retries,omitempty"     yaml:"max_capture_retries,omitempty"`
	MaxNegotiationRetries int `json:"max_negotiation_retries,omitempty" yaml:"max_negotiation_retries,omitempty"`

	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

type HistoryConfig struct {
	// Window is zero if the history mode is disabled.
	Window time.Duration `json:"window,omitempty" yaml:"window,omitempty"`
}

func (cfg HistoryConfig) IsEnabled() bool {
	return cfg.Window > 0
}

type MuxerConfig struct {
	ReorderWindow time.Duration `json:"reorder_window,omitempty" yaml:"reorder_window,omitempty"`
}

type AudioConfig struct {
	Enable  bool              `json:"enable"            yaml:"enable"`
	Backend string            `json:"backend,omitempty" yaml:"backend,omitempty"`
	Device  string            `json:"device,omitempty"  yaml:"device,omitempty"`
	Encode  EncodeAudioConfig `json:"encode,omitempty"  yaml:"encode,omitempty"`

	QueueSize int `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

type EncoderBackend uint

const (
	EncoderBackendUndefined = EncoderBackend(iota)
	EncoderBackendHardware
	EncoderBackendSoftware
	EndOfEncoderBackend
)

func (b *EncoderBackend) String() string {
	if b == nil {
		return "null"
	}

	switch *b {
	case EncoderBackendUndefined:
		return "auto"
	case EncoderBackendHardware:
		return "hardware"
	case EncoderBackendSoftware:
		return "software"
	}
	return fmt.Sprintf("unexpected_encoder_backend_%d", uint(*b))
}

func (b EncoderBackend) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

func (b *EncoderBackend) UnmarshalJSON(in []byte) error {
	if b == nil {
		return fmt.Errorf("EncoderBackend is nil")
	}
	return b.Set(strings.Trim(string(in), `"`))
}

// Set implements pflag.Value.
func (b *EncoderBackend) Set(s string) error {
	s = strings.ToLower(s)
	for cmp := EncoderBackendUndefined; cmp < EndOfEncoderBackend; cmp++ {
		if cmp.String() == s {
			*b = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the EncoderBackend: '%s'", s)
}

func (b *EncoderBackend) Type() string {
	return "encoder-backend"
}

func (b EncoderBackend) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *EncoderBackend) UnmarshalText(in []byte) error {
	return b.Set(string(in))
}

type EncodePixelFormat uint

const (
	EncodePixelFormatUndefined = EncodePixelFormat(iota)
	EncodePixelFormatNV12
	EncodePixelFormatP010
	EndOfEncodePixelFormat
)

func (f *EncodePixelFormat) String() string {
	if f == nil {
		return "null"
	}

	switch *f {
	case EncodePixelFormatUndefined:
		return "auto"
	case EncodePixelFormatNV12:
		return "nv12"
	case EncodePixelFormatP010:
		return "p010"
	}
	return fmt.Sprintf("unexpected_encode_pixel_format_%d", uint(*f))
}

func (f EncodePixelFormat) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

func (f *EncodePixelFormat) UnmarshalJSON(in []byte) error {
	if f == nil {
		return fmt.Errorf("EncodePixelFormat is nil")
	}
	return f.Set(strings.Trim(string(in), `"`))
}

// Set implements pflag.Value.
func (f *EncodePixelFormat) Set(s string) error {
	s = strings.ToLower(s)
	for cmp := EncodePixelFormatUndefined; cmp < EndOfEncodePixelFormat; cmp++ {
		if cmp.String() == s {
			*f = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the EncodePixelFormat: '%s'", s)
}

func (f *EncodePixelFormat) Type() string {
	return "pixel-format"
}

func (f EncodePixelFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *EncodePixelFormat) UnmarshalText(in []byte) error {
	return f.Set(string(in))
}

type EncodeVideoConfig struct {
	Codec         VideoCodec    `json:"codec,omitempty"   yaml:"codec,omitempty"`
	Quality       VideoQuality  `json:"quality,omitempty" yaml:"quality,omitempty"`
	CustomOptions CustomOptions `json:"custom_options,omitempty" yaml:"custom_options,omitempty"`

	// EncoderName forces a specific libav encoder (e.g. "hevc_vaapi").
	EncoderName string `json:"encoder_name,omitempty" yaml:"encoder_name,omitempty"`

	Backend               EncoderBackend    `json:"backend,omitempty"       yaml:"backend,omitempty"`
	AllowSoftwareFallback bool              `json:"allow_software_fallback" yaml:"allow_software_fallback"`
	GOPSize               int               `json:"gop_size,omitempty"      yaml:"gop_size,omitempty"`
	PixelFormat           EncodePixelFormat `json:"pixel_format,omitempty"  yaml:"pixel_format,omitempty"`
	LowPower              bool              `json:"low_power"               yaml:"low_power"`
	DRIDevice             string            `json:"dri_device,omitempty"    yaml:"dri_device,omitempty"`

	// EncodeWidth/EncodeHeight scale the captured region; zero keeps the captured size.
	EncodeWidth  int32 `json:"encode_width,omitempty"  yaml:"encode_width,omitempty"`
	EncodeHeight int32 `json:"encode_height,omitempty" yaml:"encode_height,omitempty"`
}

func (c *EncodeVideoConfig) UnmarshalJSON(b []byte) (_err error) {
	type plain EncodeVideoConfig
	aux := struct {
		*plain
		Quality videoQualitySerializable `json:"quality,omitempty"`
	}{
		plain: (*plain)(c),
	}
	err := json.Unmarshal(b, &aux)
	if err != nil {
		return fmt.Errorf("unable to un-JSON-ize: %w", err)
	}
	c.Quality = nil
	if aux.Quality != nil {
		c.Quality, err = aux.Quality.Convert()
		if err != nil {
			return fmt.Errorf("unable to convert the 'quality' field: %w", err)
		}
	}
	return nil
}

func (c *EncodeVideoConfig) UnmarshalYAML(b []byte) (_err error) {
	m := map[string]any{}
	err := yaml.Unmarshal(b, &m)
	if err != nil {
		return fmt.Errorf("unable to unmarshal EncodeVideoConfig bytes to a map: %w", err)
	}
	quality := m["quality"]
	delete(m, "quality")
	b, err = yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("unable to remarshal back to EncodeVideoConfig from the map: %w", err)
	}
	type plain EncodeVideoConfig
	var cpy plain
	err = yaml.Unmarshal(b, &cpy)
	if err != nil {
		return fmt.Errorf("unable to un-YAML-ize: %w", err)
	}
	*c = EncodeVideoConfig(cpy)
	if quality != nil {
		sb, err := yaml.Marshal(quality)
		if err != nil {
			return fmt.Errorf("unable to remarshal back to EncodeVideoConfig from the map: %w", err)
		}
		s := videoQualitySerializable{}
		err = yaml.Unmarshal(sb, &s)
		if err != nil {
			return fmt.Errorf("unable to un-YAML-ize the quality: %w", err)
		}
		c.Quality, err = s.Convert()
		if err != nil {
			return fmt.Errorf("unable to convert the 'quality' field: %w", err)
		}
	}
	return nil
}

func (c *EncodeVideoConfig) MarshalYAML() ([]byte, error) {
	cpy := *c
	if cpy.Quality != nil {
		cpy.Quality = cpy.Quality.serializable()
	}
	return yaml.Marshal(cpy)
}

type EncodeAudioConfig struct {
	Codec         AudioCodec    `json:"codec,omitempty"   yaml:"codec,omitempty"`
	Quality       AudioQuality  `json:"quality,omitempty" yaml:"quality,omitempty"`
	CustomOptions CustomOptions `json:"custom_options,omitempty" yaml:"custom_options,omitempty"`

	// EncoderName forces a specific libav encoder (e.g. "libfdk_aac").
	EncoderName string `json:"encoder_name,omitempty" yaml:"encoder_name,omitempty"`
}

func (c *EncodeAudioConfig) UnmarshalJSON(b []byte) (_err error) {
	type plain EncodeAudioConfig
	aux := struct {
		*plain
		Quality audioQualitySerializable `json:"quality,omitempty"`
	}{
		plain: (*plain)(c),
	}
	err := json.Unmarshal(b, &aux)
	if err != nil {
		return fmt.Errorf("unable to un-JSON-ize: %w", err)
	}
	c.Quality = nil
	if aux.Quality != nil {
		c.Quality, err = aux.Quality.Convert()
		if err != nil {
			return fmt.Errorf("unable to convert the 'quality' field: %w", err)
		}
	}
	return nil
}

func (c *EncodeAudioConfig) UnmarshalYAML(b []byte) (_err error) {
	m := map[string]any{}
	err := yaml.Unmarshal(b, &m)
	if err != nil {
		return fmt.Errorf("unable to unmarshal EncodeAudioConfig bytes to a map: %w", err)
	}
	quality := m["quality"]
	delete(m, "quality")
	b, err = yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("unable to remarshal back to EncodeAudioConfig from the map: %w", err)
	}
	type plain EncodeAudioConfig
	var cpy plain
	err = yaml.Unmarshal(b, &cpy)
	if err != nil {
		return fmt.Errorf("unable to un-YAML-ize: %w", err)
	}
	*c = EncodeAudioConfig(cpy)
	if quality != nil {
		sb, err := yaml.Marshal(quality)
		if err != nil {
			return fmt.Errorf("unable to remarshal back to EncodeAudioConfig from the map: %w", err)
		}
		s := audioQualitySerializable{}
		err = yaml.Unmarshal(sb, &s)
		if err != nil {
			return fmt.Errorf("unable to un-YAML-ize the quality: %w", err)
		}
		c.Quality, err = s.Convert()
		if err != nil {
			return fmt.Errorf("unable to convert the 'quality' field: %w", err)
		}
	}
	return nil
}

func (c *EncodeAudioConfig) MarshalYAML() ([]byte, error) {
	cpy := *c
	if cpy.Quality != nil {
		cpy.Quality = cpy.Quality.serializable()
	}
	return yaml.Marshal(cpy)
}

type AudioQuality interface {
	audioQuality()
	typeName() string
	serializable() audioQualitySerializable
	setValues(vq audioQualitySerializable) error
}

type AudioQualityConstantBitrate uint

func (AudioQualityConstantBitrate) typeName() string {
	return "constant_bitrate"
}

func (AudioQualityConstantBitrate) audioQuality() {}

func (aq AudioQualityConstantBitrate) serializable() audioQualitySerializable {
	return map[string]any{
		"type":    aq.typeName(),
		"bitrate": uint(aq),
	}
}

func (aq AudioQualityConstantBitrate) MarshalJSON() ([]byte, error) {
	return json.Marshal(aq.serializable())
}

func (aq AudioQualityConstantBitrate) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(aq.serializable())
}

func (aq *AudioQualityConstantBitrate) setValues(in audioQualitySerializable) error {
	bitrate, ok := numberValue(in["bitrate"])
	if !ok {
		return fmt.Errorf("have not found a numeric value using key 'bitrate' in %#+v, found %T, instead", in, in["bitrate"])
	}

	*aq = AudioQualityConstantBitrate(bitrate)
	return nil
}

type audioQualitySerializable map[string]any

func (audioQualitySerializable) audioQuality() {}

func (aq audioQualitySerializable) typeName() string {
	result, _ := aq["type"].(string)
	return result
}

func (aq audioQualitySerializable) serializable() audioQualitySerializable {
	return aq
}

func (aq audioQualitySerializable) setValues(in audioQualitySerializable) error {
	for k := range aq {
		delete(aq, k)
	}
	maps.Copy(aq, in)
	return nil
}

func (aq audioQualitySerializable) Convert() (AudioQuality, error) {
	typeName, ok := aq["type"].(string)
	if !ok {
		return nil, nil
	}

	var r AudioQuality
	for _, sample := range []AudioQuality{
		ptr(AudioQualityConstantBitrate(0)),
	} {
		if sample.typeName() == typeName {
			r = sample
			break
		}
	}
	if r == nil {
		return nil, fmt.Errorf("unknown type '%s'", typeName)
	}

	if err := r.setValues(aq); err != nil {
		return nil, fmt.Errorf("unable to convert the value (aq): %w", err)
	}
	return r, nil
}

type AudioCodec uint

const (
	AudioCodecUndefined = AudioCodec(iota)
	AudioCodecAAC
	AudioCodecMP3
	AudioCodecFLAC
	AudioCodecOpus
	AudioCodecVorbis
	EndOfAudioCodec
)

func (ac *AudioCodec) String() string {
	if ac == nil {
		return "null"
	}

	switch *ac {
	case AudioCodecUndefined:
		return "auto"
	case AudioCodecAAC:
		return "aac"
	case AudioCodecMP3:
		return "mp3"
	case AudioCodecFLAC:
		return "flac"
	case AudioCodecOpus:
		return "opus"
	case AudioCodecVorbis:
		return "vorbis"
	}
	return fmt.Sprintf("unexpected_audio_codec_id_%d", uint(*ac))
}

func (ac AudioCodec) MarshalJSON() ([]byte, error) {
	return []byte(`"` + ac.String() + `"`), nil
}

func (ac *AudioCodec) UnmarshalJSON(b []byte) error {
	if ac == nil {
		return fmt.Errorf("AudioCodec is nil")
	}
	return ac.Set(strings.Trim(string(b), `"`))
}

// Set implements pflag.Value.
func (ac *AudioCodec) Set(s string) error {
	s = strings.ToLower(s)
	for cmp := AudioCodecUndefined; cmp < EndOfAudioCodec; cmp++ {
		if cmp.String() == s {
			*ac = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the AudioCodec: '%s'", s)
}

func (ac *AudioCodec) Type() string {
	return "audio-codec"
}

func (ac AudioCodec) MarshalText() ([]byte, error) {
	return []byte(ac.String()), nil
}

func (ac *AudioCodec) UnmarshalText(in []byte) error {
	return ac.Set(string(in))
}

type VideoQuality interface {
	videoQuality()
	typeName() string
	serializable() videoQualitySerializable
	setValues(vq videoQualitySerializable) error
}

type VideoQualityConstantBitrate uint

func (VideoQualityConstantBitrate) typeName() string {
	return "constant_bitrate"
}

func (VideoQualityConstantBitrate) videoQuality() {}

func (vq VideoQualityConstantBitrate) serializable() videoQualitySerializable {
	return videoQualitySerializable{
		"type":    vq.typeName(),
		"bitrate": uint(vq),
	}
}

func (vq VideoQualityConstantBitrate) MarshalJSON() ([]byte, error) {
	return json.Marshal(vq.serializable())
}

func (vq VideoQualityConstantBitrate) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(vq.serializable())
}

func (vq *VideoQualityConstantBitrate) setValues(in videoQualitySerializable) error {
	bitrate, ok := numberValue(in["bitrate"])
	if !ok {
		return fmt.Errorf("have not found a numeric value using key 'bitrate' in %#+v", in)
	}

	*vq = VideoQualityConstantBitrate(bitrate)
	return nil
}

type VideoQualityConstantQuality uint8

func (VideoQualityConstantQuality) typeName() string {
	return "constant_quality"
}

func (VideoQualityConstantQuality) videoQuality() {}

func (vq VideoQualityConstantQuality) serializable() videoQualitySerializable {
	return videoQualitySerializable{
		"type":    vq.typeName(),
		"quality": uint(vq),
	}
}

func (vq VideoQualityConstantQuality) MarshalJSON() ([]byte, error) {
	return json.Marshal(vq.serializable())
}

func (vq VideoQualityConstantQuality) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(vq.serializable())
}

func (vq *VideoQualityConstantQuality) setValues(in videoQualitySerializable) error {
	quality, ok := numberValue(in["quality"])
	if !ok {
		return fmt.Errorf("have not found a numeric value using key 'quality' in %#+v", in)
	}

	*vq = VideoQualityConstantQuality(quality)
	return nil
}

type videoQualitySerializable map[string]any

func (videoQualitySerializable) videoQuality() {}

func (vq videoQualitySerializable) typeName() string {
	result, _ := vq["type"].(string)
	return result
}

func (vq videoQualitySerializable) serializable() videoQualitySerializable {
	return vq
}

func (vq videoQualitySerializable) setValues(in videoQualitySerializable) error {
	for k := range vq {
		delete(vq, k)
	}
	maps.Copy(vq, in)
	return nil
}

func (vq videoQualitySerializable) Convert() (VideoQuality, error) {
	typeName, ok := vq["type"].(string)
	if !ok {
		return nil, nil
	}

	var r VideoQuality
	for _, sample := range []VideoQuality{
		ptr(VideoQualityConstantBitrate(0)),
		ptr(VideoQualityConstantQuality(0)),
	} {
		if sample.typeName() == typeName {
			r = sample
			break
		}
	}
	if r == nil {
		return nil, fmt.Errorf("unknown type '%s'", typeName)
	}

	if err := r.setValues(vq); err != nil {
		return nil, fmt.Errorf("unable to convert the value (vq): %w", err)
	}
	return r, nil
}

// numberValue accepts whatever the JSON and YAML decoders produce for a number.
func numberValue(v any) (uint64, bool) {
	switch v := v.(type) {
	case int:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	case uint:
		return uint64(v), true
	case uint64:
		return v, true
	case float64:
		return uint64(v), v >= 0
	}
	return 0, false
}

func ptr[T any](in T) *T {
	return &in
}

type VideoCodec uint

const (
	VideoCodecUndefined = VideoCodec(iota)
	VideoCodecH264
	VideoCodecHEVC
	VideoCodecAV1
	VideoCodecVP8
	VideoCodecVP9
	EndOfVideoCodec
)

func (vc *VideoCodec) String() string {
	if vc == nil {
		return "null"
	}

	switch *vc {
	case VideoCodecUndefined:
		return "auto"
	case VideoCodecH264:
		return "h264"
	case VideoCodecHEVC:
		return "hevc"
	case VideoCodecAV1:
		return "av1"
	case VideoCodecVP8:
		return "vp8"
	case VideoCodecVP9:
		return "vp9"
	}
	return fmt.Sprintf("unexpected_video_codec_id_%d", uint(*vc))
}

func (vc VideoCodec) MarshalJSON() ([]byte, error) {
	return []byte(`"` + vc.String() + `"`), nil
}

func (vc *VideoCodec) UnmarshalJSON(b []byte) error {
	if vc == nil {
		return fmt.Errorf("VideoCodec is nil")
	}
	return vc.Set(strings.Trim(string(b), `"`))
}

// Set implements pflag.Value.
func (vc *VideoCodec) Set(s string) error {
	s = strings.ToLower(s)
	switch s {
	case "avc":
		s = "h264"
	case "h265":
		s = "hevc"
	}
	for cmp := VideoCodecUndefined; cmp < EndOfVideoCodec; cmp++ {
		if cmp.String() == s {
			*vc = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the VideoCodec: '%s'", s)
}

func (vc *VideoCodec) Type() string {
	return "video-codec"
}

func (vc VideoCodec) MarshalText() ([]byte, error) {
	return []byte(vc.String()), nil
}

func (vc *VideoCodec) UnmarshalText(in []byte) error {
	return vc.Set(string(in))
}

const (
	DefaultBufferPoolSize        = 3
	DefaultMaxCaptureRetries     = 5
	DefaultMaxNegotiationRetries = 3
	DefaultPollInterval          = 20 * time.Millisecond
	DefaultReorderWindow         = 500 * time.Millisecond
	DefaultAudioQueueSize        = 64
	DefaultGOPSize               = 120
	DefaultDRIDevice             = "/dev/dri/renderD128"
)

func DefaultConfig() Config {
	return Config{
		Output: OutputConfig{
			Path: "screenrecording.mp4",
		},
		Capture: CaptureConfig{
			Dedup:                 true,
			OverlayCursor:         true,
			BufferPoolSize:        DefaultBufferPoolSize,
			MaxCaptureRetries:     DefaultMaxCaptureRetries,
			MaxNegotiationRetries: DefaultMaxNegotiationRetries,
			PollInterval:          DefaultPollInterval,
		},
		Video: EncodeVideoConfig{
			GOPSize:   DefaultGOPSize,
			DRIDevice: DefaultDRIDevice,
		},
		Audio: AudioConfig{
			Backend:   "pulse",
			Device:    "default",
			QueueSize: DefaultAudioQueueSize,
		},
		Muxer: MuxerConfig{
			ReorderWindow: DefaultReorderWindow,
		},
	}
}

func (cfg *Config) Validate() error {
	if cfg.Output.Path == "" {
		return fmt.Errorf("the output path is empty")
	}
	if cfg.Capture.OutputName != "" && cfg.Capture.Region != "" {
		return fmt.Errorf("the output name and the region are mutually exclusive")
	}
	if cfg.Capture.BufferPoolSize < 1 {
		return fmt.Errorf("the buffer pool size must be positive, but is %d", cfg.Capture.BufferPoolSize)
	}
	if cfg.Capture.MaxFPS < 0 {
		return fmt.Errorf("max FPS must not be negative, but is %f", cfg.Capture.MaxFPS)
	}
	if cfg.History.Window < 0 {
		return fmt.Errorf("the history window must not be negative, but is %v", cfg.History.Window)
	}
	if cfg.Video.GOPSize < 0 {
		return fmt.Errorf("GOP size must not be negative, but is %d", cfg.Video.GOPSize)
	}
	if (cfg.Video.EncodeWidth == 0) != (cfg.Video.EncodeHeight == 0) {
		return fmt.Errorf("both encode width and height should be set, or neither (got %dx%d)", cfg.Video.EncodeWidth, cfg.Video.EncodeHeight)
	}
	if cfg.Audio.Enable && cfg.Audio.QueueSize < 1 {
		return fmt.Errorf("the audio queue size must be positive, but is %d", cfg.Audio.QueueSize)
	}
	return nil
}
