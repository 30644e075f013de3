package screenrec

// CustomOption is an opaque setting handed through the config to the
// component that understands it. The FFmpeg backends pick up
// libav.DictionaryItem(s) from the video, audio and output configs and
// pass them to the encoders and the muxer as AVOptions; everything else
// is ignored by them.
type CustomOption = any

// CustomOptions is an ordered list of CustomOption; earlier entries win
// in GetCustomOption.
type CustomOptions []CustomOption

// GetCustomOption returns the first option of type T.
func GetCustomOption[T any](in CustomOptions) (T, bool) {
	for _, item := range in {
		if v, ok := item.(T); ok {
			return v, true
		}
	}

	var zeroValue T
	return zeroValue, false
}
