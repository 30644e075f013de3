package types

import (
	"fmt"
)

// StreamInfo describes an encoded stream to the container.
type StreamInfo struct {
	Tag   StreamTag
	Codec string

	// Width and Height are set for video streams.
	Width  int32
	Height int32

	// SampleRate and Channels are set for audio streams.
	SampleRate int
	Channels   int

	// Configurer is backend specific; the container type-asserts it to
	// whatever it needs to set up the stream (e.g. codec parameters).
	Configurer any
}

func (s StreamInfo) String() string {
	switch s.Tag {
	case StreamTagVideo:
		return fmt.Sprintf("%s %s %dx%d", s.Tag, s.Codec, s.Width, s.Height)
	case StreamTagAudio:
		return fmt.Sprintf("%s %s %dHz/%dch", s.Tag, s.Codec, s.SampleRate, s.Channels)
	}
	return fmt.Sprintf("%s %s", s.Tag, s.Codec)
}
