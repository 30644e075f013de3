package screenrec

import (
	"time"
)

type Stats struct {
	SessionID string        `json:"session_id"`
	Uptime    time.Duration `json:"uptime"`
	State     string        `json:"state"`
	Mode      string        `json:"mode"`
	Backend   string        `json:"backend,omitempty"`

	FramesCaptured   uint64 `json:"frames_captured"`
	FramesDuplicate  uint64 `json:"frames_duplicate"`
	FramesMerged     uint64 `json:"frames_merged"`
	FramesEncoded    uint64 `json:"frames_encoded"`
	CaptureRetries   uint64 `json:"capture_retries"`
	Renegotiations   uint64 `json:"renegotiations"`
	VideoPackets     uint64 `json:"video_packets"`
	AudioPackets     uint64 `json:"audio_packets"`
	AudioDropped     uint64 `json:"audio_dropped"`
	PacketsWritten   uint64 `json:"packets_written"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	BytesWritten     uint64 `json:"bytes_written"`
	BufferedPackets  uint64 `json:"buffered_packets"`
	BuffersInFlight  uint64 `json:"buffers_in_flight"`
	FlushRequests    uint64 `json:"flush_requests"`
	FlushedOnRequest bool   `json:"flushed_on_request"`
}
