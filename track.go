package goiptv

import (
	"time"
)

// Codec is the codec of a track.
type Codec int

// Codecs.
const (
	CodecH264 Codec = iota + 1
	CodecH265
	CodecMPEG4Audio
)

// String implements fmt.Stringer.
func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "H264"
	case CodecH265:
		return "H265"
	case CodecMPEG4Audio:
		return "MPEG-4 Audio"
	}
	return "unknown"
}

// IsVideo returns whether the codec is a video codec.
func (c Codec) IsVideo() bool {
	return c == CodecH264 || c == CodecH265
}

// Track is a media track delivered to a surface.
type Track struct {
	// ID of the track inside the segments
	// (PID for MPEG-TS, track ID for fMP4).
	ID int

	// Codec
	Codec Codec
}

// Sample is a unit of media delivered to a surface.
type Sample struct {
	PTS time.Duration
	DTS time.Duration

	// whether decoding can start from this sample.
	RandomAccess bool

	// NALUs for video, a single access unit for audio.
	Data [][]byte
}

// multiplyAndDivide computes v * m / d without overflowing
// and preserving resolution.
func multiplyAndDivide(v, m, d int64) int64 {
	secs := v / d
	dec := v % d
	return (secs*m + dec*m/d)
}

func timestampToDuration(v int64, clockRate int) time.Duration {
	return time.Duration(multiplyAndDivide(v, int64(time.Second), int64(clockRate)))
}

func durationMp4ToGo(v uint64, timeScale uint32) time.Duration {
	timeScale64 := uint64(timeScale)
	secs := v / timeScale64
	dec := v % timeScale64
	return time.Duration(secs)*time.Second + time.Duration(dec)*time.Second/time.Duration(timeScale64)
}
