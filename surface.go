package goiptv

import (
	"time"
)

// MIME type of HLS playlists, used to query native support.
const mimeTypeHLS = "application/vnd.apple.mpegurl"

// AspectRatio is the way media is fitted into a surface.
type AspectRatio int

// Aspect ratios.
const (
	AspectRatioContain AspectRatio = iota
	AspectRatioCover
	AspectRatioFill
)

// String implements fmt.Stringer.
func (a AspectRatio) String() string {
	switch a {
	case AspectRatioContain:
		return "contain"
	case AspectRatioCover:
		return "cover"
	case AspectRatioFill:
		return "fill"
	}
	return "unknown"
}

func (a AspectRatio) next() AspectRatio {
	switch a {
	case AspectRatioContain:
		return AspectRatioCover
	case AspectRatioCover:
		return AspectRatioFill
	}
	return AspectRatioContain
}

// Surface is a media rendering surface.
type Surface interface {
	// Play starts or resumes playback.
	// It returns an error when playback start is refused, for instance by an autoplay policy.
	Play() error
	Pause()
	SetMuted(muted bool)
	SetVolume(volume float64)
	SetAspectRatio(ar AspectRatio)
	SetRotation(degrees int)
	RequestFullscreen() error
	ExitFullscreen() error
	RequestPictureInPicture() error
	ExitPictureInPicture() error

	// Detach releases any media attached to the surface.
	Detach()
}

// MediaSourceSurface is a Surface that can be fed with demuxed media.
// Adaptive clients require it.
type MediaSourceSurface interface {
	Surface

	// WriteSample appends a sample to the buffer of a track.
	WriteSample(track *Track, sample *Sample) error

	// Flush drops all buffered media.
	Flush()

	// Evict drops buffered media with a PTS lower than given one.
	Evict(before time.Duration)
}

// NativeSurface is a Surface that can play streams on its own.
type NativeSurface interface {
	Surface

	// CanPlayType returns whether the surface can play given MIME type.
	CanPlayType(mimeType string) bool

	// SetSource starts loading given URI.
	// onLoaded is called once metadata is available, onError when playback fails.
	SetSource(uri string, onLoaded func(), onError func(error))
}
