package goiptv

import (
	"github.com/bluenviron/goiptv/pkg/m3u"
)

// PlaybackState is the playback state of a session.
type PlaybackState int

// Playback states.
// The zero value means that there's no session.
const (
	PlaybackStatePlaying PlaybackState = iota + 1
	PlaybackStatePaused
	PlaybackStateErrored
)

// String implements fmt.Stringer.
func (s PlaybackState) String() string {
	switch s {
	case PlaybackStatePlaying:
		return "playing"
	case PlaybackStatePaused:
		return "paused"
	case PlaybackStateErrored:
		return "errored"
	}
	return "none"
}

// ErrorKind is the kind of a PlaybackError.
type ErrorKind int

// Error kinds.
const (
	// no playback path can handle the stream.
	ErrorKindUnsupportedFormat ErrorKind = iota
	// the stream failed in a way that cannot be recovered.
	ErrorKindStreamFault
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindUnsupportedFormat:
		return "unsupported format"
	case ErrorKindStreamFault:
		return "stream fault"
	}
	return "unknown"
}

// PlaybackError is the error that moved a session into the errored state.
type PlaybackError struct {
	Kind ErrorKind

	// message that can be shown to users.
	Message string

	// underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *PlaybackError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// QualityLevel is a rendition that can be selected with SelectQuality.
type QualityLevel struct {
	Index     int
	Label     string
	Height    int
	Bandwidth int
}

// State is a snapshot of the player state.
type State struct {
	// session. SessionID is empty when there's no session.
	SessionID     string
	Channel       *m3u.Channel
	Protocol      Protocol
	PlaybackState PlaybackState
	QualityLevels []QualityLevel
	CurrentLevel  int
	LastError     *PlaybackError

	// presentation.
	Muted            bool
	Volume           float64
	AspectRatio      AspectRatio
	Rotation         int
	Fullscreen       bool
	PictureInPicture bool
}
