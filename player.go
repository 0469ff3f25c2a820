package goiptv

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"

	"github.com/bluenviron/goiptv/pkg/m3u"
)

// LevelAuto enables automatic quality selection.
const LevelAuto = -1

// errors returned by controls.
var (
	ErrNoSession          = errors.New("no active session")
	ErrSessionErrored     = errors.New("session is in errored state")
	ErrInvalidLevel       = errors.New("invalid quality level")
	ErrQualityUnavailable = errors.New("quality selection is not available for this stream")
)

// PlayerOnStateChangeFunc is the prototype of Player.OnStateChange.
type PlayerOnStateChangeFunc func(State)

// Player plays channels on a surface, one session at a time.
type Player struct {
	//
	// parameters (all optional except Surface)
	//
	// surface that renders media.
	// Adaptive playback requires a MediaSourceSurface.
	Surface Surface
	// HTTP client.
	// It defaults to http.DefaultClient.
	HTTPClient *http.Client
	// settings of the adaptive HLS engine.
	HLS HLSSettings
	// settings of the DASH engine.
	DASH DASHSettings

	//
	// callbacks (all optional)
	//
	// called when the state changes.
	// It can be called from different goroutines.
	OnStateChange PlayerOnStateChangeFunc
	// called when there's a log entry.
	OnLog LogFunc

	//
	// private
	//

	engineFactory func(protocol Protocol, uri string) engine

	openMutex sync.Mutex

	mutex            sync.Mutex
	session          *Session
	muted            bool
	volume           float64
	aspectRatio      AspectRatio
	rotation         int
	fullscreen       bool
	pictureInPicture bool
}

// Initialize initializes the player.
func (p *Player) Initialize() error {
	if p.Surface == nil {
		return fmt.Errorf("surface is missing")
	}
	if p.HTTPClient == nil {
		p.HTTPClient = http.DefaultClient
	}
	if p.OnStateChange == nil {
		p.OnStateChange = func(State) {
		}
	}
	if p.OnLog == nil {
		p.OnLog = defaultLog
	}
	if p.engineFactory == nil {
		p.engineFactory = p.newEngine
	}

	p.volume = 1

	return nil
}

func (p *Player) newEngine(protocol Protocol, uri string) engine {
	switch protocol {
	case ProtocolHLS:
		return &hlsEngine{
			uri:        uri,
			surface:    p.Surface.(MediaSourceSurface),
			httpClient: p.HTTPClient,
			settings:   p.HLS,
			onLog:      p.OnLog,
		}

	case ProtocolDASH:
		return &dashEngine{
			uri:        uri,
			surface:    p.Surface.(MediaSourceSurface),
			httpClient: p.HTTPClient,
			settings:   p.DASH,
			onLog:      p.OnLog,
		}

	case ProtocolNativeHLS:
		return &nativeEngine{
			uri:     uri,
			surface: p.Surface.(NativeSurface),
		}
	}

	return nil
}

// Open closes the current session, if any, and starts playing a channel.
// The current session is always torn down before the new one is attached.
func (p *Player) Open(ch *m3u.Channel) (*Session, error) {
	if ch == nil {
		return nil, fmt.Errorf("channel is missing")
	}

	p.openMutex.Lock()

	p.mutex.Lock()
	old := p.session
	p.session = nil
	p.mutex.Unlock()

	if old != nil {
		old.teardown()
	}

	s := newSession(p, ch)

	p.mutex.Lock()
	p.session = s
	p.applyPresentation()
	p.mutex.Unlock()

	s.start()

	p.openMutex.Unlock()

	p.notify(s)

	return s, nil
}

// Close closes the current session, if any.
func (p *Player) Close() {
	p.mutex.Lock()
	s := p.session
	p.mutex.Unlock()

	if s != nil {
		p.closeSession(s)
	}
}

func (p *Player) closeSession(s *Session) {
	p.mutex.Lock()
	current := p.session == s
	if current {
		p.session = nil
	}
	p.mutex.Unlock()

	s.teardown()

	if current {
		p.OnStateChange(p.State())
	}
}

// State returns a snapshot of the player state.
func (p *Player) State() State {
	p.mutex.Lock()
	st := State{
		CurrentLevel:     LevelAuto,
		Muted:            p.muted,
		Volume:           p.volume,
		AspectRatio:      p.aspectRatio,
		Rotation:         p.rotation,
		Fullscreen:       p.fullscreen,
		PictureInPicture: p.pictureInPicture,
	}
	s := p.session
	p.mutex.Unlock()

	if s != nil {
		s.fillState(&st)
	}

	return st
}

// notify emits a notification on behalf of a session, unless it has been replaced.
func (p *Player) notify(s *Session) {
	p.mutex.Lock()
	current := p.session == s
	p.mutex.Unlock()

	if current {
		p.OnStateChange(p.State())
	}
}

func (p *Player) currentSession() (*Session, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.session == nil {
		return nil, ErrNoSession
	}
	return p.session, nil
}

// TogglePlay switches between playing and paused.
func (p *Player) TogglePlay() (PlaybackState, error) {
	s, err := p.currentSession()
	if err != nil {
		return 0, err
	}

	state, err := s.togglePlay()
	if err != nil {
		return state, err
	}

	p.notify(s)
	return state, nil
}

// SelectQuality pins a quality level, or enables automatic selection with LevelAuto.
func (p *Player) SelectQuality(level int) error {
	s, err := p.currentSession()
	if err != nil {
		return err
	}

	err = s.selectQuality(level)
	if err != nil {
		return err
	}

	p.notify(s)
	return nil
}

// applyPresentation must be called with the mutex held.
func (p *Player) applyPresentation() {
	p.Surface.SetMuted(p.muted)
	p.Surface.SetVolume(p.volume)
	p.Surface.SetAspectRatio(p.aspectRatio)
	p.Surface.SetRotation(p.rotation)
}

// SetMuted mutes or unmutes audio.
func (p *Player) SetMuted(muted bool) {
	p.mutex.Lock()
	p.muted = muted
	p.Surface.SetMuted(muted)
	p.mutex.Unlock()

	p.OnStateChange(p.State())
}

// SetVolume sets the volume, clamped into [0, 1].
// A zero volume mutes audio, any other value unmutes it.
func (p *Player) SetVolume(volume float64) {
	switch {
	case volume < 0 || math.IsNaN(volume):
		volume = 0
	case volume > 1:
		volume = 1
	}

	p.mutex.Lock()
	p.volume = volume
	p.muted = (volume == 0)
	p.Surface.SetVolume(volume)
	p.Surface.SetMuted(p.muted)
	p.mutex.Unlock()

	p.OnStateChange(p.State())
}

// CycleAspectRatio switches to the next aspect ratio.
func (p *Player) CycleAspectRatio() AspectRatio {
	p.mutex.Lock()
	p.aspectRatio = p.aspectRatio.next()
	ar := p.aspectRatio
	p.Surface.SetAspectRatio(ar)
	p.mutex.Unlock()

	p.OnStateChange(p.State())
	return ar
}

// Rotate rotates media by 90 degrees clockwise.
func (p *Player) Rotate() int {
	p.mutex.Lock()
	p.rotation = (p.rotation + 90) % 360
	rot := p.rotation
	p.Surface.SetRotation(rot)
	p.mutex.Unlock()

	p.OnStateChange(p.State())
	return rot
}

// ToggleFullscreen enters or exits fullscreen.
// Failures are logged and leave the state unchanged.
func (p *Player) ToggleFullscreen() bool {
	p.mutex.Lock()

	var err error
	if p.fullscreen {
		err = p.Surface.ExitFullscreen()
	} else {
		err = p.Surface.RequestFullscreen()
	}

	if err != nil {
		fs := p.fullscreen
		p.mutex.Unlock()
		p.OnLog(LogLevelWarn, "fullscreen toggle failed: %v", err)
		return fs
	}

	p.fullscreen = !p.fullscreen
	fs := p.fullscreen
	p.mutex.Unlock()

	p.OnStateChange(p.State())
	return fs
}

// TogglePictureInPicture enters or exits picture-in-picture.
// Failures are logged and leave the state unchanged.
func (p *Player) TogglePictureInPicture() bool {
	p.mutex.Lock()

	var err error
	if p.pictureInPicture {
		err = p.Surface.ExitPictureInPicture()
	} else {
		err = p.Surface.RequestPictureInPicture()
	}

	if err != nil {
		pip := p.pictureInPicture
		p.mutex.Unlock()
		p.OnLog(LogLevelWarn, "picture-in-picture toggle failed: %v", err)
		return pip
	}

	p.pictureInPicture = !p.pictureInPicture
	pip := p.pictureInPicture
	p.mutex.Unlock()

	p.OnStateChange(p.State())
	return pip
}
