package goiptv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bluenviron/goiptv/pkg/m3u"
)

// Session is the playback of a channel.
// It lasts until the channel is replaced or closed.
type Session struct {
	// identifier of the session.
	ID string

	// channel being played.
	Channel *m3u.Channel

	// protocol picked when the session was opened.
	Protocol Protocol

	p      *Player
	engine engine

	ctx             context.Context
	ctxCancel       func()
	engineCtx       context.Context
	engineCtxCancel func()

	mutex        sync.Mutex
	state        PlaybackState
	levels       []QualityLevel
	currentLevel int
	lastError    *PlaybackError
	detached     bool
	closed       bool

	// in
	chEvent chan engineEvent

	// out
	done chan struct{}
}

func newSession(p *Player, ch *m3u.Channel) *Session {
	s := &Session{
		ID:           uuid.New().String(),
		Channel:      ch,
		Protocol:     DetectProtocol(ch.URL, p.Surface),
		p:            p,
		state:        PlaybackStatePlaying,
		currentLevel: LevelAuto,
		chEvent:      make(chan engineEvent, 16),
		done:         make(chan struct{}),
	}

	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	s.engineCtx, s.engineCtxCancel = context.WithCancel(s.ctx)

	return s
}

// start attaches the engine and starts the event loop.
func (s *Session) start() {
	s.mutex.Lock()

	// closed between publication and start
	if s.closed {
		s.mutex.Unlock()
		close(s.done)
		return
	}

	s.engine = s.p.engineFactory(s.Protocol, s.Channel.URL)

	if s.engine == nil {
		s.p.OnLog(LogLevelWarn, "[session %s] no playback path for %s", s.ID, s.Channel.URL)
		s.fail(ErrorKindUnsupportedFormat, "unsupported format", nil)
	} else {
		s.p.OnLog(LogLevelInfo, "[session %s] playing '%s' with %v", s.ID, s.Channel.Name, s.Protocol)

		err := s.engine.attach(s.post)
		if err != nil {
			msg := "cannot play this stream"
			if s.Protocol == ProtocolDASH {
				msg = "failed to initialize DASH player"
			}
			s.fail(ErrorKindStreamFault, msg, err)
		}
	}

	s.mutex.Unlock()

	go s.run()
}

// post delivers an engine event to the event loop.
// It returns immediately once the engine has been detached.
func (s *Session) post(ev engineEvent) {
	select {
	case s.chEvent <- ev:
	case <-s.engineCtx.Done():
	}
}

func (s *Session) run() {
	defer close(s.done)

	for {
		select {
		case ev := <-s.chEvent:
			if s.handleEvent(ev) {
				s.p.notify(s)
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// handleEvent returns whether the state changed.
func (s *Session) handleEvent(ev engineEvent) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed || s.state == PlaybackStateErrored {
		return false
	}

	switch ev.typ {
	case engineEventLevels:
		s.levels = make([]QualityLevel, len(ev.levels))
		for i, l := range ev.levels {
			s.levels[i] = QualityLevel{
				Index:     l.Index,
				Label:     l.Label,
				Height:    l.Height,
				Bandwidth: l.Bandwidth,
			}
		}
		s.autoplay()
		return true

	case engineEventLoaded:
		s.autoplay()
		return true

	case engineEventEnded:
		s.p.OnLog(LogLevelInfo, "[session %s] stream ended", s.ID)
		s.state = PlaybackStatePaused
		return true

	case engineEventError:
		return s.handleError(ev.err)
	}

	return false
}

func (s *Session) autoplay() {
	err := s.engine.play()
	if err != nil {
		s.p.OnLog(LogLevelInfo, "[session %s] autoplay refused: %v", s.ID, err)
		s.state = PlaybackStatePaused
		return
	}
	s.state = PlaybackStatePlaying
}

func (s *Session) handleError(err error) bool {
	switch s.Protocol {
	case ProtocolHLS:
		var herr *HLSError
		if !errors.As(err, &herr) {
			s.fail(ErrorKindStreamFault, "cannot play this stream", err)
			return true
		}

		if !herr.Fatal {
			s.p.OnLog(LogLevelDebug, "[session %s] %v", s.ID, herr)
			return false
		}

		rec, ok := s.engine.(engineRecoverer)

		switch {
		case ok && herr.Type == HLSErrorTypeNetwork:
			s.p.OnLog(LogLevelWarn, "[session %s] %v, reloading", s.ID, herr)
			rec.startLoad()
			return false

		case ok && herr.Type == HLSErrorTypeMedia:
			s.p.OnLog(LogLevelWarn, "[session %s] %v, recovering", s.ID, herr)
			rec.recoverMediaError()
			return false
		}

		s.fail(ErrorKindStreamFault, "cannot play this stream", herr)
		return true

	case ProtocolDASH:
		// the DASH engine retries on its own
		s.p.OnLog(LogLevelWarn, "[session %s] %v", s.ID, err)
		return false

	default:
		s.fail(ErrorKindStreamFault, "stream error", err)
		return true
	}
}

// fail releases the engine and moves the session into the errored state.
// It must be called with the mutex held.
func (s *Session) fail(kind ErrorKind, msg string, err error) {
	perr := &PlaybackError{
		Kind:    kind,
		Message: msg,
		Err:     err,
	}
	s.p.OnLog(LogLevelError, "[session %s] %v", s.ID, perr)

	s.detachEngine()
	s.state = PlaybackStateErrored
	s.lastError = perr
}

// detachEngine must be called with the mutex held.
func (s *Session) detachEngine() {
	if s.detached {
		return
	}
	s.detached = true

	// engine callbacks stop blocking before the engine is waited for
	s.engineCtxCancel()

	if s.engine != nil {
		s.engine.detach()
	}
}

// teardown releases the engine and the surface.
// It can be called multiple times.
func (s *Session) teardown() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	s.detachEngine()
	s.p.Surface.Detach()
	s.mutex.Unlock()

	s.ctxCancel()

	s.p.OnLog(LogLevelDebug, "[session %s] closed", s.ID)
}

// State returns the playback state of the session.
func (s *Session) State() PlaybackState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Close closes the session.
func (s *Session) Close() {
	s.p.closeSession(s)
}

func (s *Session) togglePlay() (PlaybackState, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return s.state, ErrNoSession
	}
	if s.state == PlaybackStateErrored {
		return s.state, ErrSessionErrored
	}

	if s.state == PlaybackStatePlaying {
		s.engine.pause()
		s.state = PlaybackStatePaused
		return s.state, nil
	}

	err := s.engine.play()
	if err != nil {
		return s.state, fmt.Errorf("playback start refused: %w", err)
	}

	s.state = PlaybackStatePlaying
	return s.state, nil
}

func (s *Session) selectQuality(level int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrNoSession
	}
	if s.state == PlaybackStateErrored {
		return ErrSessionErrored
	}
	if s.Protocol != ProtocolHLS {
		return ErrQualityUnavailable
	}
	if level != LevelAuto && (level < 0 || level >= len(s.levels)) {
		return ErrInvalidLevel
	}

	err := s.engine.setLevel(level)
	if err != nil {
		return err
	}

	s.currentLevel = level
	return nil
}

func (s *Session) fillState(st *State) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	st.SessionID = s.ID
	st.Channel = s.Channel
	st.Protocol = s.Protocol
	st.PlaybackState = s.state
	st.QualityLevels = append([]QualityLevel(nil), s.levels...)
	st.CurrentLevel = s.currentLevel
	st.LastError = s.lastError
}
