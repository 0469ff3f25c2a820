package goiptv

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bluenviron/goiptv/pkg/m3u"
)

type callLog struct {
	mutex   sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) get() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]string(nil), l.entries...)
}

type testSurface struct {
	log           *callLog
	playErr       error
	fullscreenErr error

	mutex            sync.Mutex
	muted            bool
	volume           float64
	aspectRatio      AspectRatio
	rotation         int
	fullscreen       bool
	pictureInPicture bool
}

func (s *testSurface) Play() error {
	return s.playErr
}

func (s *testSurface) Pause() {
}

func (s *testSurface) SetMuted(muted bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.muted = muted
}

func (s *testSurface) SetVolume(volume float64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.volume = volume
}

func (s *testSurface) SetAspectRatio(ar AspectRatio) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.aspectRatio = ar
}

func (s *testSurface) SetRotation(degrees int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rotation = degrees
}

func (s *testSurface) RequestFullscreen() error {
	if s.fullscreenErr != nil {
		return s.fullscreenErr
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.fullscreen = true
	return nil
}

func (s *testSurface) ExitFullscreen() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.fullscreen = false
	return nil
}

func (s *testSurface) RequestPictureInPicture() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pictureInPicture = true
	return nil
}

func (s *testSurface) ExitPictureInPicture() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pictureInPicture = false
	return nil
}

func (s *testSurface) Detach() {
	if s.log != nil {
		s.log.add("surface detach")
	}
}

type testMediaSourceSurface struct {
	testSurface

	samplesMutex sync.Mutex
	samples      map[Codec][]*Sample
	flushes      int
}

func (s *testMediaSourceSurface) WriteSample(track *Track, sample *Sample) error {
	s.samplesMutex.Lock()
	defer s.samplesMutex.Unlock()

	if s.samples == nil {
		s.samples = make(map[Codec][]*Sample)
	}
	s.samples[track.Codec] = append(s.samples[track.Codec], sample)
	return nil
}

func (s *testMediaSourceSurface) Flush() {
	s.samplesMutex.Lock()
	defer s.samplesMutex.Unlock()
	s.flushes++
}

func (s *testMediaSourceSurface) Evict(time.Duration) {
}

func (s *testMediaSourceSurface) samplesOf(codec Codec) []*Sample {
	s.samplesMutex.Lock()
	defer s.samplesMutex.Unlock()
	return append([]*Sample(nil), s.samples[codec]...)
}

type testNativeSurface struct {
	testSurface
	canPlay bool

	mutex    sync.Mutex
	uri      string
	onLoaded func()
	onError  func(error)
}

func (s *testNativeSurface) CanPlayType(mimeType string) bool {
	return s.canPlay && mimeType == mimeTypeHLS
}

func (s *testNativeSurface) SetSource(uri string, onLoaded func(), onError func(error)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.uri = uri
	s.onLoaded = onLoaded
	s.onError = onError
}

func (s *testNativeSurface) callbacks() (func(), func(error)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.onLoaded, s.onError
}

type testEngine struct {
	uri     string
	log     *callLog
	playErr error

	mutex      sync.Mutex
	post       enginePostFunc
	startLoads int
	recovers   int
	level      int
}

func (e *testEngine) attach(post enginePostFunc) error {
	e.log.add("attach " + e.uri)
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.post = post
	return nil
}

func (e *testEngine) detach() {
	e.log.add("detach " + e.uri)
}

func (e *testEngine) play() error {
	return e.playErr
}

func (e *testEngine) pause() {
}

func (e *testEngine) setLevel(level int) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.level = level
	return nil
}

func (e *testEngine) startLoad() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.startLoads++
}

func (e *testEngine) recoverMediaError() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.recovers++
}

func (e *testEngine) emit(ev engineEvent) {
	e.mutex.Lock()
	post := e.post
	e.mutex.Unlock()
	post(ev)
}

func (e *testEngine) currentLevel() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.level
}

func (e *testEngine) counters() (int, int) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.startLoads, e.recovers
}

type testPlayer struct {
	*Player
	log     *callLog
	mutex   sync.Mutex
	engines []*testEngine
	playErr error
}

func newTestPlayer(t *testing.T, surface Surface, log *callLog) *testPlayer {
	tp := &testPlayer{
		Player: &Player{
			Surface: surface,
			OnLog: func(_ LogLevel, _ string, _ ...interface{}) {
			},
		},
		log: log,
	}

	err := tp.Initialize()
	require.NoError(t, err)

	tp.engineFactory = func(protocol Protocol, uri string) engine {
		if protocol == ProtocolUnsupported {
			return nil
		}

		e := &testEngine{
			uri:     uri,
			log:     log,
			playErr: tp.playErr,
			level:   LevelAuto,
		}

		tp.mutex.Lock()
		tp.engines = append(tp.engines, e)
		tp.mutex.Unlock()

		return e
	}

	return tp
}

func (tp *testPlayer) engine(i int) *testEngine {
	tp.mutex.Lock()
	defer tp.mutex.Unlock()
	return tp.engines[i]
}

func waitState(t *testing.T, p *Player, cond func(st State) bool) State {
	var st State
	require.Eventually(t, func() bool {
		st = p.State()
		return cond(st)
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func testChannel(url string) *m3u.Channel {
	return &m3u.Channel{
		ID:    m3u.ChannelID(url, "test"),
		Name:  "test",
		Group: "Uncategorized",
		URL:   url,
	}
}

func testLevels() []*Level {
	return []*Level{
		{Index: 0, Label: "360p", Height: 360, Bandwidth: 800000},
		{Index: 1, Label: "720p", Height: 720, Bandwidth: 2500000},
	}
}

func TestDetectProtocol(t *testing.T) {
	ms := &testMediaSourceSurface{}
	native := &testNativeSurface{canPlay: true}
	nativeNoHLS := &testNativeSurface{}
	plain := &testSurface{}

	for _, ca := range []struct {
		name    string
		uri     string
		surface Surface
		proto   Protocol
	}{
		{"hls", "http://myserver/live/index.m3u8", ms, ProtocolHLS},
		{"hls without extension", "http://myserver/live/stream", ms, ProtocolHLS},
		{"dash", "http://myserver/live/manifest.mpd", ms, ProtocolDASH},
		{"dash uppercase", "  http://myserver/live/MANIFEST.MPD ", ms, ProtocolDASH},
		{"dash with query", "http://myserver/live/manifest.mpd?token=abc", ms, ProtocolDASH},
		{"dash on native surface", "http://myserver/live/manifest.mpd", native, ProtocolUnsupported},
		{"native hls", "http://myserver/live/index.m3u8", native, ProtocolNativeHLS},
		{"native without hls", "http://myserver/live/index.m3u8", nativeNoHLS, ProtocolUnsupported},
		{"plain surface", "http://myserver/live/index.m3u8", plain, ProtocolUnsupported},
	} {
		t.Run(ca.name, func(t *testing.T) {
			require.Equal(t, ca.proto, DetectProtocol(ca.uri, ca.surface))
		})
	}
}

func TestPlayerOpenTearsDownPreviousSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := &callLog{}
	p := newTestPlayer(t, &testMediaSourceSurface{testSurface: testSurface{log: log}}, log)

	s1, err := p.Open(testChannel("http://myserver/a.m3u8"))
	require.NoError(t, err)
	require.Equal(t, ProtocolHLS, s1.Protocol)

	s2, err := p.Open(testChannel("http://myserver/b.mpd"))
	require.NoError(t, err)
	require.Equal(t, ProtocolDASH, s2.Protocol)
	require.NotEqual(t, s1.ID, s2.ID)

	require.Equal(t, []string{
		"attach http://myserver/a.m3u8",
		"detach http://myserver/a.m3u8",
		"surface detach",
		"attach http://myserver/b.mpd",
	}, log.get())

	// closing a replaced session has no effect
	s1.Close()
	require.Equal(t, s2.ID, p.State().SessionID)

	p.Close()
	require.Equal(t, "", p.State().SessionID)

	// teardown is idempotent
	s2.Close()
	p.Close()

	require.Equal(t, []string{
		"attach http://myserver/a.m3u8",
		"detach http://myserver/a.m3u8",
		"surface detach",
		"attach http://myserver/b.mpd",
		"detach http://myserver/b.mpd",
		"surface detach",
	}, log.get())
}

func TestPlayerCloseBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := &callLog{}
	p := newTestPlayer(t, &testMediaSourceSurface{testSurface: testSurface{log: log}}, log)

	// same steps as Open, with a Close between publication and start
	s := newSession(p.Player, testChannel("http://myserver/a.m3u8"))
	p.Player.mutex.Lock()
	p.session = s
	p.Player.mutex.Unlock()

	p.Close()
	s.start()

	<-s.done

	p.Close()
	s.Close()

	require.Equal(t, []string{"surface detach"}, log.get())
	require.Equal(t, "", p.State().SessionID)

	// the next session is the only attached one
	_, err := p.Open(testChannel("http://myserver/b.m3u8"))
	require.NoError(t, err)

	p.Close()

	require.Equal(t, []string{
		"surface detach",
		"attach http://myserver/b.m3u8",
		"detach http://myserver/b.m3u8",
		"surface detach",
	}, log.get())
}

func TestPlayerHLSErrorTiering(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := &callLog{}
	p := newTestPlayer(t, &testMediaSourceSurface{}, log)
	defer p.Close()

	_, err := p.Open(testChannel("http://myserver/a.m3u8"))
	require.NoError(t, err)
	e := p.engine(0)

	e.emit(engineEvent{typ: engineEventError, err: &HLSError{
		Type:    HLSErrorTypeNetwork,
		Details: HLSErrorFragLoad,
		Fatal:   false,
		Err:     errors.New("timeout"),
	}})

	e.emit(engineEvent{typ: engineEventError, err: &HLSError{
		Type:    HLSErrorTypeNetwork,
		Details: HLSErrorLevelLoad,
		Fatal:   true,
		Err:     errors.New("bad status code: 404"),
	}})

	require.Eventually(t, func() bool {
		startLoads, _ := e.counters()
		return startLoads == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, PlaybackStatePlaying, p.State().PlaybackState)

	e.emit(engineEvent{typ: engineEventError, err: &HLSError{
		Type:    HLSErrorTypeMedia,
		Details: HLSErrorFragParsing,
		Fatal:   true,
		Err:     errors.New("invalid packet"),
	}})

	require.Eventually(t, func() bool {
		_, recovers := e.counters()
		return recovers == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, PlaybackStatePlaying, p.State().PlaybackState)

	e.emit(engineEvent{typ: engineEventError, err: &HLSError{
		Type:    HLSErrorTypeOther,
		Details: HLSErrorInternal,
		Fatal:   true,
		Err:     errors.New("unexpected"),
	}})

	st := waitState(t, p.Player, func(st State) bool {
		return st.PlaybackState == PlaybackStateErrored
	})
	require.Equal(t, ErrorKindStreamFault, st.LastError.Kind)
	require.Equal(t, "cannot play this stream", st.LastError.Message)

	var herr *HLSError
	require.ErrorAs(t, st.LastError, &herr)

	startLoads, recovers := e.counters()
	require.Equal(t, 1, startLoads)
	require.Equal(t, 1, recovers)
	require.Equal(t, []string{
		"attach http://myserver/a.m3u8",
		"detach http://myserver/a.m3u8",
	}, log.get())

	// errored is terminal
	_, err = p.TogglePlay()
	require.ErrorIs(t, err, ErrSessionErrored)
	err = p.SelectQuality(LevelAuto)
	require.ErrorIs(t, err, ErrSessionErrored)
}

func TestPlayerAutoplay(t *testing.T) {
	for _, ca := range []string{"allowed", "refused"} {
		t.Run(ca, func(t *testing.T) {
			log := &callLog{}
			p := newTestPlayer(t, &testMediaSourceSurface{}, log)
			defer p.Close()

			if ca == "refused" {
				p.playErr = errors.New("autoplay is not allowed")
			}

			_, err := p.Open(testChannel("http://myserver/a.m3u8"))
			require.NoError(t, err)
			require.Equal(t, PlaybackStatePlaying, p.State().PlaybackState)

			p.engine(0).emit(engineEvent{typ: engineEventLevels, levels: testLevels()})

			st := waitState(t, p.Player, func(st State) bool {
				return len(st.QualityLevels) == 2
			})
			require.Equal(t, []QualityLevel{
				{Index: 0, Label: "360p", Height: 360, Bandwidth: 800000},
				{Index: 1, Label: "720p", Height: 720, Bandwidth: 2500000},
			}, st.QualityLevels)
			require.Equal(t, LevelAuto, st.CurrentLevel)
			require.Nil(t, st.LastError)

			if ca == "refused" {
				require.Equal(t, PlaybackStatePaused, st.PlaybackState)
			} else {
				require.Equal(t, PlaybackStatePlaying, st.PlaybackState)
			}
		})
	}
}

func TestPlayerEnded(t *testing.T) {
	p := newTestPlayer(t, &testMediaSourceSurface{}, &callLog{})
	defer p.Close()

	_, err := p.Open(testChannel("http://myserver/a.m3u8"))
	require.NoError(t, err)

	p.engine(0).emit(engineEvent{typ: engineEventEnded})

	waitState(t, p.Player, func(st State) bool {
		return st.PlaybackState == PlaybackStatePaused
	})
}

func TestPlayerDASHErrorsAreNotEscalated(t *testing.T) {
	p := newTestPlayer(t, &testMediaSourceSurface{}, &callLog{})
	defer p.Close()

	_, err := p.Open(testChannel("http://myserver/manifest.mpd"))
	require.NoError(t, err)

	p.engine(0).emit(engineEvent{typ: engineEventError, err: errors.New("unable to download segment")})
	p.engine(0).emit(engineEvent{typ: engineEventLoaded})

	st := waitState(t, p.Player, func(st State) bool {
		return st.PlaybackState == PlaybackStatePlaying
	})
	require.Nil(t, st.LastError)
	require.Empty(t, st.QualityLevels)

	err = p.SelectQuality(0)
	require.ErrorIs(t, err, ErrQualityUnavailable)
}

func TestPlayerUnsupported(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	surface := &testSurface{}

	// the default engine factory is used
	p := &Player{
		Surface: surface,
		OnLog: func(_ LogLevel, _ string, _ ...interface{}) {
		},
	}
	err := p.Initialize()
	require.NoError(t, err)
	defer p.Close()

	s, err := p.Open(testChannel("http://myserver/a.m3u8"))
	require.NoError(t, err)
	require.Equal(t, ProtocolUnsupported, s.Protocol)
	require.Equal(t, PlaybackStateErrored, s.State())

	st := p.State()
	require.Equal(t, PlaybackStateErrored, st.PlaybackState)
	require.Equal(t, ErrorKindUnsupportedFormat, st.LastError.Kind)
	require.Equal(t, "unsupported format", st.LastError.Message)
}

func TestPlayerNative(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	surface := &testNativeSurface{canPlay: true}

	p := &Player{
		Surface: surface,
		OnLog: func(_ LogLevel, _ string, _ ...interface{}) {
		},
	}
	err := p.Initialize()
	require.NoError(t, err)
	defer p.Close()

	s, err := p.Open(testChannel("http://myserver/a.m3u8"))
	require.NoError(t, err)
	require.Equal(t, ProtocolNativeHLS, s.Protocol)
	require.Equal(t, "http://myserver/a.m3u8", surface.uri)

	onLoaded, onError := surface.callbacks()

	surface.testSurface.playErr = errors.New("autoplay is not allowed")
	onLoaded()

	waitState(t, p, func(st State) bool {
		return st.PlaybackState == PlaybackStatePaused
	})

	onError(errors.New("MEDIA_ERR_NETWORK"))

	st := waitState(t, p, func(st State) bool {
		return st.PlaybackState == PlaybackStateErrored
	})
	require.Equal(t, ErrorKindStreamFault, st.LastError.Kind)
	require.Equal(t, "stream error", st.LastError.Message)
}

func TestPlayerControls(t *testing.T) {
	p := newTestPlayer(t, &testMediaSourceSurface{}, &callLog{})
	defer p.Close()

	require.Equal(t, LevelAuto, p.State().CurrentLevel)

	_, err := p.TogglePlay()
	require.ErrorIs(t, err, ErrNoSession)
	err = p.SelectQuality(LevelAuto)
	require.ErrorIs(t, err, ErrNoSession)

	_, err = p.Open(testChannel("http://myserver/a.m3u8"))
	require.NoError(t, err)

	state, err := p.TogglePlay()
	require.NoError(t, err)
	require.Equal(t, PlaybackStatePaused, state)

	state, err = p.TogglePlay()
	require.NoError(t, err)
	require.Equal(t, PlaybackStatePlaying, state)

	// levels are not known yet
	err = p.SelectQuality(0)
	require.ErrorIs(t, err, ErrInvalidLevel)

	p.engine(0).emit(engineEvent{typ: engineEventLevels, levels: testLevels()})
	waitState(t, p.Player, func(st State) bool {
		return len(st.QualityLevels) == 2
	})

	err = p.SelectQuality(1)
	require.NoError(t, err)
	require.Equal(t, 1, p.State().CurrentLevel)
	require.Equal(t, 1, p.engine(0).currentLevel())

	err = p.SelectQuality(2)
	require.ErrorIs(t, err, ErrInvalidLevel)
	err = p.SelectQuality(-2)
	require.ErrorIs(t, err, ErrInvalidLevel)

	err = p.SelectQuality(LevelAuto)
	require.NoError(t, err)
	require.Equal(t, LevelAuto, p.State().CurrentLevel)
}

func TestPlayerPresentation(t *testing.T) {
	surface := &testMediaSourceSurface{
		testSurface: testSurface{
			fullscreenErr: errors.New("permission denied"),
		},
	}

	var notifications int
	var mutex sync.Mutex

	p := &Player{
		Surface: surface,
		OnStateChange: func(State) {
			mutex.Lock()
			defer mutex.Unlock()
			notifications++
		},
		OnLog: func(_ LogLevel, _ string, _ ...interface{}) {
		},
	}
	err := p.Initialize()
	require.NoError(t, err)

	require.Equal(t, 1.0, p.State().Volume)

	p.SetVolume(1.5)
	require.Equal(t, 1.0, p.State().Volume)
	require.False(t, p.State().Muted)

	p.SetVolume(0)
	require.Equal(t, 0.0, p.State().Volume)
	require.True(t, p.State().Muted)
	require.True(t, surface.muted)

	p.SetVolume(0.4)
	require.Equal(t, 0.4, p.State().Volume)
	require.False(t, p.State().Muted)
	require.Equal(t, 0.4, surface.volume)

	p.SetVolume(-1)
	require.Equal(t, 0.0, p.State().Volume)

	p.SetMuted(false)
	require.False(t, surface.muted)

	var ars []AspectRatio
	for i := 0; i < 4; i++ {
		ars = append(ars, p.CycleAspectRatio())
	}
	require.Equal(t, []AspectRatio{
		AspectRatioCover,
		AspectRatioFill,
		AspectRatioContain,
		AspectRatioCover,
	}, ars)
	require.Equal(t, AspectRatioCover, surface.aspectRatio)

	var rots []int
	for i := 0; i < 5; i++ {
		rots = append(rots, p.Rotate())
	}
	require.Equal(t, []int{90, 180, 270, 0, 90}, rots)
	require.Equal(t, 90, surface.rotation)

	// failures are swallowed
	require.False(t, p.ToggleFullscreen())
	require.False(t, p.State().Fullscreen)

	require.True(t, p.TogglePictureInPicture())
	require.True(t, p.State().PictureInPicture)
	require.False(t, p.TogglePictureInPicture())

	mutex.Lock()
	defer mutex.Unlock()
	require.NotZero(t, notifications)
}

func TestPlaybackErrorMessage(t *testing.T) {
	err := &PlaybackError{
		Kind:    ErrorKindStreamFault,
		Message: "cannot play this stream",
		Err:     errors.New("unexpected"),
	}
	require.True(t, strings.HasPrefix(err.Error(), "cannot play this stream"))
	require.Equal(t, "unsupported format", (&PlaybackError{Message: "unsupported format"}).Error())
}
