package goiptv

import (
	"net/http"
	"time"
)

type engineEventType int

const (
	engineEventLevels engineEventType = iota
	engineEventLoaded
	engineEventEnded
	engineEventError
)

type engineEvent struct {
	typ    engineEventType
	levels []*Level
	err    error
}

type enginePostFunc func(ev engineEvent)

// engine is a playback engine bound to a surface for the lifetime of a session.
type engine interface {
	attach(post enginePostFunc) error
	detach()
	play() error
	pause()
	setLevel(level int) error
}

// engineRecoverer is implemented by engines that expose recovery paths.
type engineRecoverer interface {
	startLoad()
	recoverMediaError()
}

// HLSSettings are the settings of the adaptive HLS engine.
type HLSSettings struct {
	// maximum number of segments downloaded in parallel.
	// It defaults to 4.
	MaxParallelDownloads int
	// disable low-latency mode.
	DisableLowLatency bool
	// media older than this, behind the playhead, is evicted from the surface.
	// It defaults to 90s.
	BackBufferLength time.Duration
	// maximum amount of media delivered ahead of the playhead.
	// It defaults to 30s.
	MaxBufferLength time.Duration
	// timeout of each request.
	// It defaults to 10s.
	RequestTimeout time.Duration
	// maximum number of recoveries without any segment being played in between.
	// It defaults to 3.
	MaxRecoveries int
}

// DASHSettings are the settings of the DASH engine.
type DASHSettings struct {
	// delay before loading is restarted after an error.
	// It defaults to 1s.
	RetryDelay time.Duration
	// timeout of each request.
	// It defaults to 10s.
	RequestTimeout time.Duration
	// maximum amount of media delivered ahead of the playhead.
	// It defaults to 30s.
	MaxBufferLength time.Duration
	// distance from the live edge, in segments, of the first segment of a dynamic presentation.
	// It defaults to 3.
	LiveDelaySegments int
}

type hlsEngine struct {
	uri        string
	surface    MediaSourceSurface
	httpClient *http.Client
	settings   HLSSettings
	onLog      LogFunc

	client *HLSClient
}

func (e *hlsEngine) attach(post enginePostFunc) error {
	e.client = &HLSClient{
		URI:                  e.uri,
		HTTPClient:           e.httpClient,
		Surface:              e.surface,
		MaxParallelDownloads: e.settings.MaxParallelDownloads,
		LowLatency:           !e.settings.DisableLowLatency,
		BackBufferLength:     e.settings.BackBufferLength,
		MaxBufferLength:      e.settings.MaxBufferLength,
		RequestTimeout:       e.settings.RequestTimeout,
		MaxRecoveries:        e.settings.MaxRecoveries,
		OnManifestParsed: func(levels []*Level) {
			post(engineEvent{typ: engineEventLevels, levels: levels})
		},
		OnError: func(err *HLSError) {
			post(engineEvent{typ: engineEventError, err: err})
		},
		OnEnded: func() {
			post(engineEvent{typ: engineEventEnded})
		},
		OnLog: e.onLog,
	}
	return e.client.Start()
}

func (e *hlsEngine) detach() {
	if e.client != nil {
		e.client.Destroy()
	}
}

func (e *hlsEngine) play() error {
	return e.surface.Play()
}

func (e *hlsEngine) pause() {
	e.surface.Pause()
}

func (e *hlsEngine) setLevel(level int) error {
	return e.client.SetCurrentLevel(level)
}

func (e *hlsEngine) startLoad() {
	e.client.StartLoad()
}

func (e *hlsEngine) recoverMediaError() {
	e.client.RecoverMediaError()
}

type dashEngine struct {
	uri        string
	surface    MediaSourceSurface
	httpClient *http.Client
	settings   DASHSettings
	onLog      LogFunc

	client *DASHClient
}

func (e *dashEngine) attach(post enginePostFunc) error {
	e.client = &DASHClient{
		URI:               e.uri,
		HTTPClient:        e.httpClient,
		Surface:           e.surface,
		RetryDelay:        e.settings.RetryDelay,
		RequestTimeout:    e.settings.RequestTimeout,
		MaxBufferLength:   e.settings.MaxBufferLength,
		LiveDelaySegments: e.settings.LiveDelaySegments,
		OnError: func(err error) {
			post(engineEvent{typ: engineEventError, err: err})
		},
		OnEnded: func() {
			post(engineEvent{typ: engineEventEnded})
		},
		OnLog: e.onLog,
	}

	err := e.client.Start()
	if err != nil {
		return err
	}

	// playback is requested as soon as the source is set
	post(engineEvent{typ: engineEventLoaded})
	return nil
}

func (e *dashEngine) detach() {
	if e.client != nil {
		e.client.Reset()
	}
}

func (e *dashEngine) play() error {
	return e.surface.Play()
}

func (e *dashEngine) pause() {
	e.surface.Pause()
}

func (e *dashEngine) setLevel(int) error {
	return ErrQualityUnavailable
}

type nativeEngine struct {
	uri     string
	surface NativeSurface
}

func (e *nativeEngine) attach(post enginePostFunc) error {
	e.surface.SetSource(e.uri,
		func() {
			post(engineEvent{typ: engineEventLoaded})
		},
		func(err error) {
			post(engineEvent{typ: engineEventError, err: err})
		})
	return nil
}

func (e *nativeEngine) detach() {
}

func (e *nativeEngine) play() error {
	return e.surface.Play()
}

func (e *nativeEngine) pause() {
	e.surface.Pause()
}

func (e *nativeEngine) setLevel(int) error {
	return ErrQualityUnavailable
}
