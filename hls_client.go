package goiptv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafov/m3u8"
)

const (
	hlsLiveStartDistance           = 3
	hlsLiveStartDistanceLowLatency = 1
	hlsDefaultTargetDuration       = 2 * time.Second
)

var errClientEOS = errors.New("end of stream")

// HLSErrorType is the class of a HLSError.
type HLSErrorType int

// HLS error types.
const (
	HLSErrorTypeNetwork HLSErrorType = iota + 1
	HLSErrorTypeMedia
	HLSErrorTypeOther
)

// String implements fmt.Stringer.
func (t HLSErrorType) String() string {
	switch t {
	case HLSErrorTypeNetwork:
		return "network"
	case HLSErrorTypeMedia:
		return "media"
	case HLSErrorTypeOther:
		return "other"
	}
	return "unknown"
}

// HLSErrorDetails describes the operation that failed.
type HLSErrorDetails string

// HLS error details.
const (
	HLSErrorManifestLoad         HLSErrorDetails = "manifestLoadError"
	HLSErrorManifestParsing      HLSErrorDetails = "manifestParsingError"
	HLSErrorManifestIncompatible HLSErrorDetails = "manifestIncompatibleCodecsError"
	HLSErrorLevelLoad            HLSErrorDetails = "levelLoadError"
	HLSErrorLevelParsing         HLSErrorDetails = "levelParsingError"
	HLSErrorFragLoad             HLSErrorDetails = "fragLoadError"
	HLSErrorFragParsing          HLSErrorDetails = "fragParsingError"
	HLSErrorBufferAppend         HLSErrorDetails = "bufferAppendError"
	HLSErrorRecoveryExhausted    HLSErrorDetails = "recoveryExhaustedError"
	HLSErrorInternal             HLSErrorDetails = "internalException"
)

// HLSError is an error reported by HLSClient.
type HLSError struct {
	Type    HLSErrorType
	Details HLSErrorDetails
	Fatal   bool
	Err     error
}

// Error implements the error interface.
func (e *HLSError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error (%s)", e.Type, e.Details)
	}
	return fmt.Sprintf("%s error (%s): %v", e.Type, e.Details, e.Err)
}

// Unwrap returns the underlying error.
func (e *HLSError) Unwrap() error {
	return e.Err
}

// Level is a rendition declared by a manifest.
type Level struct {
	// position in the manifest, among supported renditions.
	Index int

	// human-readable label, for instance "720p".
	Label string

	// vertical resolution, zero when not declared.
	Height int

	// peak bandwidth in bits per second, zero when not declared.
	Bandwidth int

	uri *url.URL
}

// HLSClientOnManifestParsedFunc is the prototype of HLSClient.OnManifestParsed.
type HLSClientOnManifestParsedFunc func(levels []*Level)

// HLSClientOnErrorFunc is the prototype of HLSClient.OnError.
type HLSClientOnErrorFunc func(err *HLSError)

// HLSClient is an adaptive HLS client that feeds a MediaSourceSurface.
type HLSClient struct {
	//
	// parameters (all optional except URI and Surface)
	//
	// URI of the multivariant or media playlist.
	URI string
	// HTTP client.
	// It defaults to http.DefaultClient.
	HTTPClient *http.Client
	// surface that receives samples.
	Surface MediaSourceSurface
	// maximum number of segments downloaded in parallel.
	// It defaults to 4.
	MaxParallelDownloads int
	// start live streams close to the live edge and reload playlists more often.
	LowLatency bool
	// media older than this, behind the playhead, is evicted from the surface.
	// It defaults to 90s.
	BackBufferLength time.Duration
	// maximum amount of media delivered ahead of the playhead.
	// It defaults to 30s.
	MaxBufferLength time.Duration
	// retries of the multivariant playlist download.
	// It defaults to 2.
	ManifestRetries int
	// retries of media playlist downloads.
	// It defaults to 3.
	LevelRetries int
	// retries of segment downloads.
	// It defaults to 3.
	SegmentRetries int
	// delay between retries.
	// It defaults to 1s.
	RetryDelay time.Duration
	// timeout of each request.
	// It defaults to 10s.
	RequestTimeout time.Duration
	// maximum number of recoveries without any segment being played in between.
	// It defaults to 3.
	MaxRecoveries int
	// number of consecutive undecodable segments that make a media error fatal.
	// It defaults to 3.
	MaxConsecutiveMediaErrors int

	//
	// callbacks (all optional)
	//
	// called before every request.
	OnRequest ClientOnRequestFunc
	// called when the manifest has been parsed.
	OnManifestParsed HLSClientOnManifestParsedFunc
	// called when an error occurs.
	// After a fatal error, loading stops until StartLoad() or RecoverMediaError() is called.
	OnError HLSClientOnErrorFunc
	// called when a finite stream has been entirely delivered.
	OnEnded func()
	// called when there's a log entry.
	OnLog LogFunc

	//
	// private
	//

	ctx         context.Context
	ctxCancel   func()
	playlistURL *url.URL
	downloader  *clientDownloader
	bandwidth   clientBandwidthEstimator
	pacer       clientPacer
	origin      clientTimeOrigin
	progressed  atomic.Bool

	mutex            sync.Mutex
	levels           []*Level
	firstMedia       *m3u8.MediaPlaylist
	manualLevel      int
	curLevel         int
	nextSeq          *uint64
	pendingStartLoad bool
	pendingRecover   bool
	destroyed        bool

	// in
	chWake chan struct{}

	// out
	done chan struct{}
}

// Start starts the client.
func (c *HLSClient) Start() error {
	if c.Surface == nil {
		return fmt.Errorf("surface is missing")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.MaxParallelDownloads == 0 {
		c.MaxParallelDownloads = 4
	}
	if c.BackBufferLength == 0 {
		c.BackBufferLength = 90 * time.Second
	}
	if c.MaxBufferLength == 0 {
		c.MaxBufferLength = 30 * time.Second
	}
	if c.ManifestRetries == 0 {
		c.ManifestRetries = 2
	}
	if c.LevelRetries == 0 {
		c.LevelRetries = 3
	}
	if c.SegmentRetries == 0 {
		c.SegmentRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRecoveries == 0 {
		c.MaxRecoveries = 3
	}
	if c.MaxConsecutiveMediaErrors == 0 {
		c.MaxConsecutiveMediaErrors = 3
	}
	if c.OnRequest == nil {
		c.OnRequest = func(_ *http.Request) {
		}
	}
	if c.OnManifestParsed == nil {
		c.OnManifestParsed = func(_ []*Level) {
		}
	}
	if c.OnEnded == nil {
		c.OnEnded = func() {
		}
	}
	if c.OnLog == nil {
		c.OnLog = defaultLog
	}
	if c.OnError == nil {
		c.OnError = func(err *HLSError) {
			c.OnLog(LogLevelWarn, "%v", err)
		}
	}

	var err error
	c.playlistURL, err = url.Parse(c.URI)
	if err != nil {
		return err
	}

	c.downloader = &clientDownloader{
		httpClient: c.HTTPClient,
		onRequest:  c.OnRequest,
		timeout:    c.RequestTimeout,
		retryDelay: c.RetryDelay,
	}

	c.pacer.maxAhead = c.MaxBufferLength
	c.manualLevel = -1

	c.ctx, c.ctxCancel = context.WithCancel(context.Background())

	c.chWake = make(chan struct{}, 1)
	c.done = make(chan struct{})

	go c.run()

	return nil
}

// Destroy stops loading and releases all resources.
// It can be called multiple times.
func (c *HLSClient) Destroy() {
	c.mutex.Lock()
	if c.destroyed || c.done == nil {
		c.destroyed = true
		c.mutex.Unlock()
		return
	}
	c.destroyed = true
	c.mutex.Unlock()

	c.ctxCancel()
	<-c.done
}

// StartLoad restarts loading from the current position.
// It is the recovery path of network errors.
func (c *HLSClient) StartLoad() {
	c.mutex.Lock()
	c.pendingStartLoad = true
	c.mutex.Unlock()
	c.wake()
}

// RecoverMediaError flushes the surface and restarts decoding from the current position.
// It is the recovery path of media errors.
func (c *HLSClient) RecoverMediaError() {
	c.mutex.Lock()
	c.pendingRecover = true
	c.mutex.Unlock()
	c.wake()
}

// SetCurrentLevel pins loading to a level.
// -1 enables automatic level selection.
func (c *HLSClient) SetCurrentLevel(level int) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if level < -1 || level >= len(c.levels) {
		return fmt.Errorf("invalid level: %d", level)
	}

	c.manualLevel = level
	return nil
}

// CurrentLevel returns the level that is being loaded, or -1 before the first one is picked.
func (c *HLSClient) CurrentLevel() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.levels == nil {
		return -1
	}
	return c.curLevel
}

// AutoLevelEnabled returns whether levels are picked automatically.
func (c *HLSClient) AutoLevelEnabled() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.manualLevel < 0
}

// Levels returns the levels of the manifest, or nil before it is parsed.
func (c *HLSClient) Levels() []*Level {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]*Level(nil), c.levels...)
}

func (c *HLSClient) wake() {
	select {
	case c.chWake <- struct{}{}:
	default:
	}
}

func (c *HLSClient) run() {
	defer close(c.done)

	var rp *clientRoutinePool
	recoveries := 0

	startGeneration := func() {
		rp = &clientRoutinePool{}
		rp.initialize(c.ctx)

		queue := &clientSegmentQueue{}
		queue.initialize()

		rp.add(&hlsClientLoader{c: c, queue: queue})
		rp.add(&hlsClientProcessor{c: c, queue: queue})
	}

	stopGeneration := func() {
		if rp != nil {
			rp.close()
			rp = nil
		}
	}

	startGeneration()

	for {
		select {
		case err := <-rp.errorChan():
			stopGeneration()

			if errors.Is(err, errClientEOS) {
				c.OnLog(LogLevelDebug, "stream ended")
				c.OnEnded()
				continue
			}

			var herr *HLSError
			if !errors.As(err, &herr) {
				herr = &HLSError{Type: HLSErrorTypeOther, Details: HLSErrorInternal, Fatal: true, Err: err}
			}
			herr.Fatal = true

			c.OnError(herr)

		case <-c.chWake:
			c.mutex.Lock()
			startLoad := c.pendingStartLoad
			recoverMedia := c.pendingRecover
			c.pendingStartLoad = false
			c.pendingRecover = false
			c.mutex.Unlock()

			if !startLoad && !recoverMedia {
				continue
			}

			stopGeneration()

			if c.progressed.Swap(false) {
				recoveries = 0
			}
			recoveries++

			if recoveries > c.MaxRecoveries {
				c.OnError(&HLSError{
					Type:    HLSErrorTypeOther,
					Details: HLSErrorRecoveryExhausted,
					Fatal:   true,
					Err:     fmt.Errorf("recovery attempts exhausted"),
				})
				continue
			}

			if recoverMedia {
				c.OnLog(LogLevelInfo, "recovering from media error")
				c.Surface.Flush()
				c.pacer.reset()
			} else {
				c.OnLog(LogLevelInfo, "restarting load")
			}

			startGeneration()

		case <-c.ctx.Done():
			stopGeneration()
			return
		}
	}
}

// pickLevel returns the level of the next segment batch.
func (c *HLSClient) pickLevel() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.manualLevel >= 0 {
		c.curLevel = c.manualLevel
	} else {
		estimate, ok := c.bandwidth.value()
		c.curLevel = abrPickLevel(c.levels, estimate, ok)
	}

	return c.curLevel
}
