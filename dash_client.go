package goiptv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DASHClientOnErrorFunc is the prototype of DASHClient.OnError.
type DASHClientOnErrorFunc func(err error)

// DASHClient is a MPEG-DASH client that feeds a MediaSourceSurface.
type DASHClient struct {
	//
	// parameters (all optional except URI and Surface)
	//
	// URI of the MPD.
	URI string
	// HTTP client.
	// It defaults to http.DefaultClient.
	HTTPClient *http.Client
	// surface that receives samples.
	Surface MediaSourceSurface
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

	//
	// callbacks (all optional)
	//
	// called before every request.
	OnRequest ClientOnRequestFunc
	// called when an error occurs. Loading is restarted after RetryDelay.
	OnError DASHClientOnErrorFunc
	// called when a static presentation has been entirely delivered.
	OnEnded func()
	// called when there's a log entry.
	OnLog LogFunc

	//
	// private
	//

	ctx        context.Context
	ctxCancel  func()
	mpdURL     *url.URL
	downloader *clientDownloader
	pacer      clientPacer
	origin     clientTimeOrigin

	mutex     sync.Mutex
	reset     bool
	delivered map[string]uint64

	// out
	done chan struct{}
}

// Start starts the client.
func (c *DASHClient) Start() error {
	if c.Surface == nil {
		return fmt.Errorf("surface is missing")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxBufferLength == 0 {
		c.MaxBufferLength = 30 * time.Second
	}
	if c.LiveDelaySegments == 0 {
		c.LiveDelaySegments = 3
	}
	if c.OnRequest == nil {
		c.OnRequest = func(_ *http.Request) {
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
		c.OnError = func(err error) {
			c.OnLog(LogLevelWarn, "%v", err)
		}
	}

	var err error
	c.mpdURL, err = url.Parse(c.URI)
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
	c.delivered = make(map[string]uint64)

	c.ctx, c.ctxCancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})

	go c.run()

	return nil
}

// Reset stops loading and releases all resources.
// It can be called multiple times.
func (c *DASHClient) Reset() {
	c.mutex.Lock()
	if c.reset || c.done == nil {
		c.reset = true
		c.mutex.Unlock()
		return
	}
	c.reset = true
	c.mutex.Unlock()

	c.ctxCancel()
	<-c.done
}

func (c *DASHClient) run() {
	defer close(c.done)

	for {
		err := c.runInner()

		if c.ctx.Err() != nil {
			return
		}

		if errors.Is(err, errClientEOS) {
			c.OnLog(LogLevelDebug, "presentation ended")
			c.OnEnded()
			<-c.ctx.Done()
			return
		}

		c.OnError(err)

		select {
		case <-time.After(c.RetryDelay):
		case <-c.ctx.Done():
			return
		}

		c.Surface.Flush()
		c.pacer.reset()
		c.origin.reset()
	}
}

// lastDelivered returns the order of the last segment of given kind
// that reached the surface, so that loading resumes after it.
func (c *DASHClient) lastDelivered(kind string) *uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	order, ok := c.delivered[kind]
	if !ok {
		return nil
	}
	return &order
}

func (c *DASHClient) setDelivered(kind string, order uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.delivered[kind] = order
}

func (c *DASHClient) loadMPD(ctx context.Context) ([]*dashRepresentationInfo, error) {
	c.OnLog(LogLevelDebug, "downloading MPD %v", c.mpdURL)

	byts, err := c.downloader.download(ctx, c.mpdURL, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to download MPD: %w", err)
	}

	var mpd dashMPD
	err = mpd.unmarshal(byts)
	if err != nil {
		return nil, fmt.Errorf("unable to parse MPD: %w", err)
	}

	return mpd.pickRepresentations(c.mpdURL)
}

func (c *DASHClient) runInner() error {
	reps, err := c.loadMPD(c.ctx)
	if err != nil {
		return err
	}

	rp := &clientRoutinePool{}
	rp.initialize(c.ctx)
	defer rp.close()

	chEnded := make(chan struct{}, len(reps))

	for _, rep := range reps {
		queue := &clientSegmentQueue{}
		queue.initialize()

		rp.add(&dashClientLoader{
			c:     c,
			rep:   rep,
			queue: queue,
		})
		rp.add(&dashClientProcessor{
			c:       c,
			kind:    rep.kind,
			queue:   queue,
			chEnded: chEnded,
		})
	}

	ended := 0

	for {
		select {
		case err := <-rp.errorChan():
			return err

		case <-chEnded:
			ended++
			if ended == len(reps) {
				return errClientEOS
			}

		case <-c.ctx.Done():
			return fmt.Errorf("terminated")
		}
	}
}

// dashClientLoader downloads the segments of a representation.
type dashClientLoader struct {
	c     *DASHClient
	rep   *dashRepresentationInfo
	queue *clientSegmentQueue
}

func (l *dashClientLoader) run(ctx context.Context) error {
	var init []byte

	initURL, err := l.rep.initURL()
	if err != nil {
		return err
	}

	if initURL != nil {
		init, err = l.c.downloader.download(ctx, initURL, 0, 0)
		if err != nil {
			return fmt.Errorf("unable to download initialization segment: %w", err)
		}
	}

	cursor := l.c.lastDelivered(l.rep.kind)

	for {
		refs, err := l.rep.segments(time.Now())
		if err != nil {
			return err
		}

		next := l.pick(refs, cursor)

		if next == nil {
			if !l.rep.dynamic {
				l.queue.push(&segmentData{eos: true})
				return nil
			}

			wait := time.Second
			if len(refs) != 0 {
				wait = refs[len(refs)-1].duration / 2
			}

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return fmt.Errorf("terminated")
			}

			if l.rep.tmpl.Timeline != nil {
				err = l.reload(ctx)
				if err != nil {
					return err
				}
			}
			continue
		}

		l.c.OnLog(LogLevelDebug, "downloading segment %v", next.url)

		payload, err := l.c.downloader.download(ctx, next.url, 0, 0)
		if err != nil {
			return fmt.Errorf("unable to download segment: %w", err)
		}

		l.queue.push(&segmentData{
			duration: next.duration,
			order:    next.order,
			init:     init,
			payload:  payload,
		})

		order := next.order
		cursor = &order

		ok := l.queue.waitUntilSizeIsBelow(ctx, 1)
		if !ok {
			return fmt.Errorf("terminated")
		}
	}
}

// pick returns the segment that follows cursor, or the starting segment when cursor is nil.
func (l *dashClientLoader) pick(refs []*dashSegmentRef, cursor *uint64) *dashSegmentRef {
	if len(refs) == 0 {
		return nil
	}

	if cursor == nil {
		if !l.rep.dynamic {
			return refs[0]
		}

		i := len(refs) - l.c.LiveDelaySegments
		if i < 0 {
			i = 0
		}
		return refs[i]
	}

	for _, ref := range refs {
		if ref.order > *cursor {
			return ref
		}
	}

	return nil
}

// reload refreshes the segment timeline of the representation.
func (l *dashClientLoader) reload(ctx context.Context) error {
	reps, err := l.c.loadMPD(ctx)
	if err != nil {
		return err
	}

	for _, rep := range reps {
		if rep.kind == l.rep.kind {
			l.rep = rep
			return nil
		}
	}

	return fmt.Errorf("representation '%s' disappeared", l.rep.id)
}

// dashClientProcessor demuxes segments and feeds the surface.
type dashClientProcessor struct {
	c       *DASHClient
	kind    string
	queue   *clientSegmentQueue
	chEnded chan struct{}

	demuxer segmentDemuxer
}

func (p *dashClientProcessor) run(ctx context.Context) error {
	for {
		seg, ok := p.queue.pull(ctx)
		if !ok {
			return fmt.Errorf("terminated")
		}

		if seg.eos {
			p.chEnded <- struct{}{}
			return nil
		}

		if seg.init == nil {
			return fmt.Errorf("initialization segment is missing")
		}

		var err error
		p.demuxer, err = segmentDemuxerFor(p.demuxer, seg.init, &p.c.origin)
		if err != nil {
			return err
		}

		err = p.demuxer.demux(seg.payload, func(track *Track, sample *Sample) error {
			err := p.c.pacer.wait(ctx, sample.DTS)
			if err != nil {
				return err
			}
			return p.c.Surface.WriteSample(track, sample)
		})
		if err != nil {
			return err
		}

		p.c.setDelivered(p.kind, seg.order)
	}
}
