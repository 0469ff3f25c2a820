package goiptv

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/grafov/m3u8"
	"golang.org/x/sync/errgroup"
)

func hlsCodecsSupported(codecs string) bool {
	if codecs == "" {
		return true
	}

	for _, codec := range strings.Split(codecs, ",") {
		codec = strings.TrimSpace(codec)
		if !strings.HasPrefix(codec, "avc1.") &&
			!strings.HasPrefix(codec, "hvc1.") &&
			!strings.HasPrefix(codec, "hev1.") &&
			!strings.HasPrefix(codec, "mp4a.") {
			return false
		}
	}
	return true
}

func hlsResolutionHeight(resolution string) int {
	i := strings.IndexByte(resolution, 'x')
	if i < 0 {
		return 0
	}

	h, err := strconv.Atoi(resolution[i+1:])
	if err != nil || h < 0 {
		return 0
	}
	return h
}

func hlsLevelLabel(height int, bandwidth int) string {
	switch {
	case height > 0:
		return strconv.Itoa(height) + "p"
	case bandwidth > 0:
		return strconv.Itoa(bandwidth/1000) + " kbps"
	}
	return "default"
}

func hlsLevelsFromVariants(base *url.URL, variants []*m3u8.Variant) ([]*Level, error) {
	var levels []*Level //nolint:prealloc

	for _, v := range variants {
		if v == nil || v.Iframe || !hlsCodecsSupported(v.Codecs) {
			continue
		}

		u, err := clientAbsoluteURL(base, v.URI)
		if err != nil {
			return nil, err
		}

		height := hlsResolutionHeight(v.Resolution)

		levels = append(levels, &Level{
			Index:     len(levels),
			Label:     hlsLevelLabel(height, int(v.Bandwidth)),
			Height:    height,
			Bandwidth: int(v.Bandwidth),
			uri:       u,
		})
	}

	return levels, nil
}

type hlsSegment struct {
	seq      uint64
	uri      *url.URL
	duration time.Duration
	start    int64
	length   int64
	init     *hlsInitSection
}

type hlsInitSection struct {
	uri    *url.URL
	start  int64
	length int64
}

func (s *hlsInitSection) key() string {
	return s.uri.String() + "@" + strconv.FormatInt(s.start, 10) + ":" + strconv.FormatInt(s.length, 10)
}

// hlsMediaPlaylist is the part of a media playlist that matters to loading.
type hlsMediaPlaylist struct {
	segments       []*hlsSegment
	targetDuration time.Duration
	finite         bool
}

func hlsMediaPlaylistFrom(base *url.URL, pl *m3u8.MediaPlaylist) (*hlsMediaPlaylist, error) {
	out := &hlsMediaPlaylist{
		targetDuration: time.Duration(pl.TargetDuration * float64(time.Second)),
		finite:         pl.Closed || pl.MediaType == m3u8.VOD,
	}

	if out.targetDuration <= 0 {
		out.targetDuration = hlsDefaultTargetDuration
	}

	var curInit *hlsInitSection

	for i, seg := range pl.Segments {
		if seg == nil {
			break
		}

		m := seg.Map
		if m == nil && i == 0 {
			m = pl.Map
		}

		if m != nil && m.URI != "" {
			u, err := clientAbsoluteURL(base, m.URI)
			if err != nil {
				return nil, err
			}

			curInit = &hlsInitSection{
				uri:    u,
				start:  m.Offset,
				length: m.Limit,
			}
		}

		u, err := clientAbsoluteURL(base, seg.URI)
		if err != nil {
			return nil, err
		}

		out.segments = append(out.segments, &hlsSegment{
			seq:      pl.SeqNo + uint64(i),
			uri:      u,
			duration: time.Duration(seg.Duration * float64(time.Second)),
			start:    seg.Offset,
			length:   seg.Limit,
			init:     curInit,
		})
	}

	return out, nil
}

// ensureManifest downloads and parses the manifest, unless this has already been done.
func (c *HLSClient) ensureManifest(ctx context.Context) error {
	c.mutex.Lock()
	loaded := c.levels != nil
	c.mutex.Unlock()

	if loaded {
		return nil
	}

	c.OnLog(LogLevelDebug, "downloading manifest %v", c.playlistURL)

	byts, err := c.downloader.downloadWithRetries(ctx, c.playlistURL, 0, 0, c.ManifestRetries)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("terminated")
		}
		return &HLSError{Type: HLSErrorTypeNetwork, Details: HLSErrorManifestLoad, Fatal: true, Err: err}
	}

	pl, typ, err := m3u8.DecodeFrom(bytes.NewReader(byts), false)
	if err != nil {
		return &HLSError{Type: HLSErrorTypeOther, Details: HLSErrorManifestParsing, Fatal: true, Err: err}
	}

	var levels []*Level
	var firstMedia *m3u8.MediaPlaylist

	switch typ {
	case m3u8.MASTER:
		levels, err = hlsLevelsFromVariants(c.playlistURL, pl.(*m3u8.MasterPlaylist).Variants)
		if err != nil {
			return &HLSError{Type: HLSErrorTypeOther, Details: HLSErrorManifestParsing, Fatal: true, Err: err}
		}

		if len(levels) == 0 {
			return &HLSError{
				Type:    HLSErrorTypeOther,
				Details: HLSErrorManifestIncompatible,
				Fatal:   true,
				Err:     fmt.Errorf("no variants with supported codecs found"),
			}
		}

	case m3u8.MEDIA:
		firstMedia = pl.(*m3u8.MediaPlaylist)
		levels = []*Level{{
			Index: 0,
			Label: hlsLevelLabel(0, 0),
			uri:   c.playlistURL,
		}}

	default:
		return &HLSError{
			Type:    HLSErrorTypeOther,
			Details: HLSErrorManifestParsing,
			Fatal:   true,
			Err:     fmt.Errorf("invalid playlist"),
		}
	}

	c.mutex.Lock()
	c.levels = levels
	c.firstMedia = firstMedia
	c.mutex.Unlock()

	c.OnLog(LogLevelDebug, "manifest parsed, %d levels", len(levels))
	c.OnManifestParsed(append([]*Level(nil), levels...))

	return nil
}

// hlsClientLoader downloads the segments of the current level and pushes them into the queue.
type hlsClientLoader struct {
	c     *HLSClient
	queue *clientSegmentQueue

	inits map[string][]byte
}

func (l *hlsClientLoader) startDistance() int {
	if l.c.LowLatency {
		return hlsLiveStartDistanceLowLatency
	}
	return hlsLiveStartDistance
}

func (l *hlsClientLoader) reloadInterval(pl *hlsMediaPlaylist) time.Duration {
	if l.c.LowLatency {
		return pl.targetDuration / 2
	}
	return pl.targetDuration
}

func (l *hlsClientLoader) run(ctx context.Context) error {
	err := l.c.ensureManifest(ctx)
	if err != nil {
		return err
	}

	l.inits = make(map[string][]byte)

	var pl *hlsMediaPlaylist
	var plLevel int
	var plTime time.Time

	for {
		level := l.c.pickLevel()

		if pl == nil || level != plLevel {
			pl, err = l.loadLevel(ctx, level)
			if err != nil {
				return err
			}
			plLevel = level
			plTime = time.Now()
		}

		batch := l.nextBatch(pl)

		if batch == nil {
			if pl.finite {
				l.queue.push(&segmentData{eos: true})
				return nil
			}

			// wait for new segments
			select {
			case <-time.After(l.reloadInterval(pl)):
			case <-ctx.Done():
				return fmt.Errorf("terminated")
			}

			pl = nil
			continue
		}

		datas, err := l.downloadBatch(ctx, level, batch)
		if err != nil {
			return err
		}

		for _, data := range datas {
			l.queue.push(data)
		}

		next := batch[len(batch)-1].seq + 1
		l.c.mutex.Lock()
		l.c.nextSeq = &next
		l.c.mutex.Unlock()

		ok := l.queue.waitUntilSizeIsBelow(ctx, l.c.MaxParallelDownloads)
		if !ok {
			return fmt.Errorf("terminated")
		}

		if !pl.finite && time.Since(plTime) >= l.reloadInterval(pl) {
			pl = nil
		}
	}
}

func (l *hlsClientLoader) loadLevel(ctx context.Context, level int) (*hlsMediaPlaylist, error) {
	l.c.mutex.Lock()
	lv := l.c.levels[level]
	raw := l.c.firstMedia
	l.c.firstMedia = nil
	l.c.mutex.Unlock()

	if raw == nil {
		l.c.OnLog(LogLevelDebug, "downloading level %d playlist %v", level, lv.uri)

		byts, err := l.c.downloader.downloadWithRetries(ctx, lv.uri, 0, 0, l.c.LevelRetries)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("terminated")
			}
			return nil, &HLSError{Type: HLSErrorTypeNetwork, Details: HLSErrorLevelLoad, Fatal: true, Err: err}
		}

		pl, typ, err := m3u8.DecodeFrom(bytes.NewReader(byts), false)
		if err == nil && typ != m3u8.MEDIA {
			err = fmt.Errorf("not a media playlist")
		}
		if err != nil {
			return nil, &HLSError{Type: HLSErrorTypeNetwork, Details: HLSErrorLevelParsing, Fatal: true, Err: err}
		}

		raw = pl.(*m3u8.MediaPlaylist)
	}

	pl, err := hlsMediaPlaylistFrom(lv.uri, raw)
	if err != nil {
		return nil, &HLSError{Type: HLSErrorTypeNetwork, Details: HLSErrorLevelParsing, Fatal: true, Err: err}
	}

	return pl, nil
}

// nextBatch returns the segments to download next, or nil when there are none yet.
func (l *hlsClientLoader) nextBatch(pl *hlsMediaPlaylist) []*hlsSegment {
	if len(pl.segments) == 0 {
		return nil
	}

	first := pl.segments[0].seq
	last := pl.segments[len(pl.segments)-1].seq

	liveEdge := func() uint64 {
		i := len(pl.segments) - l.startDistance()
		if i < 0 {
			i = 0
		}
		return pl.segments[i].seq
	}

	l.c.mutex.Lock()
	nextSeq := l.c.nextSeq
	l.c.mutex.Unlock()

	var start uint64

	switch {
	case nextSeq == nil:
		if pl.finite {
			start = first
		} else {
			start = liveEdge()
		}

	case *nextSeq < first:
		if pl.finite {
			start = first
		} else {
			l.c.OnLog(LogLevelWarn, "playback is too late, jumping to the live edge")
			start = liveEdge()
		}

	default:
		start = *nextSeq
	}

	if start > last {
		return nil
	}

	i := int(start - first)
	end := i + l.c.MaxParallelDownloads
	if end > len(pl.segments) {
		end = len(pl.segments)
	}

	return pl.segments[i:end]
}

func (l *hlsClientLoader) downloadInit(ctx context.Context, init *hlsInitSection) ([]byte, error) {
	key := init.key()

	if byts, ok := l.inits[key]; ok {
		return byts, nil
	}

	byts, err := l.c.downloader.downloadWithRetries(ctx, init.uri, init.start, init.length, l.c.SegmentRetries)
	if err != nil {
		return nil, err
	}

	l.inits[key] = byts
	return byts, nil
}

func (l *hlsClientLoader) downloadBatch(
	ctx context.Context,
	level int,
	batch []*hlsSegment,
) ([]*segmentData, error) {
	datas := make([]*segmentData, len(batch))

	for i, seg := range batch {
		datas[i] = &segmentData{
			seq:      int(seg.seq),
			level:    level,
			duration: seg.duration,
		}

		if seg.init != nil {
			init, err := l.downloadInit(ctx, seg.init)
			if err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("terminated")
				}
				return nil, &HLSError{Type: HLSErrorTypeNetwork, Details: HLSErrorFragLoad, Fatal: true, Err: err}
			}
			datas[i].init = init
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.c.MaxParallelDownloads)

	var total atomic.Int64
	start := time.Now()

	for i, seg := range batch {
		i, seg := i, seg
		g.Go(func() error {
			l.c.OnLog(LogLevelDebug, "downloading segment %v", seg.uri)

			payload, err := l.c.downloader.downloadWithRetries(gctx, seg.uri, seg.start, seg.length, l.c.SegmentRetries)
			if err != nil {
				return err
			}

			total.Add(int64(len(payload)))
			datas[i].payload = payload
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("terminated")
		}
		return nil, &HLSError{Type: HLSErrorTypeNetwork, Details: HLSErrorFragLoad, Fatal: true, Err: err}
	}

	l.c.bandwidth.addSample(int(total.Load()), time.Since(start))

	return datas, nil
}
