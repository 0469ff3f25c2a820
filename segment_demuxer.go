package goiptv

import (
	"sync"
	"time"

	"github.com/bluenviron/goiptv/pkg/mpegts"
)

type segmentDemuxerOnSampleFunc func(track *Track, sample *Sample) error

// segmentDemuxer converts segments into samples.
// Tracks are allocated once and reused across segments.
type segmentDemuxer interface {
	demux(payload []byte, onSample segmentDemuxerOnSampleFunc) error
}

// clientTimeOrigin is the timestamp that maps to zero,
// shared by demuxers of a single presentation
// in order to keep timestamps continuous when demuxers are replaced.
type clientTimeOrigin struct {
	mutex     sync.Mutex
	set       bool
	value     time.Duration
	mpegtsDec mpegts.TimeDecoder
}

func (o *clientTimeOrigin) decodeMPEGTS(ts int64) time.Duration {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.mpegtsDec.Decode(ts)
}

func (o *clientTimeOrigin) relative(v time.Duration) time.Duration {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if !o.set {
		o.set = true
		o.value = v
	}

	return v - o.value
}

func (o *clientTimeOrigin) reset() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.set = false
	o.mpegtsDec = mpegts.TimeDecoder{}
}

// segmentDemuxerFor returns the demuxer suited for given initialization section.
// When the section is unchanged, the current demuxer is returned.
func segmentDemuxerFor(
	cur segmentDemuxer,
	init []byte,
	origin *clientTimeOrigin,
) (segmentDemuxer, error) {
	if init == nil {
		if cur != nil {
			if _, ok := cur.(*segmentDemuxerMPEGTS); ok {
				return cur, nil
			}
		}
		return newSegmentDemuxerMPEGTS(origin), nil
	}

	if cur != nil {
		if d, ok := cur.(*segmentDemuxerFMP4); ok && d.hasInit(init) {
			return cur, nil
		}
	}

	return newSegmentDemuxerFMP4(init, origin)
}
