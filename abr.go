package goiptv

import (
	"sync"
	"time"
)

const (
	abrEWMAWeight      = 0.3
	abrBandwidthFactor = 0.8

	// transfers shorter than this are dominated by latency.
	abrMinSampleDuration = 10 * time.Millisecond
)

// clientBandwidthEstimator estimates the available bandwidth
// with an exponentially weighted moving average of transfers.
type clientBandwidthEstimator struct {
	mutex    sync.Mutex
	estimate float64 // bits per second
}

func (e *clientBandwidthEstimator) addSample(size int, d time.Duration) {
	if d < abrMinSampleDuration {
		d = abrMinSampleDuration
	}

	bps := float64(size*8) / d.Seconds()

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.estimate == 0 {
		e.estimate = bps
		return
	}

	e.estimate = abrEWMAWeight*bps + (1-abrEWMAWeight)*e.estimate
}

func (e *clientBandwidthEstimator) value() (float64, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.estimate, e.estimate != 0
}

// abrPickLevel returns the index of the level with the greatest bandwidth
// that fits the estimate, or the lowest level when none fits.
// Without an estimate, the first level is returned.
func abrPickLevel(levels []*Level, estimate float64, ok bool) int {
	if !ok || len(levels) == 0 {
		return 0
	}

	budget := estimate * abrBandwidthFactor

	best := -1
	lowest := 0

	for i, l := range levels {
		if l.Bandwidth < levels[lowest].Bandwidth {
			lowest = i
		}

		if float64(l.Bandwidth) <= budget &&
			(best < 0 || l.Bandwidth > levels[best].Bandwidth) {
			best = i
		}
	}

	if best < 0 {
		return lowest
	}
	return best
}
