package goiptv

import (
	"context"
	"sync"
	"time"
)

// clientPacer maps media timestamps to the wall clock
// and keeps delivery at most maxAhead ahead of the playhead.
type clientPacer struct {
	maxAhead time.Duration

	mutex    sync.Mutex
	started  bool
	startRTC time.Time
	startDTS time.Duration
}

func (p *clientPacer) anchor(dts time.Duration) {
	p.started = true
	p.startRTC = time.Now()
	p.startDTS = dts
}

// playhead returns the estimated position of playback.
func (p *clientPacer) playhead() (time.Duration, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.started {
		return 0, false
	}

	return p.startDTS + time.Since(p.startRTC), true
}

// reset makes the next sample the new anchor.
func (p *clientPacer) reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.started = false
}

// wait blocks until a sample with given DTS can be delivered.
func (p *clientPacer) wait(ctx context.Context, dts time.Duration) error {
	p.mutex.Lock()

	if !p.started {
		p.anchor(dts)
		p.mutex.Unlock()
		return nil
	}

	pos := p.startDTS + time.Since(p.startRTC)
	ahead := dts - pos

	switch {
	// timestamps jumped forward, or playback stalled for longer than the buffer.
	case ahead > (p.maxAhead*2) || ahead < -p.maxAhead:
		p.anchor(dts)
		p.mutex.Unlock()
		return nil

	case ahead <= p.maxAhead:
		p.mutex.Unlock()
		return nil
	}

	p.mutex.Unlock()

	select {
	case <-time.After(ahead - p.maxAhead):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
