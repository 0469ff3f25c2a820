package mpegts

import (
	"time"
)

const (
	maximum           = 0x1FFFFFFFF // 33 bits
	negativeThreshold = 0x1FFFFFFFF / 2
	clockRate         = 90000
)

// TimeDecoder converts 33-bit MPEG-TS timestamps into durations
// relative to the first decoded timestamp, handling wraparounds.
// The zero value is ready to use.
type TimeDecoder struct {
	initialized bool
	overall     int64
	prev        int64
}

// Decode decodes a MPEG-TS timestamp.
func (d *TimeDecoder) Decode(ts int64) time.Duration {
	if !d.initialized {
		d.initialized = true
		d.prev = ts
	}

	diff := (ts - d.prev) & maximum

	// negative difference
	if diff > negativeThreshold {
		d.overall -= (d.prev - ts) & maximum
	} else {
		d.overall += diff
	}
	d.prev = ts

	// split the conversion in two parts to preserve resolution
	// without overflowing.
	secs := d.overall / clockRate
	dec := d.overall % clockRate
	return time.Duration(secs)*time.Second + time.Duration(dec)*time.Second/clockRate
}
