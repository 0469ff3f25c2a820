// Package mpegts contains MPEG-TS utilities.
package mpegts

import (
	"fmt"

	"github.com/asticode/go-astits"
)

// TrackType is the type of a MPEG-TS track.
type TrackType int

// Track types.
const (
	TrackTypeH264 TrackType = iota + 1
	TrackTypeH265
	TrackTypeMPEG4Audio
)

// Track is a MPEG-TS track.
type Track struct {
	PID  uint16
	Type TrackType
}

// FindTracks reads packets until the first PMT and returns the supported tracks it declares.
// Elementary streams of other types are ignored.
func FindTracks(dem *astits.Demuxer) ([]*Track, error) {
	for {
		data, err := dem.NextData()
		if err != nil {
			return nil, err
		}

		if data.PMT == nil {
			continue
		}

		var tracks []*Track

		for _, es := range data.PMT.ElementaryStreams {
			switch es.StreamType {
			case astits.StreamTypeH264Video:
				tracks = append(tracks, &Track{PID: es.ElementaryPID, Type: TrackTypeH264})

			case astits.StreamTypeH265Video:
				tracks = append(tracks, &Track{PID: es.ElementaryPID, Type: TrackTypeH265})

			case astits.StreamTypeAACAudio:
				tracks = append(tracks, &Track{PID: es.ElementaryPID, Type: TrackTypeMPEG4Audio})
			}
		}

		if tracks == nil {
			return nil, fmt.Errorf("no supported tracks found")
		}

		return tracks, nil
	}
}
