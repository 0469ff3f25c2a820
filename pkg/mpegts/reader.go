package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astits"
)

// ReaderOnDataFunc is the prototype of the callback passed to OnData.
// Timestamps are raw 33-bit values in 90kHz units.
type ReaderOnDataFunc func(pts int64, dts int64, data []byte) error

// Reader reads PES packets of the supported tracks of a MPEG-TS stream.
type Reader struct {
	dem    *astits.Demuxer
	tracks []*Track
	onData map[uint16]ReaderOnDataFunc
}

// NewReader allocates a Reader.
// It reads the stream until the track list is known.
func NewReader(r io.Reader) (*Reader, error) {
	dem := astits.NewDemuxer(context.Background(), r, astits.DemuxerOptPacketSize(188))

	tracks, err := FindTracks(dem)
	if err != nil {
		return nil, err
	}

	return &Reader{
		dem:    dem,
		tracks: tracks,
		onData: make(map[uint16]ReaderOnDataFunc),
	}, nil
}

// Tracks returns the tracks of the stream.
func (r *Reader) Tracks() []*Track {
	return r.tracks
}

// OnData sets the callback that is called when a PES of given track is read.
func (r *Reader) OnData(track *Track, cb ReaderOnDataFunc) {
	r.onData[track.PID] = cb
}

// Read reads the next PES.
// It returns io.EOF once the stream is over.
func (r *Reader) Read() error {
	for {
		data, err := r.dem.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				return io.EOF
			}
			return err
		}

		if data.PES == nil {
			continue
		}

		cb, ok := r.onData[data.PID]
		if !ok {
			continue
		}

		oh := data.PES.Header.OptionalHeader
		if oh == nil || oh.PTS == nil {
			return fmt.Errorf("PTS is missing")
		}

		pts := oh.PTS.Base

		dts := pts
		if oh.DTS != nil {
			dts = oh.DTS.Base
		}

		return cb(pts, dts, data.PES.Data)
	}
}
