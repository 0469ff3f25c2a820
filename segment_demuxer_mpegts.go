package goiptv

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/aler9/gortsplib/v2/pkg/codecs/h264"
	"github.com/aler9/gortsplib/v2/pkg/codecs/h265"
	"github.com/aler9/gortsplib/v2/pkg/codecs/mpeg4audio"

	"github.com/bluenviron/goiptv/pkg/mpegts"
)

const mpegtsClockRate = 90000

func h265RandomAccessPresent(nalus [][]byte) bool {
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}

		switch h265.NALUType((nalu[0] >> 1) & 0b111111) {
		case h265.NALUType_IDR_W_RADL, h265.NALUType_IDR_N_LP, h265.NALUType_CRA_NUT:
			return true
		}
	}
	return false
}

type segmentDemuxerMPEGTS struct {
	origin *clientTimeOrigin
	tracks map[uint16]*Track
}

func newSegmentDemuxerMPEGTS(origin *clientTimeOrigin) *segmentDemuxerMPEGTS {
	return &segmentDemuxerMPEGTS{
		origin: origin,
		tracks: make(map[uint16]*Track),
	}
}

func (d *segmentDemuxerMPEGTS) track(mt *mpegts.Track) *Track {
	track, ok := d.tracks[mt.PID]
	if ok {
		return track
	}

	track = &Track{ID: int(mt.PID)}

	switch mt.Type {
	case mpegts.TrackTypeH264:
		track.Codec = CodecH264
	case mpegts.TrackTypeH265:
		track.Codec = CodecH265
	case mpegts.TrackTypeMPEG4Audio:
		track.Codec = CodecMPEG4Audio
	}

	d.tracks[mt.PID] = track
	return track
}

// times decodes a DTS and a PTS expressed as an offset from it,
// since the time decoder must be fed with monotonic values.
func (d *segmentDemuxerMPEGTS) times(rawPTS int64, rawDTS int64) (time.Duration, time.Duration) {
	dts := d.origin.decodeMPEGTS(rawDTS)
	pts := dts + timestampToDuration((rawPTS-rawDTS)&0x1FFFFFFFF, mpegtsClockRate)
	return pts, dts
}

func (d *segmentDemuxerMPEGTS) demux(payload []byte, onSample segmentDemuxerOnSampleFunc) error {
	r, err := mpegts.NewReader(bytes.NewReader(payload))
	if err != nil {
		return err
	}

	for _, mt := range r.Tracks() {
		track := d.track(mt)

		switch track.Codec {
		case CodecH264, CodecH265:
			r.OnData(mt, func(rawPTS int64, rawDTS int64, data []byte) error {
				nalus, err := h264.AnnexBUnmarshal(data)
				if err != nil {
					return fmt.Errorf("unable to decode Annex-B: %w", err)
				}

				pts, dts := d.times(rawPTS, rawDTS)

				var randomAccess bool
				if track.Codec == CodecH264 {
					randomAccess = h264.IDRPresent(nalus)
				} else {
					randomAccess = h265RandomAccessPresent(nalus)
				}

				return onSample(track, &Sample{
					PTS:          pts,
					DTS:          dts,
					RandomAccess: randomAccess,
					Data:         nalus,
				})
			})

		case CodecMPEG4Audio:
			r.OnData(mt, func(rawPTS int64, _ int64, data []byte) error {
				var pkts mpeg4audio.ADTSPackets
				err := pkts.Unmarshal(data)
				if err != nil {
					return fmt.Errorf("unable to decode ADTS: %w", err)
				}

				pts, _ := d.times(rawPTS, rawPTS)

				for i, pkt := range pkts {
					auPTS := pts + time.Duration(i)*mpeg4audio.SamplesPerAccessUnit*
						time.Second/time.Duration(pkt.SampleRate)

					err := onSample(track, &Sample{
						PTS:          auPTS,
						DTS:          auPTS,
						RandomAccess: true,
						Data:         [][]byte{pkt.AU},
					})
					if err != nil {
						return err
					}
				}

				return nil
			})
		}
	}

	for {
		err := r.Read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
