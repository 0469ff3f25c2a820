package goiptv

import (
	"bytes"
	"fmt"

	"github.com/aler9/gortsplib/v2/pkg/codecs/h264"

	"github.com/bluenviron/goiptv/pkg/fmp4"
)

type segmentDemuxerFMP4Track struct {
	track     *Track
	timeScale uint32
}

type segmentDemuxerFMP4 struct {
	initBytes []byte
	origin    *clientTimeOrigin
	tracks    map[int]*segmentDemuxerFMP4Track
}

func newSegmentDemuxerFMP4(init []byte, origin *clientTimeOrigin) (*segmentDemuxerFMP4, error) {
	var fi fmp4.Init
	err := fi.Unmarshal(init)
	if err != nil {
		return nil, fmt.Errorf("invalid initialization section: %w", err)
	}

	d := &segmentDemuxerFMP4{
		initBytes: init,
		origin:    origin,
		tracks:    make(map[int]*segmentDemuxerFMP4Track),
	}

	for _, it := range fi.Tracks {
		var codec Codec
		switch it.Codec {
		case fmp4.CodecH264:
			codec = CodecH264
		case fmp4.CodecH265:
			codec = CodecH265
		case fmp4.CodecMPEG4Audio:
			codec = CodecMPEG4Audio
		default:
			continue
		}

		d.tracks[it.ID] = &segmentDemuxerFMP4Track{
			track: &Track{
				ID:    it.ID,
				Codec: codec,
			},
			timeScale: it.TimeScale,
		}
	}

	if len(d.tracks) == 0 {
		return nil, fmt.Errorf("no supported tracks found")
	}

	return d, nil
}

func (d *segmentDemuxerFMP4) hasInit(init []byte) bool {
	return bytes.Equal(d.initBytes, init)
}

func (d *segmentDemuxerFMP4) demux(payload []byte, onSample segmentDemuxerOnSampleFunc) error {
	var parts fmp4.Parts
	err := parts.Unmarshal(payload)
	if err != nil {
		return err
	}

	for _, part := range parts {
		for _, pt := range part.Tracks {
			dt, ok := d.tracks[pt.ID]
			if !ok {
				continue
			}

			rawDTS := pt.BaseTime

			for _, ps := range pt.Samples {
				dts := d.origin.relative(durationMp4ToGo(rawDTS, dt.timeScale))
				pts := dts + timestampToDuration(int64(ps.PTSOffset), int(dt.timeScale))
				rawDTS += uint64(ps.Duration)

				var data [][]byte

				if dt.track.Codec.IsVideo() {
					data, err = h264.AVCCUnmarshal(ps.Payload)
					if err != nil {
						return fmt.Errorf("unable to decode AVCC: %w", err)
					}
				} else {
					data = [][]byte{ps.Payload}
				}

				err = onSample(dt.track, &Sample{
					PTS:          pts,
					DTS:          dts,
					RandomAccess: !ps.IsNonSyncSample,
					Data:         data,
				})
				if err != nil {
					return err
				}
			}
		}
	}

	return nil
}
