package mpegts

import (
	"context"
	"io"
	"time"

	"github.com/aler9/gortsplib/v2/pkg/codecs/h264"
	"github.com/aler9/gortsplib/v2/pkg/codecs/mpeg4audio"
	"github.com/asticode/go-astits"
)

const (
	videoPID = 256
	audioPID = 257
)

// Writer is a MPEG-TS writer.
// It produces segments with a H264 track, an AAC track, or both.
type Writer struct {
	audioConfig *mpeg4audio.Config
	hasVideo    bool

	tsw        *astits.Muxer
	pcrCounter int
}

// NewWriter allocates a Writer.
func NewWriter(
	bw io.Writer,
	hasVideo bool,
	audioConfig *mpeg4audio.Config,
) *Writer {
	w := &Writer{
		audioConfig: audioConfig,
		hasVideo:    hasVideo,
	}

	w.tsw = astits.NewMuxer(context.Background(), bw)

	if hasVideo {
		w.tsw.AddElementaryStream(astits.PMTElementaryStream{
			ElementaryPID: videoPID,
			StreamType:    astits.StreamTypeH264Video,
		})
	}

	if audioConfig != nil {
		w.tsw.AddElementaryStream(astits.PMTElementaryStream{
			ElementaryPID: audioPID,
			StreamType:    astits.StreamTypeAACAudio,
		})
	}

	if hasVideo {
		w.tsw.SetPCRPID(videoPID)
	} else {
		w.tsw.SetPCRPID(audioPID)
	}

	return w
}

// WriteTables writes PAT and PMT.
// They must precede the first access unit of every segment.
func (w *Writer) WriteTables() error {
	_, err := w.tsw.WriteTables()
	return err
}

func (w *Writer) nextAdaptationField(pcr time.Duration) *astits.PacketAdaptationField {
	if w.pcrCounter != 0 {
		w.pcrCounter--
		return nil
	}

	w.pcrCounter = 2
	return &astits.PacketAdaptationField{
		HasPCR: true,
		PCR:    &astits.ClockReference{Base: durationToTimestamp(pcr)},
	}
}

// WriteH264 writes a H264 access unit.
func (w *Writer) WriteH264(
	pts time.Duration,
	dts time.Duration,
	idrPresent bool,
	nalus [][]byte,
) error {
	enc, err := h264.AnnexBMarshal(nalus)
	if err != nil {
		return err
	}

	af := w.nextAdaptationField(dts)
	if idrPresent {
		if af == nil {
			af = &astits.PacketAdaptationField{}
		}
		af.RandomAccessIndicator = true
	}

	oh := &astits.PESOptionalHeader{
		MarkerBits: 2,
	}

	if dts == pts {
		oh.PTSDTSIndicator = astits.PTSDTSIndicatorOnlyPTS
		oh.PTS = &astits.ClockReference{Base: durationToTimestamp(pts)}
	} else {
		oh.PTSDTSIndicator = astits.PTSDTSIndicatorBothPresent
		oh.DTS = &astits.ClockReference{Base: durationToTimestamp(dts)}
		oh.PTS = &astits.ClockReference{Base: durationToTimestamp(pts)}
	}

	_, err = w.tsw.WriteData(&astits.MuxerData{
		PID:             videoPID,
		AdaptationField: af,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: oh,
				StreamID:       224, // video
			},
			Data: enc,
		},
	})
	return err
}

// WriteMPEG4Audio writes a MPEG-4 Audio access unit.
func (w *Writer) WriteMPEG4Audio(
	pts time.Duration,
	au []byte,
) error {
	pkts := mpeg4audio.ADTSPackets{
		{
			Type:         w.audioConfig.Type,
			SampleRate:   w.audioConfig.SampleRate,
			ChannelCount: w.audioConfig.ChannelCount,
			AU:           au,
		},
	}

	enc, err := pkts.Marshal()
	if err != nil {
		return err
	}

	var af *astits.PacketAdaptationField
	if !w.hasVideo {
		af = w.nextAdaptationField(pts)
	}
	if af == nil {
		af = &astits.PacketAdaptationField{}
	}
	af.RandomAccessIndicator = true

	_, err = w.tsw.WriteData(&astits.MuxerData{
		PID:             audioPID,
		AdaptationField: af,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: durationToTimestamp(pts)},
				},
				PacketLength: uint16(len(enc) + 8),
				StreamID:     192, // audio
			},
			Data: enc,
		},
	})
	return err
}

func durationToTimestamp(d time.Duration) int64 {
	return int64(d) * clockRate / int64(time.Second)
}
