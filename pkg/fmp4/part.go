package fmp4

import (
	"bytes"
	"fmt"

	gomp4 "github.com/abema/go-mp4"
)

const (
	tfhdBaseDataOffsetPresent              = 0x01
	tfhdDefaultSampleDurationPresent       = 0x08
	tfhdDefaultSampleSizePresent           = 0x10
	tfhdDefaultSampleFlagsPresent          = 0x20
	tfhdDefaultBaseIsMoof                  = 0x20000
	trunDataOffsetPresent                  = 0x01
	trunFirstSampleFlagsPresent            = 0x04
	trunSampleDurationPresent              = 0x100
	trunSampleSizePresent                  = 0x200
	trunSampleFlagsPresent                 = 0x400
	trunSampleCompositionTimeOffsetPresent = 0x800

	sampleFlagIsNonSyncSample = 1 << 16
)

// PartSample is a sample of a PartTrack.
type PartSample struct {
	Duration        uint32
	PTSOffset       int32
	IsNonSyncSample bool
	Payload         []byte
}

// PartTrack is a track of Part.
type PartTrack struct {
	ID       int
	BaseTime uint64
	Samples  []*PartSample
}

// Part is a fragmented MP4 fragment (moof + mdat).
type Part struct {
	SequenceNumber uint32
	Tracks         []*PartTrack
}

// Parts is a sequence of fragments, for instance a media segment.
type Parts []*Part

type partsUnmarshaler struct {
	byts       []byte
	parts      Parts
	curPart    *Part
	moofOffset uint64
	curTrack   *PartTrack
	tfhd       *gomp4.Tfhd
}

func (u *partsUnmarshaler) baseDataOffset() uint64 {
	if (u.tfhd.GetFlags() & tfhdBaseDataOffsetPresent) != 0 {
		return u.tfhd.BaseDataOffset
	}
	return u.moofOffset
}

func (u *partsUnmarshaler) readTrun(trun *gomp4.Trun) error {
	flags := trun.GetFlags()

	if (flags & trunDataOffsetPresent) == 0 {
		return fmt.Errorf("trun without data offset is not supported")
	}

	pos := int64(u.baseDataOffset()) + int64(trun.DataOffset)

	tfhdFlags := u.tfhd.GetFlags()

	for i, e := range trun.Entries {
		s := &PartSample{}

		switch {
		case (flags & trunSampleDurationPresent) != 0:
			s.Duration = e.SampleDuration
		case (tfhdFlags & tfhdDefaultSampleDurationPresent) != 0:
			s.Duration = u.tfhd.DefaultSampleDuration
		}

		var size uint32
		switch {
		case (flags & trunSampleSizePresent) != 0:
			size = e.SampleSize
		case (tfhdFlags & tfhdDefaultSampleSizePresent) != 0:
			size = u.tfhd.DefaultSampleSize
		default:
			return fmt.Errorf("sample size is missing")
		}

		var sampleFlags uint32
		switch {
		case i == 0 && (flags&trunFirstSampleFlagsPresent) != 0:
			sampleFlags = trun.FirstSampleFlags
		case (flags & trunSampleFlagsPresent) != 0:
			sampleFlags = e.SampleFlags
		case (tfhdFlags & tfhdDefaultSampleFlagsPresent) != 0:
			sampleFlags = u.tfhd.DefaultSampleFlags
		}
		s.IsNonSyncSample = (sampleFlags & sampleFlagIsNonSyncSample) != 0

		if (flags & trunSampleCompositionTimeOffsetPresent) != 0 {
			if trun.GetVersion() == 0 {
				s.PTSOffset = int32(e.SampleCompositionTimeOffsetV0)
			} else {
				s.PTSOffset = e.SampleCompositionTimeOffsetV1
			}
		}

		if pos < 0 || (pos+int64(size)) > int64(len(u.byts)) {
			return fmt.Errorf("sample data is out of bounds")
		}

		s.Payload = u.byts[pos : pos+int64(size)]
		pos += int64(size)

		u.curTrack.Samples = append(u.curTrack.Samples, s)
	}

	return nil
}

func (u *partsUnmarshaler) handle(h *gomp4.ReadHandle) (interface{}, error) {
	switch h.BoxInfo.Type.String() {
	case "moof":
		u.curPart = &Part{}
		u.parts = append(u.parts, u.curPart)
		u.moofOffset = h.BoxInfo.Offset
		return h.Expand()

	case "mfhd":
		if u.curPart == nil {
			return nil, fmt.Errorf("unexpected mfhd")
		}

		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, err
		}
		u.curPart.SequenceNumber = box.(*gomp4.Mfhd).SequenceNumber

	case "traf":
		if u.curPart == nil {
			return nil, fmt.Errorf("unexpected traf")
		}

		u.curTrack = nil
		u.tfhd = nil
		return h.Expand()

	case "tfhd":
		if u.curPart == nil {
			return nil, fmt.Errorf("unexpected tfhd")
		}

		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, err
		}
		u.tfhd = box.(*gomp4.Tfhd)

		u.curTrack = &PartTrack{ID: int(u.tfhd.TrackID)}
		u.curPart.Tracks = append(u.curPart.Tracks, u.curTrack)

	case "tfdt":
		if u.curTrack == nil {
			return nil, fmt.Errorf("unexpected tfdt")
		}

		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, err
		}
		tfdt := box.(*gomp4.Tfdt)

		if tfdt.GetVersion() == 0 {
			u.curTrack.BaseTime = uint64(tfdt.BaseMediaDecodeTimeV0)
		} else {
			u.curTrack.BaseTime = tfdt.BaseMediaDecodeTimeV1
		}

	case "trun":
		if u.curTrack == nil {
			return nil, fmt.Errorf("unexpected trun")
		}

		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, err
		}

		err = u.readTrun(box.(*gomp4.Trun))
		if err != nil {
			return nil, err
		}
	}

	return nil, nil
}

// Unmarshal decodes one or more fragments.
// Sample payloads point into byts.
func (ps *Parts) Unmarshal(byts []byte) error {
	u := &partsUnmarshaler{byts: byts}

	_, err := gomp4.ReadBoxStructure(bytes.NewReader(byts), u.handle)
	if err != nil {
		return err
	}

	if len(u.parts) == 0 {
		return fmt.Errorf("no fragments found")
	}

	*ps = u.parts
	return nil
}

// Marshal encodes a fragment.
func (p *Part) Marshal() ([]byte, error) {
	/*
		moof
		- mfhd
		- traf (1 or more)
		  - tfhd
		  - tfdt
		  - trun
		mdat
	*/

	w := newMP4Writer()

	moofOffset, err := w.writeBoxStart(&gomp4.Moof{}) // <moof>
	if err != nil {
		return nil, err
	}

	_, err = w.writeBox(&gomp4.Mfhd{ // <mfhd/>
		SequenceNumber: p.SequenceNumber,
	})
	if err != nil {
		return nil, err
	}

	truns := make([]*gomp4.Trun, len(p.Tracks))
	trunOffsets := make([]int, len(p.Tracks))

	for i, track := range p.Tracks {
		truns[i], trunOffsets[i], err = track.marshal(w)
		if err != nil {
			return nil, err
		}
	}

	err = w.writeBoxEnd() // </moof>
	if err != nil {
		return nil, err
	}

	var mdat []byte
	dataOffsets := make([]int, len(p.Tracks))

	for i, track := range p.Tracks {
		dataOffsets[i] = len(mdat)
		for _, sample := range track.Samples {
			mdat = append(mdat, sample.Payload...)
		}
	}

	mdatOffset, err := w.writeBox(&gomp4.Mdat{ // <mdat/>
		Data: mdat,
	})
	if err != nil {
		return nil, err
	}

	for i := range p.Tracks {
		truns[i].DataOffset = int32(mdatOffset - moofOffset + 8 + dataOffsets[i])

		err = w.rewriteBox(trunOffsets[i], truns[i])
		if err != nil {
			return nil, err
		}
	}

	return w.bytes(), nil
}

func (track *PartTrack) marshal(w *mp4Writer) (*gomp4.Trun, int, error) {
	_, err := w.writeBoxStart(&gomp4.Traf{}) // <traf>
	if err != nil {
		return nil, 0, err
	}

	_, err = w.writeBox(&gomp4.Tfhd{ // <tfhd/>
		FullBox: gomp4.FullBox{
			Flags: [3]byte{2, 0, 0},
		},
		TrackID: uint32(track.ID),
	})
	if err != nil {
		return nil, 0, err
	}

	_, err = w.writeBox(&gomp4.Tfdt{ // <tfdt/>
		FullBox: gomp4.FullBox{
			Version: 1,
		},
		BaseMediaDecodeTimeV1: track.BaseTime,
	})
	if err != nil {
		return nil, 0, err
	}

	flags := trunDataOffsetPresent |
		trunSampleDurationPresent |
		trunSampleSizePresent |
		trunSampleFlagsPresent |
		trunSampleCompositionTimeOffsetPresent

	trun := &gomp4.Trun{ // <trun/>
		FullBox: gomp4.FullBox{
			Version: 1,
			Flags:   [3]byte{0, byte(flags >> 8), byte(flags)},
		},
		SampleCount: uint32(len(track.Samples)),
	}

	for _, sample := range track.Samples {
		var sampleFlags uint32
		if sample.IsNonSyncSample {
			sampleFlags |= sampleFlagIsNonSyncSample
		}

		trun.Entries = append(trun.Entries, gomp4.TrunEntry{
			SampleDuration:                sample.Duration,
			SampleSize:                    uint32(len(sample.Payload)),
			SampleFlags:                   sampleFlags,
			SampleCompositionTimeOffsetV1: sample.PTSOffset,
		})
	}

	trunOffset, err := w.writeBox(trun)
	if err != nil {
		return nil, 0, err
	}

	err = w.writeBoxEnd() // </traf>
	if err != nil {
		return nil, 0, err
	}

	return trun, trunOffset, nil
}
