// Package fmp4 contains a fragmented MP4 reader and writer.
package fmp4

import (
	"bytes"
	"fmt"

	gomp4 "github.com/abema/go-mp4"
)

// Codec is the codec of a track.
type Codec int

// Codecs.
const (
	CodecUnsupported Codec = iota
	CodecH264
	CodecH265
	CodecMPEG4Audio
)

// IsVideo returns whether the codec is a video codec.
func (c Codec) IsVideo() bool {
	return c == CodecH264 || c == CodecH265
}

func codecFromSampleEntry(typ gomp4.BoxType) Codec {
	switch typ {
	case gomp4.BoxTypeAvc1(), gomp4.StrToBoxType("avc3"):
		return CodecH264

	case gomp4.BoxTypeHev1(), gomp4.StrToBoxType("hvc1"):
		return CodecH265

	case gomp4.BoxTypeMp4a():
		return CodecMPEG4Audio
	}

	return CodecUnsupported
}

// Init is a fragmented MP4 initialization section.
type Init struct {
	Tracks []*InitTrack
}

// Unmarshal decodes an initialization section.
// Tracks with a sample entry that is not supported are kept with CodecUnsupported.
func (i *Init) Unmarshal(byts []byte) error {
	i.Tracks = nil
	var curTrack *InitTrack

	_, err := gomp4.ReadBoxStructure(bytes.NewReader(byts), func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type.String() {
		case "moov", "mdia", "minf", "stbl", "stsd":
			return h.Expand()

		case "trak":
			curTrack = &InitTrack{}
			i.Tracks = append(i.Tracks, curTrack)
			return h.Expand()

		case "tkhd":
			if curTrack == nil {
				return nil, fmt.Errorf("unexpected tkhd")
			}

			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			curTrack.ID = int(box.(*gomp4.Tkhd).TrackID)

		case "mdhd":
			if curTrack == nil {
				return nil, fmt.Errorf("unexpected mdhd")
			}

			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			curTrack.TimeScale = box.(*gomp4.Mdhd).Timescale

		default:
			// sample entries are the only children of stsd
			if len(h.Path) >= 2 && h.Path[len(h.Path)-2] == gomp4.BoxTypeStsd() &&
				curTrack != nil && curTrack.Codec == CodecUnsupported {
				curTrack.Codec = codecFromSampleEntry(h.BoxInfo.Type)
			}
		}

		return nil, nil
	})
	if err != nil {
		return err
	}

	if len(i.Tracks) == 0 {
		return fmt.Errorf("no tracks found")
	}

	for _, track := range i.Tracks {
		if track.ID == 0 {
			return fmt.Errorf("track ID is missing")
		}
		if track.TimeScale == 0 {
			return fmt.Errorf("time scale of track %d is missing", track.ID)
		}
	}

	return nil
}

// Marshal encodes an initialization section.
func (i *Init) Marshal() ([]byte, error) {
	/*
		- ftyp
		- moov
		  - mvhd
		  - trak (1 or more)
		  - mvex
		    - trex (1 or more)
	*/

	w := newMP4Writer()

	_, err := w.writeBox(&gomp4.Ftyp{ // <ftyp/>
		MajorBrand:   [4]byte{'m', 'p', '4', '2'},
		MinorVersion: 1,
		CompatibleBrands: []gomp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '2'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'h', 'l', 's', 'f'}},
		},
	})
	if err != nil {
		return nil, err
	}

	_, err = w.writeBoxStart(&gomp4.Moov{}) // <moov>
	if err != nil {
		return nil, err
	}

	_, err = w.writeBox(&gomp4.Mvhd{ // <mvhd/>
		Timescale:   1000,
		Rate:        65536,
		Volume:      256,
		Matrix:      [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
		NextTrackID: uint32(len(i.Tracks) + 1),
	})
	if err != nil {
		return nil, err
	}

	for _, track := range i.Tracks {
		err = track.marshal(w)
		if err != nil {
			return nil, err
		}
	}

	_, err = w.writeBoxStart(&gomp4.Mvex{}) // <mvex>
	if err != nil {
		return nil, err
	}

	for _, track := range i.Tracks {
		_, err = w.writeBox(&gomp4.Trex{ // <trex/>
			TrackID:                       uint32(track.ID),
			DefaultSampleDescriptionIndex: 1,
		})
		if err != nil {
			return nil, err
		}
	}

	err = w.writeBoxEnd() // </mvex>
	if err != nil {
		return nil, err
	}

	err = w.writeBoxEnd() // </moov>
	if err != nil {
		return nil, err
	}

	return w.bytes(), nil
}
