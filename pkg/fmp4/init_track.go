package fmp4

import (
	gomp4 "github.com/abema/go-mp4"
)

// InitTrack is a track of Init.
type InitTrack struct {
	ID        int
	TimeScale uint32
	Codec     Codec

	// video only
	Width  int
	Height int

	// audio only
	SampleRate   int
	ChannelCount int
}

func (track *InitTrack) marshal(w *mp4Writer) error {
	/*
		trak
		- tkhd
		- mdia
		  - mdhd
		  - hdlr
		  - minf
		    - vmhd (video)
		    - smhd (audio)
		    - stbl
		      - stsd
		        - avc1 (h264)
		        - hev1 (h265)
		        - mp4a (mpeg4audio)
		      - stts
		      - stsc
		      - stsz
		      - stco
	*/

	_, err := w.writeBoxStart(&gomp4.Trak{}) // <trak>
	if err != nil {
		return err
	}

	if track.Codec.IsVideo() {
		_, err = w.writeBox(&gomp4.Tkhd{ // <tkhd/>
			FullBox: gomp4.FullBox{
				Flags: [3]byte{0, 0, 3},
			},
			TrackID: uint32(track.ID),
			Width:   uint32(track.Width * 65536),
			Height:  uint32(track.Height * 65536),
			Matrix:  [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
		})
	} else {
		_, err = w.writeBox(&gomp4.Tkhd{ // <tkhd/>
			FullBox: gomp4.FullBox{
				Flags: [3]byte{0, 0, 3},
			},
			TrackID:        uint32(track.ID),
			AlternateGroup: 1,
			Volume:         256,
			Matrix:         [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
		})
	}
	if err != nil {
		return err
	}

	_, err = w.writeBoxStart(&gomp4.Mdia{}) // <mdia>
	if err != nil {
		return err
	}

	_, err = w.writeBox(&gomp4.Mdhd{ // <mdhd/>
		Timescale: track.TimeScale,
		Language:  [3]byte{'u', 'n', 'd'},
	})
	if err != nil {
		return err
	}

	if track.Codec.IsVideo() {
		_, err = w.writeBox(&gomp4.Hdlr{ // <hdlr/>
			HandlerType: [4]byte{'v', 'i', 'd', 'e'},
			Name:        "VideoHandler",
		})
	} else {
		_, err = w.writeBox(&gomp4.Hdlr{ // <hdlr/>
			HandlerType: [4]byte{'s', 'o', 'u', 'n'},
			Name:        "SoundHandler",
		})
	}
	if err != nil {
		return err
	}

	_, err = w.writeBoxStart(&gomp4.Minf{}) // <minf>
	if err != nil {
		return err
	}

	if track.Codec.IsVideo() {
		_, err = w.writeBox(&gomp4.Vmhd{ // <vmhd/>
			FullBox: gomp4.FullBox{
				Flags: [3]byte{0, 0, 1},
			},
		})
	} else {
		_, err = w.writeBox(&gomp4.Smhd{}) // <smhd/>
	}
	if err != nil {
		return err
	}

	_, err = w.writeBoxStart(&gomp4.Stbl{}) // <stbl>
	if err != nil {
		return err
	}

	_, err = w.writeBoxStart(&gomp4.Stsd{ // <stsd>
		EntryCount: 1,
	})
	if err != nil {
		return err
	}

	switch track.Codec {
	case CodecH264, CodecH265:
		typ := gomp4.BoxTypeAvc1()
		if track.Codec == CodecH265 {
			typ = gomp4.BoxTypeHev1()
		}

		_, err = w.writeBox(&gomp4.VisualSampleEntry{ // <avc1/> or <hev1/>
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox: gomp4.AnyTypeBox{
					Type: typ,
				},
				DataReferenceIndex: 1,
			},
			Width:           uint16(track.Width),
			Height:          uint16(track.Height),
			Horizresolution: 4718592,
			Vertresolution:  4718592,
			FrameCount:      1,
			Depth:           24,
			PreDefined3:     -1,
		})

	case CodecMPEG4Audio:
		_, err = w.writeBox(&gomp4.AudioSampleEntry{ // <mp4a/>
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox: gomp4.AnyTypeBox{
					Type: gomp4.BoxTypeMp4a(),
				},
				DataReferenceIndex: 1,
			},
			ChannelCount: uint16(track.ChannelCount),
			SampleSize:   16,
			SampleRate:   uint32(track.SampleRate * 65536),
		})
	}
	if err != nil {
		return err
	}

	err = w.writeBoxEnd() // </stsd>
	if err != nil {
		return err
	}

	_, err = w.writeBox(&gomp4.Stts{}) // <stts/>
	if err != nil {
		return err
	}

	_, err = w.writeBox(&gomp4.Stsc{}) // <stsc/>
	if err != nil {
		return err
	}

	_, err = w.writeBox(&gomp4.Stsz{}) // <stsz/>
	if err != nil {
		return err
	}

	_, err = w.writeBox(&gomp4.Stco{}) // <stco/>
	if err != nil {
		return err
	}

	err = w.writeBoxEnd() // </stbl>
	if err != nil {
		return err
	}

	err = w.writeBoxEnd() // </minf>
	if err != nil {
		return err
	}

	err = w.writeBoxEnd() // </mdia>
	if err != nil {
		return err
	}

	return w.writeBoxEnd() // </trak>
}
