package goiptv

import (
	"context"
	"errors"
	"fmt"
)

type surfaceWriteError struct {
	err error
}

func (e surfaceWriteError) Error() string {
	return e.err.Error()
}

func (e surfaceWriteError) Unwrap() error {
	return e.err
}

// hlsClientProcessor demuxes segments and feeds the surface.
type hlsClientProcessor struct {
	c     *HLSClient
	queue *clientSegmentQueue

	demuxer segmentDemuxer
}

func (p *hlsClientProcessor) run(ctx context.Context) error {
	consecutiveErrors := 0

	for {
		seg, ok := p.queue.pull(ctx)
		if !ok {
			return fmt.Errorf("terminated")
		}

		if seg.eos {
			return errClientEOS
		}

		err := p.processSegment(ctx, seg)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("terminated")
			}

			consecutiveErrors++

			herr := &HLSError{
				Type:    HLSErrorTypeMedia,
				Details: HLSErrorFragParsing,
				Fatal:   consecutiveErrors >= p.c.MaxConsecutiveMediaErrors,
				Err:     fmt.Errorf("segment %d: %w", seg.seq, err),
			}
			var werr surfaceWriteError
			if errors.As(err, &werr) {
				herr.Details = HLSErrorBufferAppend
			}

			if herr.Fatal {
				return herr
			}

			p.c.OnError(herr)
			continue
		}

		consecutiveErrors = 0
		p.c.progressed.Store(true)
	}
}

func (p *hlsClientProcessor) processSegment(ctx context.Context, seg *segmentData) error {
	var err error
	p.demuxer, err = segmentDemuxerFor(p.demuxer, seg.init, &p.c.origin)
	if err != nil {
		return err
	}

	err = p.demuxer.demux(seg.payload, func(track *Track, sample *Sample) error {
		err := p.c.pacer.wait(ctx, sample.DTS)
		if err != nil {
			return err
		}

		err = p.c.Surface.WriteSample(track, sample)
		if err != nil {
			return surfaceWriteError{err}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if playhead, ok := p.c.pacer.playhead(); ok && playhead > p.c.BackBufferLength {
		p.c.Surface.Evict(playhead - p.c.BackBufferLength)
	}

	return nil
}
