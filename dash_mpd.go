package goiptv

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reISODuration   = regexp.MustCompile(`^P(?:(\d+(?:\.\d+)?)Y)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)
	reDASHTemplate  = regexp.MustCompile(`\$(RepresentationID|Number|Bandwidth|Time)(?:%0(\d+)d)?\$`)
	isoDurationUnit = []time.Duration{
		365 * 24 * time.Hour,
		30 * 24 * time.Hour,
		24 * time.Hour,
		time.Hour,
		time.Minute,
		time.Second,
	}
)

// parseISODuration parses a xs:duration value, for instance "PT1H2M3.5S".
// Years and months are approximated.
func parseISODuration(s string) (time.Duration, error) {
	m := reISODuration.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("invalid duration: '%s'", s)
	}

	var d time.Duration

	for i, unit := range isoDurationUnit {
		v := m[i+1]
		if v == "" {
			continue
		}

		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, err
		}

		d += time.Duration(f * float64(unit))
	}

	return d, nil
}

type dashSegmentTimelineEntry struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R int     `xml:"r,attr"`
}

type dashSegmentTemplate struct {
	Media                  string                     `xml:"media,attr"`
	Initialization         string                     `xml:"initialization,attr"`
	StartNumber            *uint64                    `xml:"startNumber,attr"`
	Timescale              uint64                     `xml:"timescale,attr"`
	Duration               uint64                     `xml:"duration,attr"`
	PresentationTimeOffset uint64                     `xml:"presentationTimeOffset,attr"`
	Timeline               []dashSegmentTimelineEntry `xml:"SegmentTimeline>S"`
}

// merge fills the fields of t that are not set with the ones of parent.
func (t *dashSegmentTemplate) merge(parent *dashSegmentTemplate) *dashSegmentTemplate {
	if t == nil {
		return parent
	}
	if parent == nil {
		return t
	}

	out := *t
	if out.Media == "" {
		out.Media = parent.Media
	}
	if out.Initialization == "" {
		out.Initialization = parent.Initialization
	}
	if out.StartNumber == nil {
		out.StartNumber = parent.StartNumber
	}
	if out.Timescale == 0 {
		out.Timescale = parent.Timescale
	}
	if out.Duration == 0 {
		out.Duration = parent.Duration
	}
	if out.PresentationTimeOffset == 0 {
		out.PresentationTimeOffset = parent.PresentationTimeOffset
	}
	if out.Timeline == nil {
		out.Timeline = parent.Timeline
	}
	return &out
}

type dashRepresentation struct {
	ID              string               `xml:"id,attr"`
	Bandwidth       int                  `xml:"bandwidth,attr"`
	MimeType        string               `xml:"mimeType,attr"`
	Codecs          string               `xml:"codecs,attr"`
	Height          int                  `xml:"height,attr"`
	BaseURL         string               `xml:"BaseURL"`
	SegmentTemplate *dashSegmentTemplate `xml:"SegmentTemplate"`
}

type dashAdaptationSet struct {
	ContentType     string                `xml:"contentType,attr"`
	MimeType        string                `xml:"mimeType,attr"`
	Codecs          string                `xml:"codecs,attr"`
	BaseURL         string                `xml:"BaseURL"`
	SegmentTemplate *dashSegmentTemplate  `xml:"SegmentTemplate"`
	Representations []*dashRepresentation `xml:"Representation"`
}

type dashPeriod struct {
	ID             string               `xml:"id,attr"`
	Start          string               `xml:"start,attr"`
	Duration       string               `xml:"duration,attr"`
	BaseURL        string               `xml:"BaseURL"`
	AdaptationSets []*dashAdaptationSet `xml:"AdaptationSet"`
}

type dashMPD struct {
	XMLName                   xml.Name      `xml:"MPD"`
	Type                      string        `xml:"type,attr"`
	AvailabilityStartTime     string        `xml:"availabilityStartTime,attr"`
	MediaPresentationDuration string        `xml:"mediaPresentationDuration,attr"`
	MinimumUpdatePeriod       string        `xml:"minimumUpdatePeriod,attr"`
	BaseURL                   string        `xml:"BaseURL"`
	Periods                   []*dashPeriod `xml:"Period"`
}

func (m *dashMPD) unmarshal(byts []byte) error {
	err := xml.Unmarshal(byts, m)
	if err != nil {
		return err
	}

	if len(m.Periods) == 0 {
		return fmt.Errorf("no periods found")
	}

	return nil
}

func (m *dashMPD) dynamic() bool {
	return m.Type == "dynamic"
}

type dashSegmentRef struct {
	// time for SegmentTimeline addressing, number otherwise.
	order    uint64
	url      *url.URL
	duration time.Duration
}

// dashRepresentationInfo is a representation picked for playback,
// with inherited attributes resolved.
type dashRepresentationInfo struct {
	kind      string
	id        string
	bandwidth int
	base      *url.URL
	tmpl      *dashSegmentTemplate

	dynamic           bool
	availabilityStart time.Time
	periodStart       time.Duration
	periodDuration    time.Duration
}

func dashResolveBase(base *url.URL, rel string) (*url.URL, error) {
	if rel == "" {
		return base, nil
	}
	return clientAbsoluteURL(base, strings.TrimSpace(rel))
}

func dashKind(set *dashAdaptationSet, rep *dashRepresentation) string {
	for _, v := range []string{set.ContentType, rep.MimeType, set.MimeType} {
		switch {
		case strings.HasPrefix(v, "video"):
			return "video"
		case strings.HasPrefix(v, "audio"):
			return "audio"
		}
	}
	return ""
}

// pickRepresentations returns the highest-bandwidth supported representation
// of every video and audio adaptation set of the active period.
func (m *dashMPD) pickRepresentations(mpdURL *url.URL) ([]*dashRepresentationInfo, error) {
	base, err := dashResolveBase(mpdURL, m.BaseURL)
	if err != nil {
		return nil, err
	}

	// a dynamic presentation is played from its last period
	period := m.Periods[0]
	if m.dynamic() {
		period = m.Periods[len(m.Periods)-1]
	}

	base, err = dashResolveBase(base, period.BaseURL)
	if err != nil {
		return nil, err
	}

	var periodStart time.Duration
	if period.Start != "" {
		periodStart, err = parseISODuration(period.Start)
		if err != nil {
			return nil, err
		}
	}

	var periodDuration time.Duration
	switch {
	case period.Duration != "":
		periodDuration, err = parseISODuration(period.Duration)
	case m.MediaPresentationDuration != "":
		periodDuration, err = parseISODuration(m.MediaPresentationDuration)
		periodDuration -= periodStart
	}
	if err != nil {
		return nil, err
	}

	var availabilityStart time.Time
	if m.dynamic() {
		availabilityStart, err = time.Parse(time.RFC3339, m.AvailabilityStartTime)
		if err != nil {
			return nil, fmt.Errorf("invalid availabilityStartTime: %w", err)
		}
	}

	var out []*dashRepresentationInfo

	for _, set := range period.AdaptationSets {
		var best *dashRepresentation
		var bestKind string

		for _, rep := range set.Representations {
			kind := dashKind(set, rep)
			if kind == "" {
				continue
			}

			codecs := rep.Codecs
			if codecs == "" {
				codecs = set.Codecs
			}
			if !hlsCodecsSupported(codecs) {
				continue
			}

			if best == nil || rep.Bandwidth > best.Bandwidth {
				best = rep
				bestKind = kind
			}
		}

		if best == nil {
			continue
		}

		setBase, err := dashResolveBase(base, set.BaseURL)
		if err != nil {
			return nil, err
		}

		repBase, err := dashResolveBase(setBase, best.BaseURL)
		if err != nil {
			return nil, err
		}

		tmpl := best.SegmentTemplate.merge(set.SegmentTemplate)
		if tmpl == nil || tmpl.Media == "" {
			return nil, fmt.Errorf("representation '%s' has no segment template", best.ID)
		}
		if tmpl.Timescale == 0 {
			tmpl.Timescale = 1
		}
		if tmpl.Duration == 0 && tmpl.Timeline == nil {
			return nil, fmt.Errorf("representation '%s' has no segment duration", best.ID)
		}

		out = append(out, &dashRepresentationInfo{
			kind:              bestKind,
			id:                best.ID,
			bandwidth:         best.Bandwidth,
			base:              repBase,
			tmpl:              tmpl,
			dynamic:           m.dynamic(),
			availabilityStart: availabilityStart,
			periodStart:       periodStart,
			periodDuration:    periodDuration,
		})
	}

	if out == nil {
		return nil, fmt.Errorf("no representations with supported codecs found")
	}

	return out, nil
}

func (r *dashRepresentationInfo) expand(tmpl string, number uint64, t uint64) string {
	tmpl = reDASHTemplate.ReplaceAllStringFunc(tmpl, func(s string) string {
		m := reDASHTemplate.FindStringSubmatch(s)

		var v string
		switch m[1] {
		case "RepresentationID":
			return r.id
		case "Number":
			v = strconv.FormatUint(number, 10)
		case "Bandwidth":
			v = strconv.Itoa(r.bandwidth)
		case "Time":
			v = strconv.FormatUint(t, 10)
		}

		if m[2] != "" {
			width, _ := strconv.Atoi(m[2])
			for len(v) < width {
				v = "0" + v
			}
		}
		return v
	})

	return strings.ReplaceAll(tmpl, "$$", "$")
}

func (r *dashRepresentationInfo) initURL() (*url.URL, error) {
	if r.tmpl.Initialization == "" {
		return nil, nil
	}
	return clientAbsoluteURL(r.base, r.expand(r.tmpl.Initialization, 0, 0))
}

func (r *dashRepresentationInfo) startNumber() uint64 {
	if r.tmpl.StartNumber != nil {
		return *r.tmpl.StartNumber
	}
	return 1
}

func (r *dashRepresentationInfo) ref(number uint64, t uint64, d uint64) (*dashSegmentRef, error) {
	u, err := clientAbsoluteURL(r.base, r.expand(r.tmpl.Media, number, t))
	if err != nil {
		return nil, err
	}

	order := number
	if r.tmpl.Timeline != nil {
		order = t
	}

	return &dashSegmentRef{
		order:    order,
		url:      u,
		duration: durationMp4ToGo(d, uint32(r.tmpl.Timescale)),
	}, nil
}

// segments returns the segments that are available at given time.
func (r *dashRepresentationInfo) segments(now time.Time) ([]*dashSegmentRef, error) {
	if r.tmpl.Timeline != nil {
		return r.timelineSegments()
	}

	segDuration := durationMp4ToGo(r.tmpl.Duration, uint32(r.tmpl.Timescale))
	if segDuration <= 0 {
		return nil, fmt.Errorf("invalid segment duration")
	}

	first := r.startNumber()
	var count uint64

	if r.dynamic {
		elapsed := now.Sub(r.availabilityStart) - r.periodStart
		if elapsed < segDuration {
			return nil, nil
		}

		// segments are available once they are complete.
		available := uint64(elapsed / segDuration)

		// only the most recent segments are listed
		const maxWindow = 30
		if available > maxWindow {
			first += available - maxWindow
			available = maxWindow
		}
		count = available
	} else {
		if r.periodDuration <= 0 {
			return nil, fmt.Errorf("presentation duration is missing")
		}
		count = uint64((r.periodDuration + segDuration - 1) / segDuration)
	}

	refs := make([]*dashSegmentRef, 0, count)

	for i := uint64(0); i < count; i++ {
		number := first + i
		ref, err := r.ref(number, (number-r.startNumber())*r.tmpl.Duration, r.tmpl.Duration)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}

	return refs, nil
}

func (r *dashRepresentationInfo) timelineSegments() ([]*dashSegmentRef, error) {
	var refs []*dashSegmentRef
	number := r.startNumber()
	var t uint64

	for _, e := range r.tmpl.Timeline {
		if e.T != nil {
			t = *e.T
		}

		if e.D == 0 {
			return nil, fmt.Errorf("invalid timeline entry")
		}

		// negative repeat counts, meaning "until the next entry", are treated as no repeat.
		repeat := e.R
		if repeat < 0 {
			repeat = 0
		}

		for i := 0; i <= repeat; i++ {
			ref, err := r.ref(number, t, e.D)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)

			number++
			t += e.D
		}
	}

	return refs, nil
}
