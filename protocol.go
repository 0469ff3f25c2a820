package goiptv

import (
	"net/url"
	"strings"
)

// Protocol is the delivery protocol of a session.
type Protocol int

// Protocols.
const (
	ProtocolUnsupported Protocol = iota
	ProtocolHLS
	ProtocolDASH
	ProtocolNativeHLS
)

// String implements fmt.Stringer.
func (p Protocol) String() string {
	switch p {
	case ProtocolHLS:
		return "HLS"
	case ProtocolDASH:
		return "DASH"
	case ProtocolNativeHLS:
		return "native HLS"
	}
	return "unsupported"
}

func isDASHURI(uri string) bool {
	uri = strings.TrimSpace(uri)

	// query and fragment do not belong to the suffix
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		uri = u.Path
	}

	return strings.HasSuffix(strings.ToLower(uri), ".mpd")
}

// DetectProtocol returns the protocol used to play given URI on given surface.
// URIs ending in ".mpd" are played with DASH, provided that the surface accepts demuxed media.
// Any other URI is played with the adaptive HLS client when the surface accepts demuxed media,
// or natively when the surface declares support for HLS.
func DetectProtocol(uri string, surface Surface) Protocol {
	_, isMediaSource := surface.(MediaSourceSurface)

	if isDASHURI(uri) {
		if isMediaSource {
			return ProtocolDASH
		}
		return ProtocolUnsupported
	}

	if isMediaSource {
		return ProtocolHLS
	}

	if ns, ok := surface.(NativeSurface); ok && ns.CanPlayType(mimeTypeHLS) {
		return ProtocolNativeHLS
	}

	return ProtocolUnsupported
}
