package goiptv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/bluenviron/goiptv/pkg/m3u"
)

// ErrCatalogUnavailable is returned when a playlist cannot be retrieved.
var ErrCatalogUnavailable = errors.New("playlist unavailable")

// PlaylistLoader retrieves and parses playlists.
type PlaylistLoader struct {
	//
	// parameters (all optional)
	//
	// HTTP client.
	// It defaults to http.DefaultClient.
	HTTPClient *http.Client
	// timeout of the request.
	// It defaults to 30s.
	RequestTimeout time.Duration

	//
	// callbacks (all optional)
	//
	// called before every request.
	OnRequest ClientOnRequestFunc
	// called when there's a log entry.
	OnLog LogFunc
}

func (l *PlaylistLoader) downloader() *clientDownloader {
	d := &clientDownloader{
		httpClient: l.HTTPClient,
		onRequest:  l.OnRequest,
		timeout:    l.RequestTimeout,
	}
	if d.httpClient == nil {
		d.httpClient = http.DefaultClient
	}
	if d.onRequest == nil {
		d.onRequest = func(_ *http.Request) {
		}
	}
	if d.timeout == 0 {
		d.timeout = 30 * time.Second
	}
	return d
}

func (l *PlaylistLoader) log(level LogLevel, format string, args ...interface{}) {
	if l.OnLog != nil {
		l.OnLog(level, format, args...)
	} else {
		defaultLog(level, format, args...)
	}
}

// Load retrieves a playlist and parses it.
// uri is either a http(s) URL, a file URL or a filesystem path.
// A playlist without channels is returned as an empty catalog.
func (l *PlaylistLoader) Load(ctx context.Context, uri string) (*m3u.Catalog, error) {
	content, err := l.read(ctx, uri)
	if err != nil {
		l.log(LogLevelWarn, "unable to load playlist %s: %v", uri, err)
		return nil, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}

	catalog := m3u.Parse(string(content))

	l.log(LogLevelInfo, "loaded %d channels in %d categories from %s",
		len(catalog.Channels), len(catalog.Categories), uri)

	return catalog, nil
}

func (l *PlaylistLoader) read(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return os.ReadFile(uri)
	}

	switch u.Scheme {
	case "http", "https":
		l.log(LogLevelDebug, "downloading playlist %v", u)
		return l.downloader().download(ctx, u, 0, 0)

	case "file":
		return os.ReadFile(u.Path)
	}

	return os.ReadFile(uri)
}
