package goiptv

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ClientOnRequestFunc is the prototype of the OnRequest callbacks.
type ClientOnRequestFunc func(*http.Request)

func clientAbsoluteURL(base *url.URL, relative string) (*url.URL, error) {
	u, err := url.Parse(relative)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(u), nil
}

// statusError is returned when a server replies with an unexpected status code.
type statusError struct {
	code int
}

// Error implements the error interface.
func (e statusError) Error() string {
	return fmt.Sprintf("bad status code: %d", e.code)
}

type clientDownloader struct {
	httpClient *http.Client
	onRequest  ClientOnRequestFunc
	timeout    time.Duration
	retryDelay time.Duration
}

// download performs a single GET request.
// length <= 0 means that the whole resource is requested.
func (d *clientDownloader) download(
	ctx context.Context,
	u *url.URL,
	start int64,
	length int64,
) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	if length > 0 {
		req.Header.Add("Range", "bytes="+strconv.FormatInt(start, 10)+
			"-"+strconv.FormatInt(start+length-1, 10))
	}

	d.onRequest(req)

	res, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusPartialContent {
		return nil, statusError{code: res.StatusCode}
	}

	byts, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	// the server ignored the Range header
	if length > 0 && res.StatusCode == http.StatusOK {
		if int64(len(byts)) < start+length {
			return nil, fmt.Errorf("resource is too short for range %d@%d", length, start)
		}
		byts = byts[start : start+length]
	}

	return byts, nil
}

// downloadWithRetries performs up to retries+1 attempts.
func (d *clientDownloader) downloadWithRetries(
	ctx context.Context,
	u *url.URL,
	start int64,
	length int64,
	retries int,
) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		byts, err := d.download(ctx, u, start, length)
		if err == nil {
			return byts, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt >= retries {
			return nil, err
		}

		select {
		case <-time.After(d.retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
