package httpclient

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"

	"github.com/mpdproxy/mpd-proxy/internal/metrics"
	"github.com/mpdproxy/mpd-proxy/internal/safeurl"
)

// DownloadError reports an upstream fetch that came back with a non-success
// status. Callers match it with errors.As to tell an upstream status failure
// from a local processing failure; the server answers it with 502.
type DownloadError struct {
	URL    string
	Status int
}

func (e *DownloadError) Error() string {
	return "download: " + e.URL + ": HTTP " + strconv.Itoa(e.Status)
}

// Fetcher downloads upstream payloads. One instance is shared by all
// handlers; its rate limiter is the process-wide politeness bound on
// upstream requests (bursting covers segment fan-out after a playlist hit).
type Fetcher struct {
	Client  *http.Client
	Policy  RetryPolicy
	Limiter *rate.Limiter
}

// NewFetcher returns a Fetcher with the default client, retry policy, and
// an rps rate limit (<= 0 disables limiting).
func NewFetcher(rps float64) *Fetcher {
	f := &Fetcher{Client: Default(), Policy: DefaultRetryPolicy}
	if rps > 0 {
		burst := int(rps * 2)
		if burst < 8 {
			burst = 8
		}
		f.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return f
}

// Download fetches url with the given headers and returns the decoded body.
// Only http/https URLs are accepted (playlist parameters are
// client-controlled, so this is the SSRF gate). Failures surface as
// *DownloadError for status problems and plain errors otherwise.
func (f *Fetcher) Download(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		return nil, fmt.Errorf("download: invalid URL scheme (only http/https allowed): %q", rawURL)
	}
	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip")
	}

	resp, err := DoWithRetry(ctx, f.Client, req, f.Policy)
	if err != nil {
		metrics.Downloads.WithLabelValues("error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		metrics.Downloads.WithLabelValues("error").Inc()
		return nil, &DownloadError{URL: rawURL, Status: resp.StatusCode}
	}

	body, err := decodeBody(resp)
	if err != nil {
		metrics.Downloads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("download: %s: read body: %w", rawURL, err)
	}
	metrics.Downloads.WithLabelValues("ok").Inc()
	metrics.DownloadBytes.Add(float64(len(body)))
	return body, nil
}

// decodeBody reads the response, undoing brotli or gzip content encoding.
func decodeBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		r = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}
