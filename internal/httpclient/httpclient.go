// Package httpclient is the upstream HTTP layer: timeouts tuned for CDN
// fetches, HTTP/2, retry with backoff, a per-host concurrency cap, and a
// process-wide rate limiter so manifest refresh storms stay polite.
package httpclient

import (
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Default returns a client with timeouts so dead upstreams don't pin request
// handlers. Manifest and segment fetches both go through this; payloads are
// bounded in size, so an overall timeout is safe.
func Default() *http.Client {
	t := &http.Transport{
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
		// Download handles Content-Encoding itself (gzip and brotli), so
		// advertise both instead of the transport's gzip-only default.
		DisableCompression: true,
	}
	// Many CDNs need h2 for sane segment fan-out; on failure fall back to
	// HTTP/1.1 silently.
	_ = http2.ConfigureTransport(t)
	return &http.Client{
		Timeout:   60 * time.Second,
		Transport: t,
	}
}
