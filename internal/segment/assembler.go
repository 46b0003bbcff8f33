// Package segment assembles the bytes served for one media-segment request:
// the cached init segment, the downloaded media payload, and — for keyed
// content — a DRM decrypt pass.
package segment

import (
	"context"
	"log"
	"time"

	"github.com/mpdproxy/mpd-proxy/internal/cache"
	"github.com/mpdproxy/mpd-proxy/internal/drm"
	"github.com/mpdproxy/mpd-proxy/internal/metrics"
)

// Assembler fetches and joins segment parts. InitSegments serves init
// payloads cache-first; Download fetches media payloads; Decrypter handles
// keyed content.
type Assembler struct {
	InitSegments *cache.InitSegments
	Download     cache.Downloader
	Decrypter    drm.Decrypter
}

// Assemble joins init and media. When both keyID and key are supplied the
// pair is decrypted instead of concatenated; decrypt failures propagate so
// the segment request fails rather than serving garbage.
func (a *Assembler) Assemble(ctx context.Context, init, media []byte, mime, keyID, key string) ([]byte, error) {
	if keyID == "" || key == "" {
		out := make([]byte, 0, len(init)+len(media))
		out = append(out, init...)
		return append(out, media...), nil
	}
	start := time.Now()
	decrypted, err := a.Decrypter.Decrypt(ctx, init, media, keyID, key)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	metrics.DecryptSeconds.WithLabelValues(mime).Observe(elapsed.Seconds())
	log.Printf("segment: decrypted %s segment in %s", mime, elapsed.Round(time.Millisecond))
	return decrypted, nil
}

// Fetch retrieves both parts and assembles them: the init segment through
// its cache, the media payload straight from upstream.
func (a *Assembler) Fetch(ctx context.Context, initURL, mediaURL, mime, keyID, key string, headers map[string]string) ([]byte, error) {
	var init []byte
	if initURL != "" {
		data, err := a.InitSegments.Get(ctx, initURL, headers)
		if err != nil {
			return nil, err
		}
		init = data
	}
	media, err := a.Download(ctx, mediaURL, headers)
	if err != nil {
		return nil, err
	}
	return a.Assemble(ctx, init, media, mime, keyID, key)
}
