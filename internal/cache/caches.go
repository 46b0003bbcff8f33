package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/mpdproxy/mpd-proxy/internal/mpd"
)

// Downloader fetches url with the given request headers and returns the body.
// Implemented by internal/httpclient; injected so the cache layer stays free
// of transport policy.
type Downloader func(ctx context.Context, url string, headers map[string]string) ([]byte, error)

// Default policies for the named caches.
const (
	InitSegmentTTL    = time.Hour
	InitSegmentMaxMem = 500 << 20

	ManifestMaxMem = 100 << 20
	// ManifestVODTTL applies when the manifest declares no update period.
	ManifestVODTTL = time.Hour
	// ManifestLiveMinTTL applies when the declared update period is <= 0:
	// the source demands continuous refresh, so cache only briefly.
	ManifestLiveMinTTL = time.Second

	SpeedtestTTL    = time.Hour
	SpeedtestMaxMem = 50 << 20

	ExtractorTTL    = 5 * time.Minute
	ExtractorMaxMem = 50 << 20
)

// Caches bundles the named cache instances. Construct once at startup and
// inject into handlers; there is nothing to flush on teardown (the file tier
// is already durable).
type Caches struct {
	InitSegments *InitSegments
	Manifests    *Manifests
	Speedtests   *Speedtests
	Extractors   *Extractors
}

// New builds the named caches with their fixed policies. ioWorkers bounds
// file-tier concurrency per hybrid cache (<= 0 selects the default).
func New(download Downloader, ioWorkers int) (*Caches, error) {
	initSeg, err := NewHybrid("init_segment_cache", InitSegmentTTL, InitSegmentMaxMem, ioWorkers)
	if err != nil {
		return nil, fmt.Errorf("cache: init segment cache: %w", err)
	}
	speed, err := NewHybrid("speedtest_cache", SpeedtestTTL, SpeedtestMaxMem, ioWorkers)
	if err != nil {
		return nil, fmt.Errorf("cache: speedtest cache: %w", err)
	}
	extractor, err := NewHybrid("extractor_cache", ExtractorTTL, ExtractorMaxMem, ioWorkers)
	if err != nil {
		return nil, fmt.Errorf("cache: extractor cache: %w", err)
	}
	return &Caches{
		InitSegments: &InitSegments{cache: initSeg, download: download},
		Manifests:    &Manifests{cache: NewMemory("mpd_cache", ManifestVODTTL, ManifestMaxMem), download: download},
		Speedtests:   &Speedtests{cache: speed},
		Extractors:   &Extractors{cache: extractor},
	}, nil
}

// InitSegments caches initialization segments keyed by their URL. Init
// payloads are identical for every media segment of a rendition, so a hybrid
// cache with a long TTL keeps them off the upstream entirely.
type InitSegments struct {
	cache    *Hybrid
	download Downloader
	group    singleflight.Group
}

// Get returns the init segment at url, downloading and caching on a miss.
// Concurrent misses for the same URL are coalesced.
func (c *InitSegments) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	if data, ok := c.cache.Get(ctx, url); ok {
		return data, nil
	}
	v, err, _ := c.group.Do(hashKey(url), func() (any, error) {
		data, err := c.download(ctx, url, headers)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			c.cache.Set(ctx, url, data, 0)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Manifests caches the raw (unprocessed) form of parsed source manifests in
// memory only, and re-runs processing on every hit so live windows and
// profile selection reflect the current request.
type Manifests struct {
	cache    *Memory
	download Downloader
	group    singleflight.Group
}

// Get returns the processed manifest for mpdURL. Cached raw documents are
// re-processed with the current arguments; a corrupt cached form is evicted
// and refetched. Download failures propagate to the caller.
func (c *Manifests) Get(ctx context.Context, mpdURL string, headers map[string]string, parseDRM bool, profileID string) (*mpd.Manifest, error) {
	if data, ok := c.cache.Get(mpdURL); ok {
		var doc mpd.Document
		err := json.Unmarshal(data, &doc)
		if err == nil {
			m, perr := mpd.Process(&doc, mpdURL, parseDRM, profileID)
			if perr == nil {
				return m, nil
			}
			err = perr
		}
		log.Printf("cache: mpd: cached manifest for %s unusable: %v; refetching", mpdURL, err)
		c.cache.Delete(mpdURL)
	}

	type fetched struct {
		doc *mpd.Document
	}
	v, err, _ := c.group.Do(hashKey(mpdURL), func() (any, error) {
		body, err := c.download(ctx, mpdURL, headers)
		if err != nil {
			return nil, err
		}
		doc, err := mpd.Parse(body)
		if err != nil {
			return nil, err
		}
		return fetched{doc: doc}, nil
	})
	if err != nil {
		return nil, err
	}
	doc := v.(fetched).doc

	m, err := mpd.Process(doc, mpdURL, parseDRM, profileID)
	if err != nil {
		return nil, err
	}
	if raw, merr := json.Marshal(doc); merr == nil {
		c.cache.Set(mpdURL, raw, manifestTTL(m.MinimumUpdatePeriod))
	}
	return m, nil
}

// Delete evicts the cached raw manifest for mpdURL.
func (c *Manifests) Delete(mpdURL string) { c.cache.Delete(mpdURL) }

// manifestTTL derives the cache TTL from the manifest's minimum update
// period: the period itself when positive, a one-second floor when the
// source demands continuous refresh, and the VOD default when absent.
func manifestTTL(mup *float64) time.Duration {
	switch {
	case mup == nil:
		return ManifestVODTTL
	case *mup > 0:
		return time.Duration(*mup * float64(time.Second))
	default:
		return ManifestLiveMinTTL
	}
}

// SpeedtestResult is one stored speed measurement.
type SpeedtestResult struct {
	TaskID      string    `json:"task_id"`
	URL         string    `json:"url"`
	BytesPerSec float64   `json:"bytes_per_sec"`
	LatencyMS   float64   `json:"latency_ms"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Speedtests stores speed test results keyed by task id.
type Speedtests struct {
	cache *Hybrid
}

// Get returns the stored result for taskID, or nil when absent. A result
// that no longer decodes is evicted.
func (c *Speedtests) Get(ctx context.Context, taskID string) *SpeedtestResult {
	data, ok := c.cache.Get(ctx, taskID)
	if !ok {
		return nil
	}
	var r SpeedtestResult
	if err := json.Unmarshal(data, &r); err != nil {
		log.Printf("cache: speedtest: corrupt record %s: %v", taskID, err)
		c.cache.Delete(ctx, taskID)
		return nil
	}
	return &r
}

// Set stores the result under its task id.
func (c *Speedtests) Set(ctx context.Context, r *SpeedtestResult) bool {
	data, err := json.Marshal(r)
	if err != nil {
		log.Printf("cache: speedtest: encode %s: %v", r.TaskID, err)
		return false
	}
	return c.cache.Set(ctx, r.TaskID, data, 0)
}

// ExtractorResult is a resolved upstream for an extractor key: the concrete
// media URL plus the request headers it must be fetched with.
type ExtractorResult struct {
	DestinationURL string            `json:"destination_url"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	MediaType      string            `json:"media_type,omitempty"`
}

// Extractors stores extractor resolutions with a short TTL; upstream
// tokenised URLs rot quickly.
type Extractors struct {
	cache *Hybrid
}

// Get returns the stored result for key, or nil when absent or corrupt.
func (c *Extractors) Get(ctx context.Context, key string) *ExtractorResult {
	data, ok := c.cache.Get(ctx, key)
	if !ok {
		return nil
	}
	var r ExtractorResult
	if err := json.Unmarshal(data, &r); err != nil {
		c.cache.Delete(ctx, key)
		return nil
	}
	return &r
}

// Set stores the result under key.
func (c *Extractors) Set(ctx context.Context, key string, r *ExtractorResult) bool {
	data, err := json.Marshal(r)
	if err != nil {
		log.Printf("cache: extractor: encode %s: %v", key, err)
		return false
	}
	return c.cache.Set(ctx, key, data, 0)
}
