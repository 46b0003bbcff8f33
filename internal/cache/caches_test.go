package cache

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testCaches(t *testing.T, download Downloader) *Caches {
	t.Helper()
	initSeg, err := newHybridAt("init_segment_cache", t.TempDir(), InitSegmentTTL, 1<<20, 2)
	if err != nil {
		t.Fatal(err)
	}
	speed, err := newHybridAt("speedtest_cache", t.TempDir(), SpeedtestTTL, 1<<20, 2)
	if err != nil {
		t.Fatal(err)
	}
	extractor, err := newHybridAt("extractor_cache", t.TempDir(), ExtractorTTL, 1<<20, 2)
	if err != nil {
		t.Fatal(err)
	}
	return &Caches{
		InitSegments: &InitSegments{cache: initSeg, download: download},
		Manifests:    &Manifests{cache: NewMemory("mpd_cache", ManifestVODTTL, 1<<20), download: download},
		Speedtests:   &Speedtests{cache: speed},
		Extractors:   &Extractors{cache: extractor},
	}
}

func TestInitSegments_SecondGetSkipsDownloader(t *testing.T) {
	var calls int32
	payload := []byte("ftypmoov init bytes")
	download := func(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return payload, nil
	}
	c := testCaches(t, download)
	ctx := context.Background()

	first, err := c.InitSegments.Get(ctx, "https://cdn.example.com/init.mp4", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.InitSegments.Get(ctx, "https://cdn.example.com/init.mp4", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("downloader called %d times, want 1", got)
	}
	if !bytes.Equal(first, second) {
		t.Error("second get should return the exact cached bytes")
	}
}

func TestInitSegments_DownloadErrorPropagates(t *testing.T) {
	wantErr := errors.New("upstream down")
	download := func(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
		return nil, wantErr
	}
	c := testCaches(t, download)
	if _, err := c.InitSegments.Get(context.Background(), "https://cdn.example.com/init.mp4", nil); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

const testMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT12S">
  <Period>
    <AdaptationSet mimeType="video/mp4" frameRate="30">
      <SegmentTemplate timescale="1000" duration="4000" startNumber="0"
        initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/seg-$Number$.m4s"/>
      <Representation id="v1" bandwidth="1000000" width="1280" height="720" codecs="avc1.64001f"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestManifests_CachesRawForm(t *testing.T) {
	var calls int32
	download := func(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(testMPD), nil
	}
	c := testCaches(t, download)
	ctx := context.Background()

	m1, err := c.Manifests.Get(ctx, "https://origin.example.com/live.mpd", nil, false, "")
	if err != nil {
		t.Fatal(err)
	}
	m2, err := c.Manifests.Get(ctx, "https://origin.example.com/live.mpd", nil, false, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("downloader called %d times, want 1", got)
	}
	if len(m1.Profiles) != 1 || m1.Profiles[0].ID != "v1" {
		t.Fatalf("profiles = %+v", m1.Profiles)
	}
	// Processing re-runs per request: the second call asked for v1's
	// segments and must get them from the cached raw form.
	if len(m2.Profiles[0].Segments) != 3 {
		t.Errorf("segments = %d, want 3", len(m2.Profiles[0].Segments))
	}
}

func TestManifests_CorruptCacheEntryIsEvictedAndRefetched(t *testing.T) {
	var calls int32
	download := func(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(testMPD), nil
	}
	c := testCaches(t, download)
	ctx := context.Background()

	c.Manifests.cache.Set("https://origin.example.com/x.mpd", []byte("{not json"), 0)
	if _, err := c.Manifests.Get(ctx, "https://origin.example.com/x.mpd", nil, false, ""); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("downloader called %d times, want 1 (corrupt entry must refetch)", got)
	}
}

func TestManifests_DownloadErrorPropagates(t *testing.T) {
	wantErr := errors.New("download failed")
	download := func(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
		return nil, wantErr
	}
	c := testCaches(t, download)
	if _, err := c.Manifests.Get(context.Background(), "https://origin.example.com/x.mpd", nil, false, ""); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestManifestTTL(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name string
		mup  *float64
		want time.Duration
	}{
		{"vod (absent)", nil, ManifestVODTTL},
		{"live mup 5s", f(5.0), 5 * time.Second},
		{"live mup 0", f(0), ManifestLiveMinTTL},
		{"live mup negative", f(-1), ManifestLiveMinTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := manifestTTL(tt.mup); got != tt.want {
				t.Errorf("manifestTTL = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManifests_TTLExpiry(t *testing.T) {
	var calls int32
	download := func(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(testMPD), nil
	}
	c := testCaches(t, download)
	ctx := context.Background()

	// Force a tiny TTL by seeding the raw form with one directly.
	if _, err := c.Manifests.Get(ctx, "https://origin.example.com/x.mpd", nil, false, ""); err != nil {
		t.Fatal(err)
	}
	raw, ok := c.Manifests.cache.Get("https://origin.example.com/x.mpd")
	if !ok {
		t.Fatal("raw form should be cached")
	}
	c.Manifests.cache.Set("https://origin.example.com/x.mpd", raw, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, err := c.Manifests.Get(ctx, "https://origin.example.com/x.mpd", nil, false, ""); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("downloader called %d times, want 2 (expired entry must refetch)", got)
	}
}

func TestSpeedtests_RoundTrip(t *testing.T) {
	c := testCaches(t, nil)
	ctx := context.Background()
	r := &SpeedtestResult{TaskID: "t1", URL: "https://cdn.example.com/seg.m4s", BytesPerSec: 1.25e6, StartedAt: time.Now().UTC()}
	if !c.Speedtests.Set(ctx, r) {
		t.Fatal("set failed")
	}
	got := c.Speedtests.Get(ctx, "t1")
	if got == nil || got.BytesPerSec != r.BytesPerSec {
		t.Errorf("got %+v", got)
	}
	if c.Speedtests.Get(ctx, "absent") != nil {
		t.Error("absent task should return nil")
	}
}

func TestExtractors_RoundTripAndCorruptEviction(t *testing.T) {
	c := testCaches(t, nil)
	ctx := context.Background()
	r := &ExtractorResult{DestinationURL: "https://origin.example.com/real.mpd", RequestHeaders: map[string]string{"Referer": "https://site.example.com"}}
	if !c.Extractors.Set(ctx, "site:123", r) {
		t.Fatal("set failed")
	}
	got := c.Extractors.Get(ctx, "site:123")
	if got == nil || got.DestinationURL != r.DestinationURL {
		t.Errorf("got %+v", got)
	}

	c.Extractors.cache.Set(ctx, "bad", []byte("{nope"), 0)
	if c.Extractors.Get(ctx, "bad") != nil {
		t.Error("corrupt record should return nil")
	}
	if _, ok := c.Extractors.cache.Get(ctx, "bad"); ok {
		t.Error("corrupt record should be evicted")
	}
}
