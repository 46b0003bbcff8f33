package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mpdproxy/mpd-proxy/internal/cache"
	"github.com/mpdproxy/mpd-proxy/internal/hls"
	"github.com/mpdproxy/mpd-proxy/internal/httpclient"
	"github.com/mpdproxy/mpd-proxy/internal/segment"
)

const upstreamMPD = `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT8S">
  <Period>
    <AdaptationSet mimeType="video/mp4" frameRate="30">
      <SegmentTemplate timescale="1" duration="4" startNumber="1"
        initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/seg-$Number$.m4s"/>
      <Representation id="v1" bandwidth="1000000" width="1280" height="720" codecs="avc1.64001f"/>
    </AdaptationSet>
    <AdaptationSet mimeType="audio/mp4" lang="en">
      <SegmentTemplate timescale="1" duration="4" startNumber="1"
        initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/seg-$Number$.m4s"/>
      <Representation id="a1" bandwidth="128000" codecs="mp4a.40.2"/>
    </AdaptationSet>
  </Period>
</MPD>`

// newTestServer wires a Server against a fake upstream that serves the MPD
// plus init/media segments.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".mpd"):
			w.Write([]byte(upstreamMPD))
		case strings.HasSuffix(r.URL.Path, "init.mp4"):
			w.Write([]byte("INIT:" + r.URL.Path))
		case strings.HasSuffix(r.URL.Path, ".m4s"):
			w.Write([]byte("MEDIA:" + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	download := func(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := upstream.Client().Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, &httpclient.DownloadError{URL: rawURL, Status: resp.StatusCode}
		}
		return io.ReadAll(resp.Body)
	}

	caches, err := cache.New(download, 2)
	if err != nil {
		t.Fatal(err)
	}
	return &Server{
		Caches: caches,
		Assembler: &segment.Assembler{
			InitSegments: caches.InitSegments,
			Download:     download,
		},
		Builder: &hls.Builder{PlaylistPath: PlaylistPath, SegmentPath: SegmentPath},
	}, upstream
}

func get(t *testing.T, s *Server, handler http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest("GET", target, nil)
	w := httptest.NewRecorder()
	s.withAuth(handler)(w, r)
	return w
}

func TestServeManifest_Master(t *testing.T) {
	s, upstream := newTestServer(t)
	mpdURL := upstream.URL + "/a/stream.mpd"

	w := get(t, s, s.serveManifest, "http://proxy.example.com"+ManifestPath+"?d="+url.QueryEscape(mpdURL))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != hlsContentType {
		t.Errorf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "#EXTM3U") {
		t.Errorf("body = %q", body)
	}
	if !strings.Contains(body, "#EXT-X-STREAM-INF:BANDWIDTH=1000000") {
		t.Errorf("missing video rendition:\n%s", body)
	}
	if !strings.Contains(body, `NAME="a1",DEFAULT=YES`) {
		t.Errorf("missing default audio rendition:\n%s", body)
	}
}

func TestServeManifest_MissingD(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s, s.serveManifest, "http://proxy.example.com"+ManifestPath)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestServePlaylist_ProfileNotFound(t *testing.T) {
	s, upstream := newTestServer(t)
	mpdURL := upstream.URL + "/a/stream.mpd"
	w := get(t, s, s.servePlaylist, "http://proxy.example.com"+PlaylistPath+"?profile_id=bogus&d="+url.QueryEscape(mpdURL))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestServePlaylist_Media(t *testing.T) {
	s, upstream := newTestServer(t)
	mpdURL := upstream.URL + "/a/stream.mpd"
	w := get(t, s, s.servePlaylist, "http://proxy.example.com"+PlaylistPath+"?profile_id=v1&d="+url.QueryEscape(mpdURL))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "#EXT-X-PLAYLIST-TYPE:VOD") {
		t.Errorf("missing playlist type:\n%s", body)
	}
	if strings.Count(body, "#EXTINF:4.000,") != 2 {
		t.Errorf("want two 4s segments:\n%s", body)
	}
	if !strings.HasSuffix(body, "#EXT-X-ENDLIST") {
		t.Errorf("VOD playlist must end with ENDLIST:\n%s", body)
	}
}

func TestServeSegment_Assembles(t *testing.T) {
	s, upstream := newTestServer(t)
	q := url.Values{}
	q.Set("init_url", upstream.URL+"/v1/init.mp4")
	q.Set("segment_url", upstream.URL+"/v1/seg-1.m4s")
	q.Set("mime_type", "video/mp4")

	w := get(t, s, s.serveSegment, "http://proxy.example.com"+SegmentPath+"?"+q.Encode())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("content type = %q", ct)
	}
	if got := w.Body.String(); got != "INIT:/v1/init.mp4MEDIA:/v1/seg-1.m4s" {
		t.Errorf("body = %q", got)
	}
}

func TestServeSegment_MissingURL(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s, s.serveSegment, "http://proxy.example.com"+SegmentPath)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWithAuth_APIPassword(t *testing.T) {
	s, upstream := newTestServer(t)
	s.APIPassword = "sekrit"
	mpdURL := upstream.URL + "/a/stream.mpd"

	w := get(t, s, s.serveManifest, "http://proxy.example.com"+ManifestPath+"?d="+url.QueryEscape(mpdURL))
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 without password", w.Code)
	}

	w = get(t, s, s.serveManifest, "http://proxy.example.com"+ManifestPath+"?api_password=sekrit&d="+url.QueryEscape(mpdURL))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with password", w.Code)
	}
}

func TestServeHealth(t *testing.T) {
	s, _ := newTestServer(t)
	r := httptest.NewRequest("GET", "http://proxy.example.com/healthz", nil)
	w := httptest.NewRecorder()
	s.serveHealth(w, r)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("health = %d %q", w.Code, w.Body.String())
	}
}
