// Package server wires the proxy endpoints: master manifest, media playlist,
// and segment delivery, plus health, metrics, and the status journal.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mpdproxy/mpd-proxy/internal/cache"
	"github.com/mpdproxy/mpd-proxy/internal/crypto"
	"github.com/mpdproxy/mpd-proxy/internal/hls"
	"github.com/mpdproxy/mpd-proxy/internal/httpclient"
	"github.com/mpdproxy/mpd-proxy/internal/segment"
	"github.com/mpdproxy/mpd-proxy/internal/stats"
)

// Endpoint paths. The translator embeds these into generated URLs, so they
// are fixed constants rather than router state.
const (
	ManifestPath = "/proxy/mpd/manifest.m3u8"
	PlaylistPath = "/proxy/mpd/playlist.m3u8"
	SegmentPath  = "/proxy/mpd/segment.mp4"
)

const hlsContentType = "application/vnd.apple.mpegurl"

// Server hosts the proxy. Construct the fields, then Run.
type Server struct {
	Addr        string
	APIPassword string

	Caches    *cache.Caches
	Assembler *segment.Assembler
	Builder   *hls.Builder
	Signer    *crypto.URLSigner // nil when no API password is configured
	Journal   *stats.Journal    // nil when disabled
	UserAgent string
}

// Run blocks until ctx is cancelled or the server fails to start. On
// shutdown it stops accepting new connections and waits briefly for in-flight
// requests to finish.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(ManifestPath, s.withAuth(s.serveManifest))
	mux.HandleFunc(PlaylistPath, s.withAuth(s.servePlaylist))
	mux.HandleFunc(SegmentPath, s.withAuth(s.serveSegment))
	mux.HandleFunc("/healthz", s.serveHealth)
	mux.HandleFunc("/status", s.serveStatus)
	mux.Handle("/metrics", promhttp.Handler())

	addr := s.Addr
	if addr == "" {
		addr = ":8888"
	}
	srv := &http.Server{Addr: addr, Handler: logRequests(mux)}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", addr)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("server: shutting down ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

// withAuth resolves token URLs and enforces the API password. A valid token
// replaces the request query with the decoded parameters and marks the
// request encrypted so generated child URLs are tokenized too.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if token := q.Get("token"); token != "" && s.Signer != nil {
			decoded, err := s.Signer.Verify(token)
			if err != nil {
				log.Printf("server: %s: token rejected: %v", r.URL.Path, err)
				http.Error(w, "invalid token", http.StatusForbidden)
				return
			}
			decoded.Set("has_encrypted", "1")
			r.URL.RawQuery = decoded.Encode()
			q = decoded
		}
		if s.APIPassword != "" && q.Get("api_password") != s.APIPassword {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// upstreamHeaders extracts h_-prefixed query parameters as upstream request
// headers (h_user-agent=x → User-Agent: x), defaulting the User-Agent.
func (s *Server) upstreamHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(k) > 2 && k[:2] == "h_" && len(vs) > 0 {
			headers[k[2:]] = vs[0]
		}
	}
	for k := range headers {
		if http.CanonicalHeaderKey(k) == "User-Agent" {
			return headers
		}
	}
	if s.UserAgent != "" {
		headers["User-Agent"] = s.UserAgent
	}
	return headers
}

// serveManifest translates the source manifest at d= into a master playlist.
func (s *Server) serveManifest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mpdURL := q.Get("d")
	if mpdURL == "" {
		http.Error(w, "missing d parameter", http.StatusBadRequest)
		return
	}
	keyID, key := q.Get("key_id"), q.Get("key")

	m, err := s.Caches.Manifests.Get(r.Context(), mpdURL, s.upstreamHeaders(r), true, "")
	if err != nil {
		s.upstreamError(w, r, err)
		return
	}
	if keyID == "" && m.KeyID != "" {
		// Manifest-declared DRM with no client key: carry the key id so the
		// player's license path can resolve it.
		keyID = m.KeyID
	}
	body, err := s.Builder.Master(m, r, keyID, key)
	if err != nil {
		http.Error(w, "manifest build failed", http.StatusInternalServerError)
		return
	}
	writeHLS(w, body)
}

// servePlaylist renders the media playlist for one profile id.
func (s *Server) servePlaylist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mpdURL := q.Get("d")
	profileID := q.Get("profile_id")
	if mpdURL == "" || profileID == "" {
		http.Error(w, "missing d or profile_id parameter", http.StatusBadRequest)
		return
	}

	m, err := s.Caches.Manifests.Get(r.Context(), mpdURL, s.upstreamHeaders(r), true, profileID)
	if err != nil {
		s.upstreamError(w, r, err)
		return
	}
	profiles := m.ProfileByID(profileID)
	if len(profiles) == 0 {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	body, err := s.Builder.MediaPlaylist(m, profiles, r)
	if err != nil {
		http.Error(w, "playlist build failed", http.StatusInternalServerError)
		return
	}
	writeHLS(w, body)
}

// serveSegment assembles and serves one media segment.
func (s *Server) serveSegment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	segmentURL := q.Get("segment_url")
	if segmentURL == "" {
		http.Error(w, "missing segment_url parameter", http.StatusBadRequest)
		return
	}
	initURL := q.Get("init_url")
	mime := q.Get("mime_type")
	if mime == "" {
		mime = "video/mp4"
	}
	keyID, key := q.Get("key_id"), q.Get("key")

	headers := s.upstreamHeaders(r)
	var init, media, body []byte
	var err error
	if initURL != "" {
		init, err = s.Assembler.InitSegments.Get(r.Context(), initURL, headers)
	}
	if err == nil {
		media, err = s.Assembler.Download(r.Context(), segmentURL, headers)
	}
	// Only the assemble step (decrypt for keyed segments) is journaled as
	// decrypt time; the upstream fetches above are not counted.
	start := time.Now()
	if err == nil {
		body, err = s.Assembler.Assemble(r.Context(), init, media, mime, keyID, key)
	}
	if err != nil {
		var dlErr *httpclient.DownloadError
		if errors.As(err, &dlErr) {
			s.upstreamError(w, r, err)
			return
		}
		log.Printf("server: segment %s: %v", segmentURL, err)
		http.Error(w, "segment processing failed", http.StatusInternalServerError)
		return
	}
	s.Journal.RecordSegment(mime, len(body), keyID != "" && key != "", time.Since(start))

	w.Header().Set("Content-Type", mime)
	_, _ = w.Write(body)
}

// upstreamError maps fetch failures to 502, whether the upstream answered
// with a bad status or the fetch or parse failed otherwise. Client-cancelled
// requests are logged only.
func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		log.Printf("server: %s: client went away", r.URL.Path)
		return
	}
	var dlErr *httpclient.DownloadError
	if errors.As(err, &dlErr) {
		log.Printf("server: %s: upstream: %v", r.URL.Path, dlErr)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	log.Printf("server: %s: %v", r.URL.Path, err)
	http.Error(w, "upstream fetch failed", http.StatusBadGateway)
}

func writeHLS(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", hlsContentType)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(body))
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// serveStatus returns the recent segment journal (empty when disabled).
func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	recent, err := s.Journal.Recent(100)
	if err != nil {
		http.Error(w, "journal read failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	body, _ := json.Marshal(map[string]any{
		"status":   "ok",
		"segments": recent,
	})
	_, _ = w.Write(body)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf(
			"http: %s %s status=%d bytes=%d dur=%s remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.RemoteAddr,
		)
	})
}
