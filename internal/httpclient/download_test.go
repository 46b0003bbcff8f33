package httpclient

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
)

func TestDownload_Plain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom") != "yes" {
			t.Errorf("custom header not forwarded")
		}
		w.Write([]byte("segment bytes"))
	}))
	defer srv.Close()

	f := NewFetcher(0)
	got, err := f.Download(context.Background(), srv.URL, map[string]string{"X-Custom": "yes"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "segment bytes" {
		t.Errorf("got %q", got)
	}
}

func TestDownload_Gzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("manifest body"))
		gz.Close()
	}))
	defer srv.Close()

	f := NewFetcher(0)
	got, err := f.Download(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "manifest body" {
		t.Errorf("got %q", got)
	}
}

func TestDownload_Brotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		bw.Write([]byte("manifest body"))
		bw.Close()
	}))
	defer srv.Close()

	f := NewFetcher(0)
	got, err := f.Download(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "manifest body" {
		t.Errorf("got %q", got)
	}
}

func TestDownload_StatusErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(0)
	_, err := f.Download(context.Background(), srv.URL, nil)
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("err = %v, want *DownloadError", err)
	}
	if dlErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", dlErr.Status)
	}
}

func TestDownload_RejectsNonHTTPSchemes(t *testing.T) {
	f := NewFetcher(0)
	for _, u := range []string{"file:///etc/passwd", "ftp://host/x", "gopher://host"} {
		if _, err := f.Download(context.Background(), u, nil); err == nil {
			t.Errorf("scheme of %q must be rejected", u)
		}
	}
}

func TestDownload_AcceptEncodingAdvertised(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Accept-Encoding")
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := NewFetcher(0)
	if _, err := f.Download(context.Background(), srv.URL, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "br") {
		t.Errorf("Accept-Encoding = %q, want brotli advertised", got)
	}
}
