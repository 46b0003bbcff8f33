// Command mpd-proxy serves DASH streams to HLS clients: it translates MPD
// manifests into master/media playlists and proxies the referenced segments,
// decrypting CENC-protected content when the request carries a key pair.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mpdproxy/mpd-proxy/internal/cache"
	"github.com/mpdproxy/mpd-proxy/internal/config"
	"github.com/mpdproxy/mpd-proxy/internal/crypto"
	"github.com/mpdproxy/mpd-proxy/internal/drm"
	"github.com/mpdproxy/mpd-proxy/internal/hls"
	"github.com/mpdproxy/mpd-proxy/internal/httpclient"
	"github.com/mpdproxy/mpd-proxy/internal/segment"
	"github.com/mpdproxy/mpd-proxy/internal/server"
	"github.com/mpdproxy/mpd-proxy/internal/stats"
)

func main() {
	envFile := flag.String("env", ".env", "env file to load before reading config")
	addr := flag.String("addr", "", "HTTP listen address (overrides MPD_PROXY_LISTEN)")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Printf("env file %s: %v", *envFile, err)
	}
	cfg := config.Load()
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	fetcher := httpclient.NewFetcher(cfg.UpstreamRPS)
	caches, err := cache.New(fetcher.Download, cfg.CacheIOWorkers)
	if err != nil {
		log.Fatalf("cache init: %v", err)
	}

	var signer *crypto.URLSigner
	if cfg.APIPassword != "" {
		signer, err = crypto.NewURLSigner(cfg.APIPassword, cfg.TokenTTL)
		if err != nil {
			log.Fatalf("url signer: %v", err)
		}
	}

	journal, err := stats.Open(cfg.StatsDBPath)
	if err != nil {
		log.Printf("stats journal disabled: %v", err)
	}
	if journal != nil {
		defer journal.Close()
	}

	builder := &hls.Builder{
		PlaylistPath: server.PlaylistPath,
		SegmentPath:  server.SegmentPath,
	}
	if signer != nil {
		// Assign only when non-nil so the interface field stays nil and the
		// builder falls back to plain query URLs.
		builder.Signer = signer
	}

	srv := &server.Server{
		Addr:        cfg.ListenAddr,
		APIPassword: cfg.APIPassword,
		Caches:      caches,
		Assembler: &segment.Assembler{
			InitSegments: caches.InitSegments,
			Download:     fetcher.Download,
			Decrypter:    &drm.MP4Decrypt{Binary: cfg.MP4DecryptBin},
		},
		Builder:   builder,
		Signer:    signer,
		Journal:   journal,
		UserAgent: cfg.UserAgent,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
