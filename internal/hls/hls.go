// Package hls renders HLS output manifests from a processed DASH manifest:
// a master playlist enumerating renditions, and per-profile media playlists
// with one line per segment.
package hls

import (
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mpdproxy/mpd-proxy/internal/metrics"
	"github.com/mpdproxy/mpd-proxy/internal/mpd"
	"github.com/mpdproxy/mpd-proxy/internal/proxyurl"
)

// defaultTargetDuration is used when a profile has no finite segment
// durations to derive the header from.
const defaultTargetDuration = 5

// Builder renders output manifests. Rendition and segment URLs point back at
// this proxy's playlist/segment endpoints; when the inbound request carried
// has_encrypted, they are emitted as opaque signed tokens instead of plain
// query strings.
type Builder struct {
	PlaylistPath string
	SegmentPath  string
	Signer       proxyurl.Signer
}

// signerFor returns the signer iff the inbound flag asks for token URLs.
func (b *Builder) signerFor(hasEncrypted bool) proxyurl.Signer {
	if hasEncrypted {
		return b.Signer
	}
	return nil
}

// isTruthy interprets query flag values.
func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "", "0", "false", "no":
		return false
	}
	return true
}

// Master renders the master playlist. Audio renditions come first (the first
// one marked default), then one STREAM-INF record per video rendition.
// Emission order follows manifest order; clients observe it.
func (b *Builder) Master(m *mpd.Manifest, r *http.Request, keyID, key string) (string, error) {
	lines := []string{"#EXTM3U", "#EXT-X-VERSION:6"}

	carry := r.URL.Query()
	hasEncrypted := isTruthy(carry.Get("has_encrypted"))
	carry.Del("has_encrypted")

	endpoint := proxyurl.Endpoint(r, b.PlaylistPath)

	type rendition struct {
		profile mpd.Profile
		url     string
	}
	var audio, video []rendition
	for _, p := range m.Profiles {
		q := cloneValues(carry)
		q.Set("profile_id", p.ID)
		q.Set("key_id", keyID)
		q.Set("key", key)
		u, err := proxyurl.Encode(endpoint, q, b.signerFor(hasEncrypted))
		if err != nil {
			return "", err
		}
		switch {
		case strings.Contains(p.MimeType, "video"):
			video = append(video, rendition{p, u})
		case strings.Contains(p.MimeType, "audio"):
			audio = append(audio, rendition{p, u})
		}
	}

	for i, a := range audio {
		yn := "NO"
		if i == 0 {
			yn = "YES"
		}
		lang := a.profile.Lang
		if lang == "" {
			lang = "und"
		}
		lines = append(lines, fmt.Sprintf(
			`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="%s",DEFAULT=%s,AUTOSELECT=%s,LANGUAGE="%s",URI="%s"`,
			a.profile.ID, yn, yn, lang, a.url))
	}
	for _, v := range video {
		lines = append(lines, fmt.Sprintf(
			`#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS="%s",FRAME-RATE=%s,AUDIO="audio"`,
			v.profile.Bandwidth, v.profile.Width, v.profile.Height, v.profile.Codecs, v.profile.FrameRate))
		lines = append(lines, v.url)
	}

	metrics.ManifestsBuilt.WithLabelValues("master").Inc()
	return strings.Join(lines, "\n"), nil
}

// MediaPlaylist renders the media playlist for profiles (normally one; the
// caller resolved them by id). Headers derive from the first profile;
// segment emission preserves profile and segment order.
func (b *Builder) MediaPlaylist(m *mpd.Manifest, profiles []mpd.Profile, r *http.Request) (string, error) {
	lines := []string{"#EXTM3U", "#EXT-X-VERSION:6"}
	if len(profiles) == 0 {
		return strings.Join(lines, "\n"), nil
	}

	lines = append(lines, headerLines(m, profiles[0])...)

	endpoint := proxyurl.Endpoint(r, b.SegmentPath)
	inbound := r.URL.Query()
	// Token emission follows the inbound request's has_encrypted flag
	// verbatim. Segment queries are built fresh, so profile_id and d never
	// reach segment URLs.
	hasEncrypted := isTruthy(inbound.Get("has_encrypted"))

	for _, p := range profiles {
		if len(p.Segments) == 0 {
			log.Printf("hls: profile %s has no segments; skipped", p.ID)
			continue
		}
		for _, seg := range p.Segments {
			if m.IsLive && seg.ProgramDateTime != "" {
				lines = append(lines, "#EXT-X-PROGRAM-DATE-TIME:"+seg.ProgramDateTime)
			}
			lines = append(lines, fmt.Sprintf("#EXTINF:%.3f,", seg.Extinf))

			q := url.Values{}
			q.Set("init_url", p.InitURL)
			q.Set("segment_url", seg.Media)
			q.Set("mime_type", p.MimeType)
			for _, k := range []string{"key_id", "key", "api_password"} {
				if vs, ok := inbound[k]; ok && len(vs) > 0 {
					q.Set(k, vs[0])
				}
			}
			u, err := proxyurl.Encode(endpoint, q, b.signerFor(hasEncrypted))
			if err != nil {
				return "", err
			}
			lines = append(lines, u)
		}
	}

	if !m.IsLive {
		lines = append(lines, "#EXT-X-ENDLIST")
	}
	metrics.ManifestsBuilt.WithLabelValues("media").Inc()
	return strings.Join(lines, "\n"), nil
}

// headerLines derives TARGETDURATION / MEDIA-SEQUENCE / PLAYLIST-TYPE from
// the first profile. An empty segment list falls back to the defaults.
func headerLines(m *mpd.Manifest, first mpd.Profile) []string {
	target := defaultTargetDuration
	var sequence int64
	if len(first.Segments) > 0 {
		maxExtinf := 0.0
		found := false
		for _, s := range first.Segments {
			if math.IsInf(s.Extinf, 0) || math.IsNaN(s.Extinf) {
				continue
			}
			found = true
			if s.Extinf > maxExtinf {
				maxExtinf = s.Extinf
			}
		}
		if found {
			target = int(math.Ceil(maxExtinf))
		}
		head := first.Segments[0]
		if head.SequenceNumber != nil {
			sequence = *head.SequenceNumber
		} else {
			sequence = head.Number
		}
	}
	lines := []string{
		"#EXT-X-TARGETDURATION:" + strconv.Itoa(target),
		"#EXT-X-MEDIA-SEQUENCE:" + strconv.FormatInt(sequence, 10),
	}
	if m.IsLive {
		lines = append(lines, "#EXT-X-PLAYLIST-TYPE:EVENT")
	} else {
		lines = append(lines, "#EXT-X-PLAYLIST-TYPE:VOD")
	}
	return lines
}

func cloneValues(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, vs := range q {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
