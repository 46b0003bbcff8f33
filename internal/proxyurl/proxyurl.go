// Package proxyurl builds the absolute downstream URLs embedded in output
// manifests: rendition URLs in the master, segment URLs in media playlists.
package proxyurl

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Signer turns a query map into an opaque token so parameters (upstream URLs,
// DRM keys) are not readable in client-facing playlists.
type Signer interface {
	Sign(q url.Values) (string, error)
}

// Encode returns an absolute URL for base with q attached. With a signer the
// parameters travel as a single opaque token; without one they are plain
// query pairs. Plain encoding is deterministic (keys sorted) so identical
// input manifests render byte-identical output.
func Encode(base string, q url.Values, signer Signer) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("proxyurl: bad base %q: %w", base, err)
	}
	if signer != nil {
		token, err := signer.Sign(q)
		if err != nil {
			return "", fmt.Errorf("proxyurl: sign: %w", err)
		}
		u.RawQuery = "token=" + url.QueryEscape(token)
		return u.String(), nil
	}
	u.RawQuery = encodeSorted(q)
	return u.String(), nil
}

// encodeSorted is url.Values.Encode with a stable key order guarantee made
// explicit; values within a key keep insertion order.
func encodeSorted(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// OriginalScheme recovers the client-facing scheme of r. Behind a TLS
// terminator the server sees plain HTTP, so trust forwarded headers first.
func OriginalScheme(r *http.Request) string {
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		if i := strings.IndexByte(p, ','); i >= 0 {
			p = p[:i]
		}
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "http" || p == "https" {
			return p
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Endpoint returns the absolute URL of path on this proxy as the client
// reaches it, forcing the scheme observed from the inbound request.
func Endpoint(r *http.Request, path string) string {
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		if i := strings.IndexByte(h, ','); i >= 0 {
			h = h[:i]
		}
		host = strings.TrimSpace(h)
	}
	return OriginalScheme(r) + "://" + host + path
}
