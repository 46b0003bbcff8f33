package cache

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"

	"github.com/mpdproxy/mpd-proxy/internal/metrics"
)

// DefaultIOWorkers bounds concurrent file-tier operations per hybrid cache.
const DefaultIOWorkers = 4

// fileMetadata is the JSON frame written ahead of the payload in every cache
// file. Times are Unix seconds so the on-disk form stays portable across
// restarts and process versions.
type fileMetadata struct {
	ExpiresAt   float64 `json:"expires_at"`
	AccessCount int     `json:"access_count"`
	LastAccess  float64 `json:"last_access"`
}

// Hybrid is a two-tier cache: a byte-bounded LRU in front of a durable file
// tier. Keys are MD5-hashed once at the boundary; the hash names both the LRU
// slot and the cache file. File writes go to a .tmp sibling and rename into
// place, so readers see the old file, the new file, or nothing — never a torn
// frame. Concurrent writers to the same key race benignly: last rename wins.
type Hybrid struct {
	name string
	dir  string
	ttl  time.Duration
	mem  *LRU
	io   *semaphore.Weighted
}

// NewHybrid creates (or reuses) the cache directory under the system temp dir
// and returns the cache. ioWorkers <= 0 selects DefaultIOWorkers.
func NewHybrid(name string, ttl time.Duration, maxMemory int, ioWorkers int) (*Hybrid, error) {
	return newHybridAt(name, filepath.Join(os.TempDir(), name), ttl, maxMemory, ioWorkers)
}

func newHybridAt(name, dir string, ttl time.Duration, maxMemory int, ioWorkers int) (*Hybrid, error) {
	if ioWorkers <= 0 {
		ioWorkers = DefaultIOWorkers
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Hybrid{
		name: name,
		dir:  dir,
		ttl:  ttl,
		mem:  NewLRU(maxMemory),
		io:   semaphore.NewWeighted(int64(ioWorkers)),
	}, nil
}

// Dir returns the cache's directory. Exposed for the operator status surface.
func (h *Hybrid) Dir() string { return h.dir }

func hashKey(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (h *Hybrid) path(hashed string) string {
	return filepath.Join(h.dir, hashed)
}

// Get returns the payload for key, trying the LRU first and the file tier
// second. A file hit is promoted into the LRU with its access count bumped.
// Expired or unreadable files are treated as misses; a corrupt file is
// deleted. Returns false on miss or when ctx is cancelled while waiting for
// an I/O slot.
func (h *Hybrid) Get(ctx context.Context, key string) ([]byte, bool) {
	k := hashKey(key)
	if entry, ok := h.mem.Get(k); ok {
		metrics.CacheHits.WithLabelValues(h.name, "memory").Inc()
		return entry.Data, true
	}

	if err := h.io.Acquire(ctx, 1); err != nil {
		metrics.CacheMisses.WithLabelValues(h.name).Inc()
		return nil, false
	}
	data, ok := h.readFile(k)
	h.io.Release(1)
	if !ok {
		metrics.CacheMisses.WithLabelValues(h.name).Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues(h.name, "file").Inc()
	return data, true
}

func (h *Hybrid) readFile(hashed string) ([]byte, bool) {
	f, err := os.Open(h.path(hashed))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("cache: %s: read %s: %v", h.name, hashed, err)
		}
		return nil, false
	}
	defer f.Close()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		log.Printf("cache: %s: corrupt frame %s: %v", h.name, hashed, err)
		h.removeFile(hashed)
		return nil, false
	}
	metaLen := binary.BigEndian.Uint64(lenBuf[:])
	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(f, metaBuf); err != nil {
		log.Printf("cache: %s: corrupt frame %s: %v", h.name, hashed, err)
		h.removeFile(hashed)
		return nil, false
	}
	var meta fileMetadata
	if err := json.Unmarshal(metaBuf, &meta); err != nil {
		log.Printf("cache: %s: corrupt metadata %s: %v", h.name, hashed, err)
		h.removeFile(hashed)
		return nil, false
	}
	expires := time.Unix(0, int64(meta.ExpiresAt*float64(time.Second)))
	if !time.Now().Before(expires) {
		h.removeFile(hashed)
		return nil, false
	}
	data, err := io.ReadAll(f)
	if err != nil {
		log.Printf("cache: %s: read payload %s: %v", h.name, hashed, err)
		return nil, false
	}
	h.mem.Set(hashed, Entry{
		Data:        data,
		ExpiresAt:   expires,
		AccessCount: meta.AccessCount + 1,
		LastAccess:  time.Now(),
	})
	return data, true
}

// Set stores data in both tiers. ttl <= 0 uses the cache default. Returns
// false when the file tier could not be written; the LRU still holds the
// entry, so a same-process read-through succeeds either way.
func (h *Hybrid) Set(ctx context.Context, key string, data []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = h.ttl
	}
	now := time.Now()
	expires := now.Add(ttl)
	k := hashKey(key)
	h.mem.Set(k, Entry{Data: data, ExpiresAt: expires, LastAccess: now})

	if err := h.io.Acquire(ctx, 1); err != nil {
		return false
	}
	defer h.io.Release(1)

	if err := h.writeFile(k, data, expires, now); err != nil {
		log.Printf("cache: %s: write %s: %v", h.name, k, err)
		metrics.CacheWriteErrors.WithLabelValues(h.name).Inc()
		return false
	}
	return true
}

func (h *Hybrid) writeFile(hashed string, data []byte, expires, now time.Time) error {
	meta := fileMetadata{
		ExpiresAt:  float64(expires.UnixNano()) / float64(time.Second),
		LastAccess: float64(now.UnixNano()) / float64(time.Second),
	}
	metaBuf, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	final := h.path(hashed)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(metaBuf)))
	_, werr := f.Write(lenBuf[:])
	if werr == nil {
		_, werr = f.Write(metaBuf)
	}
	if werr == nil {
		_, werr = f.Write(data)
	}
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp)
		if werr != nil {
			return werr
		}
		return cerr
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Delete removes key from both tiers. An already-absent file counts as
// success.
func (h *Hybrid) Delete(ctx context.Context, key string) bool {
	k := hashKey(key)
	h.mem.Remove(k)
	if err := h.io.Acquire(ctx, 1); err != nil {
		return false
	}
	defer h.io.Release(1)
	return h.removeFile(k)
}

func (h *Hybrid) removeFile(hashed string) bool {
	err := os.Remove(h.path(hashed))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return true
	}
	log.Printf("cache: %s: delete %s: %v", h.name, hashed, err)
	return false
}

// Memory is the memory-only sibling of Hybrid, used where durability is
// wrong (live manifests go stale in seconds). Same keying and TTL semantics,
// no file tier.
type Memory struct {
	name string
	ttl  time.Duration
	mem  *LRU
}

// NewMemory returns a memory-only cache with the given default TTL.
func NewMemory(name string, ttl time.Duration, maxMemory int) *Memory {
	return &Memory{name: name, ttl: ttl, mem: NewLRU(maxMemory)}
}

// Get returns the payload for key if present and fresh.
func (m *Memory) Get(key string) ([]byte, bool) {
	entry, ok := m.mem.Get(hashKey(key))
	if !ok {
		metrics.CacheMisses.WithLabelValues(m.name).Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues(m.name, "memory").Inc()
	return entry.Data, true
}

// Set stores data under key. ttl <= 0 uses the cache default.
func (m *Memory) Set(key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := time.Now()
	m.mem.Set(hashKey(key), Entry{Data: data, ExpiresAt: now.Add(ttl), LastAccess: now})
}

// Delete removes key if present.
func (m *Memory) Delete(key string) {
	m.mem.Remove(hashKey(key))
}
