package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheSource distinguishes how a ResponseCache lookup was satisfied.
type CacheSource string

const (
	SourceMiss     CacheSource = "miss"
	SourceExact    CacheSource = "exact"
	SourceSemantic CacheSource = "semantic"
)

// Fingerprint identifies a cacheable dialog response: the same (user, book,
// intent, normalized query, model tier, context signature) tuple should
// produce the same answer.
type Fingerprint struct {
	UserID            string
	BookID            string
	Intent            string
	NormalizedQuery   string
	ModelTier         string
	ContextSignature  string
	QueryEmbedding    []float32
}

// key returns the exact-match cache key for a Fingerprint.
func (f Fingerprint) key() string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		f.UserID, f.BookID, f.Intent, f.NormalizedQuery, f.ModelTier, f.ContextSignature,
	}, "\x1f")))
	return fmt.Sprintf("rc:%x", h)
}

type responseEntry struct {
	fp          Fingerprint
	value       any
	qualityOK   bool
	createdAt   time.Time
	expiresAt   time.Time
	listElement *list.Element
}

// ResponseCache is the two-phase (exact then semantic) completion cache
// described in the spec: exact fingerprint match first, falling back to a
// cosine-similarity match against cached query embeddings sharing the same
// context signature. Bounded by maxEntries with LRU eviction on top of TTL.
type ResponseCache struct {
	mu              sync.Mutex
	entries         map[string]*responseEntry
	order           *list.List // front = most recently used
	ttl             time.Duration
	maxEntries      int
	semanticThresh  float64
	group           singleflight.Group
}

// NewResponseCache builds a ResponseCache.
func NewResponseCache(ttl time.Duration, maxEntries int, semanticThreshold float64) *ResponseCache {
	return &ResponseCache{
		entries:        make(map[string]*responseEntry),
		order:          list.New(),
		ttl:            ttl,
		maxEntries:     maxEntries,
		semanticThresh: semanticThreshold,
	}
}

// Get looks up a cached value for fp, first by exact fingerprint, then by
// semantic similarity among entries sharing the same context signature.
func (c *ResponseCache) Get(fp Fingerprint) (any, CacheSource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if entry, ok := c.entries[fp.key()]; ok {
		if now.After(entry.expiresAt) {
			c.evictLocked(fp.key())
		} else {
			c.order.MoveToFront(entry.listElement)
			slog.Info("response cache hit", "source", "exact", "user_id", fp.UserID, "book_id", fp.BookID)
			return entry.value, SourceExact, true
		}
	}

	var best *responseEntry
	bestSim := 0.0
	for key, entry := range c.entries {
		if entry.fp.ContextSignature != fp.ContextSignature || entry.fp.BookID != fp.BookID || entry.fp.UserID != fp.UserID {
			continue
		}
		if now.After(entry.expiresAt) {
			c.evictLocked(key)
			continue
		}
		sim := cosineSimilarity(fp.QueryEmbedding, entry.fp.QueryEmbedding)
		if sim >= c.semanticThresh && sim > bestSim {
			best, bestSim = entry, sim
		}
	}
	if best != nil {
		c.order.MoveToFront(best.listElement)
		slog.Info("response cache hit", "source", "semantic", "similarity", bestSim, "user_id", fp.UserID, "book_id", fp.BookID)
		return best.value, SourceSemantic, true
	}

	return nil, SourceMiss, false
}

// Set stores value under fp, replacing any entry with the same fingerprint.
// It applies no quality check: every value passed in is stored.
func (c *ResponseCache) Set(fp Fingerprint, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fp.key()
	now := time.Now()

	if existing, ok := c.entries[key]; ok {
		existing.value = value
		existing.createdAt = now
		existing.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(existing.listElement)
		return
	}

	entry := &responseEntry{fp: fp, value: value, qualityOK: true, createdAt: now, expiresAt: now.Add(c.ttl)}
	entry.listElement = c.order.PushFront(key)
	c.entries[key] = entry

	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.evictLocked(oldest.Value.(string))
	}
}

// evictLocked removes key from both the map and the LRU list. Caller must
// hold c.mu.
func (c *ResponseCache) evictLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	c.order.Remove(entry.listElement)
	delete(c.entries, key)
}

// Len reports the current entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// BuildOnce ensures only one in-flight call computes the value for a given
// fingerprint; concurrent callers with an identical fingerprint await the
// same result instead of issuing duplicate LLM calls.
func (c *ResponseCache) BuildOnce(ctx context.Context, fp Fingerprint, build func(context.Context) (any, error)) (any, error, bool) {
	v, err, shared := c.group.Do(fp.key(), func() (any, error) {
		return build(ctx)
	})
	return v, err, shared
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
