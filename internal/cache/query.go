package cache

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flowreader/flowreader-backend/internal/retrieval"
)

// ContextCache caches assembled retrieval.Context by (userID, bookID, query),
// sparing the dialog engine a repeat vector search when a reader re-sends the
// same question (a stream retry, a double-click) within the TTL window.
// Thread-safe via sync.RWMutex. Entries auto-expire after TTL.
type ContextCache struct {
	mu      sync.RWMutex
	entries map[string]*contextEntry
	ttl     time.Duration
	stopCh  chan struct{}
}

type contextEntry struct {
	context   *retrieval.Context
	createdAt time.Time
	expiresAt time.Time
}

// NewContextCache creates a ContextCache with the given TTL and starts
// background cleanup.
func NewContextCache(ttl time.Duration) *ContextCache {
	c := &ContextCache{
		entries: make(map[string]*contextEntry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns a cached retrieval.Context if present and not expired.
func (c *ContextCache) Get(userID, bookID, query string) (*retrieval.Context, bool) {
	key := contextCacheKey(userID, bookID, query)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}

	slog.Info("[CACHE] context hit",
		"user_id", userID,
		"book_id", bookID,
		"age_ms", time.Since(entry.createdAt).Milliseconds(),
	)
	return entry.context, true
}

// Set stores a retrieval.Context in the cache.
func (c *ContextCache) Set(userID, bookID, query string, ctx *retrieval.Context) {
	key := contextCacheKey(userID, bookID, query)
	now := time.Now()
	c.mu.Lock()
	c.entries[key] = &contextEntry{
		context:   ctx,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.mu.Unlock()
}

// InvalidateBook removes all cached entries for a book. Call this when a
// book is re-ingested, since its chapter embeddings have changed underneath
// any cached context.
func (c *ContextCache) InvalidateBook(bookID string) {
	prefix := ":" + bookID + ":"
	c.mu.Lock()
	count := 0
	for key := range c.entries {
		if strings.Contains(key, prefix) {
			delete(c.entries, key)
			count++
		}
	}
	c.mu.Unlock()

	if count > 0 {
		slog.Info("[CACHE] invalidated book context", "book_id", bookID, "entries_removed", count)
	}
}

// Len returns the number of entries in the cache.
func (c *ContextCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop halts the background cleanup goroutine.
func (c *ContextCache) Stop() {
	close(c.stopCh)
}

func (c *ContextCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			before := len(c.entries)
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			after := len(c.entries)
			c.mu.Unlock()
			if before != after {
				slog.Info("[CACHE] context cleanup", "removed", before-after, "remaining", after)
			}
		case <-c.stopCh:
			return
		}
	}
}

func contextCacheKey(userID, bookID, query string) string {
	h := sha256.Sum256([]byte(query))
	return fmt.Sprintf("qc:%s:%s:%x", userID, bookID, h[:8])
}
