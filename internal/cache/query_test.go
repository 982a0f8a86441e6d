package cache

import (
	"testing"
	"time"

	"github.com/flowreader/flowreader-backend/internal/retrieval"
)

func makeContext(passage string) *retrieval.Context {
	return &retrieval.Context{
		Passages: []retrieval.Passage{
			{Content: passage, ChapterID: "chapter-1", Score: 0.85},
		},
		TokensUsed: 42,
	}
}

func TestContextCache_GetSet(t *testing.T) {
	c := NewContextCache(1 * time.Hour)
	defer c.Stop()

	_, ok := c.Get("user-1", "book-1", "what happens in chapter 3?")
	if ok {
		t.Fatal("expected cache miss on empty cache")
	}

	ctx := makeContext("the protagonist reaches the tower")
	c.Set("user-1", "book-1", "what happens in chapter 3?", ctx)

	got, ok := c.Get("user-1", "book-1", "what happens in chapter 3?")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(got.Passages) != 1 || got.Passages[0].Content != "the protagonist reaches the tower" {
		t.Fatalf("unexpected cached context: %+v", got)
	}
}

func TestContextCache_BookIsolation(t *testing.T) {
	c := NewContextCache(1 * time.Hour)
	defer c.Stop()

	c.Set("user-1", "book-1", "query", makeContext("book one passage"))
	c.Set("user-1", "book-2", "query", makeContext("book two passage"))

	got, ok := c.Get("user-1", "book-1", "query")
	if !ok || got.Passages[0].Content != "book one passage" {
		t.Fatal("book-1 cache returned wrong context")
	}

	got, ok = c.Get("user-1", "book-2", "query")
	if !ok || got.Passages[0].Content != "book two passage" {
		t.Fatal("book-2 cache returned wrong context")
	}
}

func TestContextCache_UserIsolation(t *testing.T) {
	c := NewContextCache(1 * time.Hour)
	defer c.Stop()

	c.Set("user-1", "book-1", "query", makeContext("user one"))

	_, ok := c.Get("user-2", "book-1", "query")
	if ok {
		t.Fatal("user-2 should not see user-1's cache")
	}
}

func TestContextCache_Expiry(t *testing.T) {
	c := NewContextCache(50 * time.Millisecond)
	defer c.Stop()

	c.Set("user-1", "book-1", "query", makeContext("test"))

	if _, ok := c.Get("user-1", "book-1", "query"); !ok {
		t.Fatal("expected cache hit before expiry")
	}

	time.Sleep(80 * time.Millisecond)

	if _, ok := c.Get("user-1", "book-1", "query"); ok {
		t.Fatal("expected cache miss after expiry")
	}
}

func TestContextCache_InvalidateBook(t *testing.T) {
	c := NewContextCache(1 * time.Hour)
	defer c.Stop()

	c.Set("user-1", "book-1", "query-a", makeContext("a"))
	c.Set("user-1", "book-1", "query-b", makeContext("b"))
	c.Set("user-1", "book-2", "query-a", makeContext("c"))

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.Len())
	}

	c.InvalidateBook("book-1")

	if c.Len() != 1 {
		t.Fatalf("expected 1 entry after invalidation, got %d", c.Len())
	}

	if _, ok := c.Get("user-1", "book-1", "query-a"); ok {
		t.Fatal("book-1 cache should be invalidated")
	}
	if _, ok := c.Get("user-1", "book-2", "query-a"); !ok {
		t.Fatal("book-2 cache should survive")
	}
}

func TestContextCache_Len(t *testing.T) {
	c := NewContextCache(1 * time.Hour)
	defer c.Stop()

	if c.Len() != 0 {
		t.Fatal("expected empty cache")
	}

	c.Set("u1", "b1", "q1", makeContext("a"))
	c.Set("u1", "b1", "q2", makeContext("b"))

	if c.Len() != 2 {
		t.Fatalf("expected 2, got %d", c.Len())
	}
}

func TestContextCacheKey_Deterministic(t *testing.T) {
	k1 := contextCacheKey("user-1", "book-1", "hello world")
	k2 := contextCacheKey("user-1", "book-1", "hello world")
	if k1 != k2 {
		t.Fatalf("cache key should be deterministic: %s != %s", k1, k2)
	}

	k3 := contextCacheKey("user-1", "book-2", "hello world")
	if k1 == k3 {
		t.Fatal("different bookID should produce different key")
	}

	k4 := contextCacheKey("user-2", "book-1", "hello world")
	if k1 == k4 {
		t.Fatal("different userID should produce different key")
	}
}
