package pqc

import (
	"testing"
	"time"
)

func TestSessionCacheExpiryAndEviction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newSessionCache(2, func() time.Time { return now })

	c.put(SessionData{SessionID: "a", ExpiresAt: now.Add(time.Minute)})
	c.put(SessionData{SessionID: "b", ExpiresAt: now.Add(time.Hour)})
	if _, ok := c.get("a"); !ok {
		t.Fatal("expected a")
	}
	// b is now least recently used
	c.put(SessionData{SessionID: "c", ExpiresAt: now.Add(time.Hour)})
	if _, ok := c.get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if c.len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.len())
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.get("a"); ok {
		t.Fatal("expected a to expire")
	}
	if _, ok := c.get("c"); !ok {
		t.Fatal("expected c")
	}
}
