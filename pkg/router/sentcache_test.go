package router

import (
	"testing"
	"time"
)

func TestSentCacheWindow(t *testing.T) {
	ttl := time.Hour
	cache := NewSentCache(ttl)
	t0 := time.Unix(1700000000, 0)

	cache.Record("msg-1", t0)

	if !cache.Seen("msg-1", t0) {
		t.Error("entry not seen immediately after recording")
	}
	if !cache.Seen("msg-1", t0.Add(ttl-time.Nanosecond)) {
		t.Error("entry expired before the window edge")
	}
	if cache.Seen("msg-1", t0.Add(ttl)) {
		t.Error("entry still seen exactly at the window edge")
	}
	if cache.Seen("msg-1", t0) {
		t.Error("expired entry resurrected after eviction")
	}
}

func TestSentCacheUnknownKey(t *testing.T) {
	cache := NewSentCache(time.Hour)
	if cache.Seen("never-recorded", time.Now()) {
		t.Error("unknown key reported as seen")
	}
	cache.Record("", time.Now())
	if cache.Len() != 0 {
		t.Error("empty key was stored")
	}
}

func TestSentCachePrune(t *testing.T) {
	cache := NewSentCache(time.Hour)
	t0 := time.Unix(1700000000, 0)

	cache.Record("old-1", t0)
	cache.Record("old-2", t0.Add(time.Minute))
	cache.Record("fresh", t0.Add(45*time.Minute))

	dropped := cache.Prune(t0.Add(70 * time.Minute))
	if dropped != 2 {
		t.Errorf("Prune dropped %d, want 2", dropped)
	}
	if cache.Len() != 1 {
		t.Errorf("Len = %d after prune, want 1", cache.Len())
	}
	if !cache.Seen("fresh", t0.Add(70*time.Minute)) {
		t.Error("fresh entry lost in prune")
	}
}
