package router

import (
	"sync"
	"time"
)

// SentCache remembers recently sent message keys for echo deduplication.
// Entries expire after the TTL; Prune sweeps them out in bulk, and Seen
// also drops an expired entry when it encounters one.
type SentCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewSentCache(ttl time.Duration) *SentCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SentCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

func (s *SentCache) Record(key string, now time.Time) {
	if key == "" {
		return
	}
	s.mu.Lock()
	s.entries[key] = now
	s.mu.Unlock()
}

// Seen reports whether key was recorded within the TTL window. An entry
// recorded at t is seen for now < t+ttl and expired from t+ttl onward.
func (s *SentCache) Seen(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	recorded, ok := s.entries[key]
	if !ok {
		return false
	}
	if now.Sub(recorded) >= s.ttl {
		delete(s.entries, key)
		return false
	}
	return true
}

// Prune removes all expired entries and returns how many were dropped.
func (s *SentCache) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key, recorded := range s.entries {
		if now.Sub(recorded) >= s.ttl {
			delete(s.entries, key)
			dropped++
		}
	}
	return dropped
}

func (s *SentCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
