package cache

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// entry pairs a cached value with its expiry instant. Entries are stored
// whole, so a Put replaces any prior value atomically and readers never
// observe a partially updated entry.
type entry[V any] struct {
	value   V
	expires time.Time
}

// Store is a TTL-bound key/value store shared between the refresh loop
// and the tuner handlers. Reads past an entry's TTL are misses (lazy
// expiry); Sweep exists only to bound memory growth, not for
// correctness.
type Store[V any] struct {
	m *xsync.MapOf[string, entry[V]]
}

// NewStore creates an empty store.
func NewStore[V any]() *Store[V] {
	return &Store[V]{
		m: xsync.NewMapOf[string, entry[V]](),
	}
}

// Get returns the value for key if present and unexpired. An expired
// entry is logically absent: Get reports a miss and removes it, but only
// while it is still the same expired entry, so a concurrent Put is never
// clobbered.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V

	e, ok := s.m.Load(key)
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expires) {
		s.m.Compute(key, func(old entry[V], loaded bool) (entry[V], bool) {
			// delete only if the expired entry is still the one we saw
			if loaded && old.expires.Equal(e.expires) {
				return old, true
			}
			return old, false
		})
		return zero, false
	}
	return e.value, true
}

// Put stores value under key with the given TTL, fully replacing any
// prior value for that key.
func (s *Store[V]) Put(key string, value V, ttl time.Duration) {
	s.m.Store(key, entry[V]{
		value:   value,
		expires: time.Now().Add(ttl),
	})
}

// Invalidate removes key immediately, regardless of TTL.
func (s *Store[V]) Invalidate(key string) {
	s.m.Delete(key)
}

// Sweep removes every expired entry and returns how many were dropped.
// The refresh loop calls this once per cycle.
func (s *Store[V]) Sweep() int {
	now := time.Now()
	removed := 0

	s.m.Range(func(key string, e entry[V]) bool {
		if now.After(e.expires) {
			s.m.Compute(key, func(old entry[V], loaded bool) (entry[V], bool) {
				if loaded && now.After(old.expires) {
					removed++
					return old, true
				}
				return old, false
			})
		}
		return true
	})

	return removed
}

// Len counts the entries that are currently unexpired.
func (s *Store[V]) Len() int {
	now := time.Now()
	count := 0
	s.m.Range(func(_ string, e entry[V]) bool {
		if !now.After(e.expires) {
			count++
		}
		return true
	})
	return count
}

// Range iterates over unexpired entries. Iteration order is undefined.
// Returning false from fn stops the iteration.
func (s *Store[V]) Range(fn func(key string, value V) bool) {
	now := time.Now()
	s.m.Range(func(key string, e entry[V]) bool {
		if now.After(e.expires) {
			return true
		}
		return fn(key, e.value)
	})
}
