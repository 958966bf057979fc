package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Documents caches rendered protocol documents (guide XML, M3U
// playlists) so repeated DVR polls don't re-render the whole schedule
// window. Cost is the document length, capped well below the host's
// memory.
type Documents struct {
	cache *ristretto.Cache[string, string]
	ttl   time.Duration
}

// NewDocuments creates a document cache whose entries expire after the
// given duration.
func NewDocuments(ttl time.Duration) *Documents {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 1000,
		MaxCost:     50 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &Documents{
		cache: cache,
		ttl:   ttl,
	}
}

// Get returns the cached document for key, if present.
func (d *Documents) Get(key string) (string, bool) {
	return d.cache.Get(key)
}

// Set stores a rendered document. Writes are waited on so a subsequent
// Get observes the value.
func (d *Documents) Set(key, value string) {
	d.cache.SetWithTTL(key, value, int64(len(value)), d.ttl)
	d.cache.Wait()
}

// Invalidate drops a document; called when the schedule window changes.
func (d *Documents) Invalidate(key string) {
	d.cache.Del(key)
}

// Clear drops every cached document.
func (d *Documents) Clear() {
	d.cache.Clear()
}

// Close releases the cache's internal goroutines.
func (d *Documents) Close() {
	d.cache.Close()
}
