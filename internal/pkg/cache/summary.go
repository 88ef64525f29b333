// internal/pkg/cache/summary.go
package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL  = 60 * time.Second
	DefaultSize = 10000
)

// SummaryCache holds per-user summaries for a bounded TTL. Entries are
// dropped explicitly through Invalidate whenever the user's billing state
// changes, and expire on their own otherwise.
type SummaryCache[V any] struct {
	lru    *lru.LRU[int64, V]
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

func NewSummaryCache[V any](size int, ttl time.Duration) *SummaryCache[V] {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SummaryCache[V]{
		lru: lru.NewLRU[int64, V](size, nil, ttl),
		ttl: ttl,
	}
}

func (c *SummaryCache[V]) Get(userID int64) (V, bool) {
	v, ok := c.lru.Get(userID)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *SummaryCache[V]) Set(userID int64, v V) {
	c.lru.Add(userID, v)
}

func (c *SummaryCache[V]) Invalidate(userID int64) {
	c.lru.Remove(userID)
}

func (c *SummaryCache[V]) Purge() {
	c.lru.Purge()
}

func (c *SummaryCache[V]) TTL() time.Duration {
	return c.ttl
}

// Stats returns hit and miss counts since creation.
func (c *SummaryCache[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
