package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummaryCacheGetSetInvalidate(t *testing.T) {
	c := NewSummaryCache[string](10, time.Minute)

	_, ok := c.Get(1)
	assert.False(t, ok)

	c.Set(1, "pro")
	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "pro", v)

	c.Invalidate(1)
	_, ok = c.Get(1)
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestSummaryCacheExpires(t *testing.T) {
	c := NewSummaryCache[int](10, 20*time.Millisecond)
	c.Set(7, 42)

	assert.Eventually(t, func() bool {
		_, ok := c.Get(7)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSummaryCacheDefaults(t *testing.T) {
	c := NewSummaryCache[int](0, 0)
	assert.Equal(t, DefaultTTL, c.TTL())
}
