package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(ttl time.Duration) (*Cache[string], *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewCache[string](ttl)
	c.now = clock.now
	return c, clock
}

func TestCache_GetSet(t *testing.T) {
	c, _ := newTestCache(time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v")
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	c.Set("k", "v")

	clock.advance(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestCache_Prune(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	c.Set("old", "1")
	clock.advance(30 * time.Second)
	c.Set("new", "2")
	clock.advance(45 * time.Second)

	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("new")
	assert.True(t, ok)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("a", "1")
	c.Set("b", "2")

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
