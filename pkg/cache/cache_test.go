package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryCache_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewInMemoryCache[string, int](time.Minute)
	c.now = func() time.Time { return now }

	c.Set("a", 1, 0)
	c.Set("b", 2, 10*time.Second)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(30 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Size())

	now = now.Add(time.Minute)
	c.Set("c", 3, 0)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Size())

	c.Delete("c")
	assert.Equal(t, 0, c.Size())
}
