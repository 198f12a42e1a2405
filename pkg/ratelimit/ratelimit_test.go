package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	tb := NewTokenBucket(2, 50)
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, tb.Allow())
}

func TestKeyed_IndependentBuckets(t *testing.T) {
	k := NewKeyed(1, 0.001)
	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))
	assert.True(t, k.Allow("b"))

	k.Forget("a")
	assert.True(t, k.Allow("a"))
}

func TestKeyed_Prune(t *testing.T) {
	k := NewKeyed(5, 1)
	k.Allow("old")
	time.Sleep(30 * time.Millisecond)
	k.Allow("new")

	assert.Equal(t, 1, k.Prune(20*time.Millisecond))
	assert.Equal(t, 0, k.Prune(time.Hour))
}
