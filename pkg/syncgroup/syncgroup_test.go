package syncgroup

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncGroup_RunAndWait(t *testing.T) {
	g := NewSyncGroup()
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		g.Add("inc", func() { n.Add(1) })
	}
	g.Add("nil", nil)
	assert.Equal(t, int32(0), n.Load())

	g.Run()
	g.Wait()
	assert.Equal(t, int32(5), n.Load())

	// the queue was drained; a second Run starts nothing new
	g.Run()
	g.Wait()
	assert.Equal(t, int32(5), n.Load())
}

func TestSyncGroup_PanicIsContained(t *testing.T) {
	g := NewSyncGroup()
	done := false
	g.Add("boom", func() { panic("boom") })
	g.Add("ok", func() { done = true })

	g.Run()
	g.Wait()
	assert.True(t, done)
}
