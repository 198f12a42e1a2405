package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botcraft/botcraft/internal/domain"
)

func TestHub_FiltersByOwner(t *testing.T) {
	h := NewHub()
	alice := h.Subscribe("alice")
	all := h.Subscribe("")
	defer h.Unsubscribe(alice)
	defer h.Unsubscribe(all)

	h.Publish(BotStatusEvent{BotID: "b1", OwnerID: "bob", Status: domain.StatusRunning, Reason: ReasonStarted})
	h.Publish(BotStatusEvent{BotID: "b2", OwnerID: "alice", Status: domain.StatusStopped, Reason: ReasonCrashed})

	select {
	case ev := <-alice.C():
		assert.Equal(t, "b2", ev.BotID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case ev := <-alice.C():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	got := []string{(<-all.C()).BotID, (<-all.C()).BotID}
	assert.Equal(t, []string{"b1", "b2"}, got)
}

func TestHub_PublishDoesNotBlockWhenFull(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("")
	defer h.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*3; i++ {
			h.Publish(BotStatusEvent{BotID: "b"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
	assert.Len(t, sub.C(), defaultBufferSize)
}

func TestHub_UnsubscribeTwice(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("x")
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	require.Equal(t, 0, h.SubscriberCount())
	_, ok := <-sub.C()
	assert.False(t, ok)
}
