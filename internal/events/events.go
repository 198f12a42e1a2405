package events

import (
	"sync"
	"time"

	"github.com/botcraft/botcraft/internal/domain"
)

const defaultBufferSize = 64

// Status change reasons.
const (
	ReasonCreated   = "created"
	ReasonStarted   = "started"
	ReasonStopped   = "stopped"
	ReasonUpdated   = "updated"
	ReasonRestarted = "restarted"
	ReasonCrashed   = "crashed"
	ReasonRecovered = "recovered"
	ReasonFailed    = "failed"
	ReasonDeleted   = "deleted"
)

// BotStatusEvent bot 状态变化事件
type BotStatusEvent struct {
	BotID     string               `json:"bot_id"`
	OwnerID   string               `json:"owner_id"`
	Status    domain.DesiredStatus `json:"status"`
	Reason    string               `json:"reason"`
	PID       int                  `json:"pid,omitempty"`
	ExitCode  *int                 `json:"exit_code,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Subscription receives the events of one owner (or every owner when OwnerID is empty).
type Subscription struct {
	id      int
	ownerID string
	ch      chan BotStatusEvent
}

func (s *Subscription) C() <-chan BotStatusEvent { return s.ch }

// Hub is an in-process pub/sub for status events. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]*Subscription)}
}

func (h *Hub) Subscribe(ownerID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{id: h.nextID, ownerID: ownerID, ch: make(chan BotStatusEvent, defaultBufferSize)}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.ch)
	}
}

func (h *Hub) Publish(ev BotStatusEvent) {
	if h == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.ownerID != "" && sub.ownerID != ev.OwnerID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
