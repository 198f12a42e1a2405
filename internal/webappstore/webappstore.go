package webappstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/pkg/kvstore"
)

const (
	maxActionType    = 64
	maxPayloadBytes  = 8 << 10
	defaultRetention = 30 * 24 * time.Hour
)

var ErrInvalidAction = errors.New("webappstore: invalid action")

// Store keeps the append-only log of actions posted by companion pages.
// Keys are webapp/<botID>/action/<unix-nano>-<seq>, so a prefix scan in
// reverse yields newest first.
type Store struct {
	kv        *kvstore.Store
	retention time.Duration
	seq       atomic.Uint64
	now       func() time.Time
}

type Options struct {
	Retention time.Duration
}

func New(kv *kvstore.Store, opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Store{kv: kv, retention: opts.Retention, now: time.Now}
}

// AppendAction stores a, stamping CreatedAt.
func (s *Store) AppendAction(a domain.WebAppAction) (domain.WebAppAction, error) {
	a.Type = strings.TrimSpace(a.Type)
	if a.BotID == "" || a.Type == "" || len(a.Type) > maxActionType {
		return a, fmt.Errorf("%w: bot id and a type of at most %d chars are required", ErrInvalidAction, maxActionType)
	}
	a.CreatedAt = s.now().UTC()
	b, err := json.Marshal(a)
	if err != nil {
		return a, fmt.Errorf("encode action: %w", err)
	}
	if len(b) > maxPayloadBytes {
		return a, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidAction, maxPayloadBytes)
	}
	key := fmt.Sprintf("%s%020d-%08d", actionPrefix(a.BotID), a.CreatedAt.UnixNano(), s.seq.Add(1)%100000000)
	if err := s.kv.Set(key, b, s.retention); err != nil {
		return a, fmt.Errorf("store action: %w", err)
	}
	return a, nil
}

// ListActions returns up to limit actions of a bot, newest first.
func (s *Store) ListActions(botID string, limit int) ([]domain.WebAppAction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out := make([]domain.WebAppAction, 0, limit)
	err := s.kv.Scan(actionPrefix(botID), true, func(_ string, val []byte) error {
		var a domain.WebAppAction
		if err := json.Unmarshal(val, &a); err != nil {
			return nil
		}
		out = append(out, a)
		if len(out) >= limit {
			return kvstore.ErrStopScan
		}
		return nil
	})
	return out, err
}

// PurgeBot drops everything stored for a bot.
func (s *Store) PurgeBot(botID string) error {
	if botID == "" {
		return nil
	}
	return s.kv.DropPrefix("webapp/" + botID + "/")
}

func actionPrefix(botID string) string {
	return "webapp/" + botID + "/action/"
}
