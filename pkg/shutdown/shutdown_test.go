package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdown_StagesRunInOrder(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	m.OnShutdown("http", record("http"))
	m.OnShutdown("janitor", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return record("janitor")(ctx)
	})
	m.Alongside("debug", record("debug"))
	m.OnShutdown("store", record("store"))

	m.Shutdown(context.Background())

	assert.Len(t, order, 4)
	assert.Equal(t, "http", order[0])
	assert.ElementsMatch(t, []string{"janitor", "debug"}, order[1:3])
	assert.Equal(t, "store", order[3])
}

func TestShutdown_FailingStepDoesNotStopLaterStages(t *testing.T) {
	m := NewManager()
	ran := false
	m.OnShutdown("bad", func(ctx context.Context) error { return errors.New("boom") })
	m.OnShutdown("next", func(ctx context.Context) error { ran = true; return nil })

	m.Shutdown(context.Background())
	assert.True(t, ran)
}

func TestShutdown_TimeoutSkipsRemainingStages(t *testing.T) {
	m := NewManager()
	ran := false
	m.OnShutdown("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m.OnShutdown("after", func(ctx context.Context) error { ran = true; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Shutdown(ctx)
	assert.False(t, ran)
}

func TestShutdown_RunsOnce(t *testing.T) {
	m := NewManager()
	calls := 0
	m.OnShutdown("once", func(ctx context.Context) error { calls++; return nil })

	m.Shutdown(context.Background())
	m.Shutdown(context.Background())
	assert.Equal(t, 1, calls)
}
