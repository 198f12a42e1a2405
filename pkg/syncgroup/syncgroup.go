package syncgroup

import (
	"sync"

	"github.com/botcraft/botcraft/pkg/logger"
)

// SyncGroup 是 sync.WaitGroup 的包装器，简化 goroutine 生命周期管理。
// Functions are queued with Add and started together by Run; a panicking
// function is logged and counted as finished.
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []namedFunc
}

type namedFunc struct {
	name string
	fn   func()
}

func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 添加一个 goroutine 函数；it starts on the next Run.
func (g *SyncGroup) Add(name string, fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = append(g.pending, namedFunc{name: name, fn: fn})
}

// Run 启动所有已添加的 goroutine 并清空队列
func (g *SyncGroup) Run() {
	g.mu.Lock()
	fns := g.pending
	g.pending = nil
	g.mu.Unlock()

	for _, f := range fns {
		g.wg.Add(1)
		go func(f namedFunc) {
			defer g.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Component("syncgroup").WithField("goroutine", f.name).Errorf("panic: %v", r)
				}
			}()
			f.fn()
		}(f)
	}
}

// Wait 等待所有已启动的 goroutine 完成
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
