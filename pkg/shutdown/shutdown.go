package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/botcraft/botcraft/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type step struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器。Handlers registered in the same stage run
// concurrently; stages run in registration order.
type Manager struct {
	mu     sync.Mutex
	stages [][]step
	done   bool
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调 in a new stage that starts after every earlier one finished.
func (m *Manager) OnShutdown(name string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, []step{{name: name, fn: fn}})
}

// Alongside adds a handler to the most recent stage.
func (m *Manager) Alongside(name string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stages) == 0 {
		m.stages = append(m.stages, nil)
	}
	last := len(m.stages) - 1
	m.stages[last] = append(m.stages[last], step{name: name, fn: fn})
}

// Shutdown 执行所有关闭回调（阻塞调用），only once. ctx bounds the whole
// sequence: once it is done, remaining stages are skipped.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	stages := m.stages
	m.mu.Unlock()

	log := logger.Component("shutdown")
	if len(stages) == 0 {
		log.Info("没有注册的关闭回调")
		return
	}
	log.Infof("开始优雅关闭，共 %d 个阶段", len(stages))

	for _, stage := range stages {
		if ctx.Err() != nil {
			log.Warnf("关闭超时: %v", ctx.Err())
			return
		}
		var wg sync.WaitGroup
		for _, s := range stage {
			wg.Add(1)
			go func(s step) {
				defer wg.Done()
				if err := s.fn(ctx); err != nil {
					log.WithError(err).WithField("step", s.name).Warn("shutdown step failed")
					return
				}
				log.WithFields(logrus.Fields{"step": s.name}).Debug("shutdown step done")
			}(s)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			log.Warnf("关闭超时: %v", ctx.Err())
			return
		}
	}
	log.Info("所有关闭回调已完成")
}
