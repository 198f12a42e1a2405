package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/botcraft/botcraft/internal/metrics"
	"github.com/botcraft/botcraft/pkg/logger"
)

// CollectGarbage removes workspace directories that no bot record refers to.
// Each removal holds the id's lock and re-checks the record first.
func (o *Orchestrator) CollectGarbage(ctx context.Context) (int, error) {
	ids, err := o.ws.ListWorkspaceIDs()
	if err != nil {
		return 0, err
	}
	known, err := o.store.ListBotIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list bot ids: %w", err)
	}
	live := make(map[string]struct{}, len(known))
	for _, id := range known {
		live[id] = struct{}{}
	}

	removed := 0
	for _, id := range ids {
		if _, ok := live[id]; ok {
			continue
		}
		if o.removeOrphanWorkspace(ctx, id) {
			removed++
		}
	}
	if removed > 0 {
		metrics.WorkspacesRemoved.Add(int64(removed))
		o.log.Infof("removed %d orphaned workspaces", removed)
	}
	return removed, nil
}

func (o *Orchestrator) removeOrphanWorkspace(ctx context.Context, id string) bool {
	unlock := o.locks.Lock(id)
	defer unlock()

	// created while we were listing
	if rec, err := o.store.GetBot(ctx, id); err != nil || rec != nil {
		return false
	}
	if _, ok := o.sup.Get(id); ok {
		return false
	}
	return o.ws.Destroy(o.ws.PathFor(id)) == nil
}

// Janitor runs housekeeping tasks on a cron schedule. A task that is still
// running when its next tick comes is skipped.
type Janitor struct {
	cron     *robcron.Cron
	schedule string
	timeout  time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	started bool
}

func NewJanitor(schedule string, timeout time.Duration) (*Janitor, error) {
	if schedule == "" {
		schedule = "@every 1h"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if _, err := robcron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	log := logger.Component("janitor")
	c := robcron.New(robcron.WithChain(
		robcron.Recover(robcron.PrintfLogger(log)),
		robcron.SkipIfStillRunning(robcron.PrintfLogger(log)),
	))
	return &Janitor{cron: c, schedule: schedule, timeout: timeout, log: log}, nil
}

// Add registers a task on the janitor's schedule.
func (j *Janitor) Add(name string, task func(ctx context.Context) error) error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		start := time.Now()
		if err := task(ctx); err != nil {
			j.log.WithError(err).WithField("task", name).Warn("janitor task failed")
			return
		}
		j.log.WithFields(logrus.Fields{"task": name, "took": time.Since(start).String()}).Debug("janitor task done")
	})
	return err
}

func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started {
		j.cron.Start()
		j.started = true
	}
}

// Stop stops scheduling and waits for running tasks until ctx is done.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return nil
	}
	j.started = false
	j.mu.Unlock()

	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
