package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/botcraft/botcraft/internal/botstore"
	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/internal/events"
	"github.com/botcraft/botcraft/internal/metrics"
)

// RecoveryReport lists the bot ids a recovery pass handled.
type RecoveryReport struct {
	Recovered []string
	Failed    []string
}

// Recover respawns every bot whose desired status is running. It runs once
// at service start. A failing bot, including one whose row cannot be
// decoded, is marked stopped and does not affect the others; only a failure
// to list the bot ids is returned.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	ids, err := o.store.ListBotIDsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return report, fmt.Errorf("list running bots: %w", err)
	}
	o.log.Infof("recovering %d bots", len(ids))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.opts.RecoveryConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			recovered, err := o.recoverOne(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed = append(report.Failed, id)
			case recovered:
				report.Recovered = append(report.Recovered, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Recovered)
	sort.Strings(report.Failed)
	o.log.Infof("recovery done: %d recovered, %d failed", len(report.Recovered), len(report.Failed))
	return report, nil
}

func (o *Orchestrator) recoverOne(ctx context.Context, id string) (bool, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	log := o.log.WithField("bot_id", id)
	rec, err := o.store.GetBot(ctx, id)
	if err != nil {
		log.WithError(err).Error("recovery: load bot failed")
		metrics.RecoveryFailures.Add(1)
		if errors.Is(err, botstore.ErrUnreadableRecord) {
			if _, serr := o.store.SetDesiredStatus(ctx, id, domain.StatusStopped); serr != nil {
				log.WithError(serr).Error("recovery: mark unreadable bot stopped failed")
			}
			_ = o.store.RecordError(ctx, id, "recovery: "+err.Error())
		}
		return false, err
	}
	// changed since the list was taken
	if rec == nil || rec.DesiredStatus != domain.StatusRunning {
		return false, nil
	}
	if err := o.clearExitedLocked(ctx, id); err != nil {
		// already live
		return false, nil
	}

	path := o.ws.PathFor(id)
	if info, err := o.store.GetProcessInfo(ctx, id); err == nil && info != nil && info.PID != nil {
		if o.sup.FindOrphan(*info.PID, path) {
			log.WithField("pid", *info.PID).Warn("recovery: previous process still running, stopping it")
			if err := o.sup.StopOrphan(*info.PID, o.opts.Runtime.Grace+o.opts.Runtime.KillGrace); err != nil {
				log.WithError(err).Error("recovery: orphan did not stop")
			}
		}
	}
	if !o.ws.Exists(path) {
		log.Warn("recovery: workspace missing or incomplete, regenerating")
	}

	wsPath, err := o.materialize(rec, rec.Configuration, identityOf(rec), false)
	if err != nil {
		return false, o.recoveryFailed(ctx, rec, err)
	}
	entry, err := o.spawnLocked(ctx, rec, rec.Credential, rec.Configuration, wsPath)
	if err != nil {
		return false, o.recoveryFailed(ctx, rec, err)
	}
	if _, err := o.store.UpdateBot(ctx, id, domain.BotPatch{LastStartedAt: timePtr(entry.StartedAt)}); err != nil {
		log.WithError(err).Warn("recovery: persist start time failed")
	}
	metrics.Recoveries.Add(1)
	log.WithField("pid", entry.PID).Info("bot recovered")
	o.publish(rec, domain.StatusRunning, events.ReasonRecovered, entry.PID, nil)
	return true, nil
}

func (o *Orchestrator) recoveryFailed(ctx context.Context, rec *domain.BotRecord, cause error) error {
	metrics.RecoveryFailures.Add(1)
	return o.failStart(ctx, rec, cause)
}
