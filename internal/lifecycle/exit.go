package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/internal/events"
	"github.com/botcraft/botcraft/internal/metrics"
	"github.com/botcraft/botcraft/internal/supervisor"
)

// handleExit runs once per process, after it exited. If the entry is still
// the registered one nobody asked for the exit: the bot is marked stopped.
// Otherwise a Stop, Update, Restart or Delete already took care of it.
func (o *Orchestrator) handleExit(botID, ownerID string, entry *supervisor.RuntimeEntry, code int) {
	unlock := o.locks.Lock(botID)
	defer unlock()

	log := o.log.WithFields(logrus.Fields{"bot_id": botID, "pid": entry.PID, "exit_code": code})
	if !o.sup.Remove(botID, entry) {
		log.Debug("exit already handled")
		return
	}
	metrics.RunningBots.Add(-1)

	reason := events.ReasonStopped
	msg := "process exited"
	if code != 0 {
		reason = events.ReasonCrashed
		msg = fmt.Sprintf("process exited unexpectedly with code %d", code)
		if err := entry.ExitErr(); err != nil {
			msg += ": " + err.Error()
		}
		metrics.BotCrashes.Add(1)
		log.Warn("bot process crashed")
	} else {
		log.Info("bot process exited on its own")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.RecordExit(ctx, botID, &code, &msg); err != nil {
		log.WithError(err).Warn("record exit failed")
	}
	if _, err := o.store.UpdateBot(ctx, botID, domain.BotPatch{DesiredStatus: statusPtr(domain.StatusStopped)}); err != nil {
		o.reconcileNeeded(botID, "persist crash", err)
	}
	o.hub.Publish(events.BotStatusEvent{
		BotID:    botID,
		OwnerID:  ownerID,
		Status:   domain.StatusStopped,
		Reason:   reason,
		PID:      entry.PID,
		ExitCode: &code,
	})
}
