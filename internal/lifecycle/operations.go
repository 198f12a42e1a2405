package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/botcraft/botcraft/internal/botstore"
	"github.com/botcraft/botcraft/internal/codegen"
	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/internal/events"
	"github.com/botcraft/botcraft/internal/metrics"
	"github.com/botcraft/botcraft/internal/supervisor"
)

// CreateRequest carries what an owner submits for a new bot.
type CreateRequest struct {
	DisplayName   string
	Description   string
	Credential    string
	Configuration domain.Configuration
}

// UpdateRequest changes the non-nil fields.
type UpdateRequest struct {
	DisplayName   *string
	Description   *string
	Credential    *string
	Configuration *domain.Configuration
}

// Create validates the credential, stores the bot as running, materializes
// its workspace and spawns it. A spawn failure leaves the bot stored as
// stopped.
func (o *Orchestrator) Create(ctx context.Context, ownerID string, req CreateRequest) (BotView, error) {
	if strings.TrimSpace(ownerID) == "" {
		return BotView{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	req.Credential = strings.TrimSpace(req.Credential)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Credential == "" {
		return BotView{}, fmt.Errorf("%w: credential is required", ErrInvalidInput)
	}
	if req.DisplayName == "" {
		return BotView{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	cfg := req.Configuration.Clone()
	cfg.Normalize()
	if err := codegen.Validate(cfg); err != nil {
		return BotView{}, err
	}

	// early exit before calling the platform; CreateBotWithin re-checks
	n, err := o.store.CountByOwner(ctx, ownerID)
	if err != nil {
		return BotView{}, fmt.Errorf("count bots: %w", err)
	}
	if n >= o.maxBots() {
		return BotView{}, ErrLimitReached
	}

	res := o.tokens.Validate(ctx, req.Credential)
	if !res.Valid {
		return BotView{}, &CredentialError{Reason: res.Reason, Detail: res.Detail}
	}
	identity := *res.Identity
	if other, err := o.store.FindByCredential(ctx, req.Credential); err != nil {
		return BotView{}, fmt.Errorf("find credential: %w", err)
	} else if other != nil {
		return BotView{}, ErrConflict
	}

	id := uuid.NewString()
	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.store.CreateBotWithin(ctx, domain.BotRecord{
		ID:            id,
		OwnerID:       ownerID,
		Credential:    req.Credential,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		Configuration: cfg,
		DesiredStatus: domain.StatusRunning,
	}, o.maxBots())
	if err != nil {
		if errors.Is(err, botstore.ErrDuplicateCredential) {
			return BotView{}, ErrConflict
		}
		if errors.Is(err, botstore.ErrOwnerLimit) {
			return BotView{}, ErrLimitReached
		}
		return BotView{}, fmt.Errorf("create bot: %w", err)
	}
	log := o.log.WithField("bot_id", id)
	if _, err := o.store.AppendConfigVersion(ctx, id, cfg); err != nil {
		log.WithError(err).Warn("append config version failed")
	}

	wsPath, err := o.materialize(rec, cfg, identity, true)
	if err != nil {
		return BotView{}, o.failStart(ctx, rec, err)
	}
	entry, err := o.spawnLocked(ctx, rec, rec.Credential, cfg, wsPath)
	if err != nil {
		return BotView{}, o.failStart(ctx, rec, err)
	}

	updated, err := o.store.UpdateBot(ctx, id, domain.BotPatch{
		PlatformIdentity: &identity,
		LastStartedAt:    timePtr(entry.StartedAt),
	})
	if err != nil || updated == nil {
		o.reconcileNeeded(id, "persist platform identity", err)
		rec.PlatformIdentity = &identity
		updated = rec
	}
	log.WithField("pid", entry.PID).Infof("bot created as %s", identity.Handle())
	o.publish(updated, domain.StatusRunning, events.ReasonCreated, entry.PID, nil)
	return o.view(*updated), nil
}

// Update regenerates the workspace and replaces the running process with one
// running the new configuration (hot reload). The bot ends up running.
func (o *Orchestrator) Update(ctx context.Context, ownerID, id string, req UpdateRequest) (BotView, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.loadOwned(ctx, ownerID, id)
	if err != nil {
		return BotView{}, err
	}
	patch := domain.BotPatch{Description: req.Description}
	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if name == "" {
			return BotView{}, fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
		}
		patch.DisplayName = &name
	}

	cfg := rec.Configuration
	if req.Configuration != nil {
		cfg = req.Configuration.Clone()
		cfg.Normalize()
		if err := codegen.Validate(cfg); err != nil {
			return BotView{}, err
		}
	}
	configChanged := !cfg.Equal(rec.Configuration)
	if configChanged {
		patch.Configuration = &cfg
	}

	credential := rec.Credential
	identity := identityOf(rec)
	if req.Credential != nil && strings.TrimSpace(*req.Credential) != rec.Credential {
		next := strings.TrimSpace(*req.Credential)
		if next == "" {
			return BotView{}, fmt.Errorf("%w: credential must not be empty", ErrInvalidInput)
		}
		res := o.tokens.Validate(ctx, next)
		if !res.Valid {
			return BotView{}, &CredentialError{Reason: res.Reason, Detail: res.Detail}
		}
		if other, err := o.store.FindByCredential(ctx, next); err != nil {
			return BotView{}, fmt.Errorf("find credential: %w", err)
		} else if other != nil && other.ID != id {
			return BotView{}, ErrConflict
		}
		credential = next
		identity = *res.Identity
		patch.Credential = &credential
		patch.PlatformIdentity = &identity
	}

	// generate before touching the old process, so a generation failure leaves it running
	wsPath, err := o.materialize(rec, cfg, identity, true)
	if err != nil {
		return BotView{}, fmt.Errorf("update bot %s: %w", id, err)
	}

	if found, _ := o.stopLocked(ctx, id); found {
		o.log.WithField("bot_id", id).Info("old process stopped for reload")
	}
	entry, err := o.spawnLocked(ctx, rec, credential, cfg, wsPath)
	if err != nil {
		patch.DesiredStatus = statusPtr(domain.StatusStopped)
		if _, perr := o.store.UpdateBot(ctx, id, patch); perr != nil {
			o.log.WithError(perr).WithField("bot_id", id).Error("persist failed update")
		}
		o.publish(rec, domain.StatusStopped, events.ReasonFailed, 0, nil)
		return BotView{}, fmt.Errorf("update bot %s: %w", id, err)
	}

	patch.DesiredStatus = statusPtr(domain.StatusRunning)
	patch.LastStartedAt = timePtr(entry.StartedAt)
	updated, err := o.store.UpdateBot(ctx, id, patch)
	if err != nil || updated == nil {
		if err == nil {
			err = errors.New("bot row vanished")
		}
		o.reconcileNeeded(id, "persist update", err)
		return BotView{}, fmt.Errorf("persist update: %w", err)
	}
	if configChanged {
		if _, err := o.store.AppendConfigVersion(ctx, id, cfg); err != nil {
			o.log.WithError(err).WithField("bot_id", id).Warn("append config version failed")
		}
	}
	if patch.Credential != nil {
		o.tokens.Forget(rec.Credential)
	}
	o.publish(updated, domain.StatusRunning, events.ReasonUpdated, entry.PID, nil)
	return o.view(*updated), nil
}

// Stop terminates the process, if any, and stores the bot as stopped. It
// succeeds whether or not a process was found.
func (o *Orchestrator) Stop(ctx context.Context, ownerID, id string) (BotView, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.loadOwned(ctx, ownerID, id)
	if err != nil {
		return BotView{}, err
	}
	found, code := o.stopLocked(ctx, id)
	updated, err := o.store.UpdateBot(ctx, id, domain.BotPatch{DesiredStatus: statusPtr(domain.StatusStopped)})
	if err != nil || updated == nil {
		if err == nil {
			err = errors.New("bot row vanished")
		}
		if found {
			o.reconcileNeeded(id, "persist stop", err)
		}
		return BotView{}, fmt.Errorf("persist stop: %w", err)
	}
	if found || rec.DesiredStatus != domain.StatusStopped {
		o.publish(updated, domain.StatusStopped, events.ReasonStopped, 0, code)
	}
	return o.view(*updated), nil
}

// Start spawns a stopped bot, regenerating its workspace when it is missing
// or stale.
func (o *Orchestrator) Start(ctx context.Context, ownerID, id string) (BotView, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.loadOwned(ctx, ownerID, id)
	if err != nil {
		return BotView{}, err
	}
	if err := o.clearExitedLocked(ctx, id); err != nil {
		return BotView{}, err
	}
	entry, err := o.startLocked(ctx, rec)
	if err != nil {
		return BotView{}, err
	}
	return o.afterStart(ctx, rec, entry, events.ReasonStarted)
}

// Restart stops the process, if any, and spawns a fresh one.
func (o *Orchestrator) Restart(ctx context.Context, ownerID, id string) (BotView, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.loadOwned(ctx, ownerID, id)
	if err != nil {
		return BotView{}, err
	}
	o.stopLocked(ctx, id)
	entry, err := o.startLocked(ctx, rec)
	if err != nil {
		return BotView{}, err
	}
	return o.afterStart(ctx, rec, entry, events.ReasonRestarted)
}

// Delete stops the process, removes the workspace (best effort) and deletes
// the record.
func (o *Orchestrator) Delete(ctx context.Context, ownerID, id string) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.loadOwned(ctx, ownerID, id)
	if err != nil {
		return err
	}
	log := o.log.WithField("bot_id", id)
	found, _ := o.stopLocked(ctx, id)

	if err := o.ws.Destroy(o.ws.PathFor(id)); err != nil {
		log.WithError(err).Warn("workspace left on disk")
	}
	if o.actions != nil {
		if err := o.actions.PurgeBot(id); err != nil {
			log.WithError(err).Warn("purge webapp actions failed")
		}
	}
	if err := os.Remove(o.LogPathFor(id)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Debug("remove process log failed")
	}

	if _, err := o.store.DeleteBot(ctx, id); err != nil {
		if found {
			o.reconcileNeeded(id, "delete record", err)
		}
		return fmt.Errorf("delete bot: %w", err)
	}
	o.tokens.Forget(rec.Credential)
	log.Info("bot deleted")
	o.publish(rec, domain.StatusStopped, events.ReasonDeleted, 0, nil)
	return nil
}

// clearExitedLocked fails with ErrAlreadyRunning when a live process exists,
// and drops an entry whose process already exited but was not reconciled yet.
func (o *Orchestrator) clearExitedLocked(ctx context.Context, id string) error {
	entry, ok := o.sup.Get(id)
	if !ok {
		return nil
	}
	code, exited := entry.Exited()
	if !exited {
		return ErrAlreadyRunning
	}
	if o.sup.Remove(id, entry) {
		metrics.RunningBots.Add(-1)
		if err := o.store.RecordExit(ctx, id, &code, nil); err != nil {
			o.log.WithError(err).WithField("bot_id", id).Warn("record exit failed")
		}
	}
	return nil
}

func (o *Orchestrator) startLocked(ctx context.Context, rec *domain.BotRecord) (*supervisor.RuntimeEntry, error) {
	wsPath, err := o.materialize(rec, rec.Configuration, identityOf(rec), false)
	if err != nil {
		return nil, o.failStart(ctx, rec, err)
	}
	entry, err := o.spawnLocked(ctx, rec, rec.Credential, rec.Configuration, wsPath)
	if err != nil {
		return nil, o.failStart(ctx, rec, err)
	}
	return entry, nil
}

func (o *Orchestrator) afterStart(ctx context.Context, rec *domain.BotRecord, entry *supervisor.RuntimeEntry, reason string) (BotView, error) {
	updated, err := o.store.UpdateBot(ctx, rec.ID, domain.BotPatch{
		DesiredStatus: statusPtr(domain.StatusRunning),
		LastStartedAt: timePtr(entry.StartedAt),
	})
	if err != nil || updated == nil {
		if err == nil {
			err = errors.New("bot row vanished")
		}
		o.reconcileNeeded(rec.ID, "persist start", err)
		return BotView{}, fmt.Errorf("persist start: %w", err)
	}
	o.publish(updated, domain.StatusRunning, reason, entry.PID, nil)
	return o.view(*updated), nil
}

// failStart stores the bot as stopped after a failed start and returns the
// error to surface.
func (o *Orchestrator) failStart(ctx context.Context, rec *domain.BotRecord, cause error) error {
	log := o.log.WithField("bot_id", rec.ID).WithError(cause)
	log.Error("start failed")
	if _, err := o.store.UpdateBot(ctx, rec.ID, domain.BotPatch{DesiredStatus: statusPtr(domain.StatusStopped)}); err != nil {
		log.WithField("persist_error", err.Error()).Error("could not mark bot stopped after failed start")
	}
	if err := o.store.RecordError(ctx, rec.ID, cause.Error()); err != nil {
		log.WithField("persist_error", err.Error()).Warn("record start error failed")
	}
	o.publish(rec, domain.StatusStopped, events.ReasonFailed, 0, nil)
	return fmt.Errorf("start bot %s: %w", rec.ID, cause)
}

func (o *Orchestrator) maxBots() int {
	if o.opts.MaxBotsPerOwner <= 0 {
		return 10
	}
	return o.opts.MaxBotsPerOwner
}
