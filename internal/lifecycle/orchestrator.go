package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botcraft/botcraft/internal/codegen"
	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/internal/events"
	"github.com/botcraft/botcraft/internal/metrics"
	"github.com/botcraft/botcraft/internal/supervisor"
	"github.com/botcraft/botcraft/internal/tokencheck"
	"github.com/botcraft/botcraft/internal/workspace"
	"github.com/botcraft/botcraft/pkg/logger"
)

// Store is the durable side of the orchestrator.
type Store interface {
	GetBot(ctx context.Context, id string) (*domain.BotRecord, error)
	ListBotIDsByStatus(ctx context.Context, status domain.DesiredStatus) ([]string, error)
	SetDesiredStatus(ctx context.Context, id string, status domain.DesiredStatus) (bool, error)
	ListBotsByOwner(ctx context.Context, ownerID string) ([]domain.BotRecord, error)
	ListBotIDs(ctx context.Context) ([]string, error)
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	FindByCredential(ctx context.Context, credential string) (*domain.BotRecord, error)
	CreateBotWithin(ctx context.Context, rec domain.BotRecord, maxPerOwner int) (*domain.BotRecord, error)
	UpdateBot(ctx context.Context, id string, patch domain.BotPatch) (*domain.BotRecord, error)
	DeleteBot(ctx context.Context, id string) (bool, error)

	RecordSpawn(ctx context.Context, botID string, pid int, startedAt time.Time) error
	RecordExit(ctx context.Context, botID string, exitCode *int, lastErr *string) error
	RecordError(ctx context.Context, botID string, msg string) error
	GetProcessInfo(ctx context.Context, botID string) (*domain.ProcessInfo, error)

	AppendConfigVersion(ctx context.Context, botID string, cfg domain.Configuration) (int, error)
	ListConfigVersions(ctx context.Context, botID string, limit int) ([]domain.ConfigVersion, error)
}

// TokenValidator checks credentials against the platform.
type TokenValidator interface {
	Validate(ctx context.Context, credential string) tokencheck.Result
	Forget(credential string)
}

// ActionPurger drops data the companion pages stored for a bot.
type ActionPurger interface {
	PurgeBot(botID string) error
}

// RuntimeOptions describe how bot processes are launched.
type RuntimeOptions struct {
	Executable string
	Args       []string
	Entrypoint string
	Env        []string
	// Grace is how long Stop/Update wait for SIGTERM to take effect.
	Grace time.Duration
	// KillGrace is how long they wait after SIGKILL.
	KillGrace time.Duration
}

// Options tune the orchestrator. Zero limits fall back to defaults.
type Options struct {
	Runtime             RuntimeOptions
	LogsDir             string
	MaxBotsPerOwner     int
	RecoveryConcurrency int
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store      Store
	Tokens     TokenValidator
	Generator  *codegen.Generator
	Workspaces *workspace.Manager
	Supervisor *supervisor.Supervisor
	Events     *events.Hub
	Actions    ActionPurger
}

// Orchestrator runs the bot lifecycle: every operation on one bot id holds
// that id's lock, so the supervisor registry and the stored desired status
// change together.
type Orchestrator struct {
	store   Store
	tokens  TokenValidator
	gen     *codegen.Generator
	ws      *workspace.Manager
	sup     *supervisor.Supervisor
	hub     *events.Hub
	actions ActionPurger

	locks *keyedLocks
	opts  Options
	log   *logrus.Entry
}

// New checks the required dependencies and runtime settings.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Tokens == nil || deps.Generator == nil || deps.Workspaces == nil || deps.Supervisor == nil {
		return nil, fmt.Errorf("lifecycle: store, tokens, generator, workspaces and supervisor are required")
	}
	if opts.Runtime.Executable == "" || opts.Runtime.Entrypoint == "" {
		return nil, fmt.Errorf("lifecycle: runtime executable and entrypoint are required")
	}
	if opts.Runtime.Grace <= 0 {
		opts.Runtime.Grace = 2 * time.Second
	}
	if opts.Runtime.KillGrace <= 0 {
		opts.Runtime.KillGrace = 2 * time.Second
	}
	if opts.LogsDir == "" {
		opts.LogsDir = "logs"
	}
	if opts.RecoveryConcurrency <= 0 {
		opts.RecoveryConcurrency = 4
	}
	if deps.Events == nil {
		deps.Events = events.NewHub()
	}
	return &Orchestrator{
		store:   deps.Store,
		tokens:  deps.Tokens,
		gen:     deps.Generator,
		ws:      deps.Workspaces,
		sup:     deps.Supervisor,
		hub:     deps.Events,
		actions: deps.Actions,
		locks:   newKeyedLocks(),
		opts:    opts,
		log:     logger.Component("lifecycle"),
	}, nil
}

// Events returns the hub status changes are published on.
func (o *Orchestrator) Events() *events.Hub { return o.hub }

// BotView is a BotRecord plus what the registry knows right now.
type BotView struct {
	domain.BotRecord
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

func (o *Orchestrator) view(rec domain.BotRecord) BotView {
	v := BotView{BotRecord: rec}
	if e, ok := o.sup.Get(rec.ID); ok {
		if _, exited := e.Exited(); !exited {
			v.Running = true
			v.PID = e.PID
		}
	}
	return v
}

// loadOwned hides other owners' bots behind ErrNotFound.
func (o *Orchestrator) loadOwned(ctx context.Context, ownerID, id string) (*domain.BotRecord, error) {
	rec, err := o.store.GetBot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load bot: %w", err)
	}
	if rec == nil || rec.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return rec, nil
}

// LogPathFor is where a bot's process output goes.
func (o *Orchestrator) LogPathFor(botID string) string {
	return filepath.Join(o.opts.LogsDir, "bots", botID+".log")
}

func workspaceDigest(cfg domain.Configuration, identity domain.PlatformIdentity) string {
	return cfg.Digest() + ":" + strconv.FormatInt(identity.ID, 10) + ":" + identity.Username
}

func identityOf(rec *domain.BotRecord) domain.PlatformIdentity {
	if rec.PlatformIdentity == nil {
		return domain.PlatformIdentity{}
	}
	return *rec.PlatformIdentity
}

// materialize regenerates the workspace when it is missing, incomplete or
// stale, or when force is set.
func (o *Orchestrator) materialize(rec *domain.BotRecord, cfg domain.Configuration, identity domain.PlatformIdentity, force bool) (string, error) {
	path := o.ws.PathFor(rec.ID)
	digest := workspaceDigest(cfg, identity)
	if !force && !o.ws.NeedsRegeneration(path, digest) {
		return path, nil
	}
	out, err := o.gen.Generate(cfg, identity, rec.ID)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return o.ws.Materialize(rec.ID, out, digest)
}

// spawnLocked starts the process of rec and hooks up exit reconciliation.
// The caller holds the bot's lock and has materialized the workspace.
func (o *Orchestrator) spawnLocked(ctx context.Context, rec *domain.BotRecord, credential string, cfg domain.Configuration, wsPath string) (*supervisor.RuntimeEntry, error) {
	entry, err := o.sup.Spawn(supervisor.SpawnSpec{
		BotID:         rec.ID,
		WorkspacePath: wsPath,
		Credential:    credential,
		Executable:    o.opts.Runtime.Executable,
		Args:          o.opts.Runtime.Args,
		Entrypoint:    o.opts.Runtime.Entrypoint,
		Env:           o.opts.Runtime.Env,
		LogPath:       o.LogPathFor(rec.ID),
		Configuration: cfg,
	})
	if err != nil {
		metrics.BotSpawnFailures.Add(1)
		if rerr := o.store.RecordError(ctx, rec.ID, "spawn: "+err.Error()); rerr != nil {
			o.log.WithError(rerr).WithField("bot_id", rec.ID).Warn("record spawn error failed")
		}
		return nil, fmt.Errorf("spawn: %w", err)
	}
	metrics.BotSpawns.Add(1)
	metrics.RunningBots.Add(1)

	if err := o.store.RecordSpawn(ctx, rec.ID, entry.PID, entry.StartedAt); err != nil {
		o.reconcileNeeded(rec.ID, "record spawn", err)
	}
	ownerID := rec.OwnerID
	o.sup.OnExit(entry, func(code int) { o.handleExit(rec.ID, ownerID, entry, code) })
	return entry, nil
}

// stopLocked terminates the bot's process if it has one: SIGTERM, wait up to
// Grace, then SIGKILL and wait up to KillGrace. The entry is removed either
// way. It returns the exit code when the process was seen to exit.
func (o *Orchestrator) stopLocked(ctx context.Context, botID string) (found bool, exitCode *int) {
	entry, ok := o.sup.Get(botID)
	if !ok {
		return false, nil
	}
	log := o.log.WithFields(logrus.Fields{"bot_id": botID, "pid": entry.PID})

	if err := o.sup.Terminate(entry); err != nil {
		log.WithError(err).Warn("terminate failed")
	}
	if !o.sup.WaitExit(entry, o.opts.Runtime.Grace) {
		metrics.BotForcedKills.Add(1)
		log.Warnf("process did not exit within %s, sending SIGKILL", o.opts.Runtime.Grace)
		if err := o.sup.Kill(entry); err != nil {
			log.WithError(err).Warn("kill failed")
		}
		if !o.sup.WaitExit(entry, o.opts.Runtime.KillGrace) {
			log.Error("process still alive after SIGKILL, proceeding")
		}
	}
	if o.sup.Remove(botID, entry) {
		metrics.RunningBots.Add(-1)
	}
	metrics.BotStops.Add(1)

	if code, exited := entry.Exited(); exited {
		exitCode = &code
		if err := o.store.RecordExit(ctx, botID, exitCode, nil); err != nil {
			log.WithError(err).Warn("record exit failed")
		}
	}
	return true, exitCode
}

// reconcileNeeded flags a process step that succeeded while the matching
// persistence write failed.
func (o *Orchestrator) reconcileNeeded(botID, step string, err error) {
	metrics.ReconcileNeeded.Add(1)
	o.log.WithError(err).WithFields(logrus.Fields{
		"bot_id":           botID,
		"step":             step,
		"reconcile_needed": true,
	}).Error("desired state disagrees with the running process")
}

func (o *Orchestrator) publish(rec *domain.BotRecord, status domain.DesiredStatus, reason string, pid int, exitCode *int) {
	o.hub.Publish(events.BotStatusEvent{
		BotID:    rec.ID,
		OwnerID:  rec.OwnerID,
		Status:   status,
		Reason:   reason,
		PID:      pid,
		ExitCode: exitCode,
	})
}

func statusPtr(s domain.DesiredStatus) *domain.DesiredStatus { return &s }

func timePtr(t time.Time) *time.Time { return &t }
