package lifecycle

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botcraft/botcraft/internal/codegen"
	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/internal/supervisor"
)

// storeRunning writes a record directly, as an earlier service instance left it.
func (h *harness) storeRunning(owner, credential string, cfg domain.Configuration) *domain.BotRecord {
	h.t.Helper()
	rec, err := h.store.CreateBot(context.Background(), domain.BotRecord{
		OwnerID:       owner,
		Credential:    credential,
		DisplayName:   "old " + credential,
		Configuration: cfg,
		DesiredStatus: domain.StatusRunning,
	})
	require.NoError(h.t, err)
	return rec
}

func (h *harness) materialize(rec *domain.BotRecord) string {
	h.t.Helper()
	out, err := codegen.New(codegen.Options{}).Generate(rec.Configuration, identityOf(rec), rec.ID)
	require.NoError(h.t, err)
	path, err := h.ws.Materialize(rec.ID, out, workspaceDigest(rec.Configuration, identityOf(rec)))
	require.NoError(h.t, err)
	return path
}

func TestRecover_RespawnsRunningBots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	intact := h.storeRunning("alice", "ok-a", testConfig("a"))
	h.materialize(intact)
	missing := h.storeRunning("alice", "ok-b", testConfig("b"))
	stopped := h.storeRunning("bob", "ok-c", testConfig("c"))
	_, err := h.store.UpdateBot(ctx, stopped.ID, domain.BotPatch{DesiredStatus: statusPtr(domain.StatusStopped)})
	require.NoError(t, err)

	report, err := h.o.Recover(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{intact.ID, missing.ID}, report.Recovered)
	assert.Empty(t, report.Failed)

	assert.Equal(t, 2, h.sup.Len())
	_, ok := h.sup.Get(stopped.ID)
	assert.False(t, ok, "stopped bots stay stopped")
	assert.True(t, h.ws.Exists(h.ws.PathFor(missing.ID)), "missing workspace is regenerated")

	for _, id := range report.Recovered {
		rec := h.record(id)
		assert.Equal(t, domain.StatusRunning, rec.DesiredStatus)
		assert.NotNil(t, rec.LastStartedAt)
	}

	// a second pass finds everything live
	again, err := h.o.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Recovered)
	assert.Empty(t, again.Failed)
	assert.Equal(t, 2, h.sup.Len())
}

func TestRecover_IsolatesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	good := h.storeRunning("alice", "ok-a", testConfig("a"))
	broken := h.storeRunning("alice", "ok-b", domain.Configuration{})

	report, err := h.o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{good.ID}, report.Recovered)
	assert.Equal(t, []string{broken.ID}, report.Failed)

	assert.Equal(t, domain.StatusStopped, h.record(broken.ID).DesiredStatus)
	info, err := h.store.GetProcessInfo(ctx, broken.ID)
	require.NoError(t, err)
	require.NotNil(t, info.LastError)
	assert.Contains(t, *info.LastError, "no scenes")

	_, ok := h.sup.Get(good.ID)
	assert.True(t, ok)
}

func TestRecover_UnreadableRecordDoesNotAbort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	good := h.storeRunning("alice", "ok-a", testConfig("a"))
	corrupt := h.storeRunning("alice", "ok-b", testConfig("b"))

	db, err := sql.Open("sqlite", filepath.Join(h.dir, "bots.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(ctx, `UPDATE bots SET configuration_json='{not json' WHERE id=?`, corrupt.ID)
	require.NoError(t, err)

	report, err := h.o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{good.ID}, report.Recovered)
	assert.Equal(t, []string{corrupt.ID}, report.Failed)

	_, ok := h.sup.Get(good.ID)
	assert.True(t, ok)
	_, ok = h.sup.Get(corrupt.ID)
	assert.False(t, ok)

	ids, err := h.store.ListBotIDsByStatus(ctx, domain.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, []string{good.ID}, ids, "the unreadable bot is marked stopped")

	again, err := h.o.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Failed)
}

func TestRecover_StopsOrphanFromPreviousInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.storeRunning("alice", "ok-a", testConfig("a"))
	path := h.materialize(rec)

	previous := supervisor.New(supervisor.Options{})
	orphan, err := previous.Spawn(supervisor.SpawnSpec{
		BotID:         rec.ID,
		WorkspacePath: path,
		Credential:    rec.Credential,
		Executable:    "/bin/sh",
		Args:          []string{"-c", sleepScript},
		Entrypoint:    codegen.MainFile,
		LogPath:       h.o.LogPathFor(rec.ID),
		Configuration: rec.Configuration,
	})
	require.NoError(t, err)
	t.Cleanup(func() { killAll(previous) })
	require.NoError(t, h.store.RecordSpawn(ctx, rec.ID, orphan.PID, orphan.StartedAt))

	report, err := h.o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, report.Recovered)

	require.True(t, previous.WaitExit(orphan, 5*time.Second), "orphan was stopped")
	entry, ok := h.sup.Get(rec.ID)
	require.True(t, ok)
	assert.NotEqual(t, orphan.PID, entry.PID)
	assert.True(t, alive(entry.PID))
}

func TestRecover_AfterServiceRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.create("alice", "ok-a", testConfig("a"))
	stopped := h.create("alice", "ok-b", testConfig("b"))
	_, err := h.o.Stop(ctx, "alice", stopped.ID)
	require.NoError(t, err)

	// the old instance goes away without stopping its process
	entry, _ := h.sup.Get(v.ID)
	require.True(t, h.sup.Remove(v.ID, entry))

	sup2, o2 := h.newOrchestrator(Options{
		Runtime:             h.runtime,
		LogsDir:             h.o.opts.LogsDir,
		RecoveryConcurrency: 1,
	})
	report, err := o2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{v.ID}, report.Recovered)
	waitDead(t, v.PID)
	assert.Equal(t, 1, sup2.Len())

	got, err := o2.Get(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.True(t, got.Running)
	assert.NotEqual(t, v.PID, got.PID)
}

func TestCollectGarbage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.create("alice", "ok-a", testConfig("a"))

	stray := h.storeRunning("alice", "ok-stray", testConfig("s"))
	strayPath := h.materialize(stray)
	_, err := h.store.DeleteBot(ctx, stray.ID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(h.ws.PathFor("not-a-bot"), 0o755))

	removed, err := h.o.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NoDirExists(t, strayPath)
	assert.True(t, h.ws.Exists(h.ws.PathFor(v.ID)))

	removed, err = h.o.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestJanitor(t *testing.T) {
	_, err := NewJanitor("every now and then", time.Second)
	assert.Error(t, err)

	j, err := NewJanitor("@every 1s", time.Second)
	require.NoError(t, err)
	var runs int32
	require.NoError(t, j.Add("count", func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		atomic.AddInt32(&runs, 1)
		return nil
	}))
	j.Start()
	j.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, j.Stop(ctx))
	require.NoError(t, j.Stop(ctx))
}
