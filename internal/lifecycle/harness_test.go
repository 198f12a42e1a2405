package lifecycle

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botcraft/botcraft/internal/botstore"
	"github.com/botcraft/botcraft/internal/codegen"
	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/internal/events"
	"github.com/botcraft/botcraft/internal/supervisor"
	"github.com/botcraft/botcraft/internal/tokencheck"
	"github.com/botcraft/botcraft/internal/workspace"
)

// fakeTokens accepts credentials starting with "ok-", reports "down-" ones as
// a network failure and rejects the rest.
type fakeTokens struct {
	mu        sync.Mutex
	calls     int
	forgotten []string
}

func (f *fakeTokens) Validate(_ context.Context, credential string) tokencheck.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	switch {
	case strings.HasPrefix(credential, "ok-"):
		name := strings.TrimPrefix(credential, "ok-")
		return tokencheck.Result{Valid: true, Identity: &domain.PlatformIdentity{ID: int64(len(name)) + 1000, Username: name + "_bot"}}
	case strings.HasPrefix(credential, "down-"):
		return tokencheck.Result{Reason: tokencheck.ReasonNetwork, Detail: "timeout"}
	default:
		return tokencheck.Result{Reason: tokencheck.ReasonRejected, Detail: "Unauthorized"}
	}
}

func (f *fakeTokens) Forget(credential string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, credential)
}

type purgeRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (p *purgeRecorder) PurgeBot(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return nil
}

type harness struct {
	t       *testing.T
	dir     string
	store   *botstore.Store
	ws      *workspace.Manager
	sup     *supervisor.Supervisor
	tokens  *fakeTokens
	purged  *purgeRecorder
	hub     *events.Hub
	o       *Orchestrator
	runtime RuntimeOptions
}

const sleepScript = "exec sleep 30"

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := botstore.Open(botstore.Options{Path: filepath.Join(dir, "bots.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ws, err := workspace.New(filepath.Join(dir, "workspaces"))
	require.NoError(t, err)

	h := &harness{
		t:      t,
		dir:    dir,
		store:  store,
		ws:     ws,
		tokens: &fakeTokens{},
		purged: &purgeRecorder{},
		hub:    events.NewHub(),
	}
	opts := Options{
		Runtime: RuntimeOptions{
			Executable: "/bin/sh",
			Args:       []string{"-c", sleepScript},
			Entrypoint: codegen.MainFile,
			Grace:      2 * time.Second,
			KillGrace:  time.Second,
		},
		LogsDir:             filepath.Join(dir, "logs"),
		MaxBotsPerOwner:     5,
		RecoveryConcurrency: 2,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.runtime = opts.Runtime
	h.sup, h.o = h.newOrchestrator(opts)
	return h
}

// newOrchestrator builds an orchestrator with its own supervisor over the
// harness's store and workspaces, like a restarted service would.
func (h *harness) newOrchestrator(opts Options) (*supervisor.Supervisor, *Orchestrator) {
	h.t.Helper()
	sup := supervisor.New(supervisor.Options{})
	o, err := New(Deps{
		Store:      h.store,
		Tokens:     h.tokens,
		Generator:  codegen.New(codegen.Options{APIBaseURL: "http://localhost:8080"}),
		Workspaces: h.ws,
		Supervisor: sup,
		Events:     h.hub,
		Actions:    h.purged,
	}, opts)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { killAll(sup) })
	return sup, o
}

func killAll(sup *supervisor.Supervisor) {
	for _, e := range sup.ListAll() {
		_ = sup.Kill(e)
		sup.WaitExit(e, 2*time.Second)
	}
}

func (h *harness) create(owner, credential string, cfg domain.Configuration) BotView {
	h.t.Helper()
	v, err := h.o.Create(context.Background(), owner, CreateRequest{
		DisplayName:   "Bot " + credential,
		Credential:    credential,
		Configuration: cfg,
	})
	require.NoError(h.t, err)
	return v
}

func (h *harness) record(id string) *domain.BotRecord {
	h.t.Helper()
	rec, err := h.store.GetBot(context.Background(), id)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) waitDesired(id string, want domain.DesiredStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		rec, err := h.store.GetBot(context.Background(), id)
		return err == nil && rec != nil && rec.DesiredStatus == want
	}, 5*time.Second, 20*time.Millisecond, "desired status never became %s", want)
}

func testConfig(msg string) domain.Configuration {
	return domain.Configuration{
		Scenes: []domain.Scene{
			{ID: "start", Message: msg, Start: true, Buttons: []domain.Button{{Text: "More", Action: domain.ActionGoto, Target: "more"}}},
			{ID: "more", Message: "more " + msg},
		},
	}
}

func webAppConfig() domain.Configuration {
	cfg := testConfig("hello")
	cfg.Features.WebApp = true
	cfg.WebApp = &domain.WebApp{Title: "Shop", Pages: []domain.WebAppPage{{Slug: "catalog", Title: "Catalog", Body: "items"}}}
	cfg.Scenes[1].Buttons = []domain.Button{{Text: "Open", Action: domain.ActionWebApp, Target: "catalog"}}
	return cfg
}

func alive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}

func waitDead(t *testing.T, pid int) {
	t.Helper()
	require.Eventually(t, func() bool { return !alive(pid) }, 5*time.Second, 20*time.Millisecond, "pid %d still alive", pid)
}

// nextEvent returns the first event with the given reason.
func nextEvent(t *testing.T, sub *events.Subscription, reason string) events.BotStatusEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.Reason == reason {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", reason)
			return events.BotStatusEvent{}
		}
	}
}
