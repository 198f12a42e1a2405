package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/pkg/logger"
)

var (
	// ErrAlreadyRegistered means the bot id already has a live entry.
	ErrAlreadyRegistered = errors.New("supervisor: bot already has a runtime entry")
	ErrInvalidSpec       = errors.New("supervisor: invalid spawn spec")
)

// SpawnSpec describes one bot process.
type SpawnSpec struct {
	BotID         string
	WorkspacePath string
	Credential    string
	Executable    string
	Args          []string
	Entrypoint    string
	Env           []string
	LogPath       string
	Configuration domain.Configuration
}

// RuntimeEntry is the in-memory record of a spawned process. The process
// handle is private to the supervisor.
type RuntimeEntry struct {
	BotID                    string
	PID                      int
	WorkspacePath            string
	LogPath                  string
	StartedAt                time.Time
	LastAppliedConfiguration domain.Configuration

	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	exitErr  error
}

// Done is closed when the process has exited and been reaped.
func (e *RuntimeEntry) Done() <-chan struct{} { return e.done }

// Exited reports the exit code once the process is gone.
func (e *RuntimeEntry) Exited() (code int, exited bool) {
	select {
	case <-e.done:
		return e.exitCode, true
	default:
		return 0, false
	}
}

// ExitErr is the error returned by wait, nil for a clean exit.
func (e *RuntimeEntry) ExitErr() error {
	select {
	case <-e.done:
		return e.exitErr
	default:
		return nil
	}
}

// Options size the per-bot log files.
type Options struct {
	LogMaxSizeMB  int
	LogMaxBackups int
}

// Supervisor spawns bot processes and keeps the registry of live ones,
// at most one per bot id.
type Supervisor struct {
	mu      sync.RWMutex
	entries map[string]*RuntimeEntry

	opts Options
	log  *logrus.Entry
}

// New returns an empty supervisor.
func New(opts Options) *Supervisor {
	if opts.LogMaxSizeMB <= 0 {
		opts.LogMaxSizeMB = 20
	}
	if opts.LogMaxBackups < 0 {
		opts.LogMaxBackups = 0
	}
	return &Supervisor{
		entries: make(map[string]*RuntimeEntry),
		opts:    opts,
		log:     logger.Component("supervisor"),
	}
}

// Spawn starts the process in its own process group and registers it. The
// child keeps running if this service exits.
func (s *Supervisor) Spawn(spec SpawnSpec) (*RuntimeEntry, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if _, ok := s.Get(spec.BotID); ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, spec.BotID)
	}

	out, err := openProcessLog(spec.LogPath, s.opts)
	if err != nil {
		return nil, fmt.Errorf("open process log: %w", err)
	}

	args := append(append([]string{}, spec.Args...), spec.Entrypoint)
	cmd := exec.Command(spec.Executable, args...)
	cmd.Dir = spec.WorkspacePath
	cmd.Env = childEnv(spec)
	// the child writes straight to the file so it does not depend on a pipe to this process
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Executable, err)
	}
	_ = out.Close()

	e := &RuntimeEntry{
		BotID:                    spec.BotID,
		PID:                      cmd.Process.Pid,
		WorkspacePath:            spec.WorkspacePath,
		LogPath:                  spec.LogPath,
		StartedAt:                time.Now(),
		LastAppliedConfiguration: spec.Configuration.Clone(),
		cmd:                      cmd,
		done:                     make(chan struct{}),
	}
	go s.reap(e)

	if err := s.Put(e); err != nil {
		// lost a race with another spawn for the same id; never leave two processes
		_ = signalGroup(e.PID, syscall.SIGKILL)
		<-e.done
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"bot_id": e.BotID, "pid": e.PID}).Info("process spawned")
	return e, nil
}

func (s *Supervisor) reap(e *RuntimeEntry) {
	err := e.cmd.Wait()
	e.exitCode = exitCodeOf(err)
	e.exitErr = err
	close(e.done)
	s.log.WithFields(logrus.Fields{"bot_id": e.BotID, "pid": e.PID, "exit_code": e.exitCode}).Info("process exited")
}

// OnExit calls fn once, with the exit code, after the process has exited.
func (s *Supervisor) OnExit(e *RuntimeEntry, fn func(exitCode int)) {
	go func() {
		<-e.done
		fn(e.exitCode)
	}()
}

// Terminate asks the process group to stop (SIGTERM). It does not wait.
func (s *Supervisor) Terminate(e *RuntimeEntry) error {
	if _, exited := e.Exited(); exited {
		return nil
	}
	return signalGroup(e.PID, syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func (s *Supervisor) Kill(e *RuntimeEntry) error {
	if _, exited := e.Exited(); exited {
		return nil
	}
	return signalGroup(e.PID, syscall.SIGKILL)
}

// WaitExit blocks until the process exits or timeout elapses.
func (s *Supervisor) WaitExit(e *RuntimeEntry, timeout time.Duration) bool {
	if timeout <= 0 {
		_, exited := e.Exited()
		return exited
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-e.done:
		return true
	case <-t.C:
		return false
	}
}

// Get returns the live entry of a bot.
func (s *Supervisor) Get(botID string) (*RuntimeEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[botID]
	return e, ok
}

// Put registers an entry; it fails if the bot already has one.
func (s *Supervisor) Put(e *RuntimeEntry) error {
	if e == nil || e.BotID == "" {
		return ErrInvalidSpec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.BotID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, e.BotID)
	}
	s.entries[e.BotID] = e
	return nil
}

// Remove unregisters e. It is a no-op (returning false) if the bot's current
// entry is not e, so a late exit callback cannot remove a newer process.
func (s *Supervisor) Remove(botID string, e *RuntimeEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[botID]
	if !ok || (e != nil && cur != e) {
		return false
	}
	delete(s.entries, botID)
	return true
}

// ListAll returns the live entries ordered by bot id.
func (s *Supervisor) ListAll() []*RuntimeEntry {
	s.mu.RLock()
	out := make([]*RuntimeEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func validateSpec(spec SpawnSpec) error {
	switch {
	case strings.TrimSpace(spec.BotID) == "":
		return fmt.Errorf("%w: bot id is required", ErrInvalidSpec)
	case strings.TrimSpace(spec.Executable) == "":
		return fmt.Errorf("%w: executable is required", ErrInvalidSpec)
	case strings.TrimSpace(spec.Entrypoint) == "":
		return fmt.Errorf("%w: entrypoint is required", ErrInvalidSpec)
	case strings.TrimSpace(spec.LogPath) == "":
		return fmt.Errorf("%w: log path is required", ErrInvalidSpec)
	}
	st, err := os.Stat(spec.WorkspacePath)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("%w: workspace %q is not a directory", ErrInvalidSpec, spec.WorkspacePath)
	}
	return nil
}

// childEnv passes the service environment through, minus its own settings,
// and adds the bot's credential and workspace.
func childEnv(spec SpawnSpec) []string {
	env := make([]string, 0, len(os.Environ())+len(spec.Env)+2)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "BOTCRAFT_") || strings.HasPrefix(kv, "BOT_TOKEN=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, spec.Env...)
	env = append(env,
		"BOT_TOKEN="+spec.Credential,
		"WORKSPACE_ID="+filepath.Base(spec.WorkspacePath),
	)
	return env
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}
