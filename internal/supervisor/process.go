package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"

	"github.com/botcraft/botcraft/pkg/logger"
)

// signalGroup 先发给进程组，进程组不存在时回退到单进程
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	if err2 := unix.Kill(pid, sig); err2 != nil && !errors.Is(err2, unix.ESRCH) {
		return fmt.Errorf("signal %v pid %d: %w", sig, pid, err2)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0：仅检查是否存在
	return unix.Kill(pid, 0) == nil
}

// FindOrphan reports whether pid is a live process running in workspacePath,
// i.e. a bot started by an earlier instance of this service.
func (s *Supervisor) FindOrphan(pid int, workspacePath string) bool {
	if pid <= 0 || !processAlive(pid) {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if running, err := p.IsRunning(); err != nil || !running {
		return false
	}
	cwd, err := p.Cwd()
	if err != nil {
		return false
	}
	return samePath(cwd, workspacePath)
}

// StopOrphan stops a process this instance did not spawn: SIGTERM to its
// group, then SIGKILL if it is still alive after grace.
func (s *Supervisor) StopOrphan(pid int, grace time.Duration) error {
	if !processAlive(pid) {
		return nil
	}
	log := s.log.WithField("pid", pid)
	log.Warn("stopping orphaned bot process")
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = signalGroup(pid, syscall.SIGKILL)
	for i := 0; i < 20; i++ {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("orphan pid %d still alive after SIGKILL", pid)
}

// openProcessLog writes the spawn marker through lumberjack, which rotates the
// file once it exceeds the size limit, then returns a plain append-mode file
// for the child. The child keeps that descriptor, so the log only rotates at
// spawn time and grows until the next spawn.
func openProcessLog(path string, opts Options) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	rot := logger.NewRotatingWriter(path, opts.LogMaxSizeMB, opts.LogMaxBackups, 0, false)
	if _, err := fmt.Fprintf(rot, "=== spawn %s ===\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		_ = rot.Close()
		return nil, err
	}
	if err := rot.Close(); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func samePath(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		ra = filepath.Clean(a)
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		rb = filepath.Clean(b)
	}
	return ra == rb
}
