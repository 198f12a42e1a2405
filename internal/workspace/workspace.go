package workspace

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botcraft/botcraft/internal/codegen"
	"github.com/botcraft/botcraft/pkg/logger"
	"github.com/botcraft/botcraft/pkg/persistence"
)

// DescriptorFile records what was generated into a workspace.
const DescriptorFile = "workspace.json"

// ErrWorkspaceWrite matches every filesystem failure during Materialize.
var ErrWorkspaceWrite = errors.New("workspace write failed")

// WriteError wraps the underlying filesystem error of a failed Materialize.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string        { return "workspace write " + e.Path + ": " + e.Err.Error() }
func (e *WriteError) Unwrap() error        { return e.Err }
func (e *WriteError) Is(target error) bool { return target == ErrWorkspaceWrite }

// Descriptor 工作区描述文件
type Descriptor struct {
	WorkspaceID  string    `json:"workspace_id"`
	ConfigDigest string    `json:"config_digest"`
	Files        []string  `json:"files"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// Manager owns <root>/<workspaceID> directories.
type Manager struct {
	root string
	log  *logrus.Entry
}

func New(root string) (*Manager, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve workspace root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir workspace root")
	}
	return &Manager{root: abs, log: logger.Component("workspace")}, nil
}

func (m *Manager) Root() string { return m.root }

// PathFor returns the workspace directory of an id without touching the disk.
func (m *Manager) PathFor(workspaceID string) string {
	return filepath.Join(m.root, workspaceID)
}

// Materialize writes the generator output into the workspace, creating it if
// needed. Files from a previous generation that are no longer produced are removed.
func (m *Manager) Materialize(workspaceID string, out codegen.Output, configDigest string) (string, error) {
	if strings.TrimSpace(workspaceID) == "" || strings.ContainsAny(workspaceID, `/\`) || workspaceID == "." || workspaceID == ".." {
		return "", errors.Errorf("invalid workspace id %q", workspaceID)
	}
	dir := m.PathFor(workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &WriteError{Path: dir, Err: errors.Wrap(err, "mkdir")}
	}

	var previous Descriptor
	_ = m.descriptorStore(dir).Load(&previous)

	files := out.Files()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return "", &WriteError{Path: p, Err: errors.Wrap(err, "mkdir")}
		}
		if err := persistence.WriteFileAtomic(p, []byte(files[name]), 0o644); err != nil {
			return "", &WriteError{Path: p, Err: errors.Wrap(err, "write")}
		}
	}

	for _, old := range previous.Files {
		if _, still := files[old]; still {
			continue
		}
		p := filepath.Join(dir, filepath.FromSlash(old))
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.log.WithError(err).WithField("path", p).Warn("remove stale generated file failed")
		}
	}

	desc := Descriptor{
		WorkspaceID:  workspaceID,
		ConfigDigest: configDigest,
		Files:        names,
		GeneratedAt:  time.Now().UTC(),
	}
	if err := m.descriptorStore(dir).Save(desc); err != nil {
		return "", &WriteError{Path: filepath.Join(dir, DescriptorFile), Err: errors.Wrap(err, "write descriptor")}
	}
	return dir, nil
}

// Exists reports whether the workspace directory, its descriptor and every
// file the descriptor lists are present.
func (m *Manager) Exists(path string) bool {
	st, err := os.Stat(path)
	if err != nil || !st.IsDir() {
		return false
	}
	var desc Descriptor
	if err := m.descriptorStore(path).Load(&desc); err != nil {
		return false
	}
	if len(desc.Files) == 0 {
		return false
	}
	for _, name := range desc.Files {
		if _, err := os.Stat(filepath.Join(path, filepath.FromSlash(name))); err != nil {
			return false
		}
	}
	return true
}

// NeedsRegeneration is true when the workspace is incomplete or was generated
// from a different configuration.
func (m *Manager) NeedsRegeneration(path, configDigest string) bool {
	if !m.Exists(path) {
		return true
	}
	var desc Descriptor
	if err := m.descriptorStore(path).Load(&desc); err != nil {
		return true
	}
	return desc.ConfigDigest != configDigest
}

// Destroy removes the workspace directory. Failures are logged and returned;
// callers deleting a bot treat them as best effort.
func (m *Manager) Destroy(path string) error {
	if !m.within(path) {
		err := errors.Errorf("refusing to remove %q outside workspace root", path)
		m.log.WithError(err).Error("destroy workspace")
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		m.log.WithError(err).WithField("path", path).Warn("destroy workspace failed")
		return errors.Wrap(err, "remove workspace")
	}
	return nil
}

// ListWorkspaceIDs lists the directories under the root.
func (m *Manager) ListWorkspaceIDs() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, errors.Wrap(err, "read workspace root")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (m *Manager) within(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (m *Manager) descriptorStore(dir string) *persistence.JSONFileStore {
	return persistence.NewJSONFileStore(filepath.Join(dir, DescriptorFile))
}
