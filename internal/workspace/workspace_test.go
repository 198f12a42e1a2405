package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botcraft/botcraft/internal/codegen"
)

func output(withCompanion bool) codegen.Output {
	out := codegen.Output{MainSource: "print('hi')\n", Manifest: "python-telegram-bot==21.6\n"}
	if withCompanion {
		page := "<html></html>"
		out.CompanionSource = &page
	}
	return out
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(filepath.Join(t.TempDir(), "workspaces"))
	require.NoError(t, err)
	return m
}

func TestMaterialize_WritesFilesIdempotently(t *testing.T) {
	m := newManager(t)

	path, err := m.Materialize("bot-1", output(true), "d1")
	require.NoError(t, err)
	assert.Equal(t, m.PathFor("bot-1"), path)

	path2, err := m.Materialize("bot-1", output(true), "d1")
	require.NoError(t, err)
	assert.Equal(t, path, path2)

	for _, name := range []string{codegen.MainFile, codegen.ManifestFile, codegen.CompanionFile, DescriptorFile} {
		assert.FileExists(t, filepath.Join(path, filepath.FromSlash(name)))
	}
	assert.True(t, m.Exists(path))
	assert.False(t, m.NeedsRegeneration(path, "d1"))
	assert.True(t, m.NeedsRegeneration(path, "d2"))
}

func TestMaterialize_RemovesStaleFiles(t *testing.T) {
	m := newManager(t)
	path, err := m.Materialize("bot-1", output(true), "d1")
	require.NoError(t, err)

	_, err = m.Materialize("bot-1", output(false), "d2")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(path, filepath.FromSlash(codegen.CompanionFile)))
	assert.True(t, m.Exists(path))
}

func TestExists_IncompleteWorkspace(t *testing.T) {
	m := newManager(t)
	assert.False(t, m.Exists(m.PathFor("missing")))

	path, err := m.Materialize("bot-1", output(false), "d1")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(path, codegen.MainFile)))
	assert.False(t, m.Exists(path))
	assert.True(t, m.NeedsRegeneration(path, "d1"))
}

func TestMaterialize_WriteError(t *testing.T) {
	m := newManager(t)
	require.NoError(t, os.WriteFile(m.PathFor("blocked"), []byte("not a dir"), 0o644))

	_, err := m.Materialize("blocked", output(false), "d1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkspaceWrite))
	var we *WriteError
	assert.True(t, errors.As(err, &we))
}

func TestMaterialize_RejectsBadID(t *testing.T) {
	m := newManager(t)
	for _, id := range []string{"", "..", "a/b"} {
		_, err := m.Materialize(id, output(false), "d")
		assert.Error(t, err, id)
	}
}

func TestDestroyAndList(t *testing.T) {
	m := newManager(t)
	for _, id := range []string{"a", "b"} {
		_, err := m.Materialize(id, output(false), "d")
		require.NoError(t, err)
	}
	ids, err := m.ListWorkspaceIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, m.Destroy(m.PathFor("a")))
	assert.NoDirExists(t, m.PathFor("a"))
	require.NoError(t, m.Destroy(m.PathFor("a")), "destroying a missing workspace is fine")

	assert.Error(t, m.Destroy(m.Root()))
	assert.Error(t, m.Destroy(filepath.Dir(m.Root())))
	assert.DirExists(t, m.PathFor("b"))
}
