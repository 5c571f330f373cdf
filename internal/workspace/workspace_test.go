package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestResolveSourceAlias(t *testing.T) {
	src := t.TempDir()
	m, err := NewManager(t.TempDir(), map[string]string{"main-repo": src}, false)
	require.NoError(t, err)

	got, err := m.ResolveSource("main-repo")
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(src)
	assert.Equal(t, resolved, got)

	_, err = m.ResolveSource("unknown-repo")
	assert.True(t, IsWorkspaceError(err))
}

func TestResolveSourceAbsolutePathGate(t *testing.T) {
	src := t.TempDir()

	restricted, err := NewManager(t.TempDir(), nil, false)
	require.NoError(t, err)
	_, err = restricted.ResolveSource(src)
	assert.True(t, IsWorkspaceError(err))

	open, err := NewManager(t.TempDir(), nil, true)
	require.NoError(t, err)
	_, err = open.ResolveSource(src)
	assert.NoError(t, err)
}

func TestPrepareCopiesTree(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "main.go"), "package main\n")
	writeFile(t, filepath.Join(src, "pkg", "util.go"), "package pkg\n")

	m, err := NewManager(t.TempDir(), nil, true)
	require.NoError(t, err)

	layout, err := m.Prepare("job-1", src)
	require.NoError(t, err)
	assert.False(t, layout.IsGit)

	data, err := os.ReadFile(filepath.Join(layout.Workdir, "pkg", "util.go"))
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", string(data))

	// Copies, not links: mutating the workspace leaves the source alone.
	require.NoError(t, os.WriteFile(filepath.Join(layout.Workdir, "main.go"), []byte("changed"), 0o644))
	orig, err := os.ReadFile(filepath.Join(src, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(orig))
}

func TestPrepareEmptySourceMakesBareWorkdir(t *testing.T) {
	m, err := NewManager(t.TempDir(), nil, false)
	require.NoError(t, err)

	layout, err := m.Prepare("job-bare", "")
	require.NoError(t, err)
	entries, err := os.ReadDir(layout.Workdir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPrepareRefusesSymlinkInSource(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "ok.txt"), "fine")
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(src, "evil")))

	m, err := NewManager(t.TempDir(), nil, true)
	require.NoError(t, err)

	_, err = m.Prepare("job-evil", src)
	assert.True(t, IsWorkspaceError(err))
}

func TestPrepareRejectsUnsafeJobID(t *testing.T) {
	m, err := NewManager(t.TempDir(), nil, false)
	require.NoError(t, err)

	for _, jobID := range []string{"", "../up", "a/b", ".hidden"} {
		_, err := m.Prepare(jobID, "")
		assert.Truef(t, IsWorkspaceError(err), "jobID=%q", jobID)
	}
}

func TestPrepareRefusesNonEmptyWorkspace(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f.txt"), "x")

	m, err := NewManager(t.TempDir(), nil, true)
	require.NoError(t, err)
	_, err = m.Prepare("job-1", src)
	require.NoError(t, err)

	_, err = m.Prepare("job-1", src)
	assert.True(t, IsWorkspaceError(err))
}

func TestExisting(t *testing.T) {
	m, err := NewManager(t.TempDir(), nil, false)
	require.NoError(t, err)

	_, ok := m.Existing("job-x")
	assert.False(t, ok)

	layout, err := m.Prepare("job-x", "")
	require.NoError(t, err)

	found, ok := m.Existing("job-x")
	require.True(t, ok)
	assert.Equal(t, layout.Workdir, found.Workdir)
}
