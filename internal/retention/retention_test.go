package retention

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/foreman/internal/logging"
)

func makeJobDir(t *testing.T, root, jobID string, age time.Duration) {
	t.Helper()
	dir := filepath.Join(root, jobID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	file := filepath.Join(dir, "report.md")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(file, old, old))
	require.NoError(t, os.Chtimes(dir, old, old))
}

func TestSweepRemovesExpired(t *testing.T) {
	artifacts := t.TempDir()
	workspaces := t.TempDir()
	makeJobDir(t, artifacts, "job-old", 48*time.Hour)
	makeJobDir(t, artifacts, "job-new", time.Minute)
	makeJobDir(t, workspaces, "job-old", 48*time.Hour)

	s := NewSweeper(artifacts, workspaces, 24*time.Hour, 24*time.Hour, logging.New(io.Discard, logging.LevelError, "test"))
	stats, err := s.Sweep(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RemovedArtifacts)
	assert.Equal(t, 1, stats.RemovedWorkspaces)

	_, err = os.Stat(filepath.Join(artifacts, "job-old"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(artifacts, "job-new"))
	assert.NoError(t, err)
}

func TestSweepProtectsActiveJobs(t *testing.T) {
	artifacts := t.TempDir()
	makeJobDir(t, artifacts, "job-active", 48*time.Hour)

	s := NewSweeper(artifacts, t.TempDir(), 24*time.Hour, 24*time.Hour, logging.New(io.Discard, logging.LevelError, "test"))
	stats, err := s.Sweep(map[string]bool{"job-active": true})
	require.NoError(t, err)
	assert.Zero(t, stats.RemovedArtifacts)

	_, err = os.Stat(filepath.Join(artifacts, "job-active"))
	assert.NoError(t, err)
}

func TestSweepMeasuresNewestFile(t *testing.T) {
	artifacts := t.TempDir()
	makeJobDir(t, artifacts, "job-busy", 48*time.Hour)
	// A fresh file inside an old directory keeps the whole job alive.
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "job-busy", "logs.txt"), []byte("y"), 0o644))

	s := NewSweeper(artifacts, t.TempDir(), 24*time.Hour, 24*time.Hour, logging.New(io.Discard, logging.LevelError, "test"))
	stats, err := s.Sweep(nil)
	require.NoError(t, err)
	assert.Zero(t, stats.RemovedArtifacts)
}

func TestSweepDisabledWithZeroTTL(t *testing.T) {
	artifacts := t.TempDir()
	makeJobDir(t, artifacts, "job-old", 48*time.Hour)

	s := NewSweeper(artifacts, t.TempDir(), 0, 0, logging.New(io.Discard, logging.LevelError, "test"))
	stats, err := s.Sweep(nil)
	require.NoError(t, err)
	assert.Zero(t, stats.RemovedArtifacts)
}
