package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/foreman/internal/config"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	base := t.TempDir()
	return &config.Settings{
		QueueRoot:          filepath.Join(base, "queue"),
		ArtifactsRoot:      filepath.Join(base, "artifacts"),
		WorkspacesRoot:     filepath.Join(base, "workspaces"),
		BudgetDBPath:       filepath.Join(base, "budget.db"),
		SchedulesFile:      filepath.Join(base, "schedules.yaml"),
		SchedulerStateFile: filepath.Join(base, "scheduler_state.json"),
	}
}

func TestRunScaffoldsLayout(t *testing.T) {
	cfg := testSettings(t)
	require.NoError(t, Run(cfg))

	for _, dir := range []string{
		filepath.Join(cfg.QueueRoot, "pending"),
		filepath.Join(cfg.QueueRoot, "running"),
		filepath.Join(cfg.QueueRoot, "done"),
		filepath.Join(cfg.QueueRoot, "failed"),
		filepath.Join(cfg.QueueRoot, "awaiting_approval"),
		cfg.ArtifactsRoot,
		cfg.WorkspacesRoot,
	} {
		info, err := os.Stat(dir)
		require.NoErrorf(t, err, "missing %s", dir)
		assert.True(t, info.IsDir())
	}

	data, err := os.ReadFile(cfg.SchedulesFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "schedules:")

	example, err := os.ReadFile(filepath.Join(filepath.Dir(cfg.SchedulesFile), "job.example.json"))
	require.NoError(t, err)
	assert.Contains(t, string(example), "job_id")
}

func TestRunRefusesExistingDeployment(t *testing.T) {
	cfg := testSettings(t)
	require.NoError(t, Run(cfg))

	err := Run(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
