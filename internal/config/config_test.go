package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data/queue", cfg.QueueRoot)
	assert.Equal(t, "data/artifacts", cfg.ArtifactsRoot)
	assert.Equal(t, 2, cfg.RunnerPollIntervalSec)
	assert.Equal(t, 1800, cfg.RunnerReclaimAfterSec)
	assert.Equal(t, 3, cfg.MaxReclaimAttempts)
	assert.Equal(t, 64, cfg.StepTransitionLimit)
	assert.Equal(t, "deny", cfg.NetworkPolicy)
	assert.Equal(t, "needs_human", cfg.NonGitWorkdirStatus)
	assert.False(t, cfg.EnableRealCLI)
	assert.True(t, cfg.AllowedBinaries["opencode"])
	assert.True(t, cfg.AllowedBinaries["git"])
	assert.Contains(t, cfg.SensitiveEnvVars, "ANTHROPIC_API_KEY")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FOREMAN_DATA_DIR", "/var/lib/foreman")
	t.Setenv("RUNNER_POLL_INTERVAL_SEC", "5")
	t.Setenv("NETWORK_POLICY", "allow")
	t.Setenv("ALLOWED_BINARIES", "claude,git")
	t.Setenv("PROJECT_ALIASES", "main=/srv/repos/main,docs=/srv/repos/docs")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/foreman/queue", cfg.QueueRoot)
	assert.Equal(t, 5, cfg.RunnerPollIntervalSec)
	assert.Equal(t, "allow", cfg.NetworkPolicy)
	assert.False(t, cfg.AllowedBinaries["opencode"])
	assert.True(t, cfg.AllowedBinaries["claude"])
	assert.Equal(t, "/srv/repos/main", cfg.ProjectAliases["main"])
	assert.Equal(t, "/srv/repos/docs", cfg.ProjectAliases["docs"])
}

func TestLoadRejectsBadEnums(t *testing.T) {
	t.Setenv("NETWORK_POLICY", "sometimes")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadNonGitStatus(t *testing.T) {
	t.Setenv("NON_GIT_WORKDIR_STATUS", "explode")
	_, err := Load()
	assert.Error(t, err)
}

func TestParseMinBinaryVersions(t *testing.T) {
	got, err := parseMinBinaryVersions("claude=1.2.0,codex=0.9:version")
	require.NoError(t, err)
	assert.Equal(t, BinaryVersionCheck{MinVersion: "1.2.0", VersionCmd: "--version"}, got["claude"])
	assert.Equal(t, BinaryVersionCheck{MinVersion: "0.9", VersionCmd: "version"}, got["codex"])

	_, err = parseMinBinaryVersions("claude")
	assert.Error(t, err)

	got, err = parseMinBinaryVersions("")
	require.NoError(t, err)
	assert.Empty(t, got)
}
