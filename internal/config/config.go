// Package config loads foreman settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Settings is the process-wide configuration, established at startup and
// read-only afterwards.
type Settings struct {
	QueueRoot      string
	ArtifactsRoot  string
	WorkspacesRoot string
	BudgetDBPath   string

	ProjectAliases       map[string]string
	AllowAbsoluteWorkdir bool
	NonGitWorkdirStatus  string // "needs_human" | "failed"

	EnableRealCLI      bool
	Sandbox            bool
	SandboxWrapper     string
	SandboxWrapperArgs []string
	SandboxClearEnv    bool
	NetworkPolicy      string // "allow" | "deny"
	AllowedBinaries    map[string]bool
	EnvAllowlist       []string
	SensitiveEnvVars   []string
	MinBinaryVersions  map[string]BinaryVersionCheck

	RunnerPollIntervalSec  int
	RunnerMaxIdleSec       int
	RunnerReclaimAfterSec  int
	RunnerMaxAttempts      int
	MaxReclaimAttempts     int
	StepTransitionLimit    int
	DefaultStepTimeoutSec  int
	ShutdownGraceSec       int

	RetentionIntervalSec int
	ArtifactsTTLSec      int
	WorkspacesTTLSec     int

	MaxInputArtifactsFiles int
	MaxInputArtifactChars  int
	MaxInputArtifactsChars int

	MaxDailyAPICalls int
	MaxDailyCostUSD  float64

	SchedulesFile      string
	SchedulerStateFile string
	SchedulerTickSec   int

	GatewayAddr  string
	WebhookToken string

	LogLevel string
}

// BinaryVersionCheck declares a minimum version for a binary, probed
// with the given subcommand (default --version).
type BinaryVersionCheck struct {
	MinVersion string
	VersionCmd string
}

// Load reads all recognized environment variables, applying defaults.
func Load() (*Settings, error) {
	dataDir := envStr("FOREMAN_DATA_DIR", "data")

	s := &Settings{
		QueueRoot:      envStr("QUEUE_ROOT", filepath.Join(dataDir, "queue")),
		ArtifactsRoot:  envStr("ARTIFACTS_ROOT", filepath.Join(dataDir, "artifacts")),
		WorkspacesRoot: envStr("WORKSPACES_ROOT", filepath.Join(dataDir, "workspaces")),
		BudgetDBPath:   envStr("BUDGET_DB", filepath.Join(dataDir, "budget.db")),

		ProjectAliases:       envKVMap("PROJECT_ALIASES"),
		AllowAbsoluteWorkdir: envBool("ALLOW_ABSOLUTE_WORKDIR", true),
		NonGitWorkdirStatus:  envStr("NON_GIT_WORKDIR_STATUS", "needs_human"),

		EnableRealCLI:      envBool("ENABLE_REAL_CLI", false),
		Sandbox:            envBool("SANDBOX", true),
		SandboxWrapper:     envStr("SANDBOX_WRAPPER", ""),
		SandboxWrapperArgs: strings.Fields(envStr("SANDBOX_WRAPPER_ARGS", "")),
		SandboxClearEnv:    envBool("SANDBOX_CLEAR_ENV", false),
		NetworkPolicy:      strings.ToLower(envStr("NETWORK_POLICY", "deny")),
		AllowedBinaries:    envCSVSet("ALLOWED_BINARIES", "opencode,claude,codex,git"),
		EnvAllowlist:       envCSV("ENV_ALLOWLIST", ""),
		SensitiveEnvVars:   envCSV("SENSITIVE_ENV_VARS", "ANTHROPIC_API_KEY,OPENAI_API_KEY"),

		RunnerPollIntervalSec: envInt("RUNNER_POLL_INTERVAL_SEC", 2),
		RunnerMaxIdleSec:      envInt("RUNNER_MAX_IDLE_SEC", 120),
		RunnerReclaimAfterSec: envInt("RUNNER_RECLAIM_AFTER_SEC", 1800),
		RunnerMaxAttempts:     envInt("RUNNER_MAX_ATTEMPTS_PER_STEP", 2),
		MaxReclaimAttempts:    envInt("MAX_RECLAIM_ATTEMPTS", 3),
		StepTransitionLimit:   envInt("STEP_TRANSITION_LIMIT", 64),
		DefaultStepTimeoutSec: envInt("DEFAULT_STEP_TIMEOUT_SEC", 600),
		ShutdownGraceSec:      envInt("SHUTDOWN_GRACE_SEC", 10),

		RetentionIntervalSec: envInt("RETENTION_INTERVAL_SEC", 3600),
		ArtifactsTTLSec:      envInt("ARTIFACTS_TTL_SEC", 7*24*3600),
		WorkspacesTTLSec:     envInt("WORKSPACES_TTL_SEC", 2*24*3600),

		MaxInputArtifactsFiles: envInt("MAX_INPUT_ARTIFACTS_FILES", 8),
		MaxInputArtifactChars:  envInt("MAX_INPUT_ARTIFACT_CHARS", 16000),
		MaxInputArtifactsChars: envInt("MAX_INPUT_ARTIFACTS_CHARS", 48000),

		MaxDailyAPICalls: envInt("MAX_DAILY_API_CALLS", 0),
		MaxDailyCostUSD:  envFloat("MAX_DAILY_COST_USD", 0),

		SchedulesFile:      envStr("SCHEDULES_FILE", filepath.Join(dataDir, "schedules.yaml")),
		SchedulerStateFile: envStr("SCHEDULER_STATE_FILE", filepath.Join(dataDir, "scheduler_state.json")),
		SchedulerTickSec:   envInt("SCHEDULER_TICK_SEC", 30),

		GatewayAddr:  envStr("GATEWAY_ADDR", ":8080"),
		WebhookToken: envStr("WEBHOOK_TOKEN", ""),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}

	if s.NetworkPolicy != "allow" && s.NetworkPolicy != "deny" {
		return nil, fmt.Errorf("unsupported NETWORK_POLICY value %q", s.NetworkPolicy)
	}
	switch s.NonGitWorkdirStatus {
	case "needs_human", "failed":
	default:
		return nil, fmt.Errorf("unsupported NON_GIT_WORKDIR_STATUS value %q", s.NonGitWorkdirStatus)
	}

	versions, err := parseMinBinaryVersions(os.Getenv("MIN_BINARY_VERSIONS"))
	if err != nil {
		return nil, err
	}
	s.MinBinaryVersions = versions

	return s, nil
}

// parseMinBinaryVersions parses "bin=ver[:cmd],..." entries.
func parseMinBinaryVersions(raw string) (map[string]BinaryVersionCheck, error) {
	out := make(map[string]BinaryVersionCheck)
	for _, part := range strings.Split(raw, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		name, rest, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(rest) == "" {
			return nil, fmt.Errorf("invalid MIN_BINARY_VERSIONS entry %q", item)
		}
		ver, cmd, hasCmd := strings.Cut(rest, ":")
		check := BinaryVersionCheck{MinVersion: strings.TrimSpace(ver), VersionCmd: "--version"}
		if hasCmd && strings.TrimSpace(cmd) != "" {
			check.VersionCmd = strings.TrimSpace(cmd)
		}
		out[name] = check
	}
	return out, nil
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func envCSV(name, def string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		raw = def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envCSVSet(name, def string) map[string]bool {
	out := make(map[string]bool)
	for _, item := range envCSV(name, def) {
		out[item] = true
	}
	return out
}

// envKVMap parses "key=value,..." entries, e.g. PROJECT_ALIASES.
func envKVMap(name string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(os.Getenv(name), ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
