// Package model defines the data structures for foreman's job specs,
// results, state files, and queue statuses.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const SchemaVersion = 1

// OnFailure directives for a step. GotoPrefix directives carry a target
// step ID after the colon.
const (
	OnFailureStop     = "stop"
	OnFailureContinue = "continue"
	OnFailureAskHuman = "ask_human"
	GotoPrefix        = "goto:"
)

// JobSpec is the input contract for one job. The on-disk JSON file under
// the queue is never edited in place after enqueue; mutable per-job data
// lives in state.json inside the artifact tree.
type JobSpec struct {
	JobID           string      `json:"job_id"`
	Goal            string      `json:"goal"`
	Workdir         string      `json:"workdir"`
	Steps           []StepSpec  `json:"steps"`
	Policy          *PolicySpec `json:"policy,omitempty"`
	ContextWindow   int         `json:"context_window,omitempty"`
	ContextStrategy string      `json:"context_strategy,omitempty"`

	// Schedule holds the original cron expression when the job was
	// synthesized by the scheduler.
	Schedule string `json:"schedule,omitempty"`
}

// StepSpec describes a single worker invocation.
type StepSpec struct {
	StepID         string   `json:"step_id"`
	Agent          string   `json:"agent"`
	Role           string   `json:"role,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
	InputArtifacts []string `json:"input_artifacts,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	TimeoutSec     int      `json:"timeout_sec,omitempty"`
	MaxAttempts    int      `json:"max_attempts,omitempty"`
	OnFailure      string   `json:"on_failure,omitempty"`
}

// PolicySpec carries per-job execution policy overrides. The effective
// policy is the config defaults overlaid with these values.
type PolicySpec struct {
	Sandbox          *bool    `json:"sandbox,omitempty"`
	NetworkPolicy    string   `json:"network_policy,omitempty"`
	AllowedBinaries  []string `json:"allowed_binaries,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
}

// GotoTarget returns the target step ID of a goto directive, or "" when
// the directive is not a goto.
func GotoTarget(onFailure string) string {
	if strings.HasPrefix(onFailure, GotoPrefix) {
		return onFailure[len(GotoPrefix):]
	}
	return ""
}

// StepIndex returns the index of stepID in steps, or -1.
func (j *JobSpec) StepIndex(stepID string) int {
	for i := range j.Steps {
		if j.Steps[i].StepID == stepID {
			return i
		}
	}
	return -1
}

func NewJobID() string {
	return uuid.New().String()
}

// DefaultPipeline is the plan → implement → review pipeline used when a
// job is submitted with only a goal.
func DefaultPipeline(goal string) []StepSpec {
	return []StepSpec{
		{
			StepID:     "01_plan",
			Agent:      "opencode",
			Role:       "planner",
			Prompt:     fmt.Sprintf("Draft an implementation plan for:\n%s", goal),
			TimeoutSec: 120,
		},
		{
			StepID:         "02_implement",
			Agent:          "codex",
			Role:           "implementer",
			Prompt:         fmt.Sprintf("Implement the task and prepare a patch:\n%s", goal),
			TimeoutSec:     300,
			InputArtifacts: []string{"steps/01_plan/report.md"},
		},
		{
			StepID:     "03_review",
			Agent:      "claude",
			Role:       "reviewer",
			Prompt:     fmt.Sprintf("Review the changes and risks for:\n%s", goal),
			TimeoutSec: 180,
			InputArtifacts: []string{
				"steps/01_plan/report.md",
				"steps/02_implement/report.md",
				"steps/02_implement/patch.diff",
			},
		},
	}
}

func UTCNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
