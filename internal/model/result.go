package model

// Error codes carried in ErrorInfo.Code. The retriable set is timeout,
// transient_io, and subprocess_exit_nonzero when the worker marks the
// attempt retriable.
const (
	ErrCodeValidation           = "validation_error"
	ErrCodeDuplicateJob         = "duplicate_job"
	ErrCodeQueueEmpty           = "queue_empty"
	ErrCodeWorkerNotFound       = "worker_not_found"
	ErrCodeContractViolation    = "worker_contract_violation"
	ErrCodeTimeout              = "timeout"
	ErrCodeBudgetExceeded       = "budget_exceeded"
	ErrCodeSubprocessExit       = "subprocess_exit_nonzero"
	ErrCodePolicyViolation      = "policy_violation"
	ErrCodePathTraversal        = "path_traversal"
	ErrCodeTransientIO          = "transient_io"
	ErrCodeTransitionLimit      = "step_transition_limit"
	ErrCodeRunnerShutdown       = "runner_shutdown"
	ErrCodePreflightFailed      = "preflight_failed"
)

// ErrorInfo is the structured error attached to failed results.
type ErrorInfo struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retriable bool           `json:"retriable,omitempty"`
}

// Retriable reports whether an attempt that failed with this error may
// be retried within the step's attempt budget.
func (e *ErrorInfo) IsRetriable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case ErrCodeTimeout, ErrCodeTransientIO:
		return true
	case ErrCodeSubprocessExit:
		return e.Retriable
	}
	return false
}

// StepResult is persisted as steps/<step_id>/result.json. Artifacts are
// paths relative to artifacts/<job_id>/ and always include the step's
// report.md, patch.diff, logs.txt, and result.json.
type StepResult struct {
	SchemaVersion int        `json:"schema_version"`
	Kind          string     `json:"kind"` // "step"
	JobID         string     `json:"job_id"`
	StepID        string     `json:"step_id"`
	Agent         string     `json:"agent"`
	Status        StepStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	StartedAt     string     `json:"started_at"`
	EndedAt       string     `json:"ended_at"`
	Summary       string     `json:"summary,omitempty"`
	Artifacts     []string   `json:"artifacts"`
	Error         *ErrorInfo `json:"error"`
}

// JobResult is persisted as the job-level result.json, with all step
// results embedded in execution order.
type JobResult struct {
	SchemaVersion int          `json:"schema_version"`
	Kind          string       `json:"kind"` // "job"
	JobID         string       `json:"job_id"`
	Status        JobStatus    `json:"status"`
	StartedAt     string       `json:"started_at"`
	EndedAt       string       `json:"ended_at"`
	DurationMS    int64        `json:"duration_ms"`
	Summary       string       `json:"summary,omitempty"`
	Steps         []StepResult `json:"steps"`
	Error         *ErrorInfo   `json:"error"`
}

// StepArtifactPaths returns the fixed relative artifact paths for a step.
func StepArtifactPaths(stepID string) []string {
	base := "steps/" + stepID + "/"
	return []string{
		base + "report.md",
		base + "patch.diff",
		base + "logs.txt",
		base + "result.json",
	}
}
