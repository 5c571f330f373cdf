package model

// JobState mirrors state.json under the job's artifact directory. It is
// rewritten atomically after each step; Revision increases by one per
// rewrite so readers can detect progress.
type JobState struct {
	SchemaVersion int                   `json:"schema_version"`
	JobID         string                `json:"job_id"`
	Status        string                `json:"status"`
	Revision      int                   `json:"revision"`
	CurrentStep   string                `json:"current_step,omitempty"`
	StartedAt     string                `json:"started_at"`
	EndedAt       string                `json:"ended_at,omitempty"`

	// History records executed step IDs in execution order (goto may
	// repeat an ID). Aggregation and resume-after-approve follow it.
	History []string `json:"history"`

	// Transitions counts cursor moves against the per-job budget.
	Transitions int `json:"transitions"`

	Steps map[string]*StepState `json:"steps"`
}

// StepState is the per-step record inside JobState.
type StepState struct {
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   *ErrorInfo `json:"last_error"`
	LastUpdated string     `json:"last_updated"`
}

// NewJobState initializes state for a claimed job with every step pending.
func NewJobState(job *JobSpec) *JobState {
	st := &JobState{
		SchemaVersion: SchemaVersion,
		JobID:         job.JobID,
		Status:        string(QueueRunning),
		StartedAt:     UTCNow(),
		Steps:         make(map[string]*StepState, len(job.Steps)),
	}
	for _, s := range job.Steps {
		st.Steps[s.StepID] = &StepState{Status: StepPending, LastUpdated: st.StartedAt}
	}
	return st
}

// Touch applies a step transition and bumps the revision. Transitions
// the step machine forbids leave the record untouched so a settled
// status cannot be clobbered by a stray update.
func (st *JobState) Touch(stepID string, status StepStatus, attempts int, lastErr *ErrorInfo) {
	rec, ok := st.Steps[stepID]
	if !ok {
		rec = &StepState{Status: StepPending}
		st.Steps[stepID] = rec
	}
	if err := ValidateStepTransition(rec.Status, status); err != nil {
		return
	}
	rec.Status = status
	rec.Attempts = attempts
	rec.LastError = lastErr
	rec.LastUpdated = UTCNow()
	st.Revision++
}
