package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/msageha/foreman/internal/artifact"
	"github.com/msageha/foreman/internal/budget"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/policy"
	"github.com/msageha/foreman/internal/queue"
	"github.com/msageha/foreman/internal/worker"
	"github.com/msageha/foreman/internal/workspace"
)

// Execute drives one claimed job from its current state to a terminal
// queue state. Errors never propagate out; every outcome is recorded in
// the job's artifacts and the queue.
func (r *Runner) Execute(ctx context.Context, claimed *queue.ClaimedJob) {
	job := claimed.Spec
	r.log.Infof("executing job_id=%s steps=%d", job.JobID, len(job.Steps))

	if err := r.store.EnsureJobLayout(job.JobID); err != nil {
		r.log.Errorf("job layout job_id=%s: %v", job.JobID, err)
		r.finalizeBroken(job, nil, &model.ErrorInfo{Code: model.ErrCodeTransientIO, Message: err.Error()})
		return
	}
	// job.json is the durable copy of what was claimed.
	if err := r.store.WriteJSON(job.JobID, artifact.FileJobSpec, job); err != nil {
		r.log.Errorf("persist job spec job_id=%s: %v", job.JobID, err)
	}

	st, err := r.loadState(job.JobID)
	if err != nil || st == nil {
		st = model.NewJobState(job)
	}
	st.Status = string(model.QueueRunning)
	if st.StartedAt == "" {
		st.StartedAt = model.UTCNow()
	}
	r.saveState(st)

	pol, err := r.base.ForJob(job.Policy)
	if err != nil {
		r.finalizeBroken(job, st, &model.ErrorInfo{Code: model.ErrCodePolicyViolation, Message: err.Error()})
		return
	}

	if r.cfg.EnableRealCLI {
		if errInfo := r.preflight(job, pol); errInfo != nil {
			r.finalizeBroken(job, st, errInfo)
			return
		}
	}

	layout, errInfo := r.prepareWorkspace(job)
	if errInfo != nil {
		r.finalizeBroken(job, st, errInfo)
		return
	}

	r.runSteps(ctx, job, st, pol, layout)
}

// preflight gates real-CLI execution: safe policy composition plus
// binary presence and minimum versions for every agent the job names.
func (r *Runner) preflight(job *model.JobSpec, pol *policy.ExecutionPolicy) *model.ErrorInfo {
	if err := pol.AssertRealCLISafe(); err != nil {
		return &model.ErrorInfo{Code: model.ErrCodePolicyViolation, Message: err.Error()}
	}
	seen := make(map[string]bool)
	var required []string
	for _, s := range job.Steps {
		if !seen[s.Agent] {
			seen[s.Agent] = true
			required = append(required, s.Agent)
		}
	}
	versions, err := policy.AssertRealCLIReady(pol.AllowedBinaries, r.cfg.MinBinaryVersions, required)
	if err != nil {
		var violation *policy.ViolationError
		if errors.As(err, &violation) {
			return &model.ErrorInfo{Code: model.ErrCodePolicyViolation, Message: err.Error()}
		}
		return &model.ErrorInfo{Code: model.ErrCodePreflightFailed, Message: err.Error()}
	}
	for bin, ver := range versions {
		r.log.Debugf("preflight ok binary=%s version=%s", bin, ver)
	}
	return nil
}

func (r *Runner) prepareWorkspace(job *model.JobSpec) (*workspace.Layout, *model.ErrorInfo) {
	if layout, ok := r.workspaces.Existing(job.JobID); ok {
		return layout, nil
	}
	source, err := r.workspaces.ResolveSource(job.Workdir)
	if err != nil {
		return nil, &model.ErrorInfo{Code: model.ErrCodeValidation, Message: err.Error()}
	}
	layout, err := r.workspaces.Prepare(job.JobID, source)
	if err != nil {
		return nil, &model.ErrorInfo{Code: model.ErrCodePolicyViolation, Message: err.Error()}
	}
	// Agent CLIs mutate the working copy; without git there is no way to
	// review or revert what they did.
	if r.cfg.EnableRealCLI && !layout.IsGit {
		msg := fmt.Sprintf("workdir %q is not a git repository; real execution refused", job.Workdir)
		if r.cfg.NonGitWorkdirStatus == string(model.JobNeedsHuman) {
			return nil, &model.ErrorInfo{Code: model.ErrCodePolicyViolation, Message: msg, Details: map[string]any{"resolution": "needs_human"}}
		}
		return nil, &model.ErrorInfo{Code: model.ErrCodePolicyViolation, Message: msg}
	}
	return layout, nil
}

// runSteps iterates the step list with a cursor that honors continue,
// goto and the transition budget, then aggregates and completes.
func (r *Runner) runSteps(ctx context.Context, job *model.JobSpec, st *model.JobState, pol *policy.ExecutionPolicy, layout *workspace.Layout) {
	cursor := 0
	for cursor < len(job.Steps) {
		step := job.Steps[cursor]

		// Resume support: steps already settled in a previous run of
		// this job are not re-executed.
		if rec, ok := st.Steps[step.StepID]; ok && model.IsStepTerminal(rec.Status) {
			cursor++
			continue
		}

		if st.Transitions >= r.cfg.StepTransitionLimit {
			limitErr := &model.ErrorInfo{
				Code:    model.ErrCodeTransitionLimit,
				Message: fmt.Sprintf("step transitions exceeded limit %d", r.cfg.StepTransitionLimit),
			}
			st.Touch(step.StepID, model.StepFailed, 0, limitErr)
			r.finalize(job, st, model.JobFailed, limitErr)
			return
		}
		st.Transitions++
		st.CurrentStep = step.StepID
		r.saveState(st)

		res := r.executeStep(ctx, job, st, step, pol, layout)
		st.History = append(st.History, step.StepID)

		if res.Status == model.StepOK {
			cursor++
			continue
		}

		if ctx.Err() != nil && res.Error != nil && res.Error.Code == model.ErrCodeRunnerShutdown {
			r.finalize(job, st, model.JobFailed, res.Error)
			return
		}

		onFailure := step.OnFailure
		if onFailure == "" {
			onFailure = model.OnFailureStop
		}
		switch {
		case onFailure == model.OnFailureContinue:
			cursor++
		case onFailure == model.OnFailureAskHuman:
			st.Touch(step.StepID, model.StepNeedsHuman, res.Attempts, res.Error)
			r.finalizeAskHuman(job, st, res.Error)
			return
		case model.GotoTarget(onFailure) != "":
			target := job.StepIndex(model.GotoTarget(onFailure))
			if target < 0 {
				r.finalize(job, st, model.JobFailed, &model.ErrorInfo{
					Code:    model.ErrCodeValidation,
					Message: fmt.Sprintf("goto target %q not found", model.GotoTarget(onFailure)),
				})
				return
			}
			// Retarget clears the destination's record so it actually
			// re-runs instead of being resume-skipped.
			for i := target; i < len(job.Steps); i++ {
				if rec, ok := st.Steps[job.Steps[i].StepID]; ok && model.IsStepTerminal(rec.Status) {
					rec.Status = model.StepPending
				}
			}
			cursor = target
		default: // stop
			r.finalize(job, st, model.JobFailed, res.Error)
			return
		}
	}

	// The outcome comes from the final step records, not the first
	// failure seen: a goto retarget that re-runs a failed step to
	// success completes the job as ok.
	status := model.JobOK
	var finalErr *model.ErrorInfo
	for _, step := range job.Steps {
		if rec, ok := st.Steps[step.StepID]; ok && rec.Status == model.StepFailed {
			status = model.JobFailed
			finalErr = rec.LastError
		}
	}
	r.finalize(job, st, status, finalErr)
}

// executeStep runs one step through its retry budget and persists its
// result.json. The returned result is always non-nil.
func (r *Runner) executeStep(ctx context.Context, job *model.JobSpec, st *model.JobState, step model.StepSpec, pol *policy.ExecutionPolicy, layout *workspace.Layout) *model.StepResult {
	maxAttempts := step.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.RunnerMaxAttempts
	}
	timeout := time.Duration(step.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(r.cfg.DefaultStepTimeoutSec) * time.Second
	}

	var res *model.StepResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res = r.attemptStep(ctx, job, st, step, pol, layout, attempt, timeout)
		if res.Status == model.StepOK {
			break
		}
		if res.Error == nil || !res.Error.IsRetriable() || attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		r.log.Warnf("retrying step job_id=%s step_id=%s attempt=%d code=%s", job.JobID, step.StepID, attempt, res.Error.Code)
	}

	res.EndedAt = model.UTCNow()
	if err := r.store.WriteJSON(job.JobID, path.Join("steps", step.StepID, artifact.FileResult), res); err != nil {
		r.log.Errorf("persist step result job_id=%s step_id=%s: %v", job.JobID, step.StepID, err)
	}
	st.Touch(step.StepID, res.Status, res.Attempts, res.Error)
	r.saveState(st)
	return res
}

func (r *Runner) attemptStep(ctx context.Context, job *model.JobSpec, st *model.JobState, step model.StepSpec, pol *policy.ExecutionPolicy, layout *workspace.Layout, attempt int, timeout time.Duration) *model.StepResult {
	startedAt := model.UTCNow()
	fail := func(code, msg string, retriable bool) *model.StepResult {
		return &model.StepResult{
			SchemaVersion: model.SchemaVersion,
			Kind:          "step",
			JobID:         job.JobID,
			StepID:        step.StepID,
			Agent:         step.Agent,
			Status:        model.StepFailed,
			Attempts:      attempt,
			StartedAt:     startedAt,
			Summary:       msg,
			Error:         &model.ErrorInfo{Code: code, Message: msg, Retriable: retriable},
		}
	}

	st.Touch(step.StepID, model.StepRunning, attempt, nil)
	r.saveState(st)

	w, err := worker.Lookup(step.Agent)
	if err != nil {
		return fail(model.ErrCodeWorkerNotFound, err.Error(), false)
	}

	if r.budget != nil && r.budget.Enabled() {
		calls, cost := 1, 0.0
		if sp, ok := w.(worker.Spender); ok {
			calls, cost = sp.EstimateSpend()
		}
		if err := r.budget.CheckAndLog(ctx, step.Agent, calls, cost); err != nil {
			var exceeded *budget.ExceededError
			if errors.As(err, &exceeded) {
				return fail(model.ErrCodeBudgetExceeded, exceeded.Message, false)
			}
			return fail(model.ErrCodeTransientIO, err.Error(), true)
		}
	}

	if err := r.store.EnsureStepLayout(job.JobID, step.StepID); err != nil {
		return fail(model.ErrCodeTransientIO, err.Error(), true)
	}
	stepDir, err := r.store.StepDir(job.JobID, step.StepID)
	if err != nil {
		return fail(model.ErrCodePathTraversal, err.Error(), false)
	}

	sc := &worker.StepContext{
		Job:          job,
		Step:         step,
		Attempt:      attempt,
		StepDir:      stepDir,
		WorkspaceDir: layout.Workdir,
		Policy:       pol,
		Prompt:       worker.BuildPrompt(r.store, job, step, pol),
		Log:          r.log.WithComponent("worker." + step.Agent),
		RealCLI:      r.cfg.EnableRealCLI,
	}

	attemptCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	// A SIGTERM drain lets the attempt finish within the grace window
	// before it is cancelled.
	stop := context.AfterFunc(ctx, func() {
		grace := time.Duration(r.cfg.ShutdownGraceSec) * time.Second
		select {
		case <-attemptCtx.Done():
		case <-time.After(grace):
			cancel()
		}
	})
	defer stop()

	res, err := w.Run(attemptCtx, sc)
	if err != nil {
		if ctx.Err() != nil && attemptCtx.Err() != nil {
			return fail(model.ErrCodeRunnerShutdown, "runner shutting down before step could complete", false)
		}
		return r.classifyFailure(err, fail)
	}

	res.StartedAt = startedAt
	res.Attempts = attempt
	if res.Status == model.StepOK {
		if err := worker.VerifyContract(stepDir); err != nil {
			return fail(model.ErrCodeContractViolation, err.Error(), false)
		}
	}
	return res
}

func (r *Runner) classifyFailure(err error, fail func(code, msg string, retriable bool) *model.StepResult) *model.StepResult {
	var (
		notFound  *worker.NotFoundError
		violation *policy.ViolationError
		preflight *policy.PreflightError
		exceeded  *budget.ExceededError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fail(model.ErrCodeTimeout, "step exceeded its wall-clock timeout", true)
	case errors.Is(err, artifact.ErrPathTraversal):
		return fail(model.ErrCodePathTraversal, err.Error(), false)
	case errors.As(err, &notFound):
		return fail(model.ErrCodeWorkerNotFound, err.Error(), false)
	case errors.As(err, &violation):
		return fail(model.ErrCodePolicyViolation, err.Error(), false)
	case errors.As(err, &preflight):
		return fail(model.ErrCodePreflightFailed, err.Error(), false)
	case errors.As(err, &exceeded):
		return fail(model.ErrCodeBudgetExceeded, err.Error(), false)
	default:
		return fail(model.ErrCodeTransientIO, err.Error(), true)
	}
}

// finalize marks unexecuted steps skipped, aggregates artifacts, writes
// the job result and moves the queue file to its terminal directory.
func (r *Runner) finalize(job *model.JobSpec, st *model.JobState, status model.JobStatus, errInfo *model.ErrorInfo) {
	for _, step := range job.Steps {
		if rec, ok := st.Steps[step.StepID]; ok && !model.IsStepTerminal(rec.Status) {
			st.Touch(step.StepID, model.StepSkipped, rec.Attempts, nil)
		}
	}
	r.aggregate(job, st)
	r.writeJobResult(job, st, status, errInfo)

	target := model.JobStatusForQueue(status)
	st.Status = string(target)
	st.EndedAt = model.UTCNow()
	st.CurrentStep = ""
	st.Revision++
	r.saveState(st)

	if err := r.queue.Complete(job.JobID, target); err != nil {
		r.log.Errorf("complete job_id=%s target=%s: %v", job.JobID, target, err)
		return
	}
	r.log.Infof("job finished job_id=%s status=%s transitions=%d", job.JobID, status, st.Transitions)
}

// finalizeAskHuman parks the job in awaiting_approval/ with a partial
// aggregate; approve re-enqueues it and execution resumes after the
// needs_human step.
func (r *Runner) finalizeAskHuman(job *model.JobSpec, st *model.JobState, errInfo *model.ErrorInfo) {
	r.aggregate(job, st)
	r.writeJobResult(job, st, model.JobNeedsHuman, errInfo)

	st.Status = string(model.QueueAwaitingApproval)
	st.CurrentStep = ""
	st.Revision++
	r.saveState(st)

	if err := r.queue.Complete(job.JobID, model.QueueAwaitingApproval); err != nil {
		r.log.Errorf("park job_id=%s: %v", job.JobID, err)
		return
	}
	r.log.Infof("job awaiting approval job_id=%s", job.JobID)
}

// finalizeBroken handles jobs that failed before any step could run.
func (r *Runner) finalizeBroken(job *model.JobSpec, st *model.JobState, errInfo *model.ErrorInfo) {
	if st == nil {
		st = model.NewJobState(job)
	}
	if errInfo != nil && errInfo.Details != nil && errInfo.Details["resolution"] == "needs_human" {
		for _, step := range job.Steps {
			if rec, ok := st.Steps[step.StepID]; ok && !model.IsStepTerminal(rec.Status) {
				rec.Status = model.StepPending
			}
		}
		r.finalizeAskHuman(job, st, errInfo)
		return
	}
	r.finalize(job, st, model.JobFailed, errInfo)
}

// aggregate concatenates step artifacts in execution order into the
// job-level report, patch and log files.
func (r *Runner) aggregate(job *model.JobSpec, st *model.JobState) {
	seen := make(map[string]bool)
	var order []string
	for _, id := range st.History {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}

	concat := func(file string, heading bool) string {
		var b strings.Builder
		for _, stepID := range order {
			content, err := r.store.ReadText(job.JobID, path.Join("steps", stepID, file))
			if err != nil || content == "" {
				continue
			}
			if heading {
				fmt.Fprintf(&b, "## step: %s\n\n", stepID)
			}
			b.WriteString(content)
			if !strings.HasSuffix(content, "\n") {
				b.WriteString("\n")
			}
			if heading {
				b.WriteString("\n")
			}
		}
		return b.String()
	}

	for _, agg := range []struct {
		file    string
		heading bool
	}{
		{artifact.FileReport, true},
		{artifact.FilePatch, false},
		{artifact.FileLogs, true},
	} {
		if err := r.store.WriteText(job.JobID, agg.file, concat(agg.file, agg.heading)); err != nil {
			r.log.Errorf("aggregate %s job_id=%s: %v", agg.file, job.JobID, err)
		}
	}

	r.writeContext(job, order, st)
}

type contextEntry struct {
	StepID  string `json:"step_id"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

type contextSnapshot struct {
	SchemaVersion int            `json:"schema_version"`
	JobID         string         `json:"job_id"`
	Goal          string         `json:"goal"`
	Strategy      string         `json:"strategy"`
	Window        int            `json:"window,omitempty"`
	Entries       []contextEntry `json:"entries"`
}

// writeContext snapshots the conversation context for follow-up runs:
// executed steps with their report headlines, trimmed to the job's
// window under the sliding strategy.
func (r *Runner) writeContext(job *model.JobSpec, order []string, st *model.JobState) {
	strategy := job.ContextStrategy
	if strategy == "" {
		strategy = "sliding"
	}

	var entries []contextEntry
	for _, stepID := range order {
		rec, ok := st.Steps[stepID]
		if !ok {
			continue
		}
		report, _ := r.store.ReadText(job.JobID, path.Join("steps", stepID, artifact.FileReport))
		entries = append(entries, contextEntry{
			StepID:  stepID,
			Status:  string(rec.Status),
			Summary: headline(report),
		})
	}
	if strategy == "sliding" && job.ContextWindow > 0 && len(entries) > job.ContextWindow {
		entries = entries[len(entries)-job.ContextWindow:]
	}

	snap := &contextSnapshot{
		SchemaVersion: model.SchemaVersion,
		JobID:         job.JobID,
		Goal:          job.Goal,
		Strategy:      strategy,
		Window:        job.ContextWindow,
		Entries:       entries,
	}
	if err := r.store.WriteJSON(job.JobID, artifact.FileContext, snap); err != nil {
		r.log.Errorf("write context job_id=%s: %v", job.JobID, err)
	}
}

func headline(report string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(report), "\n")
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}

func (r *Runner) writeJobResult(job *model.JobSpec, st *model.JobState, status model.JobStatus, errInfo *model.ErrorInfo) {
	var steps []model.StepResult
	seen := make(map[string]bool)
	for _, id := range st.History {
		if seen[id] {
			continue
		}
		seen[id] = true
		data, err := r.store.ReadBytes(job.JobID, path.Join("steps", id, artifact.FileResult))
		if err != nil || data == nil {
			continue
		}
		var sr model.StepResult
		if json.Unmarshal(data, &sr) == nil {
			steps = append(steps, sr)
		}
	}

	// Steps the job never reached appear as skipped with zero attempts.
	for _, step := range job.Steps {
		if seen[step.StepID] {
			continue
		}
		rec, ok := st.Steps[step.StepID]
		if !ok || rec.Status != model.StepSkipped {
			continue
		}
		steps = append(steps, model.StepResult{
			SchemaVersion: model.SchemaVersion,
			Kind:          "step",
			JobID:         job.JobID,
			StepID:        step.StepID,
			Agent:         step.Agent,
			Status:        model.StepSkipped,
			Attempts:      0,
		})
	}

	endedAt := model.UTCNow()
	var durationMS int64
	if start, err := time.Parse(time.RFC3339, st.StartedAt); err == nil {
		durationMS = time.Since(start).Milliseconds()
	}
	result := &model.JobResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "job",
		JobID:         job.JobID,
		Status:        status,
		StartedAt:     st.StartedAt,
		EndedAt:       endedAt,
		DurationMS:    durationMS,
		Summary:       summarize(status, steps),
		Steps:         steps,
		Error:         errInfo,
	}
	if err := r.store.WriteJSON(job.JobID, artifact.FileResult, result); err != nil {
		r.log.Errorf("write job result job_id=%s: %v", job.JobID, err)
	}
}

func summarize(status model.JobStatus, steps []model.StepResult) string {
	ok := 0
	for _, s := range steps {
		if s.Status == model.StepOK {
			ok++
		}
	}
	return fmt.Sprintf("%s: %d/%d steps succeeded", status, ok, len(steps))
}

func (r *Runner) loadState(jobID string) (*model.JobState, error) {
	data, err := r.store.ReadBytes(jobID, artifact.FileState)
	if err != nil || data == nil {
		return nil, err
	}
	var st model.JobState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state.json: %w", err)
	}
	if st.Steps == nil {
		st.Steps = make(map[string]*model.StepState)
	}
	return &st, nil
}

func (r *Runner) saveState(st *model.JobState) {
	if err := r.store.WriteJSON(st.JobID, artifact.FileState, st); err != nil {
		r.log.Errorf("persist state job_id=%s: %v", st.JobID, err)
	}
}
