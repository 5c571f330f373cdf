// Package runner is the claim-and-execute engine. One cooperative loop
// per process; any number of runner processes may share a queue on the
// same filesystem.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/foreman/internal/artifact"
	"github.com/msageha/foreman/internal/budget"
	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/logging"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/policy"
	"github.com/msageha/foreman/internal/queue"
	"github.com/msageha/foreman/internal/retention"
	"github.com/msageha/foreman/internal/workspace"
)

type Runner struct {
	cfg        *config.Settings
	queue      *queue.Queue
	store      *artifact.Store
	workspaces *workspace.Manager
	base       *policy.ExecutionPolicy
	budget     *budget.Tracker // nil when no ceiling is configured
	sweeper    *retention.Sweeper
	log        *logging.Logger

	lastSweep time.Time
}

func New(
	cfg *config.Settings,
	q *queue.Queue,
	store *artifact.Store,
	workspaces *workspace.Manager,
	base *policy.ExecutionPolicy,
	bt *budget.Tracker,
	sweeper *retention.Sweeper,
	log *logging.Logger,
) *Runner {
	return &Runner{
		cfg:        cfg,
		queue:      q,
		store:      store,
		workspaces: workspaces,
		base:       base,
		budget:     bt,
		sweeper:    sweeper,
		log:        log.WithComponent("runner"),
	}
}

// Run claims and executes jobs until ctx is cancelled or, when
// RUNNER_MAX_IDLE_SEC is set, until the queue has been empty that long.
// Between polls it also watches pending/ so fresh enqueues wake it
// immediately.
func (r *Runner) Run(ctx context.Context) error {
	poll := time.Duration(r.cfg.RunnerPollIntervalSec) * time.Second
	if poll <= 0 {
		poll = 2 * time.Second
	}

	var wake <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Join(r.queue.Root(), "pending")); err == nil {
			wake = watcher.Events
		}
	}
	if wake == nil {
		r.log.Warnf("pending/ watch unavailable, falling back to pure polling: %v", err)
	}

	lastWork := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		r.reclaimPass()
		r.retentionPass()

		claimed, err := r.queue.Claim()
		switch {
		case errors.Is(err, queue.ErrQueueEmpty):
			if r.cfg.RunnerMaxIdleSec > 0 && time.Since(lastWork) > time.Duration(r.cfg.RunnerMaxIdleSec)*time.Second {
				r.log.Infof("idle for %ds, exiting", r.cfg.RunnerMaxIdleSec)
				return nil
			}
		case err != nil:
			r.log.Errorf("claim failed: %v", err)
		default:
			lastWork = time.Now()
			r.Execute(ctx, claimed)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-time.After(poll):
		}
	}
}

// reclaimPass returns stale running jobs to pending/ and finalizes the
// ones that exhausted MAX_RECLAIM_ATTEMPTS with a synthesized result.
func (r *Runner) reclaimPass() {
	maxAge := time.Duration(r.cfg.RunnerReclaimAfterSec) * time.Second
	if maxAge <= 0 {
		return
	}
	results, err := r.queue.ReclaimStaleRunning(maxAge)
	if err != nil {
		r.log.Errorf("reclaim pass failed: %v", err)
		return
	}
	for _, res := range results {
		if !res.Failed {
			r.log.Warnf("reclaimed stale job job_id=%s attempts=%d", res.JobID, res.Attempts)
			continue
		}
		r.log.Errorf("job exceeded reclaim attempts job_id=%s attempts=%d", res.JobID, res.Attempts)
		r.synthesizeReclaimResult(res.JobID, res.Attempts)
	}
}

func (r *Runner) synthesizeReclaimResult(jobID string, attempts int) {
	if err := r.store.EnsureJobLayout(jobID); err != nil {
		r.log.Errorf("reclaim result layout job_id=%s: %v", jobID, err)
		return
	}
	now := model.UTCNow()
	result := &model.JobResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "job",
		JobID:         jobID,
		Status:        model.JobFailed,
		StartedAt:     now,
		EndedAt:       now,
		Summary:       fmt.Sprintf("abandoned after %d reclaim attempts", attempts),
		Error: &model.ErrorInfo{
			Code:    model.ErrCodeRunnerShutdown,
			Message: fmt.Sprintf("job was reclaimed %d times without completing", attempts),
			Details: map[string]any{"reclaim_attempts": attempts},
		},
	}
	if err := r.store.WriteJSON(jobID, artifact.FileResult, result); err != nil {
		r.log.Errorf("write reclaim result job_id=%s: %v", jobID, err)
	}
	if st, err := r.loadState(jobID); err == nil && st != nil {
		st.Status = string(model.QueueFailed)
		st.EndedAt = now
		st.Revision++
		r.saveState(st)
	}
}

func (r *Runner) retentionPass() {
	interval := time.Duration(r.cfg.RetentionIntervalSec) * time.Second
	if interval <= 0 || time.Since(r.lastSweep) < interval {
		return
	}
	r.lastSweep = time.Now()
	stats, err := r.sweeper.Sweep(r.queue.ActiveJobIDs())
	if err != nil {
		r.log.Errorf("retention sweep failed: %v", err)
		return
	}
	if stats.RemovedArtifacts > 0 || stats.RemovedWorkspaces > 0 {
		r.log.Infof("retention sweep removed artifacts=%d workspaces=%d", stats.RemovedArtifacts, stats.RemovedWorkspaces)
	}
}
