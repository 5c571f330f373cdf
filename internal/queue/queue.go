// Package queue implements the durable filesystem job queue. A job is a
// single JSON file whose stem is the job_id, moved between sibling state
// directories (pending, running, done, failed, awaiting_approval) by
// atomic rename. The queue must live on one POSIX filesystem.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/foreman/internal/model"
)

// ErrQueueEmpty is returned by Claim when no pending job could be claimed.
var ErrQueueEmpty = errors.New("queue empty")

// DuplicateJobError reports an enqueue for a job_id that already exists
// in any queue state, including terminal ones.
type DuplicateJobError struct {
	JobID string
	State model.QueueState
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %q already exists in %s", e.JobID, e.State)
}

// NotFoundError reports a missing job file for a state-changing call.
type NotFoundError struct {
	JobID string
	State model.QueueState
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %q not found in %s", e.JobID, e.State)
}

// ClaimedJob is the result of a successful Claim.
type ClaimedJob struct {
	JobID string
	Spec  *model.JobSpec
	Raw   []byte
	Path  string // path in running/
}

// ReclaimResult describes one job touched by a reclaim pass.
type ReclaimResult struct {
	JobID    string
	Attempts int
	// Failed is set when the reclaim attempt cap was exceeded and the
	// job was moved to failed/ instead of back to pending/.
	Failed bool
}

type Queue struct {
	root               string
	maxReclaimAttempts int
}

// New creates the five state directories under root.
func New(root string, maxReclaimAttempts int) (*Queue, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve queue root: %w", err)
	}
	for _, state := range model.QueueStates {
		if err := os.MkdirAll(filepath.Join(abs, string(state)), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir %s: %w", state, err)
		}
	}
	if maxReclaimAttempts <= 0 {
		maxReclaimAttempts = 3
	}
	return &Queue{root: abs, maxReclaimAttempts: maxReclaimAttempts}, nil
}

func (q *Queue) Root() string { return q.root }

func (q *Queue) dir(state model.QueueState) string {
	return filepath.Join(q.root, string(state))
}

// Enqueue validates the spec and durably places it in pending/ (or
// awaiting_approval/ when the job policy requires approval), returning
// the state the job landed in. The write is atomic: <job_id>.json.tmp,
// fsync, rename.
func (q *Queue) Enqueue(spec *model.JobSpec) (model.QueueState, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if state, _, err := q.Find(spec.JobID); err == nil {
		return "", &DuplicateJobError{JobID: spec.JobID, State: state}
	}

	content, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal job spec: %w", err)
	}
	content = append(content, '\n')

	target := model.QueuePending
	if spec.Policy != nil && spec.Policy.RequiresApproval {
		target = model.QueueAwaitingApproval
	}

	final := filepath.Join(q.dir(target), spec.JobID+".json")
	tmpName := final + ".tmp"
	tmp, err := os.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp job file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(content); err != nil {
		return "", fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("enqueue rename: %w", err)
	}
	return target, nil
}

// Claim scans pending/ in ascending mtime order and moves the first
// rename-able candidate into running/. Losing a rename race to another
// runner is not an error; the next candidate is tried.
func (q *Queue) Claim() (*ClaimedJob, error) {
	candidates, err := q.pendingByMtime()
	if err != nil {
		return nil, err
	}
	for _, name := range candidates {
		src := filepath.Join(q.dir(model.QueuePending), name)
		dst := filepath.Join(q.dir(model.QueueRunning), name)
		if err := os.Rename(src, dst); err != nil {
			continue // raced by another runner
		}
		raw, err := os.ReadFile(dst)
		if err != nil {
			continue
		}
		var spec model.JobSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			// Corrupt pending file: park it in failed/ instead of
			// letting every claim pass trip over it.
			_ = os.Rename(dst, filepath.Join(q.dir(model.QueueFailed), name))
			continue
		}
		// Trust the spec over name parsing; job IDs may contain dots.
		return &ClaimedJob{JobID: spec.JobID, Spec: &spec, Raw: raw, Path: dst}, nil
	}
	return nil, ErrQueueEmpty
}

// Complete moves a running job to its terminal (or awaiting_approval)
// directory. Repeating a completed move is a no-op when the file is
// already at the target; a missing file is an error.
func (q *Queue) Complete(jobID string, target model.QueueState) error {
	if err := model.ValidateQueueTransition(model.QueueRunning, target); err != nil {
		return err
	}
	names := findJobFiles(q.dir(model.QueueRunning), jobID)
	if len(names) == 0 {
		if len(findJobFiles(q.dir(target), jobID)) > 0 {
			return nil
		}
		return &NotFoundError{JobID: jobID, State: model.QueueRunning}
	}
	for _, name := range names {
		src := filepath.Join(q.dir(model.QueueRunning), name)
		dst := filepath.Join(q.dir(target), name)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("complete rename: %w", err)
		}
	}
	if model.IsQueueTerminal(target) {
		q.clearReclaimAttempts(jobID)
	}
	return nil
}

// Approve moves a job from awaiting_approval/ back to pending/.
func (q *Queue) Approve(jobID string) error {
	return q.move(jobID, model.QueueAwaitingApproval, model.QueuePending)
}

// Unlock forcibly returns a running job to pending/ on operator command.
func (q *Queue) Unlock(jobID string) error {
	return q.move(jobID, model.QueueRunning, model.QueuePending)
}

func (q *Queue) move(jobID string, from, to model.QueueState) error {
	if err := model.ValidateQueueTransition(from, to); err != nil {
		return err
	}
	names := findJobFiles(q.dir(from), jobID)
	if len(names) == 0 {
		return &NotFoundError{JobID: jobID, State: from}
	}
	for _, name := range names {
		if err := os.Rename(filepath.Join(q.dir(from), name), filepath.Join(q.dir(to), name)); err != nil {
			return fmt.Errorf("move %s to %s: %w", from, to, err)
		}
	}
	return nil
}

// ReclaimStaleRunning returns running jobs older than maxAge (by mtime)
// to pending/, bumping a durable per-job attempt counter. A job whose
// counter exceeds the cap is moved to failed/ instead so a crash-looping
// spec cannot circulate forever.
func (q *Queue) ReclaimStaleRunning(maxAge time.Duration) ([]ReclaimResult, error) {
	entries, err := os.ReadDir(q.dir(model.QueueRunning))
	if err != nil {
		return nil, fmt.Errorf("scan running: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)

	var results []ReclaimResult
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		jobID := jobIDFromName(name)
		if raw, err := os.ReadFile(filepath.Join(q.dir(model.QueueRunning), name)); err == nil {
			var spec model.JobSpec
			if json.Unmarshal(raw, &spec) == nil && spec.JobID != "" {
				jobID = spec.JobID
			}
		}
		attempts := q.readReclaimAttempts(jobID) + 1
		if err := q.writeReclaimAttempts(jobID, attempts); err != nil {
			return results, err
		}

		src := filepath.Join(q.dir(model.QueueRunning), name)
		if attempts > q.maxReclaimAttempts {
			if err := os.Rename(src, filepath.Join(q.dir(model.QueueFailed), name)); err != nil {
				continue
			}
			results = append(results, ReclaimResult{JobID: jobID, Attempts: attempts, Failed: true})
			continue
		}
		if err := os.Rename(src, filepath.Join(q.dir(model.QueuePending), name)); err != nil {
			continue // raced: the owner finished or another reclaimer won
		}
		results = append(results, ReclaimResult{JobID: jobID, Attempts: attempts})
	}
	return results, nil
}

// Find locates jobID in any state directory, tolerating the collision
// suffix form <job_id>.<ns>.json.
func (q *Queue) Find(jobID string) (model.QueueState, string, error) {
	if err := model.ValidateJobID(jobID); err != nil {
		return "", "", err
	}
	for _, state := range model.QueueStates {
		names := findJobFiles(q.dir(state), jobID)
		if len(names) > 0 {
			return state, filepath.Join(q.dir(state), names[0]), nil
		}
	}
	return "", "", &NotFoundError{JobID: jobID}
}

// ReadSpec loads the job spec for jobID from whichever state holds it.
func (q *Queue) ReadSpec(jobID string) (*model.JobSpec, model.QueueState, error) {
	state, path, err := q.Find(jobID)
	if err != nil {
		return nil, "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read job file: %w", err)
	}
	var spec model.JobSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, "", fmt.Errorf("parse job file: %w", err)
	}
	return &spec, state, nil
}

// ActiveJobIDs returns job IDs in non-terminal states (pending, running,
// awaiting_approval). Retention never reaps these.
func (q *Queue) ActiveJobIDs() map[string]bool {
	out := make(map[string]bool)
	for _, state := range []model.QueueState{model.QueuePending, model.QueueRunning, model.QueueAwaitingApproval} {
		entries, err := os.ReadDir(q.dir(state))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if name := entry.Name(); strings.HasSuffix(name, ".json") {
				out[jobIDFromName(name)] = true
			}
		}
	}
	return out
}

func (q *Queue) attemptsPath(jobID string) string {
	return filepath.Join(q.root, jobID+".attempts")
}

func (q *Queue) readReclaimAttempts(jobID string) int {
	data, err := os.ReadFile(q.attemptsPath(jobID))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (q *Queue) writeReclaimAttempts(jobID string, attempts int) error {
	path := q.attemptsPath(jobID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(attempts)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write reclaim counter: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename reclaim counter: %w", err)
	}
	return nil
}

func (q *Queue) clearReclaimAttempts(jobID string) {
	_ = os.Remove(q.attemptsPath(jobID))
}

// findJobFiles matches <job_id>.json exactly plus the collision form
// <job_id>.<suffix>.json with a literal dot separator. A bare prefix
// match would wrongly return job-12.json for job-1.
func findJobFiles(dir, jobID string) []string {
	var out []string
	if _, err := os.Stat(filepath.Join(dir, jobID+".json")); err == nil {
		out = append(out, jobID+".json")
	}
	matches, _ := filepath.Glob(filepath.Join(dir, jobID+".*.json"))
	for _, m := range matches {
		out = append(out, filepath.Base(m))
	}
	sort.Strings(out)
	return out
}

// jobIDFromName strips ".json" and any collision suffix from a queue
// file name.
func jobIDFromName(name string) string {
	stem := strings.TrimSuffix(name, ".json")
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		return stem[:i]
	}
	return stem
}

func (q *Queue) pendingByMtime() ([]string, error) {
	entries, err := os.ReadDir(q.dir(model.QueuePending))
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	type candidate struct {
		name  string
		mtime time.Time
	}
	var list []candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		list = append(list, candidate{name: name, mtime: info.ModTime()})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].mtime.Before(list[j].mtime) })
	names := make([]string, len(list))
	for i, c := range list {
		names[i] = c.name
	}
	return names, nil
}
