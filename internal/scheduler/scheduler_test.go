package scheduler

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/foreman/internal/logging"
	"github.com/msageha/foreman/internal/queue"
)

const schedulesYAML = `
schedules:
  - name: hourly-review
    cron: "0 * * * *"
    job_template:
      goal: "review the codebase"
      workdir: repo
      steps:
        - step_id: 01_review
          agent: claude
`

func writeSchedules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestScheduler(t *testing.T, entries []Entry) (*Scheduler, *queue.Queue) {
	t.Helper()
	q, err := queue.New(t.TempDir(), 3)
	require.NoError(t, err)
	statePath := filepath.Join(t.TempDir(), "scheduler_state.json")
	s := New(entries, q, statePath, time.Second, logging.New(io.Discard, logging.LevelError, "test"))
	return s, q
}

func TestLoadEntries(t *testing.T) {
	entries, err := LoadEntries(writeSchedules(t, schedulesYAML))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hourly-review", entries[0].Name)
	assert.NotNil(t, entries[0].schedule)
}

func TestLoadEntriesRejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing name", "schedules:\n  - cron: \"* * * * *\"\n    job_template: {goal: g, workdir: w, steps: [{step_id: s, agent: a}]}\n"},
		{"bad cron", "schedules:\n  - name: x\n    cron: \"not a cron\"\n    job_template: {goal: g, workdir: w, steps: [{step_id: s, agent: a}]}\n"},
		{"bad template", "schedules:\n  - name: x\n    cron: \"* * * * *\"\n    job_template: {goal: g}\n"},
		{"duplicate names", schedulesYAML + "  - name: hourly-review\n    cron: \"* * * * *\"\n    job_template: {goal: g, workdir: w, steps: [{step_id: s, agent: a}]}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadEntries(writeSchedules(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestFirstTickInitializesWithoutFiring(t *testing.T) {
	entries, err := LoadEntries(writeSchedules(t, schedulesYAML))
	require.NoError(t, err)
	s, q := newTestScheduler(t, entries)

	base := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	require.NoError(t, s.Tick())
	assert.Empty(t, q.ActiveJobIDs(), "initialization must not back-fill")

	st, err := s.loadState()
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T11:00:00Z", st.NextFire["hourly-review"])
}

func TestTickFiresOncePerBoundary(t *testing.T) {
	entries, err := LoadEntries(writeSchedules(t, schedulesYAML))
	require.NoError(t, err)
	s, q := newTestScheduler(t, entries)

	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	require.NoError(t, s.Tick())

	// Cross the boundary: exactly one job appears.
	now = time.Date(2026, 8, 24, 11, 0, 5, 0, time.UTC)
	require.NoError(t, s.Tick())
	active := q.ActiveJobIDs()
	require.Len(t, active, 1)
	assert.Contains(t, active, "hourly-review-20260824T110000Z")

	// Repeated ticks inside the same window do not fire again.
	now = time.Date(2026, 8, 24, 11, 0, 35, 0, time.UTC)
	require.NoError(t, s.Tick())
	assert.Len(t, q.ActiveJobIDs(), 1)
}

func TestRestartDoesNotBackfill(t *testing.T) {
	entries, err := LoadEntries(writeSchedules(t, schedulesYAML))
	require.NoError(t, err)
	s, q := newTestScheduler(t, entries)

	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	require.NoError(t, s.Tick())

	// A new scheduler on the same state file, many hours later: the
	// overdue boundary fires once, not once per missed hour.
	s2 := New(entries, q, s.statePath, time.Second, logging.New(io.Discard, logging.LevelError, "test"))
	now2 := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	s2.now = func() time.Time { return now2 }
	require.NoError(t, s2.Tick())
	assert.Len(t, q.ActiveJobIDs(), 1)

	require.NoError(t, s2.Tick())
	assert.Len(t, q.ActiveJobIDs(), 1)
}

func TestDuplicateEnqueueTolerated(t *testing.T) {
	entries, err := LoadEntries(writeSchedules(t, schedulesYAML))
	require.NoError(t, err)
	s, q := newTestScheduler(t, entries)

	fireTime := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	spec, err := entries[0].materialize(fireTime)
	require.NoError(t, err)
	_, err = q.Enqueue(spec)
	require.NoError(t, err)

	// The same boundary firing again hits DuplicateJobError; the tick
	// still advances instead of erroring.
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	require.NoError(t, s.Tick())

	now = time.Date(2026, 8, 24, 11, 0, 5, 0, time.UTC)
	require.NoError(t, s.Tick())
	assert.Len(t, q.ActiveJobIDs(), 1)
}

func TestMaterializeJobID(t *testing.T) {
	entries, err := LoadEntries(writeSchedules(t, schedulesYAML))
	require.NoError(t, err)

	spec, err := entries[0].materialize(time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "hourly-review-20260824T110000Z", spec.JobID)
	require.NoError(t, spec.Validate())
	assert.Equal(t, "claude", spec.Steps[0].Agent)
	assert.Equal(t, entries[0].Cron, spec.Schedule)
}
