// Package scheduler turns cron definitions into enqueued jobs. Fire
// times are persisted so a restart neither double-fires a tick nor
// back-fills ticks missed during downtime.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/msageha/foreman/internal/artifact"
	"github.com/msageha/foreman/internal/logging"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/queue"
)

// Entry is one schedule from the YAML config file.
type Entry struct {
	Name        string         `yaml:"name"`
	Cron        string         `yaml:"cron"`
	JobTemplate map[string]any `yaml:"job_template"`

	schedule cron.Schedule
}

type schedulesFile struct {
	Schedules []Entry `yaml:"schedules"`
}

// LoadEntries reads and validates the schedules file. Names must be
// unique; every cron expression must parse; every template must be a
// valid JobSpec once a job_id is injected.
func LoadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules file: %w", err)
	}
	var file schedulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schedules file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range file.Schedules {
		e := &file.Schedules[i]
		if e.Name == "" {
			return nil, fmt.Errorf("schedule %d: name is required", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("schedule %q: duplicate name", e.Name)
		}
		seen[e.Name] = true

		sched, err := cron.ParseStandard(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: bad cron expression %q: %w", e.Name, e.Cron, err)
		}
		e.schedule = sched

		if _, err := e.materialize(time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("schedule %q: bad job_template: %w", e.Name, err)
		}
	}
	return file.Schedules, nil
}

// materialize instantiates the template with a tick-derived job_id.
func (e *Entry) materialize(fireTime time.Time) (*model.JobSpec, error) {
	tmpl := make(map[string]any, len(e.JobTemplate)+1)
	for k, v := range e.JobTemplate {
		tmpl[k] = v
	}
	tmpl["job_id"] = fmt.Sprintf("%s-%s", e.Name, fireTime.UTC().Format("20060102T150405Z"))
	tmpl["schedule"] = e.Cron

	data, err := json.Marshal(tmpl)
	if err != nil {
		return nil, err
	}
	spec, err := model.ParseJobSpecBytes(data)
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// State is the durable next-fire table, rewritten atomically each tick.
type State struct {
	SchemaVersion int               `json:"schema_version"`
	NextFire      map[string]string `json:"next_fire"`
}

type Scheduler struct {
	entries   []Entry
	queue     *queue.Queue
	statePath string
	tick      time.Duration
	log       *logging.Logger

	now func() time.Time
}

func New(entries []Entry, q *queue.Queue, statePath string, tick time.Duration, log *logging.Logger) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		entries:   entries,
		queue:     q,
		statePath: statePath,
		tick:      tick,
		log:       log.WithComponent("scheduler"),
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infof("scheduler started entries=%d tick=%s", len(s.entries), s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	if err := s.Tick(); err != nil {
		s.log.Errorf("tick failed: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				s.log.Errorf("tick failed: %v", err)
			}
		}
	}
}

// Tick fires every due entry at most once and persists the advanced
// fire table. Entries seen for the first time are initialized to their
// next boundary after now, never back-filled.
func (s *Scheduler) Tick() error {
	st, err := s.loadState()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	dirty := false

	for i := range s.entries {
		e := &s.entries[i]
		nextRaw, ok := st.NextFire[e.Name]
		if !ok {
			st.NextFire[e.Name] = e.schedule.Next(now).Format(time.RFC3339)
			dirty = true
			continue
		}
		next, err := time.Parse(time.RFC3339, nextRaw)
		if err != nil {
			s.log.Warnf("schedule %q: corrupt next_fire %q, reinitializing", e.Name, nextRaw)
			st.NextFire[e.Name] = e.schedule.Next(now).Format(time.RFC3339)
			dirty = true
			continue
		}
		if next.After(now) {
			continue
		}

		s.fire(e, next)
		st.NextFire[e.Name] = e.schedule.Next(now).Format(time.RFC3339)
		dirty = true
	}

	if dirty {
		return s.saveState(st)
	}
	return nil
}

func (s *Scheduler) fire(e *Entry, fireTime time.Time) {
	spec, err := e.materialize(fireTime)
	if err != nil {
		s.log.Errorf("schedule %q: materialize failed: %v", e.Name, err)
		return
	}
	if _, err := s.queue.Enqueue(spec); err != nil {
		var dup *queue.DuplicateJobError
		if errors.As(err, &dup) {
			s.log.Debugf("schedule %q: tick already fired job_id=%s", e.Name, spec.JobID)
			return
		}
		s.log.Errorf("schedule %q: enqueue failed: %v", e.Name, err)
		return
	}
	s.log.Infof("schedule fired name=%s job_id=%s", e.Name, spec.JobID)
}

func (s *Scheduler) loadState() (*State, error) {
	st := &State{SchemaVersion: model.SchemaVersion, NextFire: make(map[string]string)}
	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scheduler state: %w", err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parse scheduler state: %w", err)
	}
	if st.NextFire == nil {
		st.NextFire = make(map[string]string)
	}
	return st, nil
}

func (s *Scheduler) saveState(st *State) error {
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return fmt.Errorf("create scheduler state dir: %w", err)
	}
	if err := artifact.AtomicWriteJSON(s.statePath, st); err != nil {
		return fmt.Errorf("persist scheduler state: %w", err)
	}
	return nil
}
