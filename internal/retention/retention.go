// Package retention sweeps expired job artifacts and workspaces.
// Active jobs (present in pending/, running/, or awaiting_approval/)
// are never removed regardless of age.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/foreman/internal/logging"
)

// Stats summarizes one sweep.
type Stats struct {
	RemovedArtifacts  int
	RemovedWorkspaces int
}

type Sweeper struct {
	artifactsRoot  string
	workspacesRoot string
	artifactsTTL   time.Duration
	workspacesTTL  time.Duration
	log            *logging.Logger
}

func NewSweeper(artifactsRoot, workspacesRoot string, artifactsTTL, workspacesTTL time.Duration, log *logging.Logger) *Sweeper {
	return &Sweeper{
		artifactsRoot:  artifactsRoot,
		workspacesRoot: workspacesRoot,
		artifactsTTL:   artifactsTTL,
		workspacesTTL:  workspacesTTL,
		log:            log,
	}
}

// Sweep removes per-job directories whose newest content is older than
// the TTL. activeJobIDs protects in-flight jobs.
func (s *Sweeper) Sweep(activeJobIDs map[string]bool) (Stats, error) {
	var stats Stats
	now := time.Now()

	removed, err := s.sweepRoot(s.artifactsRoot, s.artifactsTTL, now, activeJobIDs)
	if err != nil {
		return stats, fmt.Errorf("sweep artifacts: %w", err)
	}
	stats.RemovedArtifacts = removed

	removed, err = s.sweepRoot(s.workspacesRoot, s.workspacesTTL, now, activeJobIDs)
	if err != nil {
		return stats, fmt.Errorf("sweep workspaces: %w", err)
	}
	stats.RemovedWorkspaces = removed
	return stats, nil
}

func (s *Sweeper) sweepRoot(root string, ttl time.Duration, now time.Time, active map[string]bool) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	cutoff := now.Add(-ttl)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		if active[jobID] {
			continue
		}
		dir := filepath.Join(root, jobID)
		newest, err := newestTouch(dir)
		if err != nil {
			s.log.Warnf("retention: cannot stat %s: %v", dir, err)
			continue
		}
		if newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warnf("retention: remove %s: %v", dir, err)
			continue
		}
		s.log.Infof("retention: removed job_id=%s dir=%s age=%s", jobID, dir, now.Sub(newest).Round(time.Second))
		removed++
	}
	return removed, nil
}

// newestTouch walks dir and returns the most recent modification time
// found anywhere inside it, so a job that is still being written to is
// measured by its freshest file rather than the directory inode.
func newestTouch(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // entry vanished mid-walk
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return newest, nil
}
