// Package setup scaffolds a foreman data directory.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/templates"
)

// Run creates the queue, artifact and workspace roots plus example
// configuration. It refuses to run when the queue root already exists
// so a live deployment cannot be scaffolded over.
func Run(cfg *config.Settings) error {
	if _, err := os.Stat(cfg.QueueRoot); err == nil {
		return fmt.Errorf("%s already exists; refusing to re-initialize", cfg.QueueRoot)
	}

	dirs := []string{
		filepath.Join(cfg.QueueRoot, "pending"),
		filepath.Join(cfg.QueueRoot, "running"),
		filepath.Join(cfg.QueueRoot, "done"),
		filepath.Join(cfg.QueueRoot, "failed"),
		filepath.Join(cfg.QueueRoot, "awaiting_approval"),
		cfg.ArtifactsRoot,
		cfg.WorkspacesRoot,
		filepath.Dir(cfg.BudgetDBPath),
		filepath.Dir(cfg.SchedulerStateFile),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := installTemplate("schedules.yaml", cfg.SchedulesFile); err != nil {
		return err
	}
	exampleJob := filepath.Join(filepath.Dir(cfg.SchedulesFile), "job.example.json")
	return installTemplate("job.example.json", exampleJob)
}

// installTemplate copies an embedded example unless the target exists.
func installTemplate(name, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	data, err := templates.FS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dst, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
