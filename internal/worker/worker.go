// Package worker defines the step execution contract and the built-in
// worker implementations. A worker receives a StepContext, writes its
// artifacts into the step directory, and returns a StepResult. The core
// never assumes whether a worker shells out, calls an API, or simulates.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/msageha/foreman/internal/artifact"
	"github.com/msageha/foreman/internal/logging"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/policy"
)

// Files every worker must leave behind in its step directory.
var RequiredFiles = []string{
	artifact.FileReport,
	artifact.FilePatch,
	artifact.FileLogs,
}

// StepContext is everything a worker may see or touch for one attempt.
// StepDir is the only writable root; writes elsewhere fail the step.
type StepContext struct {
	Job     *model.JobSpec
	Step    model.StepSpec
	Attempt int

	StepDir      string
	WorkspaceDir string

	Policy *policy.ExecutionPolicy
	Prompt string
	Log    *logging.Logger

	RealCLI bool
}

// WriteFile writes name under the step directory, refusing traversal.
func (c *StepContext) WriteFile(name, content string) error {
	if name == "" || !filepath.IsLocal(name) {
		return fmt.Errorf("%s: %w", name, artifact.ErrPathTraversal)
	}
	path := filepath.Join(c.StepDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return artifact.AtomicWriteRaw(path, []byte(content))
}

// ReadWorkspaceFile reads a file from the workspace, refusing traversal.
// A missing file yields an empty string.
func (c *StepContext) ReadWorkspaceFile(name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%s: %w", name, artifact.ErrPathTraversal)
	}
	data, err := os.ReadFile(filepath.Join(c.WorkspaceDir, name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Worker executes one step attempt.
type Worker interface {
	Name() string
	Run(ctx context.Context, sc *StepContext) (*model.StepResult, error)
}

// Spender is implemented by workers that can estimate the budget impact
// of one invocation; others are charged one API call at zero cost.
type Spender interface {
	EstimateSpend() (apiCalls int, costUSD float64)
}

// NotFoundError maps to error.code worker_not_found.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("worker not found: %q", e.Name) }

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Worker)
)

// Register installs a worker under its name. Later registrations with
// the same name replace earlier ones, which lets tests swap in fakes.
func Register(w Worker) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[w.Name()] = w
}

// Lookup resolves a worker by the agent name from a StepSpec.
func Lookup(name string) (Worker, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	w, ok := registry[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return w, nil
}

// Names lists registered workers, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VerifyContract checks that the required artifacts exist in stepDir.
// A violation is terminal for the step and never retried.
func VerifyContract(stepDir string) error {
	var missing []string
	for _, name := range RequiredFiles {
		info, err := os.Stat(filepath.Join(stepDir, name))
		if err != nil || info.IsDir() {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("worker did not write required artifacts: %v", missing)
	}
	return nil
}
