// Package artifact owns every write under artifacts/<job_id>/. Writes
// are traversal-checked against the job's artifact root and performed
// atomically (temp + fsync + rename in the same directory).
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal marks a write or read whose resolved target escapes
// the job's artifact directory.
var ErrPathTraversal = errors.New("path escapes artifact root")

// Fixed job-level artifact names.
const (
	FileJobSpec = "job.json"
	FileState   = "state.json"
	FileResult  = "result.json"
	FileContext = "context.json"
	FileReport  = "report.md"
	FilePatch   = "patch.diff"
	FileLogs    = "logs.txt"
)

type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifacts root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// JobDir returns the artifact directory for a job, rejecting job IDs
// that would resolve outside the store root.
func (s *Store) JobDir(jobID string) (string, error) {
	return resolveInside(s.root, jobID)
}

// StepDir returns steps/<step_id>/ under the job directory.
func (s *Store) StepDir(jobID, stepID string) (string, error) {
	jd, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	return resolveInside(jd, filepath.Join("steps", stepID))
}

func (s *Store) EnsureJobLayout(jobID string) error {
	jd, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(jd, "steps"), 0o755)
}

func (s *Store) EnsureStepLayout(jobID, stepID string) error {
	sd, err := s.StepDir(jobID, stepID)
	if err != nil {
		return err
	}
	return os.MkdirAll(sd, 0o755)
}

// WriteJSON atomically writes v to rel under the job directory.
func (s *Store) WriteJSON(jobID, rel string, v any) error {
	path, err := s.target(jobID, rel)
	if err != nil {
		return err
	}
	return AtomicWriteJSON(path, v)
}

// WriteText atomically writes text to rel under the job directory.
func (s *Store) WriteText(jobID, rel, text string) error {
	path, err := s.target(jobID, rel)
	if err != nil {
		return err
	}
	return AtomicWriteRaw(path, []byte(text))
}

// ReadText returns the content of rel, or "" when the file is absent.
// Readers treat missing files as "not yet available".
func (s *Store) ReadText(jobID, rel string) (string, error) {
	jd, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	path, err := resolveInside(jd, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadBytes returns the raw content of rel, or nil when absent.
func (s *Store) ReadBytes(jobID, rel string) ([]byte, error) {
	jd, err := s.JobDir(jobID)
	if err != nil {
		return nil, err
	}
	path, err := resolveInside(jd, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (s *Store) target(jobID, rel string) (string, error) {
	jd, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	path, err := resolveInside(jd, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}
	return path, nil
}

// resolveInside joins rel onto base and verifies the result stays
// strictly inside base, both lexically and through any symlinked
// ancestors that already exist on disk.
func resolveInside(base, rel string) (string, error) {
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	candidate := filepath.Join(base, rel)

	resolvedBase, err := resolveExisting(base)
	if err != nil {
		return "", err
	}
	resolvedCandidate, err := resolveExisting(candidate)
	if err != nil {
		return "", err
	}
	if resolvedCandidate != resolvedBase && !strings.HasPrefix(resolvedCandidate, resolvedBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return candidate, nil
}

// resolveExisting canonicalizes path by resolving symlinks on the
// deepest existing ancestor and re-appending the missing suffix.
func resolveExisting(path string) (string, error) {
	var suffix []string
	cursor := path
	for {
		resolved, err := filepath.EvalSymlinks(cursor)
		if err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cursor)
		if parent == cursor {
			return "", fmt.Errorf("resolve %q: no existing ancestor", path)
		}
		suffix = append(suffix, filepath.Base(cursor))
		cursor = parent
	}
}
