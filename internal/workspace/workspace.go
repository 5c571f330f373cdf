// Package workspace prepares the per-job working copy under
// WORKSPACES_ROOT/<job_id>/work/. Git sources are materialized with a
// local clone; anything else is copied with symlink refusal. Teardown is
// the retention sweeper's job, never the runner's.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Error wraps workspace preparation failures; the runner maps it to a
// policy_violation or validation_error job outcome.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "workspace: " + e.Message }

func errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Layout describes a prepared workspace.
type Layout struct {
	Root    string // WORKSPACES_ROOT/<job_id>
	Workdir string // .../work
	IsGit   bool   // source contained a .git directory
}

type Manager struct {
	root                 string
	projectAliases       map[string]string
	allowAbsoluteWorkdir bool
}

func NewManager(root string, projectAliases map[string]string, allowAbsoluteWorkdir bool) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspaces root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create workspaces root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize workspaces root: %w", err)
	}
	return &Manager{
		root:                 resolved,
		projectAliases:       projectAliases,
		allowAbsoluteWorkdir: allowAbsoluteWorkdir,
	}, nil
}

func (m *Manager) Root() string { return m.root }

// ResolveSource maps a JobSpec workdir to a source directory: a
// configured project alias, or an absolute path when that escape hatch
// is enabled.
func (m *Manager) ResolveSource(workdir string) (string, error) {
	if alias, ok := m.projectAliases[workdir]; ok {
		src, err := filepath.EvalSymlinks(alias)
		if err != nil {
			return "", errorf("project alias %q points at unreadable path %q: %v", workdir, alias, err)
		}
		return src, nil
	}
	if !filepath.IsAbs(workdir) {
		return "", errorf("unknown project_id %q", workdir)
	}
	if !m.allowAbsoluteWorkdir {
		return "", errorf("absolute workdir %q not permitted by config", workdir)
	}
	src, err := filepath.EvalSymlinks(workdir)
	if err != nil {
		return "", errorf("workdir %q not readable: %v", workdir, err)
	}
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return "", errorf("workdir %q is not a directory", workdir)
	}
	return src, nil
}

// Existing returns the layout of a previously prepared workspace, if
// one is present. Used when a job resumes after approval.
func (m *Manager) Existing(jobID string) (*Layout, bool) {
	root := filepath.Join(m.root, jobID)
	workdir := filepath.Join(root, "work")
	info, err := os.Stat(workdir)
	if err != nil || !info.IsDir() {
		return nil, false
	}
	if err := m.assertInside(workdir); err != nil {
		return nil, false
	}
	return &Layout{Root: root, Workdir: workdir, IsGit: isGitRepo(workdir)}, true
}

// Prepare creates WORKSPACES_ROOT/<job_id>/work and materializes source
// into it. The fully canonicalized workspace path must stay inside the
// workspaces root; symlinks anywhere in the ancestry fail the job.
func (m *Manager) Prepare(jobID, source string) (*Layout, error) {
	if jobID == "" || strings.ContainsAny(jobID, "/\\") || strings.HasPrefix(jobID, ".") {
		return nil, errorf("invalid job_id %q for workspace path", jobID)
	}

	root := filepath.Join(m.root, jobID)
	workdir := filepath.Join(root, "work")

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errorf("create workspace root: %v", err)
	}
	if err := m.assertInside(root); err != nil {
		return nil, err
	}

	isGit := false
	if source == "" {
		if err := os.MkdirAll(workdir, 0o750); err != nil {
			return nil, errorf("create workdir: %v", err)
		}
	} else {
		if entries, err := os.ReadDir(workdir); err == nil && len(entries) > 0 {
			return nil, errorf("workspace already exists and is not empty: %s", workdir)
		}
		isGit = isGitRepo(source)
		if isGit {
			if err := cloneLocal(source, workdir); err != nil {
				return nil, err
			}
		} else {
			if err := copyTree(source, workdir); err != nil {
				return nil, err
			}
		}
	}

	if err := m.assertInside(workdir); err != nil {
		return nil, err
	}
	return &Layout{Root: root, Workdir: workdir, IsGit: isGit}, nil
}

// assertInside canonicalizes path and verifies it equals or descends
// from the workspaces root.
func (m *Manager) assertInside(path string) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return errorf("canonicalize %q: %v", path, err)
	}
	if resolved != m.root && !strings.HasPrefix(resolved, m.root+string(filepath.Separator)) {
		return errorf("path escapes workspaces root: %s", path)
	}
	return nil
}

func isGitRepo(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

func cloneLocal(src, dst string) error {
	cmd := exec.Command("git", "clone", "--local", "--quiet", src, dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errorf("git clone failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// copyTree copies src into dst, refusing symlink entries anywhere in the
// source so a hostile tree cannot smuggle references out of the
// workspace.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			return errorf("refusing source with symlink entry: %s", path)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if !d.Type().IsRegular() {
			return errorf("refusing non-regular source entry: %s", path)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// IsWorkspaceError reports whether err originated in this package.
func IsWorkspaceError(err error) bool {
	var we *Error
	return errors.As(err, &we)
}
