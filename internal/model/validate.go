package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ValidationError reports a rejected JobSpec at the enqueue gate.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ParseJobSpec decodes a JobSpec rejecting unknown fields.
func ParseJobSpec(r io.Reader) (*JobSpec, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var spec JobSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, &ValidationError{Field: "body", Message: err.Error()}
	}
	return &spec, nil
}

// ParseJobSpecBytes is ParseJobSpec over a byte slice.
func ParseJobSpecBytes(data []byte) (*JobSpec, error) {
	return ParseJobSpec(bytes.NewReader(data))
}

// Validate checks the JobSpec invariants: a safe non-empty job_id,
// non-empty goal and workdir, unique safe step IDs, and resolvable
// on_failure directives. goto targets must name an existing step.
func (j *JobSpec) Validate() error {
	if err := ValidateJobID(j.JobID); err != nil {
		return err
	}
	if strings.TrimSpace(j.Goal) == "" {
		return &ValidationError{Field: "goal", Message: "must not be empty"}
	}
	if strings.TrimSpace(j.Workdir) == "" {
		return &ValidationError{Field: "workdir", Message: "must not be empty"}
	}
	if len(j.Steps) == 0 {
		return &ValidationError{Field: "steps", Message: "must not be empty"}
	}

	seen := make(map[string]bool, len(j.Steps))
	for i, s := range j.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if !stepIDPattern.MatchString(s.StepID) {
			return &ValidationError{Field: field + ".step_id", Message: "must match [A-Za-z0-9_-]+"}
		}
		if seen[s.StepID] {
			return &ValidationError{Field: field + ".step_id", Message: fmt.Sprintf("duplicate step_id %q", s.StepID)}
		}
		seen[s.StepID] = true
		if strings.TrimSpace(s.Agent) == "" {
			return &ValidationError{Field: field + ".agent", Message: "must not be empty"}
		}
		if s.TimeoutSec < 0 {
			return &ValidationError{Field: field + ".timeout_sec", Message: "must not be negative"}
		}
		if s.MaxAttempts < 0 {
			return &ValidationError{Field: field + ".max_attempts", Message: "must not be negative"}
		}
		for _, rel := range s.InputArtifacts {
			if strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, "\\") {
				return &ValidationError{Field: field + ".input_artifacts", Message: fmt.Sprintf("absolute path %q not allowed", rel)}
			}
		}
	}

	for i, s := range j.Steps {
		switch s.OnFailure {
		case "", OnFailureStop, OnFailureContinue, OnFailureAskHuman:
		default:
			target := GotoTarget(s.OnFailure)
			if target == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("steps[%d].on_failure", i),
					Message: fmt.Sprintf("unsupported directive %q", s.OnFailure),
				}
			}
			if !seen[target] {
				return &ValidationError{
					Field:   fmt.Sprintf("steps[%d].on_failure", i),
					Message: fmt.Sprintf("goto target %q does not exist", target),
				}
			}
		}
	}
	return nil
}

// ValidateJobID rejects identifiers that cannot safely name queue files
// and artifact directories.
func ValidateJobID(jobID string) error {
	if jobID == "" {
		return &ValidationError{Field: "job_id", Message: "must not be empty"}
	}
	if strings.ContainsAny(jobID, "/\\") {
		return &ValidationError{Field: "job_id", Message: "must not contain path separators"}
	}
	if strings.HasPrefix(jobID, ".") {
		return &ValidationError{Field: "job_id", Message: "must not start with '.'"}
	}
	return nil
}
