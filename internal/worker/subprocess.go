package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/msageha/foreman/internal/artifact"
	"github.com/msageha/foreman/internal/model"
)

// RunSubprocess executes an agent CLI under the effective policy: argv
// only, allowlist-checked, sandbox-wrapped, with an allowlist-filtered
// environment. Raw stdout/stderr are preserved alongside the contract
// artifacts so a failed run can be diagnosed from the step directory.
func RunSubprocess(ctx context.Context, sc *StepContext, argv []string) (*model.StepResult, error) {
	wrapped, err := sc.Policy.WrapCommand(argv)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, wrapped[0], wrapped[1:]...)
	cmd.Dir = sc.WorkspaceDir
	cmd.Env = sc.Policy.BuildEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	sc.Log.Infof("spawning agent job_id=%s step_id=%s binary=%s", sc.Job.JobID, sc.Step.StepID, wrapped[0])
	runErr := cmd.Run()

	if werr := sc.WriteFile("raw_stdout.txt", stdout.String()); werr != nil {
		return nil, werr
	}
	if werr := sc.WriteFile("raw_stderr.txt", stderr.String()); werr != nil {
		return nil, werr
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("spawn %s: %w", wrapped[0], runErr)
		}
		logs := fmt.Sprintf("%s agent=%s exit_code=%d\n--- stderr ---\n%s",
			model.UTCNow(), sc.Step.Agent, exitErr.ExitCode(), stderr.String())
		if werr := writeContract(sc, "", "", logs); werr != nil {
			return nil, werr
		}
		return &model.StepResult{
			SchemaVersion: model.SchemaVersion,
			Kind:          "step",
			JobID:         sc.Job.JobID,
			StepID:        sc.Step.StepID,
			Agent:         sc.Step.Agent,
			Status:        model.StepFailed,
			Attempts:      sc.Attempt,
			Summary:       fmt.Sprintf("%s exited with code %d", wrapped[0], exitErr.ExitCode()),
			Artifacts:     model.StepArtifactPaths(sc.Step.StepID),
			Error: &model.ErrorInfo{
				Code:      model.ErrCodeSubprocessExit,
				Message:   fmt.Sprintf("%s exited with code %d", wrapped[0], exitErr.ExitCode()),
				Details:   map[string]any{"exit_code": exitErr.ExitCode()},
				Retriable: true,
			},
		}, nil
	}

	// Agent CLIs emit their report on stdout; anything on stderr goes to
	// the step log. The agent may also have written patch.diff itself.
	patch, err := sc.ReadWorkspaceFile("patch.diff")
	if err != nil {
		return nil, err
	}
	logs := fmt.Sprintf("%s agent=%s exit_code=0\n--- stderr ---\n%s",
		model.UTCNow(), sc.Step.Agent, stderr.String())
	if err := writeContract(sc, stdout.String(), patch, logs); err != nil {
		return nil, err
	}

	return &model.StepResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "step",
		JobID:         sc.Job.JobID,
		StepID:        sc.Step.StepID,
		Agent:         sc.Step.Agent,
		Status:        model.StepOK,
		Attempts:      sc.Attempt,
		Summary:       fmt.Sprintf("%s completed %s", sc.Step.Agent, sc.Step.StepID),
		Artifacts:     model.StepArtifactPaths(sc.Step.StepID),
	}, nil
}

func writeContract(sc *StepContext, report, patch, logs string) error {
	if err := sc.WriteFile(artifact.FileReport, report); err != nil {
		return err
	}
	if err := sc.WriteFile(artifact.FilePatch, patch); err != nil {
		return err
	}
	return sc.WriteFile(artifact.FileLogs, logs)
}
