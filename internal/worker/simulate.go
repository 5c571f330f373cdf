package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/msageha/foreman/internal/artifact"
	"github.com/msageha/foreman/internal/model"
)

// SimWorker is the default execution mode: it produces deterministic
// artifacts for a step without touching any external agent CLI, so the
// whole pipeline runs end-to-end on a bare machine. When RealCLI is set
// on the context the step is delegated to the subprocess path instead.
type SimWorker struct {
	name     string
	costUSD  float64
	realArgs func(sc *StepContext) []string
}

func NewSimWorker(name string, costUSD float64, realArgs func(sc *StepContext) []string) *SimWorker {
	return &SimWorker{name: name, costUSD: costUSD, realArgs: realArgs}
}

func (w *SimWorker) Name() string { return w.name }

func (w *SimWorker) EstimateSpend() (int, float64) { return 1, w.costUSD }

func (w *SimWorker) Run(ctx context.Context, sc *StepContext) (*model.StepResult, error) {
	if sc.RealCLI {
		return RunSubprocess(ctx, sc, w.realArgs(sc))
	}
	return w.simulate(ctx, sc)
}

func (w *SimWorker) simulate(ctx context.Context, sc *StepContext) (*model.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := w.renderReport(sc)
	patch := w.renderPatch(sc)
	logs := fmt.Sprintf("%s agent=%s step=%s attempt=%d mode=simulation\n%s done\n",
		model.UTCNow(), w.name, sc.Step.StepID, sc.Attempt, model.UTCNow())

	for name, content := range map[string]string{
		artifact.FileReport: report,
		artifact.FilePatch:  patch,
		artifact.FileLogs:   logs,
	} {
		if err := sc.WriteFile(name, content); err != nil {
			return nil, err
		}
	}

	return &model.StepResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "step",
		JobID:         sc.Job.JobID,
		StepID:        sc.Step.StepID,
		Agent:         w.name,
		Status:        model.StepOK,
		Attempts:      sc.Attempt,
		Summary:       fmt.Sprintf("%s completed %s (simulated)", w.name, sc.Step.StepID),
		Artifacts:     model.StepArtifactPaths(sc.Step.StepID),
	}, nil
}

func (w *SimWorker) renderReport(sc *StepContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s (%s)\n\n", sc.Step.StepID, w.name)
	fmt.Fprintf(&b, "Goal: %s\n\n", sc.Job.Goal)
	if sc.Step.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n\n", sc.Step.Role)
	}
	b.WriteString("## Outcome\n\nSimulated run; no external agent was invoked.\n")
	if n := strings.Count(sc.Prompt, "## "); n > 0 {
		fmt.Fprintf(&b, "\nConsumed %d input artifact section(s).\n", n)
	}
	return b.String()
}

func (w *SimWorker) renderPatch(sc *StepContext) string {
	if sc.Step.Role != "implementer" {
		return ""
	}
	// A syntactically valid no-op diff keeps downstream tooling happy.
	return fmt.Sprintf("diff --git a/.foreman/%s b/.foreman/%s\nnew file mode 100644\nindex 0000000..e69de29\n",
		sc.Step.StepID, sc.Step.StepID)
}

// RegisterBuiltins installs the stock agents. Each real-CLI invocation
// passes the prompt as the final positional argument.
func RegisterBuiltins() {
	Register(NewSimWorker("opencode", 0.02, func(sc *StepContext) []string {
		return []string{"opencode", "run", "--format", "text", sc.Prompt}
	}))
	Register(NewSimWorker("codex", 0.05, func(sc *StepContext) []string {
		return []string{"codex", "exec", "--cd", sc.WorkspaceDir, sc.Prompt}
	}))
	Register(NewSimWorker("claude", 0.05, func(sc *StepContext) []string {
		return []string{"claude", "-p", sc.Prompt}
	}))
}
