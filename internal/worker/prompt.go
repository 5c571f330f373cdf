package worker

import (
	"fmt"
	"strings"

	"github.com/msageha/foreman/internal/artifact"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/policy"
)

// BuildPrompt assembles the worker-facing prompt: the job goal, the
// step's role and prompt, and the materialized input artifacts. Caps
// from the effective policy bound how much artifact text gets inlined;
// overflow is cut at the limit and marked, never dropped silently.
func BuildPrompt(store *artifact.Store, job *model.JobSpec, step model.StepSpec, pol *policy.ExecutionPolicy) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Goal\n%s\n\n", job.Goal)
	if step.Role != "" {
		fmt.Fprintf(&b, "# Role\n%s\n\n", step.Role)
	}
	if step.Prompt != "" {
		fmt.Fprintf(&b, "# Instructions\n%s\n\n", step.Prompt)
	}

	if len(step.InputArtifacts) == 0 {
		return b.String()
	}

	b.WriteString("# Input artifacts\n\n")
	totalBudget := pol.MaxInputArtifactsChars
	included := 0
	for _, rel := range step.InputArtifacts {
		if pol.MaxInputArtifactsFiles > 0 && included >= pol.MaxInputArtifactsFiles {
			fmt.Fprintf(&b, "## %s\n[skipped:file_count_limit]\n\n", rel)
			continue
		}
		included++

		content, err := store.ReadText(job.JobID, rel)
		if err != nil {
			fmt.Fprintf(&b, "## %s\n[invalid_path]\n\n", rel)
			continue
		}
		if content == "" {
			fmt.Fprintf(&b, "## %s\n[missing]\n\n", rel)
			continue
		}

		marker := ""
		if pol.MaxInputArtifactChars > 0 && len(content) > pol.MaxInputArtifactChars {
			content = content[:pol.MaxInputArtifactChars]
			marker = "\n[truncated:file_limit]"
		}
		if totalBudget > 0 {
			if len(content) > totalBudget {
				content = content[:totalBudget]
				marker = "\n[truncated:total_limit]"
			}
			totalBudget -= len(content)
		}
		fmt.Fprintf(&b, "## %s\n%s%s\n\n", rel, content, marker)
	}
	return b.String()
}
