// Command foreman is the orchestrator CLI: queue administration plus
// the runner, scheduler and gateway processes.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/msageha/foreman/internal/artifact"
	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/logging"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/queue"
	"github.com/msageha/foreman/internal/sanitize"
	"github.com/msageha/foreman/internal/setup"
)

const version = "0.3.0"

// app bundles the shared handles most commands need.
type app struct {
	cfg   *config.Settings
	log   *logging.Logger
	queue *queue.Queue
	store *artifact.Store
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	s := sanitize.New(cfg.SensitiveEnvVars, os.LookupEnv)
	log := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel), "foreman").WithSanitizer(s.Redact)

	q, err := queue.New(cfg.QueueRoot, cfg.MaxReclaimAttempts)
	if err != nil {
		return nil, err
	}
	store, err := artifact.NewStore(cfg.ArtifactsRoot)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, queue: q, store: store}, nil
}

func main() {
	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Durable multi-step AI agent job orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newSetupCmd(),
		newEnqueueCmd(),
		newStatusCmd(),
		newResultCmd(),
		newApproveCmd(),
		newUnlockCmd(),
		newRunnerCmd(),
		newSchedulerCmd(),
		newServeCmd(),
		newDaemonCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "foreman: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the foreman version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("foreman %s\n", version)
		},
	}
}

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Scaffold the data directory with queue, artifact and workspace roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := setup.Run(cfg); err != nil {
				return err
			}
			fmt.Printf("initialized queue=%s artifacts=%s workspaces=%s\n",
				cfg.QueueRoot, cfg.ArtifactsRoot, cfg.WorkspacesRoot)
			return nil
		},
	}
}

func newEnqueueCmd() *cobra.Command {
	var file string
	var goal string
	var workdir string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a job from a spec file or build a default pipeline from a goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			var spec *model.JobSpec
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				spec, err = model.ParseJobSpecBytes(data)
				if err != nil {
					return err
				}
			case goal != "":
				spec = &model.JobSpec{
					JobID:   model.NewJobID(),
					Goal:    goal,
					Workdir: workdir,
					Steps:   model.DefaultPipeline(goal),
				}
			default:
				return errors.New("either --file or --goal is required")
			}
			if spec.JobID == "" {
				spec.JobID = model.NewJobID()
			}

			state, err := a.queue.Enqueue(spec)
			if err != nil {
				return err
			}
			fmt.Printf("enqueued job_id=%s state=%s\n", spec.JobID, state)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a JobSpec JSON file")
	cmd.Flags().StringVarP(&goal, "goal", "g", "", "goal for a default plan/implement/review pipeline")
	cmd.Flags().StringVarP(&workdir, "workdir", "w", ".", "project alias or absolute path (with --goal)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show a job's queue state and step progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			jobID := args[0]

			state, _, err := a.queue.Find(jobID)
			if err != nil {
				return err
			}
			fmt.Printf("job_id: %s\nqueue:  %s\n", jobID, state)

			data, err := a.store.ReadBytes(jobID, artifact.FileState)
			if err != nil || data == nil {
				return nil
			}
			var st model.JobState
			if err := json.Unmarshal(data, &st); err != nil {
				return nil
			}
			fmt.Printf("revision: %d transitions: %d\n", st.Revision, st.Transitions)
			for _, id := range st.History {
				if rec, ok := st.Steps[id]; ok {
					fmt.Printf("  %-20s %-12s attempts=%d\n", id, rec.Status, rec.Attempts)
				}
			}
			return nil
		},
	}
}

func newResultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <job_id>",
		Short: "Print a job's result.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			data, err := a.store.ReadBytes(args[0], artifact.FileResult)
			if err != nil {
				return err
			}
			if data == nil {
				return fmt.Errorf("no result yet for job %q", args[0])
			}
			os.Stdout.Write(data)
			return nil
		},
	}
}

func newApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <job_id>",
		Short: "Release a job from awaiting_approval back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if err := a.queue.Approve(args[0]); err != nil {
				return err
			}
			fmt.Printf("approved job_id=%s\n", args[0])
			return nil
		},
	}
}

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <job_id>",
		Short: "Force a stuck running job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if err := a.queue.Unlock(args[0]); err != nil {
				return err
			}
			fmt.Printf("unlocked job_id=%s\n", args[0])
			return nil
		},
	}
}
