package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/foreman/internal/api"
	"github.com/msageha/foreman/internal/budget"
	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/policy"
	"github.com/msageha/foreman/internal/retention"
	"github.com/msageha/foreman/internal/runner"
	"github.com/msageha/foreman/internal/scheduler"
	"github.com/msageha/foreman/internal/worker"
	"github.com/msageha/foreman/internal/workspace"
)

// signalContext cancels on SIGINT/SIGTERM so every process drains the
// same way.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) buildRunner() (*runner.Runner, func(), error) {
	workspaces, err := workspace.NewManager(a.cfg.WorkspacesRoot, a.cfg.ProjectAliases, a.cfg.AllowAbsoluteWorkdir)
	if err != nil {
		return nil, nil, err
	}

	var tracker *budget.Tracker
	cleanup := func() {}
	if a.cfg.MaxDailyAPICalls > 0 || a.cfg.MaxDailyCostUSD > 0 {
		tracker, err = budget.Open(a.cfg.BudgetDBPath, a.cfg.MaxDailyAPICalls, a.cfg.MaxDailyCostUSD)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { tracker.Close() }
	}

	sweeper := retention.NewSweeper(
		a.cfg.ArtifactsRoot,
		a.cfg.WorkspacesRoot,
		time.Duration(a.cfg.ArtifactsTTLSec)*time.Second,
		time.Duration(a.cfg.WorkspacesTTLSec)*time.Second,
		a.log,
	)

	worker.RegisterBuiltins()
	r := runner.New(a.cfg, a.queue, a.store, workspaces, policy.FromSettings(a.cfg), tracker, sweeper, a.log)
	return r, cleanup, nil
}

func newRunnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runner",
		Short: "Run the claim-and-execute loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			r, cleanup, err := a.buildRunner()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()
			return r.Run(ctx)
		},
	}
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the cron scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			s, release, err := a.buildScheduler()
			if err != nil {
				return err
			}
			defer release()

			ctx, stop := signalContext()
			defer stop()
			return s.Run(ctx)
		},
	}
}

func (a *app) buildScheduler() (*scheduler.Scheduler, func(), error) {
	entries, err := scheduler.LoadEntries(a.cfg.SchedulesFile)
	if err != nil {
		return nil, nil, err
	}

	// One scheduler per state file, or ticks would double-fire.
	fl := lock.NewFileLock(filepath.Join(filepath.Dir(a.cfg.SchedulerStateFile), "scheduler.lock"))
	if err := fl.TryLock(); err != nil {
		return nil, nil, err
	}

	s := scheduler.New(entries, a.queue, a.cfg.SchedulerStateFile,
		time.Duration(a.cfg.SchedulerTickSec)*time.Second, a.log)
	return s, func() { fl.Unlock() }, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return a.serveGateway(ctx)
		},
	}
}

func (a *app) serveGateway(ctx context.Context) error {
	// The listen address is exclusive already; the lock catches a second
	// gateway configured with a different port against the same tree.
	fl := lock.NewFileLock(filepath.Join(filepath.Dir(a.cfg.SchedulerStateFile), "gateway.lock"))
	if err := fl.TryLock(); err != nil {
		return err
	}
	defer fl.Unlock()

	srv := &http.Server{
		Addr:              a.cfg.GatewayAddr,
		Handler:           api.NewServer(a.queue, a.store, a.cfg.WorkspacesRoot, a.cfg.WebhookToken, a.log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("gateway listening addr=%s", a.cfg.GatewayAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(a.cfg.ShutdownGraceSec)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// daemon runs gateway, runner and scheduler in one process. The first
// component to fail takes the rest down.
func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run gateway, runner and scheduler together",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			r, cleanup, err := a.buildRunner()
			if err != nil {
				return err
			}
			defer cleanup()
			s, release, err := a.buildScheduler()
			if err != nil {
				return err
			}
			defer release()

			ctx, stop := signalContext()
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.serveGateway(gctx) })
			g.Go(func() error { return r.Run(gctx) })
			g.Go(func() error { return s.Run(gctx) })
			return g.Wait()
		},
	}
}
