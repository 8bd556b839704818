package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"

	"github.com/buildsync/buildsync/internal/api"
	"github.com/buildsync/buildsync/internal/config"
	"github.com/buildsync/buildsync/internal/engine"
	"github.com/buildsync/buildsync/internal/events"
	"github.com/buildsync/buildsync/internal/logging"
	"github.com/buildsync/buildsync/internal/reconcile"
	"github.com/buildsync/buildsync/internal/runner"
	"github.com/buildsync/buildsync/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

// tokenEnvVar carries the bearer credential for the sync backend.
const tokenEnvVar = "BUILDSYNC_TOKEN"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithRunID(runID))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx)
	if err != nil {
		logger.Logger.With("err", err).Warn("telemetry disabled")
	} else {
		defer shutdownTelemetry()
	}

	logger.Logger.With(
		"command", resolveCommandName(args),
		"args", strings.Join(redactArgs(args), " "),
	).Debug("command invocation")

	eng, err := engine.New(*cfg,
		engine.WithLogger(logger.Logger),
		engine.WithCredentials(api.StaticCredentials(os.Getenv(tokenEnvVar))),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if closeErr := eng.Close(closeCtx); closeErr != nil {
			logger.Logger.With("err", closeErr).Warn("engine close reported errors")
		}
	}()

	cmd := newRootCommand(cfg, eng, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, eng *engine.Engine, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "buildsync",
		Short:         "Live build synchronization engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(eng, logger),
		newStopCommand(eng),
		newStatusCommand(eng),
		newWatchCommand(eng),
		newSyncCommand(eng),
		newBugreportCommand(logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}

func newRunCommand(eng *engine.Engine, logger *log.Logger) *cobra.Command {
	var noReconcile bool

	cmd := &cobra.Command{
		Use:   "run <project-id> [command...]",
		Short: "Start remote execution and stream its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			commands := args[1:]
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			done := make(chan struct{})
			var once sync.Once
			eng.Bus().SubscribeAll(func(event events.Event) {
				if event.ProjectID != projectID {
					return
				}
				switch event.Type {
				case events.EventTypeStreamLine:
					if frame, ok := event.Payload.(api.Frame); ok {
						fmt.Fprintln(out, frame.Line())
					}
				case events.EventTypeRunnerTransition:
					payload, ok := event.Payload.(runner.TransitionPayload)
					if !ok {
						return
					}
					fmt.Fprintf(out, "runner: %s\n", payload.To)
					if payload.To == runner.StatusStopped || payload.To == runner.StatusError {
						once.Do(func() { close(done) })
					}
				}
			})

			if err := eng.RunProject(ctx, projectID, commands); err != nil {
				return err
			}
			if !noReconcile {
				if err := eng.StartReconciliation(ctx, projectID); err != nil {
					return err
				}
			}

			select {
			case <-done:
			case <-ctx.Done():
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := eng.StopProject(stopCtx, projectID); err != nil && logger != nil {
					logger.With("project_id", projectID, "err", err).Warn("stop on interrupt failed")
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noReconcile, "no-reconcile", false, "do not poll the generation manifest during the run")
	return cmd
}

func newStopCommand(eng *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <project-id>",
		Short: "Stop the remote execution for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return eng.StopProject(cmd.Context(), args[0])
		},
	}
}

func newStatusCommand(eng *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show generation progress for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			progress, err := eng.FetchProgress(cmd.Context(), projectID)
			if err != nil {
				return fmt.Errorf("fetch progress for %s: %w", projectID, err)
			}

			out := cmd.OutOrStdout()
			stats := progress.Generation
			fmt.Fprintf(out, "project:    %s\n", progress.ProjectID)
			fmt.Fprintf(out, "files:      %d/%d completed (%.1f%%)\n", stats.Completed, stats.TotalFiles, stats.ProgressPercent)
			fmt.Fprintf(out, "generating: %d  planned: %d  failed: %d\n", stats.Generating, stats.Planned, stats.Failed)
			fmt.Fprintf(out, "complete:   %t\n", stats.IsComplete)
			if status, statusErr := eng.Status(projectID); statusErr == nil {
				fmt.Fprintf(out, "runner:     %s\n", status.Runner.Status)
				fmt.Fprintf(out, "pending:    %d\n", status.PendingSaves)
			}
			return nil
		},
	}
}

func newWatchCommand(eng *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <project-id>",
		Short: "Poll the generation manifest until it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			done := make(chan struct{})
			var once sync.Once
			eng.Bus().Subscribe(events.EventTypeProgressUpdate, func(event events.Event) {
				if event.ProjectID != projectID {
					return
				}
				payload, ok := event.Payload.(reconcile.ProgressPayload)
				if !ok {
					return
				}
				fmt.Fprintf(out, "progress: %d/%d (%.1f%%)\n",
					payload.Stats.Completed,
					payload.Stats.TotalFiles,
					payload.Stats.ProgressPercent,
				)
				for _, path := range payload.Inserted {
					fmt.Fprintf(out, "  + %s\n", path)
				}
				if payload.Stats.IsComplete {
					once.Do(func() { close(done) })
				}
			})

			if err := eng.StartReconciliation(ctx, projectID); err != nil {
				return err
			}

			select {
			case <-done:
				fmt.Fprintln(out, "generation complete")
			case <-ctx.Done():
				eng.StopReconciliation(projectID)
			}
			return nil
		},
	}
}

func newSyncCommand(eng *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <project-id> <remote-path> <local-file>",
		Short: "Write one local file to the remote store immediately",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, remotePath, localFile := args[0], args[1], args[2]

			content, err := os.ReadFile(localFile) // #nosec G304 -- path supplied by the operator.
			if err != nil {
				return fmt.Errorf("read %s: %w", localFile, err)
			}
			if err := eng.EditFile(projectID, remotePath, string(content)); err != nil {
				return err
			}
			if err := eng.SaveNow(cmd.Context(), projectID, remotePath); err != nil {
				return fmt.Errorf("sync %s: %w", remotePath, err)
			}

			if status, statusErr := eng.Status(projectID); statusErr == nil && status.PendingSaves > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s not written (missing credential? set %s)\n", remotePath, tokenEnvVar)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %s\n", remotePath)
			return nil
		},
	}
}

// resolveCommandName returns the first non-flag argument, or "root".
func resolveCommandName(args []string) string {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		return arg
	}
	return "root"
}

// redactArgs masks values of sensitive flags before they reach the log file.
func redactArgs(args []string) []string {
	redacted := make([]string, len(args))
	maskNext := false
	for i, arg := range args {
		switch {
		case maskNext:
			redacted[i] = "<redacted>"
			maskNext = false
		case strings.HasPrefix(arg, "--") && strings.Contains(arg, "="):
			key := strings.SplitN(strings.TrimPrefix(arg, "--"), "=", 2)[0]
			if isSensitiveToken(strings.ToLower(key)) {
				redacted[i] = "--" + key + "=<redacted>"
			} else {
				redacted[i] = arg
			}
		case strings.HasPrefix(arg, "--"):
			if isSensitiveToken(strings.ToLower(strings.TrimPrefix(arg, "--"))) {
				maskNext = true
			}
			redacted[i] = arg
		default:
			redacted[i] = arg
		}
	}
	return redacted
}

func isSensitiveToken(key string) bool {
	for _, marker := range []string{"token", "secret", "password", "credential", "apikey", "api-key"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
