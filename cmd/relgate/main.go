package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/distrokit/relgate/config"
	"github.com/distrokit/relgate/internal/checkpoint"
	"github.com/distrokit/relgate/internal/executor"
	"github.com/distrokit/relgate/internal/logging"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	stateDir string
	profiles string
	qemu     string
	logLevel string
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	flags := &rootFlags{logLevel: defaultLogLevel}

	root := &cobra.Command{
		Use:           "relgate",
		Short:         "Staged release verification for distribution images",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&flags.stateDir, "state-dir", config.DefaultStateDir, "Directory holding checkpoints, the artifact store and runtime state")
	root.PersistentFlags().StringVar(&flags.profiles, "profiles", config.DefaultProfilesPath, "YAML distro profile overlay")
	root.PersistentFlags().StringVar(&flags.qemu, "qemu", "", "QEMU binary to launch guests with")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(flags.logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newRunCommand(logger, flags),
		newRunUpToCommand(logger, flags),
		newStatusCommand(logger, flags),
		newResetCommand(logger, flags),
		newOverrideCommand(logger, flags),
		newArtifactsCommand(logger, flags),
		newVMCommand(logger, flags),
	)
	return root
}

func buildPipeline(logger *slog.Logger, flags *rootFlags) (*config.Pipeline, error) {
	return config.New(config.Options{
		StateDir:     flags.stateDir,
		ProfilesPath: flags.profiles,
		QemuBinary:   flags.qemu,
		Logger:       logger,
	})
}

func parseStage(arg string) (int, error) {
	for _, stage := range executor.Ladder() {
		if stage.Name == arg {
			return stage.ID, nil
		}
	}
	id, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("unknown stage %q: give a stage number or name", arg)
	}
	return id, nil
}

func newRunCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <stage> <distro>",
		Args:  cobra.ExactArgs(2),
		Short: "Verify a single stage for a distro",
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := parseStage(args[0])
			if err != nil {
				return err
			}
			pipeline, err := buildPipeline(logger, flags)
			if err != nil {
				return err
			}

			result, err := pipeline.Executor.RunStage(cmd.Context(), args[1], stageID)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			if result.Record.Status != checkpoint.StatusPass {
				return fmt.Errorf("stage %s for %s is %s", result.Stage.Name, result.Distro, result.Record.Status)
			}
			return nil
		},
	}
}

func newRunUpToCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run-up-to <stage> <distro>",
		Args:  cobra.ExactArgs(2),
		Short: "Verify every stage up to and including the given one",
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := parseStage(args[0])
			if err != nil {
				return err
			}
			pipeline, err := buildPipeline(logger, flags)
			if err != nil {
				return err
			}

			results, err := pipeline.Executor.RunUpTo(cmd.Context(), args[1], stageID)
			for _, result := range results {
				printResult(cmd, result)
			}
			if err != nil {
				return err
			}
			if len(results) > 0 {
				last := results[len(results)-1]
				if last.Record.Status != checkpoint.StatusPass {
					return fmt.Errorf("ladder stopped: stage %s for %s is %s",
						last.Stage.Name, last.Distro, last.Record.Status)
				}
			}
			return nil
		},
	}
}

func printResult(cmd *cobra.Command, result executor.Result) {
	out := cmd.OutOrStdout()
	suffix := ""
	if result.Cached {
		suffix = "\t(cached)"
	}
	fmt.Fprintf(out, "%d\t%-12s\t%s%s\n", result.Stage.ID, result.Stage.Name, result.Record.Status, suffix)
	if result.FailedStep != "" {
		fmt.Fprintf(out, "  step: %s\n  reason: %s\n", result.FailedStep, result.Note)
	}
	if result.Screendump != "" {
		fmt.Fprintf(out, "  screendump: %s\n", result.Screendump)
	}
	if len(result.Evidence) > 0 {
		fmt.Fprintf(out, "  console tail:\n")
		for _, line := range strings.Split(strings.TrimRight(string(result.Evidence), "\n"), "\n") {
			fmt.Fprintf(out, "    %s\n", line)
		}
	}
}

func newStatusCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <distro>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the recorded ladder for a distro",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := buildPipeline(logger, flags)
			if err != nil {
				return err
			}
			report, err := pipeline.Executor.Status(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, entry := range report.Stages {
				notes := []string{}
				if entry.Stale {
					notes = append(notes, "stale")
				}
				if entry.Record.Overridden {
					notes = append(notes, "overridden: "+entry.Record.OverrideReason)
				}
				when := ""
				if !entry.Record.VerifiedAt.IsZero() {
					when = entry.Record.VerifiedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%d\t%-12s\t%-8s\t%s", entry.Stage.ID, entry.Stage.Name, entry.Record.Status, when)
				if len(notes) > 0 {
					fmt.Fprintf(out, "\t[%s]", strings.Join(notes, ", "))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newResetCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <distro>",
		Args:  cobra.ExactArgs(1),
		Short: "Discard all recorded checkpoints for a distro",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := buildPipeline(logger, flags)
			if err != nil {
				return err
			}
			if err := pipeline.Executor.Reset(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoints for %s cleared\n", args[0])
			return nil
		},
	}
}

func newOverrideCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "override <stage> <distro>",
		Args:  cobra.ExactArgs(2),
		Short: "Record a blocked stage as passed, with an audited reason",
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := parseStage(args[0])
			if err != nil {
				return err
			}
			pipeline, err := buildPipeline(logger, flags)
			if err != nil {
				return err
			}
			record, err := pipeline.Executor.Override(args[1], stageID, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stage %d for %s recorded as %s (override: %s)\n",
				record.Stage, args[1], record.Status, record.OverrideReason)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the blocked verification is being waived (required)")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func newArtifactsCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Manage the content-addressed artifact store",
	}

	gc := &cobra.Command{
		Use:   "gc",
		Short: "Delete blobs no index entry references",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := buildPipeline(logger, flags)
			if err != nil {
				return err
			}
			return pipeline.Artifacts.GC()
		},
	}

	var keep int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Drop all but the most recent index entries per kind, then collect garbage",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := buildPipeline(logger, flags)
			if err != nil {
				return err
			}
			return pipeline.Artifacts.Prune(keep)
		},
	}
	prune.Flags().IntVar(&keep, "keep", 3, "Number of entries to keep per artifact kind")

	cmd.AddCommand(gc, prune)
	return cmd
}

func newVMCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Inspect and stop verification VM sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered VM sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := buildPipeline(logger, flags)
			if err != nil {
				return err
			}
			sessions, err := pipeline.Controller.Sessions()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			for _, session := range sessions {
				state := "stale"
				if session.Alive {
					state = "running"
				}
				fmt.Fprintf(out, "%s\t%s/%s\tpid %d\t%s\t%s\n",
					session.ID, session.Distro, session.Purpose, session.PID,
					session.StartedAt.Format(time.RFC3339), state)
			}
			return nil
		},
	}

	stop := &cobra.Command{
		Use:   "stop <distro> <purpose>",
		Args:  cobra.ExactArgs(2),
		Short: "Stop the VM session registered for a distro and purpose",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := buildPipeline(logger, flags)
			if err != nil {
				return err
			}
			if err := pipeline.Controller.StopSession(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s/%s\n", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(list, stop)
	return cmd
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
