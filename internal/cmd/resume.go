package cmd

import (
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcflow/internal/observability"
	"github.com/3leaps/hpcflow/pkg/orchestrator"
	"github.com/3leaps/hpcflow/pkg/runstore"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Continue an interrupted run from its last checkpoint",
	Long: `Continue an interrupted run from its last checkpoint.

The run keeps its original parameters; only the stack file is read again,
so it must describe the same deployed resources.

Example:
  hpcflow resume 5f0c2a1e-6c8b-4bde-9a43-0d7e3b2f9c11 --stack stack.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var resumeOutput string

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVarP(&resumeOutput, "output", "o", "", "JSONL destination: file path, '-' for stdout, 'none'")
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	saved, err := store.LoadRun(ctx, id)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Unknown run", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to load run", err)
	}

	ec, err := orchestrator.Restore(saved)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Corrupt checkpoint", err)
	}

	st, err := loadStack()
	if err != nil {
		return err
	}
	clients, err := newClients(ctx, st)
	if err != nil {
		return err
	}

	w, cleanup, err := openOutput(resumeOutput, ec.RunID, ec.Mode.String())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	deps, err := buildDeps(ec.Mode, &ec.Config, st, clients, store, w)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Stack does not support mode "+ec.Mode.String(), err)
	}
	m, err := orchestrator.New(ec.Mode, deps)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Stack does not support mode "+ec.Mode.String(), err)
	}

	observability.CLILogger.Info("Resuming run",
		zap.String("run_id", ec.RunID),
		zap.String("mode", ec.Mode.String()),
		zap.String("state", string(ec.State)))

	if err := m.Run(ctx, ec); err != nil {
		return runExitError(ec.RunID, err)
	}
	return nil
}
