package cmd

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/hpcflow/pkg/output"
	"github.com/3leaps/hpcflow/pkg/runstore"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect persisted runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs as JSONL records",
	Long: `List persisted runs, most recently updated first, as hpcflow.run.v1 JSONL records.

Examples:
  hpcflow runs list
  hpcflow runs list --status running
  hpcflow runs list --status failed --limit 5`,
	Args: cobra.NoArgs,
	RunE: runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the checkpointed execution context of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var (
	runsStatus string
	runsLimit  int
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status (running, succeeded, failed)")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 50, "Maximum runs to list (0 = all)")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	switch runsStatus {
	case "", runstore.StatusRunning, runstore.StatusSucceeded, runstore.StatusFailed:
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --status", errors.New("want running, succeeded or failed"))
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(ctx, runstore.ListOptions{Status: runsStatus, Limit: runsLimit})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}

	w := output.NewJSONLWriter(os.Stdout, "", "")
	defer func() { _ = w.Close() }()
	for _, r := range runs {
		rec := &output.RunRecord{
			State:      r.State,
			Status:     r.Status,
			ResourceID: r.ResourceID,
			JobID:      r.JobID,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		}
		if err := w.WriteRun(ctx, r.RunID, r.Mode, rec); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	r, err := store.LoadRun(ctx, args[0])
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Unknown run", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to load run", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}
