package cmd

import (
	"encoding/json"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcflow/internal/observability"
	"github.com/3leaps/hpcflow/pkg/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Evaluate export metrics",
}

var metricsCheckCmd = &cobra.Command{
	Use:   "check <file-system-id>",
	Short: "Decide whether a filesystem has finished exporting",
	Long: `Query the export backlog of a Lustre filesystem and print the decision
a run would take in its metrics loop: shouldDelete is true only when every
sample in the window is zero. A failed query never yields shouldDelete=true.

By default the stack's metric function is invoked; --direct queries
CloudWatch instead.

Examples:
  hpcflow metrics check fs-0123456789abcdef0 --stack stack.yaml
  hpcflow metrics check fs-0123456789abcdef0 --stack stack.yaml --direct --window 30m`,
	Args: cobra.ExactArgs(1),
	RunE: runMetricsCheck,
}

var (
	metricsWindow time.Duration
	metricsPeriod time.Duration
	metricsDirect bool
)

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.AddCommand(metricsCheckCmd)

	metricsCheckCmd.Flags().DurationVar(&metricsWindow, "window", 15*time.Minute, "Look-back window")
	metricsCheckCmd.Flags().DurationVar(&metricsPeriod, "period", time.Minute, "Sample period")
	metricsCheckCmd.Flags().BoolVar(&metricsDirect, "direct", false, "Query CloudWatch even if the stack names a metric function")
}

func runMetricsCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	resourceID := args[0]

	st, err := loadStack()
	if err != nil {
		return err
	}
	clients, err := newClients(ctx, st)
	if err != nil {
		return err
	}

	var eval metrics.Evaluator
	if st.Metrics.FunctionName != "" && !metricsDirect {
		eval = metrics.NewFunctionEvaluator(clients.Lambda, st.Metrics.FunctionName, clients.Pacer)
	} else {
		eval = metrics.NewCloudWatchEvaluator(clients.CloudWatch, metricsWindow, metricsPeriod, clients.Pacer)
	}

	resp, err := metrics.Handler(eval)(ctx, metrics.Event{ResourceID: resourceID})
	if err != nil {
		observability.CLILogger.Error("Metrics query failed; treating as unsafe to delete",
			zap.String("file_system_id", resourceID),
			zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Metrics unavailable", err)
	}

	if err := json.NewEncoder(os.Stdout).Encode(resp); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}
