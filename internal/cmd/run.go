package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcflow/internal/observability"
	"github.com/3leaps/hpcflow/pkg/orchestrator"
	"github.com/3leaps/hpcflow/pkg/pipeline"
	"github.com/3leaps/hpcflow/pkg/secrets"
	"github.com/3leaps/hpcflow/pkg/stack"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a pipeline run",
	Long: `Start a pipeline run against the resources described by the stack file.

Run parameters come from the stack's Secrets Manager secret and/or parameter
file, with --params and --set layered on top. Transition, metrics and summary
records are written as JSONL to stdout (or --output).

Examples:
  hpcflow run --stack stack.yaml
  hpcflow run --stack stack.yaml --params run.yaml --set taskExport=true --set autoExport=false
  hpcflow run --stack stack.yaml --dry-run`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runParams []string
	runFile   string
	runID     string
	runOutput string
	runDryRun bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runFile, "params", "", "Parameter file (YAML/JSON map), layered over the stack's secret")
	runCmd.Flags().StringArrayVar(&runParams, "set", nil, "Override one parameter (key=value, repeatable)")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Run id (default: generated)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "JSONL destination: file path, '-' for stdout, 'none'")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Resolve parameters and show the plan without executing")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := loadStack()
	if err != nil {
		return err
	}

	clients, err := newClients(ctx, st)
	if err != nil {
		return err
	}

	src, err := parameterSource(st, clients, runFile, runParams)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid parameters", err)
	}
	cfg, err := resolveConfig(ctx, src)
	if err != nil {
		return err
	}

	if runDryRun {
		return showRunPlan(st, cfg, src)
	}

	if runID == "" {
		runID = uuid.NewString()
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	w, cleanup, err := openOutput(runOutput, runID, cfg.Mode.String())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	deps, err := buildDeps(cfg.Mode, cfg, st, clients, store, w)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Stack does not support mode "+cfg.Mode.String(), err)
	}
	m, err := orchestrator.New(cfg.Mode, deps)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Stack does not support mode "+cfg.Mode.String(), err)
	}

	ec, err := m.Start(runID, *cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to start run", err)
	}

	observability.CLILogger.Info("Starting run",
		zap.String("run_id", runID),
		zap.String("mode", cfg.Mode.String()),
		zap.String("compute_environment", st.Compute.ComputeEnvironment),
		zap.String("job_queue", st.Compute.JobQueue))

	if err := m.Run(ctx, ec); err != nil {
		return runExitError(runID, err)
	}
	return nil
}

// showRunPlan prints the resolved configuration and the state graph.
func showRunPlan(st *stack.Stack, cfg *pipeline.Config, src secrets.Source) error {
	g, err := orchestrator.BuildGraph(cfg.Mode)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid mode", err)
	}

	fmt.Println("=== Run Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Stack:        %s\n", st.Name)
	fmt.Printf("Parameters:   %s\n", src.Describe())
	fmt.Printf("Mode:         %s\n", cfg.Mode)
	fmt.Printf("Resource:     %s\n", cfg.Mode.Resource())
	fmt.Printf("Bucket:       %s\n", st.Storage.Bucket)
	fmt.Printf("Fleet:        %s\n", st.Compute.ComputeEnvironment)
	fmt.Printf("Job queue:    %s\n", st.Compute.JobQueue)
	fmt.Printf("Image:        %s\n", cfg.Job.ContainerImage)
	fmt.Printf("Delete after: %v\n", cfg.DeleteOnCompletion)
	fmt.Println()

	fmt.Println("Parameters:")
	values := cfg.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-40s %s\n", k, values[k])
	}
	fmt.Println()

	fmt.Println("States:")
	for _, s := range g.States() {
		next := g.Next(s)
		if len(next) == 0 {
			fmt.Printf("  %s\n", s)
			continue
		}
		names := make([]string, len(next))
		for i, n := range next {
			names[i] = string(n)
		}
		marker := " "
		if s == g.Initial {
			marker = "*"
		}
		fmt.Printf(" %s%-18s -> %s\n", marker, s, strings.Join(names, ", "))
	}
	fmt.Println()
	fmt.Println("Parameters validated successfully. Remove --dry-run to execute.")
	return nil
}
