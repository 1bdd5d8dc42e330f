package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/hpcflow/internal/observability"
	"github.com/3leaps/hpcflow/pkg/cloud"
	"github.com/3leaps/hpcflow/pkg/fleet"
	"github.com/3leaps/hpcflow/pkg/jobrun"
	"github.com/3leaps/hpcflow/pkg/metrics"
	"github.com/3leaps/hpcflow/pkg/orchestrator"
	"github.com/3leaps/hpcflow/pkg/output"
	"github.com/3leaps/hpcflow/pkg/pipeline"
	"github.com/3leaps/hpcflow/pkg/provision"
	"github.com/3leaps/hpcflow/pkg/runstore"
	"github.com/3leaps/hpcflow/pkg/secrets"
	"github.com/3leaps/hpcflow/pkg/stack"
)

// loadStack reads the stack file named by --stack or stack.path.
func loadStack() (*stack.Stack, error) {
	path := appCfg.Stack.Path
	if path == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "No stack file", errors.New("set --stack, HPCFLOW_STACK or stack.path"))
	}
	st, err := stack.Load(path)
	if err != nil {
		observability.CLILogger.Error("Failed to load stack file", zap.String("path", path), zap.Error(err))
		if errors.Is(err, os.ErrNotExist) || strings.Contains(err.Error(), "not found") {
			return nil, exitError(foundry.ExitFileNotFound, "Stack file not found", err)
		}
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid stack file", err)
	}
	observability.CLILogger.Debug("Loaded stack",
		zap.String("path", path),
		zap.String("name", st.Name),
		zap.String("compute_environment", st.Compute.ComputeEnvironment))
	return st, nil
}

// awsConfig merges the stack's AWS settings under the application config.
func awsConfig(st *stack.Stack) cloud.Config {
	cfg := cloud.Config{
		Region:   appCfg.AWS.Region,
		Profile:  appCfg.AWS.Profile,
		Endpoint: appCfg.AWS.Endpoint,
		PollRate: appCfg.AWS.PollRate,
	}
	if st != nil {
		if cfg.Region == "" {
			cfg.Region = st.Region
		}
		if cfg.Profile == "" {
			cfg.Profile = st.Profile
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = st.Endpoint
		}
	}
	return cfg
}

func newClients(ctx context.Context, st *stack.Stack) (*cloud.Clients, error) {
	clients, err := cloud.NewClients(ctx, awsConfig(st))
	if err != nil {
		observability.CLILogger.Error("Failed to configure AWS", zap.Error(err))
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure AWS", err)
	}
	return clients, nil
}

func openStore(ctx context.Context) (*runstore.Store, error) {
	store, err := runstore.Open(ctx, runstore.Config{
		Path:      appCfg.Store.Path,
		URL:       appCfg.Store.URL,
		AuthToken: appCfg.Store.AuthToken,
		LockTTL:   appCfg.Store.LockTTL,
	})
	if err != nil {
		observability.CLILogger.Error("Failed to open run store", zap.String("path", appCfg.Store.Path), zap.Error(err))
		return nil, exitError(foundry.ExitFileWriteError, "Failed to open run store", err)
	}
	return store, nil
}

// parameterSource layers, lowest first: the stack's secret, the parameter
// file, then --set values.
func parameterSource(st *stack.Stack, clients *cloud.Clients, file string, sets []string) (secrets.Layered, error) {
	var layers secrets.Layered
	if st.Parameters.SecretID != "" {
		if clients == nil {
			return nil, errors.New("a secret parameter source needs AWS clients")
		}
		layers = append(layers, secrets.NewSecretsManagerSource(clients.SecretsManager, st.Parameters.SecretID))
	}
	if file == "" {
		file = st.Parameters.File
	}
	if file != "" {
		layers = append(layers, secrets.NewFileSource(file))
	}

	if len(sets) > 0 {
		static := secrets.StaticSource{}
		for _, kv := range sets {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return nil, fmt.Errorf("invalid --set %q: want key=value", kv)
			}
			static[strings.TrimSpace(k)] = v
		}
		layers = append(layers, static)
	}

	if len(layers) == 0 {
		return nil, errors.New("no parameter source: set parameters.secretId or parameters.file in the stack, or pass --params/--set")
	}
	return layers, nil
}

// resolveConfig resolves and parses the run parameters.
func resolveConfig(ctx context.Context, src secrets.Source) (*pipeline.Config, error) {
	values, err := src.Resolve(ctx)
	if err != nil {
		observability.CLILogger.Error("Failed to resolve parameters", zap.String("source", src.Describe()), zap.Error(err))
		if cloud.IsAccessDenied(err) || cloud.IsNotFound(err) {
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to read parameters", err)
		}
		return nil, exitError(foundry.ExitFileReadError, "Failed to read parameters", err)
	}

	cfg, unused, err := pipeline.Parse(values)
	if err != nil {
		observability.CLILogger.Error("Invalid parameters", zap.String("source", src.Describe()), zap.Error(err))
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid parameters", err)
	}
	if len(unused) > 0 {
		sort.Strings(unused)
		observability.CLILogger.Warn("Ignoring unknown parameters", zap.Strings("keys", unused))
	}
	return cfg, nil
}

// buildDeps wires the cloud-backed collaborators a machine of mode needs.
func buildDeps(mode pipeline.Mode, cfg *pipeline.Config, st *stack.Stack, clients *cloud.Clients, store *runstore.Store, w output.Writer) (orchestrator.Deps, error) {
	log := observability.CLILogger
	deps := orchestrator.Deps{
		Lock:       store,
		Checkpoint: orchestrator.StoreCheckpointer{Store: store},
		Observer:   orchestrator.NewEventObserver(w, log),
		Logger:     log,
		Target: orchestrator.Target{
			Bucket:         st.Storage.Bucket,
			FileSystemPath: st.Storage.FileSystemPath,
			ExportPaths:    st.Storage.ExportPaths,
			JobRoleARN:     st.Compute.JobRoleARN,
		},
	}

	jobs, err := jobrun.NewBatchRunner(clients.Batch, st.Compute.JobQueue, clients.Pacer)
	if err != nil {
		return deps, err
	}
	deps.Jobs = jobs

	switch mode.Resource() {
	case pipeline.ResourceLustre:
		p, err := provision.NewLustreProvisioner(clients.FSx, provision.LustreConfig{
			SubnetIDs:          st.Network.SubnetIDs,
			SecurityGroupIDs:   st.Network.SecurityGroupIDs,
			FileSystemPath:     st.Storage.FileSystemPath,
			DataRepositoryPath: st.DataRepositoryPath(),
		}, clients.Pacer)
		if err != nil {
			return deps, err
		}
		deps.Provisioner = p
		deps.Exports = p
	case pipeline.ResourceEBS:
		var subnet string
		if len(st.Network.SubnetIDs) > 0 {
			subnet = st.Network.SubnetIDs[0]
		}
		p, err := provision.NewVolumeProvisioner(clients.EC2, provision.VolumeConfig{
			AvailabilityZone: st.Network.AvailabilityZone,
			SubnetID:         subnet,
		}, clients.Pacer)
		if err != nil {
			return deps, err
		}
		deps.Provisioner = p
	}

	if mode.Resource() != pipeline.ResourceNone {
		binder, err := fleet.NewBinder(clients.EC2, clients.Batch, fleet.BinderConfig{
			ComputeEnvironment: st.Compute.ComputeEnvironment,
			ServiceRole:        st.Compute.ServiceRole,
			Region:             clients.Region,
		})
		if err != nil {
			return deps, err
		}
		deps.Fleet = binder
	}

	if mode.AutoExport() {
		deps.Metrics = newEvaluator(cfg, st, clients)
	}
	return deps, nil
}

// newEvaluator prefers the deployed metric function and falls back to
// querying CloudWatch directly.
func newEvaluator(cfg *pipeline.Config, st *stack.Stack, clients *cloud.Clients) metrics.Evaluator {
	if st.Metrics.FunctionName != "" {
		return metrics.NewFunctionEvaluator(clients.Lambda, st.Metrics.FunctionName, clients.Pacer)
	}
	return metrics.NewCloudWatchEvaluator(clients.CloudWatch, cfg.Metrics.Window, cfg.Metrics.Period, clients.Pacer)
}

// openOutput returns the JSONL event writer for dest ("" or "-" is stdout).
func openOutput(dest, runID, mode string) (output.Writer, func(), error) {
	if dest == "" || dest == "-" || dest == "stdout" {
		w := output.NewJSONLWriter(os.Stdout, runID, mode)
		return w, func() { _ = w.Close() }, nil
	}
	if dest == "none" {
		w := output.NewJSONLWriter(io.Discard, runID, mode)
		return w, func() { _ = w.Close() }, nil
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open output file %s: %w", dest, err)
	}
	w := output.NewJSONLWriter(f, runID, mode)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

// runExitError maps a machine error to a CLI exit.
func runExitError(runID string, err error) error {
	var failed *orchestrator.RunFailedError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		observability.CLILogger.Warn("Run interrupted; resume with 'hpcflow resume "+runID+"'", zap.String("run_id", runID))
		return exitError(foundry.ExitSignalInt, "Run interrupted", err)
	case errors.As(err, &failed):
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed in "+string(failed.State), err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", err)
	}
}
