// Package cmd implements the hpcflow command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcflow/internal/config"
	"github.com/3leaps/hpcflow/internal/observability"
	"github.com/3leaps/hpcflow/internal/server/handlers"
)

// VersionInfo is the build identity injected by main.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records the build identity.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var (
	cfgFile string
	verbose bool
	appCfg  *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "hpcflow",
	Short: "Orchestrate transient FSx for Lustre / EBS backed AWS Batch runs",
	Long: `hpcflow provisions a scratch filesystem (FSx for Lustre or an EBS volume),
binds it to a shared AWS Batch compute environment, runs one containerized
job, exports the results and tears the filesystem down again.

Every run is checkpointed to a local run store and can be resumed after an
interruption.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	rootCmd.PersistentPreRunE = initRuntime

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./hpcflow.yaml, then the user config dir)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	pf.String("log-level", "", "Service log level (debug, info, warn, error)")
	pf.String("store", "", "Run store path")
	pf.String("stack", "", "Stack file describing the deployed resources")
	pf.String("region", "", "AWS region")
	pf.String("profile", "", "AWS shared config profile")
	pf.String("endpoint", "", "AWS endpoint override (emulators)")
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"log-level": "logging.level",
	"store":     "store.path",
	"stack":     "stack.path",
	"region":    "aws.region",
	"profile":   "aws.profile",
	"endpoint":  "aws.endpoint",
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger("hpcflow", verbose)

	if cfgFile != "" {
		if err := os.Setenv("HPCFLOW_CONFIG", cfgFile); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --config", err)
		}
	}

	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appCfg = cfg

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("store", cfg.Store.Path),
		zap.String("stack", cfg.Stack.Path),
		zap.String("region", cfg.AWS.Region))
	return nil
}

// flagOverrides returns the explicitly set persistent flags of cmd's root
// as a nested override map.
func flagOverrides(cmd *cobra.Command) map[string]any {
	pf := cmd.Root().PersistentFlags()
	out := map[string]any{}
	for flag, key := range flagKeys {
		if !pf.Changed(flag) {
			continue
		}
		value, err := pf.GetString(flag)
		if err != nil {
			continue
		}
		section, field, _ := strings.Cut(key, ".")
		m, _ := out[section].(map[string]any)
		if m == nil {
			m = map[string]any{}
			out[section] = m
		}
		m[field] = value
	}
	return out
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM
// and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	fmt.Fprintln(os.Stderr, "Error:", err)
	var ee *exitCodeError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}
