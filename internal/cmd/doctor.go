package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcflow/internal/config"
	"github.com/3leaps/hpcflow/internal/observability"
	"github.com/3leaps/hpcflow/pkg/cloud"
	"github.com/3leaps/hpcflow/pkg/runstore"
	"github.com/3leaps/hpcflow/pkg/stack"
)

var doctorAWS bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  hpcflow doctor                          # Local environment and run store
  hpcflow doctor --aws --stack stack.yaml # Also check credentials and the data bucket`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorAWS, "aws", false, "Run AWS checks (credentials, stack bucket)")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	bannerName := "doctor"
	if id := config.GetIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 5
	if doctorAWS {
		totalChecks = 8
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible / Gofulmen
	version := crucible.GetVersion()
	if version.Crucible != "" && version.Gofulmen != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ crucible v%s, gofulmen v%s", checkNum, totalChecks, version.Crucible, version.Gofulmen),
			zap.String("crucible_version", version.Crucible),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 4: Run store
	if err := checkRunStore(ctx); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking run store... ❌ %v", checkNum, totalChecks, err),
			zap.String("path", appCfg.Store.Path))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking run store... ✅ %s", checkNum, totalChecks, storeLocation()),
			zap.String("path", appCfg.Store.Path))
	}
	checkNum++

	// Check 5: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorAWS {
		allChecks = runAWSChecks(ctx, checkNum, totalChecks) && allChecks
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")

	if !allChecks {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", errors.New("one or more checks failed"))
	}
	return nil
}

func storeLocation() string {
	if appCfg.Store.URL != "" {
		return appCfg.Store.URL
	}
	return appCfg.Store.Path
}

func checkRunStore(ctx context.Context) error {
	store, err := runstore.Open(ctx, runstore.Config{
		Path:      appCfg.Store.Path,
		URL:       appCfg.Store.URL,
		AuthToken: appCfg.Store.AuthToken,
		LockTTL:   appCfg.Store.LockTTL,
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return store.Ping(ctx)
}

// runAWSChecks checks credentials and, when a stack is configured, the
// data bucket.
func runAWSChecks(ctx context.Context, checkNum, totalChecks int) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("AWS Checks:")

	var st *stack.Stack
	if appCfg.Stack.Path != "" {
		loaded, err := stack.Load(appCfg.Stack.Path)
		if err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking stack file... ❌ %v", checkNum, totalChecks, err),
				zap.String("path", appCfg.Stack.Path))
			return false
		}
		st = loaded
	}

	cfg, err := cloud.LoadAWSConfig(ctx, awsConfig(st))
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	region := cfg.Region
	if region == "" {
		log.Error(fmt.Sprintf("[%d/%d] Checking region... ❌ No region configured", checkNum, totalChecks))
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking region... ✅ %s", checkNum, totalChecks, region),
		zap.String("region", region))
	checkNum++

	if st == nil {
		log.Warn(fmt.Sprintf("[%d/%d] Checking data bucket... ⚠️  skipped (no stack file)", checkNum, totalChecks))
		return true
	}
	clients, err := cloud.NewClients(ctx, awsConfig(st))
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking data bucket... ❌ %v", checkNum, totalChecks, err))
		return false
	}
	if err := cloud.CheckBucket(ctx, clients.S3, st.Storage.Bucket); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking data bucket... ❌ %s", checkNum, totalChecks, st.Storage.Bucket),
			zap.Error(err))
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking data bucket... ✅ %s", checkNum, totalChecks, st.Storage.Bucket),
		zap.String("bucket", st.Storage.Bucket))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile (then --profile or aws.profile), or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For emulators (LocalStack, moto), also set:")
	log.Info("  - HPCFLOW_AWS_ENDPOINT or use the --endpoint flag")
	log.Info("")
}
