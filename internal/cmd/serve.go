package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcflow/internal/config"
	"github.com/3leaps/hpcflow/internal/observability"
	"github.com/3leaps/hpcflow/internal/server"
	"github.com/3leaps/hpcflow/internal/server/handlers"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health probes and the run status API",
	Long: `Start an HTTP server exposing health probes, version information and a
read-only view of the run store:

  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /v1/runs?status=&limit=
  GET /v1/runs/{runID}
  GET /v1/locks`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appCfg

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	handlers.InitHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("signals", signalHealthChecker{})
		hm.RegisterChecker("store", storeHealthChecker{store: store})
		if id := config.GetIdentity(); id != nil {
			hm.RegisterChecker("identity", identityHealthChecker{
				binaryName: id.BinaryName,
				envPrefix:  id.EnvPrefix,
				configName: id.ConfigName,
			})
		}
	}

	srv := server.New(host, port,
		server.WithRunStore(store),
		server.WithLogger(logger),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
	)

	logger.Info("Starting server",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version),
		zap.Bool("health", cfg.Health.Enabled))

	if err := srv.Start(ctx, cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Server failed", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	logger.Info("Server stopped")
	return nil
}

// signalHealthChecker reports healthy while the process is serving; signal
// handling itself is owned by Execute.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type pinger interface {
	Ping(ctx context.Context) error
}

type storeHealthChecker struct {
	store pinger
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("run store not open")
	}
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("run store: %w", err)
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}
