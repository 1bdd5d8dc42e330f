// Package config loads the hpcflow application configuration.
//
// Values are layered, lowest precedence first: built-in defaults, the user
// config file, the project config file (or the file named by HPCFLOW_CONFIG),
// HPCFLOW_* environment variables, and runtime overrides passed to Load.
//
// This is process configuration (logging, run store, server, AWS access).
// Per-run pipeline parameters live in pkg/pipeline.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"
)

// Config is the resolved application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Store   StoreConfig   `mapstructure:"store"`
	AWS     AWSConfig     `mapstructure:"aws"`
	Stack   StackConfig   `mapstructure:"stack"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// StoreConfig locates the run store. URL selects a remote libsql database;
// otherwise Path is a local SQLite file.
type StoreConfig struct {
	Path      string        `mapstructure:"path"`
	URL       string        `mapstructure:"url"`
	AuthToken string        `mapstructure:"auth_token"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

type AWSConfig struct {
	Region   string  `mapstructure:"region"`
	Profile  string  `mapstructure:"profile"`
	Endpoint string  `mapstructure:"endpoint"`
	PollRate float64 `mapstructure:"poll_rate"`
}

type StackConfig struct {
	Path string `mapstructure:"path"`
}

type identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var defaultIdentity = identity{BinaryName: "hpcflow", EnvPrefix: "HPCFLOW_", ConfigName: "hpcflow"}

var (
	configMu    sync.RWMutex
	appIdentity *identity
	appConfig   *Config
)

// envSpec maps one environment variable to a config key.
type envSpec struct {
	Name string
	Path string
}

// Load resolves the configuration and makes it the current config.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := defaultIdentity
		appIdentity = &id
	}
	configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	for _, path := range configFiles() {
		if err := mergeFile(v, path); err != nil {
			return nil, err
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// Identity names the binary and its config sources.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// GetIdentity returns the identity set by the first Load, or nil.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return nil
	}
	return &Identity{
		BinaryName: appIdentity.BinaryName,
		EnvPrefix:  appIdentity.EnvPrefix,
		ConfigName: appIdentity.ConfigName,
	}
}

// GetConfig returns the config from the last successful Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Store.LockTTL < 0 {
		errs = append(errs, errors.New("store.lock_ttl must not be negative"))
	}
	if c.AWS.PollRate < 0 {
		errs = append(errs, errors.New("aws.poll_rate must not be negative"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)

	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.lock_ttl", "6h")

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.poll_rate", 5.0)

	v.SetDefault("stack.path", "")
}

func defaultStorePath() string {
	configMu.RLock()
	name := defaultIdentity.ConfigName
	if appIdentity != nil {
		name = appIdentity.ConfigName
	}
	configMu.RUnlock()
	return filepath.Join(gfconfig.GetAppDataDir(name), "runs.db")
}

func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []envSpec{}
	}

	p := id.EnvPrefix
	return []envSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "DEBUG", Path: "debug.enabled"},
		{Name: p + "STORE_PATH", Path: "store.path"},
		{Name: p + "STORE_URL", Path: "store.url"},
		{Name: p + "STORE_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: p + "LOCK_TTL", Path: "store.lock_ttl"},
		{Name: p + "AWS_REGION", Path: "aws.region"},
		{Name: p + "AWS_PROFILE", Path: "aws.profile"},
		{Name: p + "AWS_ENDPOINT", Path: "aws.endpoint"},
		{Name: p + "POLL_RATE", Path: "aws.poll_rate"},
		{Name: p + "STACK", Path: "stack.path"},
	}
}

// getUserConfigPaths lists per-user config file candidates.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, id.ConfigName, "config.yaml")}
}

// configFiles returns the files to merge in precedence order. An explicit
// HPCFLOW_CONFIG replaces the project file.
func configFiles() []string {
	files := getUserConfigPaths()

	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return files
	}

	if explicit := os.Getenv(id.EnvPrefix + "CONFIG"); explicit != "" {
		return append(files, explicit)
	}
	return append(files, id.ConfigName+".yaml")
}

func mergeFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

// applyOverrides sets nested override maps as dotted keys so they rank
// above environment variables.
func applyOverrides(v *viper.Viper, prefix string, values map[string]any) {
	for k, val := range values {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}
