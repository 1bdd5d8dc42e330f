package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Default values, matching the deployed stack defaults.
const (
	DefaultLustreStorageCapacity       = 2400
	DefaultLustreFileSystemTypeVersion = "2.15"
	DefaultLustreImportedFileChunkSize = 1024
	DefaultLustreDeploymentType        = "SCRATCH_2"

	DefaultEBSVolumeType = "gp3"
	DefaultEBSSizeGB     = 500
	DefaultEBSIOPS       = 5000
	DefaultEBSThroughput = 500

	DefaultJobRetryAttempts = 5
	DefaultJobVcpus         = 32
	DefaultJobMemoryMiB     = 30000

	DefaultResourceWaitSeconds     = 30
	DefaultJobWaitSeconds          = 300
	DefaultMetricsWaitSeconds      = 10
	DefaultExportWaitSeconds       = 300
	DefaultFleetLockWaitSeconds    = 30
	DefaultMetricsPeriodSeconds    = 60
	DefaultMetricsWindowMinutes    = 15
	DefaultMaxInfraRetries         = 10
	maxJobRetryAttempts            = 10
	minLustreStorageCapacityGiB    = 1200
	lustreStorageCapacityIncrement = 2400
)

// Config is the resolved, validated configuration of one run.
// It is immutable after Parse returns.
type Config struct {
	Mode Mode `json:"mode"`

	Lustre  LustreConfig  `json:"lustre"`
	Volume  VolumeConfig  `json:"volume"`
	Job     JobConfig     `json:"job"`
	Compute ComputeConfig `json:"compute"`
	Waits   Waits         `json:"waits"`
	Metrics MetricsConfig `json:"metrics"`

	// DeleteOnCompletion destroys the managed resource after a successful job.
	DeleteOnCompletion bool `json:"delete_on_completion"`

	// MaxInfraRetries caps how many infrastructure-attributed job failures
	// are re-polled before the run fails. Zero means unbounded.
	MaxInfraRetries int `json:"max_infra_retries"`
}

// LustreConfig sizes the Lustre filesystem.
type LustreConfig struct {
	StorageCapacity       int    `json:"storage_capacity"`
	FileSystemTypeVersion string `json:"file_system_type_version"`
	ImportedFileChunkSize int    `json:"imported_file_chunk_size"`
	DeploymentType        string `json:"deployment_type"`
}

// VolumeConfig sizes the block volume.
type VolumeConfig struct {
	VolumeType string `json:"volume_type"`
	SizeGB     int    `json:"size_gb"`
	IOPS       int    `json:"iops"`
	Throughput int    `json:"throughput"`
}

// JobConfig describes the batch job container.
type JobConfig struct {
	RetryAttempts  int    `json:"retry_attempts"`
	Vcpus          int    `json:"vcpus"`
	MemoryMiB      int    `json:"memory_mib"`
	ContainerImage string `json:"container_image"`
}

// ComputeConfig carries fleet overrides applied when the fleet is rebound.
// The compute environment is shared, so unset fields leave its current
// setting alone.
type ComputeConfig struct {
	Type               string   `json:"type,omitempty"`
	AllocationStrategy string   `json:"allocation_strategy,omitempty"`
	MinVcpus           *int     `json:"min_vcpus,omitempty"`
	MaxVcpus           *int     `json:"max_vcpus,omitempty"`
	DesiredVcpus       *int     `json:"desired_vcpus,omitempty"`
	InstanceTypes      []string `json:"instance_types,omitempty"`
}

// IsZero reports whether no override is set.
func (c ComputeConfig) IsZero() bool {
	return c.Type == "" && c.AllocationStrategy == "" && c.MinVcpus == nil &&
		c.MaxVcpus == nil && c.DesiredVcpus == nil && len(c.InstanceTypes) == 0
}

// Compute environment types and the allocation strategies an update accepts.
var (
	computeTypes          = []string{"EC2", "SPOT", "FARGATE", "FARGATE_SPOT"}
	updateAllocStrategies = []string{"BEST_FIT_PROGRESSIVE", "SPOT_CAPACITY_OPTIMIZED", "SPOT_PRICE_CAPACITY_OPTIMIZED"}
)

// Waits holds the fixed wait of each polling loop.
type Waits struct {
	ResourceCreation time.Duration `json:"resource_creation"`
	JobCompletion    time.Duration `json:"job_completion"`
	CheckMetrics     time.Duration `json:"check_metrics"`
	ExportTask       time.Duration `json:"export_task"`
	FleetLock        time.Duration `json:"fleet_lock"`
}

// MetricsConfig describes the export backlog query.
type MetricsConfig struct {
	Period time.Duration `json:"period"`
	Window time.Duration `json:"window"`
}

// rawConfig mirrors the flat key space of the secret.
type rawConfig struct {
	ResourceType string `mapstructure:"resourceType"`
	Mode         string `mapstructure:"mode"`
	AutoExport   *bool  `mapstructure:"autoExport"`
	TaskExport   *bool  `mapstructure:"taskExport"`

	LustreStorageCapacity       int    `mapstructure:"lustreStorageCapacity"`
	LustreFileSystemTypeVersion string `mapstructure:"lustreFileSystemTypeVersion"`
	LustreImportedFileChunkSize int    `mapstructure:"lustreImportedFileChunkSize"`
	LustreDeploymentType        string `mapstructure:"lustreDeploymentType"`

	EBSVolumeType string `mapstructure:"ebsVolumeType"`
	EBSSizeGB     int    `mapstructure:"ebsSizeGb"`
	EBSIOPS       int    `mapstructure:"ebsIOPS"`
	EBSThroughput int    `mapstructure:"ebsThroughput"`

	JobDefinitionRetryAttempts  int    `mapstructure:"jobDefinitionRetryAttempts"`
	JobDefinitionVcpus          int    `mapstructure:"jobDefinitionVcpus"`
	JobDefinitionMemory         int    `mapstructure:"jobDefinitionMemory"`
	JobDefinitionContainerImage string `mapstructure:"jobDefinitionContainerImage"`

	ComputeEnvironmentType               string   `mapstructure:"computeEnvironmentType"`
	ComputeEnvironmentAllocationStrategy string   `mapstructure:"computeEnvironmentAllocationStrategy"`
	ComputeEnvironmentMinvCpus           *int     `mapstructure:"computeEnvironmentMinvCpus"`
	ComputeEnvironmentMaxvCpus           *int     `mapstructure:"computeEnvironmentMaxvCpus"`
	ComputeEnvironmentDesiredvCpus       *int     `mapstructure:"computeEnvironmentDesiredvCpus"`
	ComputeEnvironmentInstanceTypes      []string `mapstructure:"computeEnvironmentInstanceTypes"`

	WaitForLustreCreationSeconds     int `mapstructure:"waitForLustreCreationSeconds"`
	WaitForEBSCreationSeconds        int `mapstructure:"waitForEbsCreationSeconds"`
	WaitForResourceCreationSeconds   int `mapstructure:"waitForResourceCreationSeconds"`
	WaitForJobCompletionSeconds      int `mapstructure:"waitForJobCompletionSeconds"`
	WaitForCheckMetricsSeconds       int `mapstructure:"waitForCheckMetricsSeconds"`
	WaitForDataRepositoryTaskSeconds int `mapstructure:"waitForDataRepositoryTaskSeconds"`
	WaitForFleetLockSeconds          int `mapstructure:"waitForFleetLockSeconds"`

	DeleteLustre   *bool `mapstructure:"deleteLustre"`
	DeleteEBS      *bool `mapstructure:"deleteEbs"`
	DeleteResource *bool `mapstructure:"deleteResource"`

	MetricsPeriodSeconds int  `mapstructure:"metricsPeriodSeconds"`
	MetricsWindowMinutes int  `mapstructure:"metricsWindowMinutes"`
	MaxInfraRetries      *int `mapstructure:"maxInfraRetries"`
}

// Parse resolves a Config from the flat string map read from the secret
// store. Unknown keys are returned so callers can log them.
func Parse(values map[string]string) (*Config, []string, error) {
	input := make(map[string]any, len(values))
	for k, v := range values {
		// Empty values mean "unset" so defaults apply.
		if v = strings.TrimSpace(v); v != "" {
			input[k] = v
		}
	}

	var raw rawConfig
	var meta mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		WeaklyTypedInput: true,
		Metadata:         &meta,
		Result:           &raw,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := decoder.Decode(input); err != nil {
		return nil, nil, decodeError(err)
	}

	cfg, err := raw.resolve()
	if err != nil {
		return nil, meta.Unused, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, meta.Unused, err
	}
	return cfg, meta.Unused, nil
}

func (r rawConfig) resolve() (*Config, error) {
	mode, err := r.mode()
	if err != nil {
		return nil, err
	}

	deleteDefault := mode.Resource() == ResourceLustre
	cfg := &Config{
		Mode: mode,
		Lustre: LustreConfig{
			StorageCapacity:       intOr(r.LustreStorageCapacity, DefaultLustreStorageCapacity),
			FileSystemTypeVersion: stringOr(r.LustreFileSystemTypeVersion, DefaultLustreFileSystemTypeVersion),
			ImportedFileChunkSize: intOr(r.LustreImportedFileChunkSize, DefaultLustreImportedFileChunkSize),
			DeploymentType:        stringOr(r.LustreDeploymentType, DefaultLustreDeploymentType),
		},
		Volume: VolumeConfig{
			VolumeType: stringOr(r.EBSVolumeType, DefaultEBSVolumeType),
			SizeGB:     intOr(r.EBSSizeGB, DefaultEBSSizeGB),
			IOPS:       intOr(r.EBSIOPS, DefaultEBSIOPS),
			Throughput: intOr(r.EBSThroughput, DefaultEBSThroughput),
		},
		Job: JobConfig{
			RetryAttempts:  intOr(r.JobDefinitionRetryAttempts, DefaultJobRetryAttempts),
			Vcpus:          intOr(r.JobDefinitionVcpus, DefaultJobVcpus),
			MemoryMiB:      intOr(r.JobDefinitionMemory, DefaultJobMemoryMiB),
			ContainerImage: r.JobDefinitionContainerImage,
		},
		Compute: ComputeConfig{
			Type:               strings.ToUpper(strings.TrimSpace(r.ComputeEnvironmentType)),
			AllocationStrategy: strings.ToUpper(strings.TrimSpace(r.ComputeEnvironmentAllocationStrategy)),
			MinVcpus:           r.ComputeEnvironmentMinvCpus,
			MaxVcpus:           r.ComputeEnvironmentMaxvCpus,
			DesiredVcpus:       r.ComputeEnvironmentDesiredvCpus,
			InstanceTypes:      trimAll(r.ComputeEnvironmentInstanceTypes),
		},
		Waits: Waits{
			ResourceCreation: seconds(firstNonZero(r.WaitForResourceCreationSeconds, r.WaitForLustreCreationSeconds, r.WaitForEBSCreationSeconds), DefaultResourceWaitSeconds),
			JobCompletion:    seconds(r.WaitForJobCompletionSeconds, DefaultJobWaitSeconds),
			CheckMetrics:     seconds(r.WaitForCheckMetricsSeconds, DefaultMetricsWaitSeconds),
			ExportTask:       seconds(r.WaitForDataRepositoryTaskSeconds, DefaultExportWaitSeconds),
			FleetLock:        seconds(r.WaitForFleetLockSeconds, DefaultFleetLockWaitSeconds),
		},
		Metrics: MetricsConfig{
			Period: seconds(r.MetricsPeriodSeconds, DefaultMetricsPeriodSeconds),
			Window: time.Duration(intOr(r.MetricsWindowMinutes, DefaultMetricsWindowMinutes)) * time.Minute,
		},
		DeleteOnCompletion: firstBool(deleteDefault, r.DeleteResource, r.DeleteLustre, r.DeleteEBS),
		MaxInfraRetries:    derefInt(r.MaxInfraRetries, DefaultMaxInfraRetries),
	}
	return cfg, nil
}

// mode derives the run mode from the resource type and the two export flags.
func (r rawConfig) mode() (Mode, error) {
	if r.Mode != "" {
		m, err := ParseMode(r.Mode)
		if err != nil {
			return "", &ConfigError{Field: "mode", Message: err.Error()}
		}
		return m, nil
	}

	kind, err := ParseResourceKind(r.ResourceType)
	if err != nil {
		return "", &ConfigError{Field: "resourceType", Message: err.Error()}
	}

	autoSet := r.AutoExport != nil && *r.AutoExport
	taskSet := r.TaskExport != nil && *r.TaskExport

	switch kind {
	case ResourceNone:
		return ModeJobOnly, nil
	case ResourceEBS:
		if autoSet || taskSet {
			return "", &ConfigError{Field: "autoExport/taskExport", Message: "export modes apply to lustre only"}
		}
		return ModeVolume, nil
	}

	switch {
	case autoSet && taskSet:
		return "", &ConfigError{Field: "autoExport/taskExport", Message: "autoExport and taskExport are mutually exclusive"}
	case taskSet:
		return ModeTaskExport, nil
	case r.AutoExport != nil && !*r.AutoExport:
		return ModeTaskExport, nil
	default:
		return ModeAutoExport, nil
	}
}

// Validate checks value ranges. Parse calls it; callers building a Config
// by hand should call it too.
func (c *Config) Validate() error {
	var errs ConfigErrors
	add := func(field, msg string) { errs = append(errs, &ConfigError{Field: field, Message: msg}) }

	if _, err := ParseMode(string(c.Mode)); err != nil {
		add("mode", err.Error())
	}
	if strings.TrimSpace(c.Job.ContainerImage) == "" {
		add("jobDefinitionContainerImage", "container image is required")
	}
	if c.Job.RetryAttempts < 1 || c.Job.RetryAttempts > maxJobRetryAttempts {
		add("jobDefinitionRetryAttempts", fmt.Sprintf("must be between 1 and %d", maxJobRetryAttempts))
	}
	if c.Job.Vcpus < 1 {
		add("jobDefinitionVcpus", "must be positive")
	}
	if c.Job.MemoryMiB < 4 {
		add("jobDefinitionMemory", "must be at least 4 MiB")
	}

	switch c.Mode.Resource() {
	case ResourceLustre:
		capacity := c.Lustre.StorageCapacity
		if capacity != minLustreStorageCapacityGiB && (capacity < lustreStorageCapacityIncrement || capacity%lustreStorageCapacityIncrement != 0) {
			add("lustreStorageCapacity", "must be 1200 or a multiple of 2400 GiB")
		}
		if c.Lustre.ImportedFileChunkSize < 1 || c.Lustre.ImportedFileChunkSize > 512000 {
			add("lustreImportedFileChunkSize", "must be between 1 and 512000 MiB")
		}
	case ResourceEBS:
		if c.Volume.SizeGB < 1 {
			add("ebsSizeGb", "must be positive")
		}
		if c.Volume.IOPS < 0 || c.Volume.Throughput < 0 {
			add("ebsIOPS/ebsThroughput", "must not be negative")
		}
	}

	cc := c.Compute
	if cc.Type != "" && !slices.Contains(computeTypes, cc.Type) {
		add("computeEnvironmentType", "must be one of "+strings.Join(computeTypes, ", "))
	}
	if cc.AllocationStrategy != "" && !slices.Contains(updateAllocStrategies, cc.AllocationStrategy) {
		add("computeEnvironmentAllocationStrategy", "must be one of "+strings.Join(updateAllocStrategies, ", "))
	}
	switch {
	case negative(cc.MinVcpus), negative(cc.DesiredVcpus):
		add("computeEnvironmentMinvCpus/computeEnvironmentDesiredvCpus", "must not be negative")
	case cc.MaxVcpus != nil && *cc.MaxVcpus < 1:
		add("computeEnvironmentMaxvCpus", "must be positive")
	case cc.MaxVcpus != nil && (exceeds(cc.MinVcpus, *cc.MaxVcpus) || exceeds(cc.DesiredVcpus, *cc.MaxVcpus)):
		add("computeEnvironmentMaxvCpus", "min and desired vCPUs must not exceed max")
	case cc.MinVcpus != nil && exceeds(cc.MinVcpus, derefInt(cc.DesiredVcpus, *cc.MinVcpus)):
		add("computeEnvironmentDesiredvCpus", "must not be below min vCPUs")
	}

	waits := []struct {
		field string
		d     time.Duration
	}{
		{"waitForResourceCreationSeconds", c.Waits.ResourceCreation},
		{"waitForJobCompletionSeconds", c.Waits.JobCompletion},
		{"waitForCheckMetricsSeconds", c.Waits.CheckMetrics},
		{"waitForDataRepositoryTaskSeconds", c.Waits.ExportTask},
		{"waitForFleetLockSeconds", c.Waits.FleetLock},
	}
	for _, w := range waits {
		if w.d <= 0 {
			add(w.field, "must be positive")
		}
	}
	switch {
	case c.Metrics.Period <= 0:
		add("metricsPeriodSeconds", "must be positive")
	case c.Metrics.Period > time.Minute && c.Metrics.Period%time.Minute != 0:
		add("metricsPeriodSeconds", "must be a multiple of 60 above one minute")
	}
	if c.Metrics.Window < c.Metrics.Period {
		add("metricsWindowMinutes", "window must cover at least one period")
	}
	if c.MaxInfraRetries < 0 {
		add("maxInfraRetries", "must not be negative")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ErrInvalidConfig is the root of every configuration error.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "pipeline config: " + e.Field + ": " + e.Message
}

// Unwrap ties every ConfigError to ErrInvalidConfig.
func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// ConfigErrors is a collection of configuration errors.
type ConfigErrors []*ConfigError

// Error implements error interface.
func (e ConfigErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline config has %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Field + ": " + err.Message)
	}
	return b.String()
}

// Unwrap returns ErrInvalidConfig.
func (e ConfigErrors) Unwrap() error { return ErrInvalidConfig }

func decodeError(err error) error {
	var field string
	msg := err.Error()
	// mapstructure reports "'<field>' cannot parse ..." for weak conversions.
	if i := strings.Index(msg, "'"); i >= 0 {
		if j := strings.Index(msg[i+1:], "'"); j >= 0 {
			field = msg[i+1 : i+1+j]
		}
	}
	if field == "" {
		field = "<input>"
	}
	return &ConfigError{Field: field, Message: msg}
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func derefInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func negative(v *int) bool { return v != nil && *v < 0 }

func exceeds(v *int, limit int) bool { return v != nil && *v > limit }

func stringOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func seconds(v, def int) time.Duration {
	return time.Duration(intOr(v, def)) * time.Second
}

func firstNonZero(vs ...int) int {
	for _, v := range vs {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstBool(def bool, vs ...*bool) bool {
	for _, v := range vs {
		if v != nil {
			return *v
		}
	}
	return def
}

func trimAll(vs []string) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Values renders the config back into the flat key space.
// Parse(c.Values()) yields an equal Config.
func (c *Config) Values() map[string]string {
	v := map[string]string{
		"mode":                                 string(c.Mode),
		"lustreStorageCapacity":                strconv.Itoa(c.Lustre.StorageCapacity),
		"lustreFileSystemTypeVersion":          c.Lustre.FileSystemTypeVersion,
		"lustreImportedFileChunkSize":          strconv.Itoa(c.Lustre.ImportedFileChunkSize),
		"lustreDeploymentType":                 c.Lustre.DeploymentType,
		"ebsVolumeType":                        c.Volume.VolumeType,
		"ebsSizeGb":                            strconv.Itoa(c.Volume.SizeGB),
		"ebsIOPS":                              strconv.Itoa(c.Volume.IOPS),
		"ebsThroughput":                        strconv.Itoa(c.Volume.Throughput),
		"jobDefinitionRetryAttempts":           strconv.Itoa(c.Job.RetryAttempts),
		"jobDefinitionVcpus":                   strconv.Itoa(c.Job.Vcpus),
		"jobDefinitionMemory":                  strconv.Itoa(c.Job.MemoryMiB),
		"jobDefinitionContainerImage":          c.Job.ContainerImage,
		"waitForResourceCreationSeconds":       strconv.Itoa(int(c.Waits.ResourceCreation / time.Second)),
		"waitForJobCompletionSeconds":          strconv.Itoa(int(c.Waits.JobCompletion / time.Second)),
		"waitForCheckMetricsSeconds":           strconv.Itoa(int(c.Waits.CheckMetrics / time.Second)),
		"waitForDataRepositoryTaskSeconds":     strconv.Itoa(int(c.Waits.ExportTask / time.Second)),
		"waitForFleetLockSeconds":              strconv.Itoa(int(c.Waits.FleetLock / time.Second)),
		"deleteResource":                       strconv.FormatBool(c.DeleteOnCompletion),
		"metricsPeriodSeconds":                 strconv.Itoa(int(c.Metrics.Period / time.Second)),
		"metricsWindowMinutes":                 strconv.Itoa(int(c.Metrics.Window / time.Minute)),
		"maxInfraRetries":                      strconv.Itoa(c.MaxInfraRetries),
	}
	// Unset fleet overrides stay absent so they remain unset on re-parse.
	setString := func(key, val string) {
		if val != "" {
			v[key] = val
		}
	}
	setInt := func(key string, val *int) {
		if val != nil {
			v[key] = strconv.Itoa(*val)
		}
	}
	setString("computeEnvironmentType", c.Compute.Type)
	setString("computeEnvironmentAllocationStrategy", c.Compute.AllocationStrategy)
	setString("computeEnvironmentInstanceTypes", strings.Join(c.Compute.InstanceTypes, ","))
	setInt("computeEnvironmentMinvCpus", c.Compute.MinVcpus)
	setInt("computeEnvironmentMaxvCpus", c.Compute.MaxVcpus)
	setInt("computeEnvironmentDesiredvCpus", c.Compute.DesiredVcpus)
	return v
}
