// Package stack describes the externally deployed resources a pipeline run
// binds to: network placement, the data bucket, the batch compute
// environment and queue, roles, and the metric-collection function.
//
// Stack files are YAML or JSON and are validated against an embedded JSON
// schema before they are parsed.
package stack

import "strings"

// CurrentVersion is the stack file format version.
const CurrentVersion = "1.0"

// Default mount paths inside the filesystem.
const (
	DefaultFileSystemPath = "/scratch"
)

// Stack is the parsed stack file.
type Stack struct {
	Version    string     `json:"version" yaml:"version"`
	Name       string     `json:"name,omitempty" yaml:"name,omitempty"`
	Region     string     `json:"region,omitempty" yaml:"region,omitempty"`
	Profile    string     `json:"profile,omitempty" yaml:"profile,omitempty"`
	Endpoint   string     `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Parameters Parameters `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Network    Network    `json:"network" yaml:"network"`
	Storage    Storage    `json:"storage" yaml:"storage"`
	Compute    Compute    `json:"compute" yaml:"compute"`
	Metrics    Metrics    `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Parameters locates the run parameter map.
type Parameters struct {
	// SecretID is a Secrets Manager secret name or ARN.
	SecretID string `json:"secretId,omitempty" yaml:"secretId,omitempty"`

	// File is a local YAML/JSON parameter file, layered over the secret.
	File string `json:"file,omitempty" yaml:"file,omitempty"`
}

// Network places the managed resources.
type Network struct {
	SubnetIDs        []string `json:"subnetIds" yaml:"subnetIds"`
	SecurityGroupIDs []string `json:"securityGroupIds" yaml:"securityGroupIds"`

	// AvailabilityZone is where volumes are created. When empty it is
	// looked up from the first subnet.
	AvailabilityZone string `json:"availabilityZone,omitempty" yaml:"availabilityZone,omitempty"`
}

// Storage names the data repository.
type Storage struct {
	Bucket         string   `json:"bucket" yaml:"bucket"`
	FileSystemPath string   `json:"fileSystemPath,omitempty" yaml:"fileSystemPath,omitempty"`
	ExportPaths    []string `json:"exportPaths,omitempty" yaml:"exportPaths,omitempty"`
}

// Compute names the batch resources.
type Compute struct {
	ComputeEnvironment string `json:"computeEnvironment" yaml:"computeEnvironment"`
	JobQueue           string `json:"jobQueue" yaml:"jobQueue"`
	ServiceRole        string `json:"serviceRole" yaml:"serviceRole"`
	JobRoleARN         string `json:"jobRoleArn,omitempty" yaml:"jobRoleArn,omitempty"`
}

// Metrics names the metric-collection function. When empty the export
// backlog metric is queried directly.
type Metrics struct {
	FunctionName string `json:"functionName,omitempty" yaml:"functionName,omitempty"`
}

// ApplyDefaults fills optional fields.
func (s *Stack) ApplyDefaults() {
	if s.Storage.FileSystemPath == "" {
		s.Storage.FileSystemPath = DefaultFileSystemPath
	}
	if len(s.Storage.ExportPaths) == 0 {
		s.Storage.ExportPaths = []string{s.Storage.FileSystemPath}
	}
	if s.Name == "" {
		s.Name = "hpcflow"
	}
}

// DataRepositoryPath is the S3 URI the filesystem is linked to.
func (s *Stack) DataRepositoryPath() string {
	return "s3://" + strings.TrimSuffix(s.Storage.Bucket, "/") + "/"
}
