package stack

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validStack = `
version: "1.0"
name: genomics
region: us-east-1
parameters:
  secretId: BatchJobWithDefaultSecret
network:
  subnetIds: [subnet-0a1b2c3d]
  securityGroupIds: [sg-0a1b2c3d]
storage:
  bucket: genomics-results
compute:
  computeEnvironment: arn:aws:batch:us-east-1:123456789012:compute-environment/hpc
  jobQueue: arn:aws:batch:us-east-1:123456789012:job-queue/hpc
  serviceRole: arn:aws:iam::123456789012:role/aws-service-role/batch.amazonaws.com/AWSServiceRoleForBatch
  jobRoleArn: arn:aws:iam::123456789012:role/hpc-job
metrics:
  functionName: check-fsx-metrics
`

func TestLoadFromBytes_Valid(t *testing.T) {
	s, err := LoadFromBytes([]byte(validStack), "stack.yaml")
	require.NoError(t, err)

	assert.Equal(t, "genomics", s.Name)
	assert.Equal(t, []string{"subnet-0a1b2c3d"}, s.Network.SubnetIDs)
	assert.Equal(t, "BatchJobWithDefaultSecret", s.Parameters.SecretID)
	assert.Equal(t, "check-fsx-metrics", s.Metrics.FunctionName)

	// Defaults
	assert.Equal(t, "/scratch", s.Storage.FileSystemPath)
	assert.Equal(t, []string{"/scratch"}, s.Storage.ExportPaths)
	assert.Equal(t, "s3://genomics-results/", s.DataRepositoryPath())
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		path    string
		wantErr string
	}{
		{name: "empty", doc: "", path: "s.yaml", wantErr: "empty"},
		{name: "bad yaml", doc: "version: [", path: "s.yaml", wantErr: "invalid YAML"},
		{name: "bad json", doc: "{", path: "s.json", wantErr: "invalid JSON"},
		{name: "missing compute", doc: `{"version":"1.0","network":{"subnetIds":["subnet-1"],"securityGroupIds":["sg-1"]},"storage":{"bucket":"data-bucket"}}`, path: "s.json"},
		{name: "unknown field", doc: validStack + "extra: true\n", path: "s.yaml"},
		{name: "bad subnet id", doc: `{"version":"1.0","network":{"subnetIds":["vpc-1"],"securityGroupIds":["sg-1"]},"storage":{"bucket":"data-bucket"},"compute":{"computeEnvironment":"ce","jobQueue":"q","serviceRole":"r"}}`, path: "s.json"},
		{name: "wrong version", doc: `{"version":"2.0","network":{"subnetIds":["subnet-1"],"securityGroupIds":["sg-1"]},"storage":{"bucket":"data-bucket"},"compute":{"computeEnvironment":"ce","jobQueue":"q","serviceRole":"r"}}`, path: "s.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.doc), tt.path)
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.True(t, errors.Is(err, ErrValidationFailed), "expected schema failure, got %v", err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validStack), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", s.Region)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "stack file not found")
}

func TestValidationErrors_Error(t *testing.T) {
	one := ValidationErrors{{Path: "/network", Message: "required"}}
	assert.Equal(t, "/network: required", one.Error())

	two := ValidationErrors{{Path: "/a", Message: "x"}, {Message: "y"}}
	assert.Contains(t, two.Error(), "2 errors")
	assert.Contains(t, two.Error(), "  - y")
}

func TestStack_Validate(t *testing.T) {
	base := func() *Stack {
		s, err := LoadFromBytes([]byte(validStack), "stack.yaml")
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name     string
		mutate   func(*Stack)
		wantPath string
	}{
		{name: "valid", mutate: func(*Stack) {}},
		{name: "nested export path", mutate: func(s *Stack) { s.Storage.ExportPaths = []string{"/scratch/results"} }},
		{name: "relative fs path", mutate: func(s *Stack) { s.Storage.FileSystemPath = "scratch" }, wantPath: "/storage/fileSystemPath"},
		{name: "relative fs path with exports", mutate: func(s *Stack) {
			s.Storage.FileSystemPath = "scratch"
			s.Storage.ExportPaths = []string{"/scratch/results"}
		}, wantPath: "/storage/fileSystemPath"},
		{name: "export outside fs path", mutate: func(s *Stack) { s.Storage.ExportPaths = []string{"/scratchpad"} }, wantPath: "/storage/exportPaths/0"},
		{name: "relative export path", mutate: func(s *Stack) { s.Storage.ExportPaths = []string{"/scratch", "out"} }, wantPath: "/storage/exportPaths/1"},
		{name: "queue in other region", mutate: func(s *Stack) {
			s.Compute.JobQueue = "arn:aws:batch:eu-west-1:123456789012:job-queue/hpc"
		}, wantPath: "/compute/jobQueue"},
		{name: "plain names skip region check", mutate: func(s *Stack) {
			s.Compute.ComputeEnvironment = "hpc"
			s.Compute.JobQueue = "hpc"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantPath == "" {
				assert.NoError(t, err)
				return
			}
			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.wantPath, verrs[0].Path)
			assert.ErrorIs(t, err, ErrValidationFailed)
		})
	}
}

func TestArnRegion(t *testing.T) {
	assert.Equal(t, "us-east-1", arnRegion("arn:aws:batch:us-east-1:123456789012:job-queue/hpc"))
	assert.Equal(t, "", arnRegion("arn:aws:iam::123456789012:role/x"))
	assert.Equal(t, "", arnRegion("hpc-queue"))
	assert.Equal(t, "", arnRegion("arn:short"))
}
