package provision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/fsx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcflow/pkg/cloud"
	"github.com/3leaps/hpcflow/pkg/pipeline"
)

func lustreSpec(mode pipeline.Mode) Spec {
	return Spec{
		RunID: "7f6c1a52-59b3-4c8e-9d1e-0d3c8b1f2a44",
		Mode:  mode,
		Lustre: pipeline.LustreConfig{
			StorageCapacity:       2400,
			FileSystemTypeVersion: "2.15",
			ImportedFileChunkSize: 1024,
			DeploymentType:        "SCRATCH_2",
		},
		Volume: pipeline.VolumeConfig{VolumeType: "gp3", SizeGB: 500, IOPS: 5000, Throughput: 500},
	}
}

func newLustre(t *testing.T, client FSxAPI) *LustreProvisioner {
	t.Helper()
	p, err := NewLustreProvisioner(client, LustreConfig{
		SubnetIDs:          []string{"subnet-aaa", "subnet-bbb"},
		SecurityGroupIDs:   []string{"sg-123"},
		FileSystemPath:     "/scratch",
		DataRepositoryPath: "s3://results-bucket/",
	}, nil)
	require.NoError(t, err)
	return p
}

func TestLustreProvisioner_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("auto export", func(t *testing.T) {
		fake := &fakeFSx{}
		p := newLustre(t, fake)

		created, err := p.Create(ctx, lustreSpec(pipeline.ModeAutoExport))
		require.NoError(t, err)
		assert.Equal(t, "fs-0123456789abcdef0", created.ResourceID)
		assert.Equal(t, "dra-0123456789abcdef0", created.AssociationID)
		assert.Equal(t, "abcdefgh", created.MountName)

		in := fake.createFSIn
		assert.Equal(t, types.FileSystemTypeLustre, in.FileSystemType)
		assert.Equal(t, "2.15", aws.ToString(in.FileSystemTypeVersion))
		assert.Equal(t, int32(2400), aws.ToInt32(in.StorageCapacity))
		assert.Equal(t, []string{"subnet-aaa"}, in.SubnetIds, "only the first subnet is used")
		assert.Equal(t, types.LustreDeploymentType("SCRATCH_2"), in.LustreConfiguration.DeploymentType)
		assert.Equal(t, "7f6c1a52-59b3-4c8e-9d1e-0d3c8b1f2a44", aws.ToString(in.ClientRequestToken))

		dra := fake.createDRAIn
		assert.Equal(t, "/scratch", aws.ToString(dra.FileSystemPath))
		assert.Equal(t, "s3://results-bucket/", aws.ToString(dra.DataRepositoryPath))
		assert.True(t, aws.ToBool(dra.BatchImportMetaDataOnCreate))
		assert.Equal(t, int32(1024), aws.ToInt32(dra.ImportedFileChunkSize))
		assert.Len(t, dra.S3.AutoImportPolicy.Events, 3)
		require.NotNil(t, dra.S3.AutoExportPolicy)
		assert.Len(t, dra.S3.AutoExportPolicy.Events, 3)
	})

	t.Run("task export has no auto export policy", func(t *testing.T) {
		fake := &fakeFSx{}
		p := newLustre(t, fake)

		_, err := p.Create(ctx, lustreSpec(pipeline.ModeTaskExport))
		require.NoError(t, err)
		assert.Nil(t, fake.createDRAIn.S3.AutoExportPolicy)
		assert.NotNil(t, fake.createDRAIn.S3.AutoImportPolicy)
	})

	t.Run("rejected create", func(t *testing.T) {
		fake := &fakeFSx{createFSErr: &mockAPIError{code: "ServiceLimitExceeded", message: "too many filesystems"}}
		p := newLustre(t, fake)

		created, err := p.Create(ctx, lustreSpec(pipeline.ModeAutoExport))
		assert.Nil(t, created)
		assert.ErrorIs(t, err, ErrProvisionRejected)
		assert.ErrorIs(t, err, cloud.ErrQuotaExceeded)
	})

	t.Run("rejected association keeps filesystem id", func(t *testing.T) {
		fake := &fakeFSx{createDRAErr: &mockAPIError{code: "BadRequest", message: "bucket not found"}}
		p := newLustre(t, fake)

		created, err := p.Create(ctx, lustreSpec(pipeline.ModeAutoExport))
		require.Error(t, err)
		require.NotNil(t, created)
		assert.Equal(t, "fs-0123456789abcdef0", created.ResourceID)

		var perr *ProvisionError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "fs-0123456789abcdef0", perr.ResourceID)
		assert.Equal(t, "CreateDataRepositoryAssociation", perr.Op)
	})
}

func TestLustreProvisioner_StatusReadyIsConjunctive(t *testing.T) {
	ctx := context.Background()
	h := Handle{ResourceID: "fs-1", AssociationID: "dra-1"}

	tests := []struct {
		name   string
		fs     types.FileSystemLifecycle
		dra    types.DataRepositoryLifecycle
		ready  bool
		failed bool
	}{
		{"both creating", types.FileSystemLifecycleCreating, types.DataRepositoryLifecycleCreating, false, false},
		{"filesystem available only", types.FileSystemLifecycleAvailable, types.DataRepositoryLifecycleCreating, false, false},
		{"association available only", types.FileSystemLifecycleCreating, types.DataRepositoryLifecycleAvailable, false, false},
		{"both available", types.FileSystemLifecycleAvailable, types.DataRepositoryLifecycleAvailable, true, false},
		{"filesystem failed", types.FileSystemLifecycleFailed, types.DataRepositoryLifecycleCreating, false, true},
		{"association misconfigured", types.FileSystemLifecycleAvailable, types.DataRepositoryLifecycleMisconfigured, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newLustre(t, &fakeFSx{fsLifecycle: tt.fs, draLifecycle: tt.dra})
			status, err := p.Status(ctx, h)
			require.NoError(t, err)
			assert.Equal(t, tt.ready, status.Ready())
			assert.Equal(t, tt.failed, status.Failed())
			assert.Equal(t, string(tt.fs), status.RawResource)
			assert.Equal(t, "abcdefgh", status.MountName)
		})
	}
}

func TestLustreProvisioner_Delete(t *testing.T) {
	ctx := context.Background()

	fake := &fakeFSx{}
	require.NoError(t, newLustre(t, fake).Delete(ctx, "fs-1"))
	assert.Equal(t, []string{"fs-1"}, fake.deleted)

	gone := &fakeFSx{deleteErr: &mockAPIError{code: "FileSystemNotFound", message: "gone"}}
	assert.NoError(t, newLustre(t, gone).Delete(ctx, "fs-1"))

	busy := &fakeFSx{deleteErr: &mockAPIError{code: "BadRequest", message: "still creating"}}
	assert.Error(t, newLustre(t, busy).Delete(ctx, "fs-1"))
}

func TestLustreProvisioner_Export(t *testing.T) {
	ctx := context.Background()
	fake := &fakeFSx{taskLifecycle: types.DataRepositoryTaskLifecycleSucceeded}
	p := newLustre(t, fake)

	taskID, err := p.StartExport(ctx, "run-1", "fs-1", []string{"/scratch"})
	require.NoError(t, err)
	assert.Equal(t, "task-0123456789abcdef0", taskID)
	assert.Equal(t, "EXPORT_TO_REPOSITORY", string(fake.createTaskIn.Type))
	assert.Equal(t, []string{"/scratch"}, fake.createTaskIn.Paths)
	assert.False(t, aws.ToBool(fake.createTaskIn.Report.Enabled))
	assert.Equal(t, "run-1-export", aws.ToString(fake.createTaskIn.ClientRequestToken))

	status, err := p.ExportStatus(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, status.Succeeded())
	assert.False(t, status.Failed())

	fake.taskLifecycle = types.DataRepositoryTaskLifecycleCanceled
	status, err = p.ExportStatus(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, status.Failed())
}

func TestVolumeProvisioner(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEC2{subnetAZ: "us-east-1b", state: ec2types.VolumeStateAvailable}
	p, err := NewVolumeProvisioner(fake, VolumeConfig{SubnetID: "subnet-aaa"}, nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ResourceEBS, p.Kind())

	created, err := p.Create(ctx, lustreSpec(pipeline.ModeVolume))
	require.NoError(t, err)
	assert.Equal(t, "vol-0123456789abcdef0", created.ResourceID)
	assert.Equal(t, "us-east-1b", aws.ToString(fake.createIn.AvailabilityZone))
	assert.Equal(t, ec2types.VolumeType("gp3"), fake.createIn.VolumeType)
	assert.Equal(t, int32(500), aws.ToInt32(fake.createIn.Size))
	assert.Equal(t, int32(5000), aws.ToInt32(fake.createIn.Iops))
	assert.Equal(t, int32(500), aws.ToInt32(fake.createIn.Throughput))

	status, err := p.Status(ctx, Handle{ResourceID: created.ResourceID})
	require.NoError(t, err)
	assert.True(t, status.Ready())

	fake.state = ec2types.VolumeStateError
	status, err = p.Status(ctx, Handle{ResourceID: created.ResourceID})
	require.NoError(t, err)
	assert.True(t, status.Failed())

	require.NoError(t, p.Delete(ctx, created.ResourceID))
	assert.Equal(t, []string{"vol-0123456789abcdef0"}, fake.deleted)

	fake.deleteErr = &mockAPIError{code: "VolumeInUse", message: "attached"}
	err = p.Delete(ctx, created.ResourceID)
	assert.True(t, cloud.IsResourceBusy(err))
	assert.True(t, cloud.IsRetryable(err))
}

func TestNewVolumeProvisioner_RequiresPlacement(t *testing.T) {
	_, err := NewVolumeProvisioner(&fakeEC2{}, VolumeConfig{}, nil)
	assert.Error(t, err)
}

func TestClientToken(t *testing.T) {
	assert.Nil(t, clientToken("", "x"))
	assert.Equal(t, "run-dra", *clientToken("run", "dra"))
	long := strings.Repeat("a", 80)
	assert.Len(t, *clientToken(long, ""), 63)
}
