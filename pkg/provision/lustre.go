package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/fsx"
	"github.com/aws/aws-sdk-go-v2/service/fsx/types"

	"github.com/3leaps/hpcflow/pkg/cloud"
	"github.com/3leaps/hpcflow/pkg/pipeline"
)

// FSxAPI is the subset of the FSx client used by the Lustre provisioner.
type FSxAPI interface {
	CreateFileSystem(ctx context.Context, params *fsx.CreateFileSystemInput, optFns ...func(*fsx.Options)) (*fsx.CreateFileSystemOutput, error)
	DescribeFileSystems(ctx context.Context, params *fsx.DescribeFileSystemsInput, optFns ...func(*fsx.Options)) (*fsx.DescribeFileSystemsOutput, error)
	DeleteFileSystem(ctx context.Context, params *fsx.DeleteFileSystemInput, optFns ...func(*fsx.Options)) (*fsx.DeleteFileSystemOutput, error)
	CreateDataRepositoryAssociation(ctx context.Context, params *fsx.CreateDataRepositoryAssociationInput, optFns ...func(*fsx.Options)) (*fsx.CreateDataRepositoryAssociationOutput, error)
	DescribeDataRepositoryAssociations(ctx context.Context, params *fsx.DescribeDataRepositoryAssociationsInput, optFns ...func(*fsx.Options)) (*fsx.DescribeDataRepositoryAssociationsOutput, error)
	CreateDataRepositoryTask(ctx context.Context, params *fsx.CreateDataRepositoryTaskInput, optFns ...func(*fsx.Options)) (*fsx.CreateDataRepositoryTaskOutput, error)
	DescribeDataRepositoryTasks(ctx context.Context, params *fsx.DescribeDataRepositoryTasksInput, optFns ...func(*fsx.Options)) (*fsx.DescribeDataRepositoryTasksOutput, error)
}

// LustreConfig holds the stack-level placement of Lustre filesystems.
type LustreConfig struct {
	// SubnetIDs places the filesystem; only the first subnet is used.
	SubnetIDs        []string
	SecurityGroupIDs []string

	// FileSystemPath is where the bucket is linked inside the filesystem.
	FileSystemPath string

	// DataRepositoryPath is the linked S3 URI, e.g. s3://bucket/.
	DataRepositoryPath string
}

// Validate checks required placement fields.
func (c LustreConfig) Validate() error {
	switch {
	case len(c.SubnetIDs) == 0:
		return errors.New("lustre: at least one subnet is required")
	case c.FileSystemPath == "":
		return errors.New("lustre: filesystem path is required")
	case c.DataRepositoryPath == "":
		return errors.New("lustre: data repository path is required")
	}
	return nil
}

// LustreProvisioner manages FSx for Lustre filesystems and their data
// repository associations and export tasks.
type LustreProvisioner struct {
	client FSxAPI
	cfg    LustreConfig
	pacer  *cloud.Pacer
}

var _ Provisioner = (*LustreProvisioner)(nil)

// NewLustreProvisioner returns a provisioner. pacer may be nil.
func NewLustreProvisioner(client FSxAPI, cfg LustreConfig, pacer *cloud.Pacer) (*LustreProvisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LustreProvisioner{client: client, cfg: cfg, pacer: pacer}, nil
}

// Kind returns ResourceLustre.
func (p *LustreProvisioner) Kind() pipeline.ResourceKind { return pipeline.ResourceLustre }

// Create creates the filesystem and immediately links it to the data
// repository. The association reaches AVAILABLE after the filesystem does.
func (p *LustreProvisioner) Create(ctx context.Context, spec Spec) (*Created, error) {
	out, err := p.client.CreateFileSystem(ctx, &fsx.CreateFileSystemInput{
		ClientRequestToken:    clientToken(spec.RunID, ""),
		FileSystemType:        types.FileSystemTypeLustre,
		FileSystemTypeVersion: aws.String(spec.Lustre.FileSystemTypeVersion),
		StorageCapacity:       aws.Int32(int32(spec.Lustre.StorageCapacity)),
		SubnetIds:             []string{p.cfg.SubnetIDs[0]},
		SecurityGroupIds:      p.cfg.SecurityGroupIDs,
		LustreConfiguration: &types.CreateFileSystemLustreConfiguration{
			DeploymentType: types.LustreDeploymentType(spec.Lustre.DeploymentType),
		},
	})
	if err != nil {
		return nil, &ProvisionError{Op: "CreateFileSystem", Kind: p.Kind(), Err: cloud.WrapError("fsx", "CreateFileSystem", "", err)}
	}
	if out.FileSystem == nil || aws.ToString(out.FileSystem.FileSystemId) == "" {
		return nil, &ProvisionError{Op: "CreateFileSystem", Kind: p.Kind(), Err: errors.New("response has no filesystem id")}
	}

	created := &Created{ResourceID: aws.ToString(out.FileSystem.FileSystemId)}
	if lc := out.FileSystem.LustreConfiguration; lc != nil {
		created.MountName = aws.ToString(lc.MountName)
	}

	assoc, err := p.client.CreateDataRepositoryAssociation(ctx, p.associationInput(spec, created.ResourceID))
	if err != nil {
		return created, &ProvisionError{
			Op:         "CreateDataRepositoryAssociation",
			Kind:       p.Kind(),
			ResourceID: created.ResourceID,
			Err:        cloud.WrapError("fsx", "CreateDataRepositoryAssociation", created.ResourceID, err),
		}
	}
	if assoc.Association != nil {
		created.AssociationID = aws.ToString(assoc.Association.AssociationId)
	}
	if created.AssociationID == "" {
		return created, &ProvisionError{
			Op:         "CreateDataRepositoryAssociation",
			Kind:       p.Kind(),
			ResourceID: created.ResourceID,
			Err:        errors.New("response has no association id"),
		}
	}

	return created, nil
}

func (p *LustreProvisioner) associationInput(spec Spec, fileSystemID string) *fsx.CreateDataRepositoryAssociationInput {
	events := []types.EventType{types.EventTypeNew, types.EventTypeChanged, types.EventTypeDeleted}

	s3cfg := &types.S3DataRepositoryConfiguration{
		AutoImportPolicy: &types.AutoImportPolicy{Events: events},
	}
	if spec.Mode.AutoExport() {
		s3cfg.AutoExportPolicy = &types.AutoExportPolicy{Events: events}
	}

	return &fsx.CreateDataRepositoryAssociationInput{
		ClientRequestToken:          clientToken(spec.RunID, "dra"),
		FileSystemId:                aws.String(fileSystemID),
		FileSystemPath:              aws.String(p.cfg.FileSystemPath),
		DataRepositoryPath:          aws.String(p.cfg.DataRepositoryPath),
		BatchImportMetaDataOnCreate: aws.Bool(true),
		ImportedFileChunkSize:       aws.Int32(int32(spec.Lustre.ImportedFileChunkSize)),
		S3:                          s3cfg,
	}
}

// Status describes the filesystem and its association.
func (p *LustreProvisioner) Status(ctx context.Context, h Handle) (*Status, error) {
	if err := p.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := p.client.DescribeFileSystems(ctx, &fsx.DescribeFileSystemsInput{
		FileSystemIds: []string{h.ResourceID},
	})
	if err != nil {
		return nil, cloud.WrapError("fsx", "DescribeFileSystems", h.ResourceID, err)
	}
	if len(out.FileSystems) == 0 {
		return nil, &cloud.CloudError{Service: "fsx", Op: "DescribeFileSystems", Resource: h.ResourceID, Err: cloud.ErrNotFound}
	}

	fs := out.FileSystems[0]
	status := &Status{
		RawResource:    string(fs.Lifecycle),
		Resource:       normalizeFSx(string(fs.Lifecycle)),
		HasAssociation: true,
		DNSName:        aws.ToString(fs.DNSName),
	}
	if fs.LustreConfiguration != nil {
		status.MountName = aws.ToString(fs.LustreConfiguration.MountName)
	}
	if fs.FailureDetails != nil {
		status.Message = aws.ToString(fs.FailureDetails.Message)
	}

	if h.AssociationID == "" {
		status.Association = LifecycleUnknown
		return status, nil
	}

	assoc, err := p.client.DescribeDataRepositoryAssociations(ctx, &fsx.DescribeDataRepositoryAssociationsInput{
		AssociationIds: []string{h.AssociationID},
	})
	if err != nil {
		return nil, cloud.WrapError("fsx", "DescribeDataRepositoryAssociations", h.AssociationID, err)
	}
	if len(assoc.Associations) == 0 {
		return nil, &cloud.CloudError{Service: "fsx", Op: "DescribeDataRepositoryAssociations", Resource: h.AssociationID, Err: cloud.ErrNotFound}
	}

	a := assoc.Associations[0]
	status.RawAssociation = string(a.Lifecycle)
	status.Association = normalizeFSx(string(a.Lifecycle))
	if a.FailureDetails != nil && status.Message == "" {
		status.Message = aws.ToString(a.FailureDetails.Message)
	}
	return status, nil
}

// Delete deletes the filesystem. A filesystem that is already gone is not an error.
func (p *LustreProvisioner) Delete(ctx context.Context, resourceID string) error {
	_, err := p.client.DeleteFileSystem(ctx, &fsx.DeleteFileSystemInput{
		FileSystemId: aws.String(resourceID),
	})
	if err != nil {
		wrapped := cloud.WrapError("fsx", "DeleteFileSystem", resourceID, err)
		if cloud.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

// ExportStatus is the state of a data repository export task.
type ExportStatus struct {
	TaskID    string
	Lifecycle string
	Message   string
}

// Export task lifecycles reported by FSx.
const (
	ExportPending   = "PENDING"
	ExportExecuting = "EXECUTING"
	ExportSucceeded = "SUCCEEDED"
	ExportFailed    = "FAILED"
	ExportCanceled  = "CANCELED"
	ExportCanceling = "CANCELING"
)

// Succeeded reports whether the export finished.
func (s *ExportStatus) Succeeded() bool { return s != nil && s.Lifecycle == ExportSucceeded }

// Failed reports whether the export ended without completing.
func (s *ExportStatus) Failed() bool {
	return s != nil && (s.Lifecycle == ExportFailed || s.Lifecycle == ExportCanceled)
}

// StartExport starts an export of paths back to the data repository.
// The completion report is disabled.
func (p *LustreProvisioner) StartExport(ctx context.Context, runID, fileSystemID string, paths []string) (string, error) {
	out, err := p.client.CreateDataRepositoryTask(ctx, &fsx.CreateDataRepositoryTaskInput{
		ClientRequestToken: clientToken(runID, "export"),
		FileSystemId:       aws.String(fileSystemID),
		Type:               types.DataRepositoryTaskType("EXPORT_TO_REPOSITORY"),
		Paths:              paths,
		Report:             &types.CompletionReport{Enabled: aws.Bool(false)},
	})
	if err != nil {
		return "", cloud.WrapError("fsx", "CreateDataRepositoryTask", fileSystemID, err)
	}
	if out.DataRepositoryTask == nil || aws.ToString(out.DataRepositoryTask.TaskId) == "" {
		return "", fmt.Errorf("fsx CreateDataRepositoryTask: %s: response has no task id", fileSystemID)
	}
	return aws.ToString(out.DataRepositoryTask.TaskId), nil
}

// ExportStatus describes an export task.
func (p *LustreProvisioner) ExportStatus(ctx context.Context, taskID string) (*ExportStatus, error) {
	if err := p.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := p.client.DescribeDataRepositoryTasks(ctx, &fsx.DescribeDataRepositoryTasksInput{
		TaskIds: []string{taskID},
	})
	if err != nil {
		return nil, cloud.WrapError("fsx", "DescribeDataRepositoryTasks", taskID, err)
	}
	if len(out.DataRepositoryTasks) == 0 {
		return nil, &cloud.CloudError{Service: "fsx", Op: "DescribeDataRepositoryTasks", Resource: taskID, Err: cloud.ErrNotFound}
	}

	task := out.DataRepositoryTasks[0]
	status := &ExportStatus{TaskID: taskID, Lifecycle: string(task.Lifecycle)}
	if task.FailureDetails != nil {
		status.Message = aws.ToString(task.FailureDetails.Message)
	}
	return status, nil
}
