package provision

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/fsx"
	"github.com/aws/aws-sdk-go-v2/service/fsx/types"
	"github.com/aws/smithy-go"
)

type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

type fakeFSx struct {
	createFSIn   *fsx.CreateFileSystemInput
	createDRAIn  *fsx.CreateDataRepositoryAssociationInput
	createTaskIn *fsx.CreateDataRepositoryTaskInput
	deleted      []string

	createFSErr  error
	createDRAErr error
	deleteErr    error

	fsLifecycle   types.FileSystemLifecycle
	draLifecycle  types.DataRepositoryLifecycle
	taskLifecycle types.DataRepositoryTaskLifecycle
}

func (f *fakeFSx) CreateFileSystem(_ context.Context, in *fsx.CreateFileSystemInput, _ ...func(*fsx.Options)) (*fsx.CreateFileSystemOutput, error) {
	f.createFSIn = in
	if f.createFSErr != nil {
		return nil, f.createFSErr
	}
	return &fsx.CreateFileSystemOutput{FileSystem: &types.FileSystem{
		FileSystemId:        aws.String("fs-0123456789abcdef0"),
		Lifecycle:           types.FileSystemLifecycleCreating,
		LustreConfiguration: &types.LustreFileSystemConfiguration{MountName: aws.String("abcdefgh")},
	}}, nil
}

func (f *fakeFSx) DescribeFileSystems(_ context.Context, in *fsx.DescribeFileSystemsInput, _ ...func(*fsx.Options)) (*fsx.DescribeFileSystemsOutput, error) {
	return &fsx.DescribeFileSystemsOutput{FileSystems: []types.FileSystem{{
		FileSystemId:        aws.String(in.FileSystemIds[0]),
		Lifecycle:           f.fsLifecycle,
		DNSName:             aws.String(in.FileSystemIds[0] + ".fsx.us-east-1.amazonaws.com"),
		LustreConfiguration: &types.LustreFileSystemConfiguration{MountName: aws.String("abcdefgh")},
	}}}, nil
}

func (f *fakeFSx) DeleteFileSystem(_ context.Context, in *fsx.DeleteFileSystemInput, _ ...func(*fsx.Options)) (*fsx.DeleteFileSystemOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.FileSystemId))
	return &fsx.DeleteFileSystemOutput{}, nil
}

func (f *fakeFSx) CreateDataRepositoryAssociation(_ context.Context, in *fsx.CreateDataRepositoryAssociationInput, _ ...func(*fsx.Options)) (*fsx.CreateDataRepositoryAssociationOutput, error) {
	f.createDRAIn = in
	if f.createDRAErr != nil {
		return nil, f.createDRAErr
	}
	return &fsx.CreateDataRepositoryAssociationOutput{Association: &types.DataRepositoryAssociation{
		AssociationId: aws.String("dra-0123456789abcdef0"),
		Lifecycle:     types.DataRepositoryLifecycleCreating,
	}}, nil
}

func (f *fakeFSx) DescribeDataRepositoryAssociations(_ context.Context, in *fsx.DescribeDataRepositoryAssociationsInput, _ ...func(*fsx.Options)) (*fsx.DescribeDataRepositoryAssociationsOutput, error) {
	return &fsx.DescribeDataRepositoryAssociationsOutput{Associations: []types.DataRepositoryAssociation{{
		AssociationId: aws.String(in.AssociationIds[0]),
		Lifecycle:     f.draLifecycle,
	}}}, nil
}

func (f *fakeFSx) CreateDataRepositoryTask(_ context.Context, in *fsx.CreateDataRepositoryTaskInput, _ ...func(*fsx.Options)) (*fsx.CreateDataRepositoryTaskOutput, error) {
	f.createTaskIn = in
	return &fsx.CreateDataRepositoryTaskOutput{DataRepositoryTask: &types.DataRepositoryTask{
		TaskId:    aws.String("task-0123456789abcdef0"),
		Lifecycle: types.DataRepositoryTaskLifecyclePending,
	}}, nil
}

func (f *fakeFSx) DescribeDataRepositoryTasks(_ context.Context, in *fsx.DescribeDataRepositoryTasksInput, _ ...func(*fsx.Options)) (*fsx.DescribeDataRepositoryTasksOutput, error) {
	return &fsx.DescribeDataRepositoryTasksOutput{DataRepositoryTasks: []types.DataRepositoryTask{{
		TaskId:    aws.String(in.TaskIds[0]),
		Lifecycle: f.taskLifecycle,
	}}}, nil
}

type fakeEC2 struct {
	createIn  *ec2.CreateVolumeInput
	state     ec2types.VolumeState
	deleteErr error
	deleted   []string
	subnetAZ  string
}

func (f *fakeEC2) CreateVolume(_ context.Context, in *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	f.createIn = in
	return &ec2.CreateVolumeOutput{VolumeId: aws.String("vol-0123456789abcdef0"), State: ec2types.VolumeStateCreating}, nil
}

func (f *fakeEC2) DescribeVolumes(_ context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	return &ec2.DescribeVolumesOutput{Volumes: []ec2types.Volume{{VolumeId: aws.String(in.VolumeIds[0]), State: f.state}}}, nil
}

func (f *fakeEC2) DeleteVolume(_ context.Context, in *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.VolumeId))
	return &ec2.DeleteVolumeOutput{}, nil
}

func (f *fakeEC2) DescribeSubnets(_ context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return &ec2.DescribeSubnetsOutput{Subnets: []ec2types.Subnet{{SubnetId: aws.String(in.SubnetIds[0]), AvailabilityZone: aws.String(f.subnetAZ)}}}, nil
}
