package fleet

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/3leaps/hpcflow/pkg/cloud"
	"github.com/3leaps/hpcflow/pkg/pipeline"
)

// LatestVersion makes the compute environment follow the newest template version.
const LatestVersion = "$Latest"

// LaunchTemplateAPI is the subset of the EC2 client used to publish templates.
type LaunchTemplateAPI interface {
	CreateLaunchTemplate(ctx context.Context, params *ec2.CreateLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error)
	DescribeLaunchTemplates(ctx context.Context, params *ec2.DescribeLaunchTemplatesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error)
}

// ComputeEnvironmentAPI is the subset of the Batch client used to rebind the fleet.
type ComputeEnvironmentAPI interface {
	UpdateComputeEnvironment(ctx context.Context, params *batch.UpdateComputeEnvironmentInput, optFns ...func(*batch.Options)) (*batch.UpdateComputeEnvironmentOutput, error)
}

// BinderConfig names the fleet a binder manages.
type BinderConfig struct {
	// ComputeEnvironment is the compute environment name or ARN.
	ComputeEnvironment string

	// ServiceRole is passed through on every update.
	ServiceRole string

	// Region is interpolated into boot scripts.
	Region string
}

// Binder publishes launch templates and points the compute environment at them.
type Binder struct {
	ec2   LaunchTemplateAPI
	batch ComputeEnvironmentAPI
	cfg   BinderConfig
}

// NewBinder returns a binder for one compute environment.
func NewBinder(ec2Client LaunchTemplateAPI, batchClient ComputeEnvironmentAPI, cfg BinderConfig) (*Binder, error) {
	if cfg.ComputeEnvironment == "" {
		return nil, errors.New("fleet: compute environment is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("fleet: region is required")
	}
	return &Binder{ec2: ec2Client, batch: batchClient, cfg: cfg}, nil
}

// FleetID identifies the fleet for locking.
func (b *Binder) FleetID() string { return b.cfg.ComputeEnvironment }

// Region is the region boot scripts are rendered for.
func (b *Binder) Region() string { return b.cfg.Region }

// PublishLaunchTemplate creates a launch template carrying script as user
// data and returns its id. Re-publishing a name that already exists (a
// resumed run) returns the existing template's id.
func (b *Binder) PublishLaunchTemplate(ctx context.Context, name, script string) (string, error) {
	out, err := b.ec2.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(name),
		LaunchTemplateData: &ec2types.RequestLaunchTemplateData{
			UserData: aws.String(base64.StdEncoding.EncodeToString([]byte(script))),
		},
	})
	if err != nil {
		wrapped := cloud.WrapError("ec2", "CreateLaunchTemplate", name, err)
		var cerr *cloud.CloudError
		if errors.As(wrapped, &cerr) && cerr.Code == "InvalidLaunchTemplateName.AlreadyExistsException" {
			return b.existingTemplate(ctx, name)
		}
		return "", wrapped
	}
	if out.LaunchTemplate == nil || aws.ToString(out.LaunchTemplate.LaunchTemplateId) == "" {
		return "", &cloud.CloudError{Service: "ec2", Op: "CreateLaunchTemplate", Resource: name, Err: errors.New("response has no template id")}
	}
	return aws.ToString(out.LaunchTemplate.LaunchTemplateId), nil
}

func (b *Binder) existingTemplate(ctx context.Context, name string) (string, error) {
	out, err := b.ec2.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
		LaunchTemplateNames: []string{name},
	})
	if err != nil {
		return "", cloud.WrapError("ec2", "DescribeLaunchTemplates", name, err)
	}
	if len(out.LaunchTemplates) == 0 {
		return "", &cloud.CloudError{Service: "ec2", Op: "DescribeLaunchTemplates", Resource: name, Err: cloud.ErrNotFound}
	}
	return aws.ToString(out.LaunchTemplates[0].LaunchTemplateId), nil
}

// RebindComputeFleet points the compute environment at the latest version
// of templateID. Only the overrides set in compute are sent with it; the
// environment's other settings are left as they are. New instances boot with
// the template; instances already running keep their old boot script.
func (b *Binder) RebindComputeFleet(ctx context.Context, templateID string, compute pipeline.ComputeConfig) error {
	update := &batchtypes.ComputeResourceUpdate{
		LaunchTemplate: &batchtypes.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(templateID),
			Version:          aws.String(LatestVersion),
		},
		MinvCpus:     int32Ptr(compute.MinVcpus),
		MaxvCpus:     int32Ptr(compute.MaxVcpus),
		DesiredvCpus: int32Ptr(compute.DesiredVcpus),
	}
	if compute.Type != "" {
		update.Type = batchtypes.CRType(compute.Type)
	}
	if compute.AllocationStrategy != "" {
		update.AllocationStrategy = batchtypes.CRUpdateAllocationStrategy(compute.AllocationStrategy)
	}
	if len(compute.InstanceTypes) > 0 {
		update.InstanceTypes = compute.InstanceTypes
	}

	input := &batch.UpdateComputeEnvironmentInput{
		ComputeEnvironment: aws.String(b.cfg.ComputeEnvironment),
		ComputeResources:   update,
	}
	if b.cfg.ServiceRole != "" {
		input.ServiceRole = aws.String(b.cfg.ServiceRole)
	}

	if _, err := b.batch.UpdateComputeEnvironment(ctx, input); err != nil {
		return cloud.WrapError("batch", "UpdateComputeEnvironment", b.cfg.ComputeEnvironment, err)
	}
	return nil
}

func int32Ptr(v *int) *int32 {
	if v == nil {
		return nil
	}
	return aws.Int32(int32(*v))
}
