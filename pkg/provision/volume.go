package provision

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/3leaps/hpcflow/pkg/cloud"
	"github.com/3leaps/hpcflow/pkg/pipeline"
)

// EC2VolumeAPI is the subset of the EC2 client used by the volume provisioner.
type EC2VolumeAPI interface {
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
}

// VolumeConfig holds the stack-level placement of volumes.
type VolumeConfig struct {
	// AvailabilityZone to create volumes in. When empty the zone of
	// SubnetID is looked up on first use.
	AvailabilityZone string
	SubnetID         string
}

// VolumeProvisioner manages EBS volumes.
type VolumeProvisioner struct {
	client EC2VolumeAPI
	cfg    VolumeConfig
	pacer  *cloud.Pacer
}

var _ Provisioner = (*VolumeProvisioner)(nil)

// NewVolumeProvisioner returns a provisioner. pacer may be nil.
func NewVolumeProvisioner(client EC2VolumeAPI, cfg VolumeConfig, pacer *cloud.Pacer) (*VolumeProvisioner, error) {
	if cfg.AvailabilityZone == "" && cfg.SubnetID == "" {
		return nil, errors.New("volume: availability zone or subnet is required")
	}
	return &VolumeProvisioner{client: client, cfg: cfg, pacer: pacer}, nil
}

// Kind returns ResourceEBS.
func (p *VolumeProvisioner) Kind() pipeline.ResourceKind { return pipeline.ResourceEBS }

// Create creates an unattached volume in the fleet's availability zone.
func (p *VolumeProvisioner) Create(ctx context.Context, spec Spec) (*Created, error) {
	zone, err := p.availabilityZone(ctx)
	if err != nil {
		return nil, &ProvisionError{Op: "DescribeSubnets", Kind: p.Kind(), Err: err}
	}

	input := &ec2.CreateVolumeInput{
		ClientToken:      clientToken(spec.RunID, ""),
		AvailabilityZone: aws.String(zone),
		Size:             aws.Int32(int32(spec.Volume.SizeGB)),
		VolumeType:       types.VolumeType(spec.Volume.VolumeType),
		Encrypted:        aws.Bool(true),
	}
	if spec.Volume.IOPS > 0 {
		input.Iops = aws.Int32(int32(spec.Volume.IOPS))
	}
	if spec.Volume.Throughput > 0 && spec.Volume.VolumeType == "gp3" {
		input.Throughput = aws.Int32(int32(spec.Volume.Throughput))
	}

	out, err := p.client.CreateVolume(ctx, input)
	if err != nil {
		return nil, &ProvisionError{Op: "CreateVolume", Kind: p.Kind(), Err: cloud.WrapError("ec2", "CreateVolume", "", err)}
	}
	if aws.ToString(out.VolumeId) == "" {
		return nil, &ProvisionError{Op: "CreateVolume", Kind: p.Kind(), Err: errors.New("response has no volume id")}
	}
	return &Created{ResourceID: aws.ToString(out.VolumeId)}, nil
}

func (p *VolumeProvisioner) availabilityZone(ctx context.Context) (string, error) {
	if p.cfg.AvailabilityZone != "" {
		return p.cfg.AvailabilityZone, nil
	}
	out, err := p.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{p.cfg.SubnetID}})
	if err != nil {
		return "", cloud.WrapError("ec2", "DescribeSubnets", p.cfg.SubnetID, err)
	}
	if len(out.Subnets) == 0 || aws.ToString(out.Subnets[0].AvailabilityZone) == "" {
		return "", &cloud.CloudError{Service: "ec2", Op: "DescribeSubnets", Resource: p.cfg.SubnetID, Err: cloud.ErrNotFound}
	}
	p.cfg.AvailabilityZone = aws.ToString(out.Subnets[0].AvailabilityZone)
	return p.cfg.AvailabilityZone, nil
}

// Status describes the volume.
func (p *VolumeProvisioner) Status(ctx context.Context, h Handle) (*Status, error) {
	if err := p.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := p.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{h.ResourceID}})
	if err != nil {
		return nil, cloud.WrapError("ec2", "DescribeVolumes", h.ResourceID, err)
	}
	if len(out.Volumes) == 0 {
		return nil, &cloud.CloudError{Service: "ec2", Op: "DescribeVolumes", Resource: h.ResourceID, Err: cloud.ErrNotFound}
	}

	raw := string(out.Volumes[0].State)
	return &Status{RawResource: raw, Resource: normalizeVolume(raw)}, nil
}

// Delete deletes the volume. A volume still attached to an instance returns
// an error classified as cloud.ErrResourceBusy.
func (p *VolumeProvisioner) Delete(ctx context.Context, resourceID string) error {
	_, err := p.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(resourceID)})
	if err != nil {
		wrapped := cloud.WrapError("ec2", "DeleteVolume", resourceID, err)
		if cloud.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}
