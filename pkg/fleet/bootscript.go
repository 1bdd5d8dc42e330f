// Package fleet binds a managed resource to the batch compute fleet: it
// renders the instance boot script that mounts the resource, publishes it
// as a launch template and points the compute environment at it.
package fleet

import (
	"bytes"
	"fmt"
	"regexp"
	"text/template"

	"github.com/3leaps/hpcflow/pkg/pipeline"
)

// Boundary separates the parts of the multipart boot document.
const Boundary = "==MYBOUNDARY=="

// Default mount locations on the instance.
const (
	DefaultLustreMountDir = "/fsx"
	DefaultVolumeMountDir = "/data"
	DefaultVolumeDevice   = "/dev/xvdf"
)

// BootParams describes what the boot script mounts.
type BootParams struct {
	Kind       pipeline.ResourceKind
	ResourceID string
	Region     string

	// MountName is the Lustre mount name reported by the filesystem.
	MountName string

	// MountDir overrides the default mount directory.
	MountDir string

	// Device is the block device a volume is attached as.
	Device string
}

var (
	safeIdent = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	safePath  = regexp.MustCompile(`^/[A-Za-z0-9._/-]*$`)
)

func (p *BootParams) normalize() error {
	switch p.Kind {
	case pipeline.ResourceLustre:
		if p.MountDir == "" {
			p.MountDir = DefaultLustreMountDir
		}
		if !safeIdent.MatchString(p.MountName) {
			return fmt.Errorf("boot script: invalid mount name %q", p.MountName)
		}
	case pipeline.ResourceEBS:
		if p.MountDir == "" {
			p.MountDir = DefaultVolumeMountDir
		}
		if p.Device == "" {
			p.Device = DefaultVolumeDevice
		}
		if !safePath.MatchString(p.Device) {
			return fmt.Errorf("boot script: invalid device %q", p.Device)
		}
	default:
		return fmt.Errorf("boot script: resource kind %q has nothing to mount", p.Kind)
	}

	if !safeIdent.MatchString(p.ResourceID) {
		return fmt.Errorf("boot script: invalid resource id %q", p.ResourceID)
	}
	if !safeIdent.MatchString(p.Region) {
		return fmt.Errorf("boot script: invalid region %q", p.Region)
	}
	if !safePath.MatchString(p.MountDir) {
		return fmt.Errorf("boot script: invalid mount directory %q", p.MountDir)
	}
	return nil
}

// The cloud-boothook part runs on every boot, before the container agent
// starts, so the mount is in place when jobs land on the instance.
var lustreScript = template.Must(template.New("lustre").Parse(`Content-Type: multipart/mixed; boundary="{{.Boundary}}"
MIME-Version: 1.0

--{{.Boundary}}
Content-Type: text/cloud-boothook; charset="us-ascii"

file_system_id={{.ResourceID}}
region={{.Region}}
fsx_directory={{.MountDir}}
fsx_mount_name={{.MountName}}
amazon-linux-extras install -y lustre
mkdir -p $fsx_directory
mount -t lustre -o noatime,flock $file_system_id.fsx.$region.amazonaws.com@tcp:/$fsx_mount_name $fsx_directory

--{{.Boundary}}--`))

var volumeScript = template.Must(template.New("volume").Parse(`Content-Type: multipart/mixed; boundary="{{.Boundary}}"
MIME-Version: 1.0

--{{.Boundary}}
Content-Type: text/cloud-boothook; charset="us-ascii"

volume_id={{.ResourceID}}
region={{.Region}}
device={{.Device}}
mount_dir={{.MountDir}}
yum install -y unzip file
curl -s "https://awscli.amazonaws.com/awscli-exe-linux-x86_64.zip" -o /tmp/awscliv2.zip
unzip -q -o /tmp/awscliv2.zip -d /tmp
/tmp/aws/install --update
token=$(curl -s -X PUT "http://169.254.169.254/latest/api/token" -H "X-aws-ec2-metadata-token-ttl-seconds: 21600")
instance_id=$(curl -s -H "X-aws-ec2-metadata-token: $token" http://169.254.169.254/latest/meta-data/instance-id)
/usr/local/bin/aws ec2 attach-volume --region $region --volume-id $volume_id --instance-id $instance_id --device $device
sleep 10
if [ "$(file -b -s $device)" = "data" ]; then
  mkfs -t xfs $device
fi
mkdir -p $mount_dir
mount $device $mount_dir

--{{.Boundary}}--`))

// BuildBootScript renders the boot document for p. The output depends only
// on p: identical inputs produce byte-identical scripts.
func BuildBootScript(p BootParams) (string, error) {
	if err := p.normalize(); err != nil {
		return "", err
	}

	tmpl := lustreScript
	if p.Kind == pipeline.ResourceEBS {
		tmpl = volumeScript
	}

	data := struct {
		BootParams
		Boundary string
	}{p, Boundary}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("boot script: %w", err)
	}
	return buf.String(), nil
}
