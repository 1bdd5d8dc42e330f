package orchestrator

import (
	"path"

	"github.com/3leaps/hpcflow/pkg/fleet"
	"github.com/3leaps/hpcflow/pkg/jobrun"
	"github.com/3leaps/hpcflow/pkg/pipeline"
	"github.com/3leaps/hpcflow/pkg/stack"
)

// namePrefix is the per-kind prefix of launch template, job definition and
// job names.
func namePrefix(kind pipeline.ResourceKind) string {
	switch kind {
	case pipeline.ResourceLustre:
		return "lustre"
	case pipeline.ResourceEBS:
		return "ebs"
	default:
		return "batch"
	}
}

// nameSuffix is the resource id, or the run id when there is no resource.
func nameSuffix(ec *ExecutionContext) string {
	if ec.Mode.Resource() == pipeline.ResourceNone {
		return ec.RunID
	}
	return ec.ResourceID()
}

func launchTemplateName(ec *ExecutionContext) string {
	return namePrefix(ec.Mode.Resource()) + "-mount-" + nameSuffix(ec)
}

func jobDefinitionName(ec *ExecutionContext) string {
	return namePrefix(ec.Mode.Resource()) + "-job-definition-" + nameSuffix(ec)
}

func jobName(ec *ExecutionContext) string {
	return namePrefix(ec.Mode.Resource()) + "-job-" + nameSuffix(ec)
}

// jobMounts maps the fleet mount into the container.
func jobMounts(kind pipeline.ResourceKind, fsPath string) []jobrun.Mount {
	switch kind {
	case pipeline.ResourceLustre:
		if fsPath == "" {
			fsPath = stack.DefaultFileSystemPath
		}
		return []jobrun.Mount{{
			VolumeName:    path.Base(fsPath),
			HostPath:      path.Join(fleet.DefaultLustreMountDir, fsPath),
			ContainerPath: fsPath,
		}}
	case pipeline.ResourceEBS:
		return []jobrun.Mount{{
			VolumeName:    path.Base(fleet.DefaultVolumeMountDir),
			HostPath:      fleet.DefaultVolumeMountDir,
			ContainerPath: fleet.DefaultVolumeMountDir,
		}}
	default:
		return nil
	}
}
