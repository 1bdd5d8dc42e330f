// Package pipeline defines the typed run configuration of a pipeline and
// how it is resolved from the flat string map held in the secret store.
package pipeline

import (
	"fmt"
	"strings"
)

// Mode selects which resource is provisioned and which sub-path runs after
// the batch job completes. It is fixed for the lifetime of a run.
type Mode string

const (
	// ModeAutoExport provisions a Lustre filesystem whose repository
	// association exports continuously; teardown waits for the export
	// backlog metric to drain.
	ModeAutoExport Mode = "auto-export"

	// ModeTaskExport provisions a Lustre filesystem and runs an explicit
	// export task after the job.
	ModeTaskExport Mode = "task-export"

	// ModeVolume provisions a block volume that the fleet attaches at boot.
	ModeVolume Mode = "volume"

	// ModeJobOnly runs the batch job without any managed resource.
	ModeJobOnly Mode = "job-only"
)

// ResourceKind is the kind of managed resource a mode provisions.
type ResourceKind string

const (
	ResourceLustre ResourceKind = "lustre"
	ResourceEBS    ResourceKind = "ebs"
	ResourceNone   ResourceKind = "none"
)

// ParseResourceKind parses the resourceType value.
func ParseResourceKind(s string) (ResourceKind, error) {
	switch ResourceKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", ResourceLustre, "fsx":
		return ResourceLustre, nil
	case ResourceEBS, "volume":
		return ResourceEBS, nil
	case ResourceNone:
		return ResourceNone, nil
	}
	return "", fmt.Errorf("unknown resource type %q (want lustre, ebs or none)", s)
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAutoExport, ModeTaskExport, ModeVolume, ModeJobOnly:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Resource returns the resource kind provisioned by the mode.
func (m Mode) Resource() ResourceKind {
	switch m {
	case ModeAutoExport, ModeTaskExport:
		return ResourceLustre
	case ModeVolume:
		return ResourceEBS
	default:
		return ResourceNone
	}
}

// AutoExport reports whether the repository association exports on its own.
func (m Mode) AutoExport() bool { return m == ModeAutoExport }

func (m Mode) String() string { return string(m) }
