// Package provision creates, inspects and deletes the managed storage
// resource of a pipeline run: an FSx for Lustre filesystem linked to the
// data bucket, or an EBS volume the compute fleet attaches at boot.
//
// Status calls never change cloud state; readiness is decided by the
// caller polling Status at a fixed interval.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/hpcflow/pkg/pipeline"
)

// Lifecycle is the normalized lifecycle of a managed resource or of its
// data repository association.
type Lifecycle string

const (
	LifecycleCreating      Lifecycle = "CREATING"
	LifecycleAvailable     Lifecycle = "AVAILABLE"
	LifecycleUpdating      Lifecycle = "UPDATING"
	LifecycleMisconfigured Lifecycle = "MISCONFIGURED"
	LifecycleFailed        Lifecycle = "FAILED"
	LifecycleDeleting      Lifecycle = "DELETING"
	LifecycleDeleted       Lifecycle = "DELETED"
	LifecycleUnknown       Lifecycle = "UNKNOWN"
)

// Spec carries the per-run sizing of the resource to create.
type Spec struct {
	// RunID makes create calls idempotent across resumed runs.
	RunID  string
	Mode   pipeline.Mode
	Lustre pipeline.LustreConfig
	Volume pipeline.VolumeConfig
}

// Created identifies a freshly created resource.
type Created struct {
	ResourceID    string
	AssociationID string
	MountName     string
}

// Handle identifies the resource to inspect.
type Handle struct {
	ResourceID    string
	AssociationID string
}

// Status is a point-in-time view of a resource.
type Status struct {
	Resource    Lifecycle
	Association Lifecycle

	// Raw values as reported by the service.
	RawResource    string
	RawAssociation string

	// HasAssociation is true for resources that need a repository
	// association before they can be used.
	HasAssociation bool

	MountName string
	DNSName   string

	// Message carries the service's failure detail, if any.
	Message string
}

// Ready reports whether the resource can be bound to the fleet: the resource
// is available and, when it has one, so is its association.
func (s *Status) Ready() bool {
	if s == nil || s.Resource != LifecycleAvailable {
		return false
	}
	return !s.HasAssociation || s.Association == LifecycleAvailable
}

// Failed reports whether provisioning ended in a state that will not recover.
func (s *Status) Failed() bool {
	if s == nil {
		return false
	}
	switch s.Resource {
	case LifecycleFailed, LifecycleMisconfigured, LifecycleDeleted, LifecycleDeleting:
		return true
	}
	return s.HasAssociation && (s.Association == LifecycleFailed || s.Association == LifecycleMisconfigured)
}

// Provisioner is implemented by LustreProvisioner and VolumeProvisioner.
type Provisioner interface {
	Create(ctx context.Context, spec Spec) (*Created, error)
	Status(ctx context.Context, h Handle) (*Status, error)
	Delete(ctx context.Context, resourceID string) error
	Kind() pipeline.ResourceKind
}

// ErrProvisionRejected is the root of every ProvisionError.
var ErrProvisionRejected = errors.New("provisioning rejected")

// ProvisionError reports that the cloud API rejected a create request.
// It is not retried.
type ProvisionError struct {
	Op   string
	Kind pipeline.ResourceKind

	// ResourceID is set when part of the resource was created before the
	// failure (e.g., the filesystem exists but its association was rejected).
	ResourceID string

	Err error
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("provision %s %s: %s: %v", e.Kind, e.Op, e.ResourceID, e.Err)
	}
	return fmt.Sprintf("provision %s %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProvisionError) Unwrap() error { return e.Err }

// Is matches ErrProvisionRejected.
func (e *ProvisionError) Is(target error) bool { return target == ErrProvisionRejected }

// clientToken derives an idempotency token from the run id, bounded to the
// 63 characters FSx accepts.
func clientToken(runID, suffix string) *string {
	if runID == "" {
		return nil
	}
	token := runID
	if suffix != "" {
		token += "-" + suffix
	}
	if len(token) > 63 {
		token = token[:63]
	}
	return &token
}

func normalizeFSx(raw string) Lifecycle {
	switch strings.ToUpper(raw) {
	case "CREATING":
		return LifecycleCreating
	case "AVAILABLE":
		return LifecycleAvailable
	case "UPDATING":
		return LifecycleUpdating
	case "MISCONFIGURED", "MISCONFIGURED_UNAVAILABLE":
		return LifecycleMisconfigured
	case "FAILED":
		return LifecycleFailed
	case "DELETING":
		return LifecycleDeleting
	}
	return LifecycleUnknown
}

func normalizeVolume(raw string) Lifecycle {
	switch strings.ToLower(raw) {
	case "creating":
		return LifecycleCreating
	case "available", "in-use":
		return LifecycleAvailable
	case "deleting":
		return LifecycleDeleting
	case "deleted":
		return LifecycleDeleted
	case "error":
		return LifecycleFailed
	}
	return LifecycleUnknown
}
