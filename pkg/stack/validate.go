package stack

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/hpcflow/internal/assets/schemas"
)

// ErrValidationFailed is the root of every ValidationErrors.
var ErrValidationFailed = errors.New("stack validation failed")

// ValidationError is one problem with a stack file. Path is a JSON pointer
// such as "/network/subnetIds".
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}

	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("stack validation failed with %d errors:", len(e)))
	for _, err := range e {
		lines = append(lines, "  - "+err.Error())
	}
	return strings.Join(lines, "\n")
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

var stackSchema = sync.OnceValues(func() (*schema.Validator, error) {
	if len(schemasassets.StackSchema) == 0 {
		return nil, errors.New("embedded stack schema is empty")
	}
	v, err := schema.NewValidator(schemasassets.StackSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile stack schema: %w", err)
	}
	return v, nil
})

// ValidateRaw checks a JSON document against the stack schema. Structural
// problems (missing sections, malformed ids, unknown fields) are caught here.
func ValidateRaw(jsonData []byte) error {
	v, err := stackSchema()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Validate checks the cross-field rules of a parsed stack with defaults
// applied.
func (s *Stack) Validate() error {
	var errs ValidationErrors

	fsPath := s.Storage.FileSystemPath
	fsPathValid := path.IsAbs(fsPath)
	if !fsPathValid {
		errs = append(errs, ValidationError{Path: "/storage/fileSystemPath", Message: "must be an absolute path"})
	}
	for i, p := range s.Storage.ExportPaths {
		ptr := fmt.Sprintf("/storage/exportPaths/%d", i)
		switch {
		case !path.IsAbs(p):
			errs = append(errs, ValidationError{Path: ptr, Message: "must be an absolute path"})
		case fsPathValid && !within(fsPath, p):
			errs = append(errs, ValidationError{Path: ptr, Message: fmt.Sprintf("must be inside %s", fsPath)})
		}
	}

	if s.Region != "" {
		for ptr, arn := range map[string]string{
			"/compute/computeEnvironment": s.Compute.ComputeEnvironment,
			"/compute/jobQueue":           s.Compute.JobQueue,
		} {
			if r := arnRegion(arn); r != "" && r != s.Region {
				errs = append(errs, ValidationError{Path: ptr, Message: fmt.Sprintf("region %s does not match stack region %s", r, s.Region)})
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func within(root, p string) bool {
	root, p = path.Clean(root), path.Clean(p)
	return p == root || root == "/" || strings.HasPrefix(p, root+"/")
}

// arnRegion returns the region field of an ARN, or "" for plain names.
func arnRegion(s string) string {
	if !strings.HasPrefix(s, "arn:") {
		return ""
	}
	parts := strings.SplitN(s, ":", 5)
	if len(parts) < 5 {
		return ""
	}
	return parts[3]
}
