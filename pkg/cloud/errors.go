package cloud

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Sentinel errors for cloud operations.
var (
	// ErrNotFound indicates the referenced resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidRequest indicates the service rejected the request parameters.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrQuotaExceeded indicates an account or service quota was hit.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrServiceUnavailable indicates the service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrResourceBusy indicates the resource is in a state that blocks the
	// operation for now (e.g., a volume still attached).
	ErrResourceBusy = errors.New("resource busy")
)

// CloudError wraps service errors with context.
type CloudError struct {
	// Service is the AWS service (e.g., "fsx", "batch").
	Service string

	// Op is the API operation that failed (e.g., "CreateFileSystem").
	Op string

	// Resource is the resource identifier, if applicable.
	Resource string

	// Code is the service error code when the error came from the API.
	Code string

	// Err is the classified sentinel or the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CloudError) Error() string {
	detail := e.Err.Error()
	if e.Code != "" && !strings.Contains(detail, e.Code) {
		detail = e.Code + ": " + detail
	}
	if e.Resource != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Service, e.Op, e.Resource, detail)
	}
	return fmt.Sprintf("%s %s: %s", e.Service, e.Op, detail)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CloudError) Unwrap() error {
	return e.Err
}

// WrapError classifies err into one of the sentinel errors and wraps it with context.
// A nil err returns nil.
func WrapError(service, op, resource string, err error) error {
	if err == nil {
		return nil
	}

	wrapped := &CloudError{
		Service:  service,
		Op:       op,
		Resource: resource,
		Err:      err,
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		wrapped.Code = code
		if sentinel := classifyCode(code); sentinel != nil {
			wrapped.Err = fmt.Errorf("%w: %s", sentinel, apiErr.ErrorMessage())
		}
		return wrapped
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = fmt.Errorf("%w: %v", ErrNotFound, err)
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "403"):
		wrapped.Err = fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case strings.Contains(errMsg, "Throttl") || strings.Contains(errMsg, "429"):
		wrapped.Err = fmt.Errorf("%w: %v", ErrThrottled, err)
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	return wrapped
}

func classifyCode(code string) error {
	switch code {
	case "FileSystemNotFound", "DataRepositoryAssociationNotFound", "DataRepositoryTaskNotFound",
		"InvalidVolume.NotFound", "InvalidLaunchTemplateId.NotFound", "ResourceNotFoundException",
		"NoSuchBucket", "NotFound":
		return ErrNotFound
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation", "Forbidden":
		return ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "UnrecognizedClientException",
		"InvalidClientTokenId", "ExpiredToken", "AuthFailure":
		return ErrInvalidCredentials
	case "BadRequest", "ClientException", "IncompatibleParameterError", "InvalidParameterValue",
		"InvalidParameterException", "InvalidNetworkSettings", "ValidationException",
		"InvalidParameterCombination", "InvalidLaunchTemplateName.AlreadyExistsException":
		return ErrInvalidRequest
	case "ServiceLimitExceeded", "VolumeLimitExceeded", "LimitExceededException":
		return ErrQuotaExceeded
	case "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException", "SlowDown":
		return ErrThrottled
	case "VolumeInUse", "IncorrectState", "IncorrectInstanceState", "ResourceInUseException":
		return ErrResourceBusy
	case "InternalServerError", "ServerException", "ServiceUnavailable", "InternalError",
		"ServiceException", "InternalFailure":
		return ErrServiceUnavailable
	}
	return nil
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsInvalidCredentials returns true if the error indicates authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsServiceUnavailable returns true if the service reported an internal fault.
func IsServiceUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}

// IsResourceBusy returns true if the resource state blocks the operation for now.
func IsResourceBusy(err error) bool {
	return errors.Is(err, ErrResourceBusy)
}

// IsRetryable reports whether repeating the same call later may succeed.
func IsRetryable(err error) bool {
	return IsThrottled(err) || IsServiceUnavailable(err) || IsResourceBusy(err)
}
