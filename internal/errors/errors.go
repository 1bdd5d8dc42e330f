// Package errors defines the application error type and its HTTP rendering.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Error codes used in HTTP responses.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error with a stable code and an HTTP status.
type AppError struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails attaches response details and returns e.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// NewBadRequestError reports invalid client input.
func NewBadRequestError(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message, Status: http.StatusNotFound}
}

// NewMethodNotAllowedError reports an unsupported method on a route.
func NewMethodNotAllowedError(message string) *AppError {
	return &AppError{Code: CodeMethodNotAllowed, Message: message, Status: http.StatusMethodNotAllowed}
}

// NewServiceUnavailableError reports a failing health probe.
func NewServiceUnavailableError(message string) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Message: message, Status: http.StatusServiceUnavailable}
}

// NewExternalServiceError reports a dependency that cannot be reached.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Message: message, Status: http.StatusBadGateway}
}

// WrapInternal wraps err as an internal error. Cancellation is kept
// recognizable through Unwrap.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	if err == nil && ctx != nil {
		err = ctx.Err()
	}
	return &AppError{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError, Err: err}
}

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the error object inside HTTPErrorResponse.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// RespondWithError writes err as an HTTPErrorResponse. Errors that are not
// an *AppError are reported as internal errors without their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = WrapInternal(r.Context(), err, "internal server error")
	}

	body := HTTPErrorResponse{Error: HTTPError{
		Code:      appErr.Code,
		Message:   appErr.Message,
		RequestID: middleware.GetReqID(r.Context()),
		Details:   appErr.Details,
	}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Status)
	_ = json.NewEncoder(w).Encode(body)
}
