package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "not found",
			err:        NewNotFoundError("run abc not found"),
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
			wantMsg:    "run abc not found",
		},
		{
			name:       "wrapped app error",
			err:        fmt.Errorf("handler: %w", NewBadRequestError("limit must be positive")),
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
			wantMsg:    "limit must be positive",
		},
		{
			name:       "plain error hides text",
			err:        assert.AnError,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
			wantMsg:    "internal server error",
		},
		{
			name:       "external service",
			err:        NewExternalServiceError("store unavailable"),
			wantStatus: http.StatusBadGateway,
			wantCode:   "EXTERNAL_SERVICE_ERROR",
			wantMsg:    "store unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/runs/abc", nil)
			rec := httptest.NewRecorder()

			RespondWithError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, tt.wantMsg, body.Error.Message)
		})
	}
}

func TestAppError_Details(t *testing.T) {
	err := NewServiceUnavailableError("unhealthy").WithDetails(map[string]any{"checks": map[string]string{"store": "unhealthy"}})

	rec := httptest.NewRecorder()
	RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/health", nil), err)

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, body.Error.Details, "checks")
}

func TestWrapInternal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WrapInternal(ctx, nil, "cancelled")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CodeInternal, err.Code)

	err = WrapInternal(context.Background(), assert.AnError, "boom")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "boom")
}
