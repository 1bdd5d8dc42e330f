package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/hpcflow/internal/errors"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	t.Run("sets custom responder", func(t *testing.T) {
		var captured error
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusTeapot)
		})

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodGet, "/test", nil), assert.AnError)

		assert.Equal(t, assert.AnError, captured)
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("nil restores default", func(t *testing.T) {
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusTeapot)
		})
		SetHTTPErrorResponder(nil)

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodGet, "/test", nil), apperrors.NewNotFoundError("gone"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestResetHTTPErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	customCalled := false
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		customCalled = true
	})
	ResetHTTPErrorResponder()

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/test", nil), assert.AnError)

	assert.False(t, customCalled)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
}
