package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/hpcflow/internal/errors"
)

// HTTPErrorResponder renders an error response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder replaces the error renderer. nil restores the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = apperrors.RespondWithError
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default error renderer.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
