package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/hpcflow/internal/errors"
	"github.com/3leaps/hpcflow/pkg/runstore"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// RunReader is the read side of the run store.
type RunReader interface {
	ListRuns(ctx context.Context, opts runstore.ListOptions) ([]runstore.Run, error)
	LoadRun(ctx context.Context, runID string) (*runstore.Run, error)
	Leases(ctx context.Context) ([]runstore.Lease, error)
}

// RunsHandler serves persisted run checkpoints and fleet leases.
type RunsHandler struct {
	store RunReader
}

// NewRunsHandler returns handlers reading from store.
func NewRunsHandler(store RunReader) *RunsHandler {
	return &RunsHandler{store: store}
}

// RunList is the body of GET /v1/runs.
type RunList struct {
	Runs  []runstore.Run `json:"runs"`
	Count int            `json:"count"`
}

// List serves GET /v1/runs?status=&limit=.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := runstore.ListOptions{Status: r.URL.Query().Get("status"), Limit: defaultRunLimit}
	switch opts.Status {
	case "", runstore.StatusRunning, runstore.StatusSucceeded, runstore.StatusFailed:
	default:
		respondWithError(w, r, apperrors.NewBadRequestError("status must be running, succeeded or failed"))
		return
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, r, apperrors.NewBadRequestError("limit must be a positive integer"))
			return
		}
		opts.Limit = min(n, maxRunLimit)
	}

	runs, err := h.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list runs"))
		return
	}
	if runs == nil {
		runs = []runstore.Run{}
	}
	writeJSON(w, http.StatusOK, RunList{Runs: runs, Count: len(runs)})
}

// Get serves GET /v1/runs/{runID} including the checkpointed context.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.store.LoadRun(r.Context(), runID)
	if errors.Is(err, runstore.ErrRunNotFound) {
		respondWithError(w, r, apperrors.NewNotFoundError("run "+runID+" not found"))
		return
	}
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "load run"))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Leases serves GET /v1/locks.
func (h *RunsHandler) Leases(w http.ResponseWriter, r *http.Request) {
	leases, err := h.store.Leases(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list fleet locks"))
		return
	}
	if leases == nil {
		leases = []runstore.Lease{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": leases})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
