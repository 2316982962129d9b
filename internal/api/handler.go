package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/cardguard/internal/bus"
	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/pipeline"
	"github.com/opensource-finance/cardguard/internal/repository"
)

// Dependencies are the components served by the API. Only Runner is
// required; endpoints needing an absent component answer 503.
type Dependencies struct {
	Runner     *pipeline.Runner
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus

	// Batch is the only run the API can start.
	Batch domain.BatchRequest
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Dependencies
	version string

	// background runs when no bus is configured
	wg sync.WaitGroup
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	return &Handler{
		deps:    deps,
		version: version,
	}
}

// Wait blocks until background runs have finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			components[name] = err.Error()
			status = "degraded"
			return
		}
		components[name] = "ok"
	}

	if h.deps.Repository != nil {
		check("repository", h.deps.Repository.Ping)
	}
	if h.deps.Cache != nil {
		check("cache", h.deps.Cache.Ping)
	}
	if h.deps.Bus != nil {
		check("bus", h.deps.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the registry in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "rule engine not available")
		return
	}

	registered := h.deps.Runner.Engine().Registry().Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": registered,
		"count": len(registered),
	})
}

// RunRequest is the request body for POST /runs.
type RunRequest struct {
	Async          bool `json:"async"`
	SkipEnrichment bool `json:"skipEnrichment"`
}

// RunResponse is the response for an accepted asynchronous run.
type RunResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// SubmitRun handles POST /runs. It always runs the configured batch.
func (h *Handler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not available")
		return
	}

	var body RunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	req := h.deps.Batch
	req.RunID = uuid.New().String()
	req.SkipEnrichment = req.SkipEnrichment || body.SkipEnrichment

	if !body.Async {
		summary, err := h.deps.Runner.Run(r.Context(), req)
		if err != nil {
			writeJSON(w, runErrorStatus(err), summary)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	if h.deps.Bus != nil {
		submission := domain.BatchSubmission{RunID: req.RunID, SkipEnrichment: body.SkipEnrichment}
		if err := bus.PublishJSON(r.Context(), h.deps.Bus, domain.TopicBatchSubmitted, submission); err != nil {
			slog.Error("failed to submit batch", "run_id", req.RunID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "failed to submit batch")
			return
		}
	} else {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			// The request context ends with the response
			h.deps.Runner.Run(context.Background(), req)
		}()
	}

	writeJSON(w, http.StatusAccepted, RunResponse{RunID: req.RunID, Status: "submitted"})
}

// GetLatestRun returns the summary of the last completed run.
func (h *Handler) GetLatestRun(w http.ResponseWriter, r *http.Request) {
	h.writeSummary(w, r, domain.LatestRunKey)
}

// GetRun returns a run summary by run ID.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	h.writeSummary(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) writeSummary(w http.ResponseWriter, r *http.Request, key string) {
	if key == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}
	if h.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache not available")
		return
	}

	summary, err := h.deps.Cache.GetRunSummary(r.Context(), key)
	if err != nil {
		slog.Error("failed to get run summary", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run summary")
		return
	}
	if summary == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ListAlerts returns alert rows of the last run, optionally filtered.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repository == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	q := r.URL.Query()
	filter := domain.AlertFilter{
		RuleName:      q.Get("rule_name"),
		CardID:        q.Get("card_id"),
		TransactionID: q.Get("transaction_id"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	alerts, err := h.deps.Repository.ListAlerts(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetTransaction retrieves a scored transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")
	if txID == "" {
		writeError(w, http.StatusBadRequest, "transaction id is required")
		return
	}
	if h.deps.Repository == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	tx, err := h.deps.Repository.GetScoredTransaction(r.Context(), txID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		slog.Error("failed to get transaction", "id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get transaction")
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// runErrorStatus maps a failed run to an HTTP status.
func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInputShape):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrMissingInput):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
