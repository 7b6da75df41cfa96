// Package api exposes scrape runs, stored products and service health over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/apparel-scraper/internal/database"
	"github.com/maltedev/apparel-scraper/internal/runs"
)

const (
	defaultProductLimit = 50
	maxProductLimit     = 500

	pendingWarnThreshold    = 1000
	deadLetterFailThreshold = 100
)

type RunService interface {
	CreateRun(rawURL string, maxProducts int, dryRun bool) (*runs.Run, error)
	GetRun(id string) (*runs.Run, error)
	ListRuns() []*runs.Run
	Stats() runs.Stats
}

type ProductReader interface {
	Recent(ctx context.Context, source string, limit int) ([]*database.ProductRow, error)
	CountBySource(ctx context.Context) ([]database.SourceCount, error)
}

type OutboxCounter interface {
	Counts(ctx context.Context) (pending, deadLetter int64, err error)
}

type Handlers struct {
	runs     RunService
	products ProductReader
	outbox   OutboxCounter
	logger   *slog.Logger
}

// NewHandlers builds the handlers. outbox may be nil when no relay runs.
func NewHandlers(runs RunService, products ProductReader, outbox OutboxCounter, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		runs:     runs,
		products: products,
		outbox:   outbox,
		logger:   logger.With("component", "api"),
	}
}

// CreateRunRequest represents a new scrape run request
type CreateRunRequest struct {
	URL         string `json:"url"`
	MaxProducts int    `json:"max_products"`
	DryRun      bool   `json:"dry_run"`
}

// CreateRun queues a scrape run
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	run, err := h.runs.CreateRun(req.URL, req.MaxProducts, req.DryRun)
	switch {
	case errors.Is(err, runs.ErrInvalidURL):
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, runs.ErrBusy):
		h.respondError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to create run", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	h.respondJSON(w, http.StatusAccepted, run)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		h.respondError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	run, err := h.runs.GetRun(runID)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "run not found")
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.runs.ListRuns())
}

// ListProducts returns the most recently scraped products without their
// embedding vectors.
func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	limit := defaultProductLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxProductLimit)
	}

	rows, err := h.products.Recent(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list products")
		return
	}

	out := make([]productResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, newProductResponse(row))
	}
	h.respondJSON(w, http.StatusOK, out)
}

type productResponse struct {
	database.ProductRow
	HasEmbedding bool `json:"has_embedding"`
}

func newProductResponse(row *database.ProductRow) productResponse {
	resp := productResponse{ProductRow: *row, HasEmbedding: row.HasEmbedding()}
	resp.Embedding = nil
	return resp
}

// StatsResponse combines run counters with stored product counts
type StatsResponse struct {
	Runs     runs.Stats             `json:"runs"`
	Products []database.SourceCount `json:"products"`
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.products.CountBySource(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	if counts == nil {
		counts = []database.SourceCount{}
	}

	h.respondJSON(w, http.StatusOK, StatsResponse{
		Runs:     h.runs.Stats(),
		Products: counts,
	})
}

// Health reports ok unless the outbox backs up.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		pending, deadLetter, err := h.outbox.Counts(r.Context())
		if err != nil {
			h.logger.Error("failed to read outbox counts", "error", err)
			health["status"] = "error"
			health["message"] = "Outbox unavailable"
			h.respondJSON(w, http.StatusServiceUnavailable, health)
			return
		}

		health["outbox"] = map[string]int64{
			"pending":     pending,
			"dead_letter": deadLetter,
		}
		if pending > pendingWarnThreshold {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetter > deadLetterFailThreshold {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
