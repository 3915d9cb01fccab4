package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/pipeline"
)

// ResolutionReader defines the reads behind the resolution endpoints.
type ResolutionReader interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	OutcomeCode(ctx context.Context, id string) (int, error)
	GetResolution(ctx context.Context, marketID string) (domain.Resolution, error)
	ListResolutions(ctx context.Context, opts domain.ListOpts) ([]domain.Resolution, error)
}

// SweepTrigger starts sweeps on demand. *pipeline.Scheduler satisfies it.
type SweepTrigger interface {
	Trigger() bool
	Last() (pipeline.SweepReport, bool)
}

// ResolutionHandler serves resolution reads, the ledger's outcome lookup and
// the sweep trigger.
type ResolutionHandler struct {
	reader ResolutionReader
	sweep  SweepTrigger
	logger *slog.Logger
}

// NewResolutionHandler creates a ResolutionHandler. sweep may be nil.
func NewResolutionHandler(reader ResolutionReader, sweep SweepTrigger, logger *slog.Logger) *ResolutionHandler {
	return &ResolutionHandler{reader: reader, sweep: sweep, logger: logger}
}

// Outcome answers the ledger's attestation lookup: 1 for YES, 0 for NO and
// 2 for anything else.
// GET /resolutions/{id}/outcome
func (h *ResolutionHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	code, err := h.reader.OutcomeCode(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "market not found")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "handler: outcome lookup failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to look up outcome")
	default:
		writeJSON(w, http.StatusOK, map[string]int{"outcome": code})
	}
}

// ListResolutions returns recorded resolutions, newest first.
// GET /resolutions?limit=50&offset=0
func (h *ResolutionHandler) ListResolutions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	list, err := h.reader.ListResolutions(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list resolutions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list resolutions")
		return
	}
	views := make([]resolutionView, 0, len(list))
	for _, res := range list {
		views = append(views, toResolutionView(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":       len(views),
		"resolutions": views,
		"limit":       opts.Limit,
		"offset":      opts.Offset,
	})
}

// GetResolution returns the resolution of one market. A market that is
// still active answers with a null outcome.
// GET /resolutions/{id}
func (h *ResolutionHandler) GetResolution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.reader.GetResolution(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, toResolutionView(res))
		return
	}
	if !errors.Is(err, domain.ErrNotFound) {
		h.logger.ErrorContext(r.Context(), "handler: get resolution failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get resolution")
		return
	}

	m, err := h.reader.GetMarket(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "market not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to get market")
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"market_id": m.ID,
			"status":    string(m.Status),
			"outcome":   nil,
		})
	}
}

// TriggerSweep starts a sweep over every active market in the background.
// POST /api/resolutions/sweep
func (h *ResolutionHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweep == nil {
		writeError(w, http.StatusServiceUnavailable, "resolution is disabled in this mode")
		return
	}
	if !h.sweep.Trigger() {
		writeError(w, http.StatusConflict, "a sweep is already running")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: sweep triggered")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// LastSweep returns the report of the most recent sweep.
// GET /api/resolutions/sweep
func (h *ResolutionHandler) LastSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweep == nil {
		writeError(w, http.StatusServiceUnavailable, "resolution is disabled in this mode")
		return
	}
	report, ok := h.sweep.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no sweep has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
