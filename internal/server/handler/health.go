package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// HealthDeps are the optional checks reported by the health endpoint.
type HealthDeps struct {
	// Pending returns the number of sagas in flight.
	Pending func() int
	// LedgerConfigured reports whether deployments can reach the chain.
	LedgerConfigured func() bool
	// Counts returns the number of markets per status.
	Counts func(ctx context.Context) (map[domain.MarketStatus]int64, error)
	// SweepRunning reports whether a resolution sweep is in progress.
	SweepRunning func() bool
	// ArchiveReachable checks the evidence bucket. A failure degrades the
	// status.
	ArchiveReachable func(ctx context.Context) error
}

const archiveCheckTimeout = 3 * time.Second

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode      string
	deps      HealthDeps
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(mode string, deps HealthDeps, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{mode: mode, deps: deps, startedAt: time.Now().UTC(), logger: logger}
}

// HealthCheck reports liveness plus saga, ledger, archive and sweep status.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"mode":           h.mode,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.deps.Pending != nil {
		body["pending_requests"] = h.deps.Pending()
	}
	if h.deps.LedgerConfigured != nil {
		body["ledger_configured"] = h.deps.LedgerConfigured()
	}
	if h.deps.SweepRunning != nil {
		body["sweep_running"] = h.deps.SweepRunning()
	}
	if h.deps.ArchiveReachable != nil {
		ctx, cancel := context.WithTimeout(r.Context(), archiveCheckTimeout)
		err := h.deps.ArchiveReachable(ctx)
		cancel()
		body["archive_reachable"] = err == nil
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: evidence archive unreachable", slog.String("error", err.Error()))
			body["status"] = "degraded"
		}
	}
	if h.deps.Counts != nil {
		counts, err := h.deps.Counts(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: health counts failed", slog.String("error", err.Error()))
			body["status"] = "degraded"
		} else {
			markets := make(map[string]int64, len(counts))
			for st, n := range counts {
				markets[string(st)] = n
			}
			body["markets"] = markets
		}
	}
	writeJSON(w, http.StatusOK, body)
}
