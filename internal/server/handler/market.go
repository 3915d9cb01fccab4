package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/pipeline"
	"github.com/alanyoungcy/marketforge/internal/service"
)

// maxPromptRunes bounds the proposition accepted by the create endpoint.
const maxPromptRunes = 2000

// MarketReader defines the reads the market handler needs. It is declared
// locally so the handler package does not depend on the concrete service.
type MarketReader interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error)
	Counts(ctx context.Context) (map[domain.MarketStatus]int64, error)
}

// MarketCreator runs the creation saga. *service.Coordinator satisfies it.
type MarketCreator interface {
	Create(ctx context.Context, req service.CreateRequest) domain.SagaResult
}

// SagaTracker lists in-flight sagas. *service.Correlations satisfies it.
type SagaTracker interface {
	Snapshot() []service.PendingSaga
}

// MarketResolver settles one market on demand. *pipeline.Sweeper satisfies it.
type MarketResolver interface {
	SweepOne(ctx context.Context, id string, now time.Time) (pipeline.MarketOutcome, error)
}

// MarketHandler serves market endpoints. creator, sagas and resolver are nil
// when the running mode does not provide them.
type MarketHandler struct {
	markets  MarketReader
	creator  MarketCreator
	sagas    SagaTracker
	resolver MarketResolver
	logger   *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketReader, creator MarketCreator, sagas SagaTracker, resolver MarketResolver, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets:  markets,
		creator:  creator,
		sagas:    sagas,
		resolver: resolver,
		logger:   logger,
	}
}

type createMarketRequest struct {
	Prompt        string `json:"prompt"`
	MarketID      string `json:"market_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type sagaResponse struct {
	CorrelationID string      `json:"correlation_id"`
	MarketID      string      `json:"market_id"`
	State         string      `json:"state"`
	Stage         string      `json:"stage"`
	Replayed      bool        `json:"replayed,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	ErrorKind     string      `json:"error_kind,omitempty"`
	Market        *marketView `json:"market,omitempty"`
}

// CreateMarket runs the creation saga to completion and reports its result.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	if h.creator == nil {
		writeError(w, http.StatusServiceUnavailable, "market creation is disabled in this mode")
		return
	}

	var req createMarketRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if utf8.RuneCountInString(req.Prompt) > maxPromptRunes {
		writeError(w, http.StatusBadRequest, "prompt is too long")
		return
	}

	res := h.creator.Create(r.Context(), service.CreateRequest{
		Prompt:        req.Prompt,
		MarketID:      strings.TrimSpace(req.MarketID),
		CorrelationID: strings.TrimSpace(req.CorrelationID),
	})

	body := sagaResponse{
		CorrelationID: res.CorrelationID,
		MarketID:      res.MarketID,
		State:         string(res.State),
		Stage:         string(res.Stage),
		Replayed:      res.Replayed,
		Reason:        res.Reason,
	}
	if res.Market != nil {
		v := toMarketView(*res.Market)
		body.Market = &v
	}
	var se *domain.SagaError
	if errors.As(res.Err, &se) {
		body.ErrorKind = string(se.Kind)
	}

	status := sagaHTTPStatus(res)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: create market failed",
			slog.String("correlation_id", res.CorrelationID),
			slog.String("market_id", res.MarketID),
			slog.String("error_kind", body.ErrorKind),
			slog.String("reason", res.Reason),
		)
	}
	writeJSON(w, status, body)
}

func sagaHTTPStatus(res domain.SagaResult) int {
	if res.OK() {
		if res.Replayed {
			return http.StatusOK
		}
		return http.StatusCreated
	}
	var se *domain.SagaError
	if !errors.As(res.Err, &se) {
		return http.StatusInternalServerError
	}
	switch se.Kind {
	case domain.KindValidationRejected:
		return http.StatusUnprocessableEntity
	case domain.KindOracleUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindInFlight:
		return http.StatusConflict
	case domain.KindDeployment:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type listMarketsResponse struct {
	Markets []marketView `json:"markets"`
	Total   int64        `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ListMarkets returns markets, optionally filtered by status.
// GET /api/markets?status=active&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	status := domain.MarketStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	markets, err := h.markets.ListMarkets(r.Context(), status, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	counts, err := h.markets.Counts(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}
	var total int64
	for st, n := range counts {
		if status == "" || st == status {
			total += n
		}
	}

	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, toMarketView(m))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: views,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, toMarketView(market))
}

// ListPending returns the creation sagas currently in flight.
// GET /api/sagas
func (h *MarketHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending := []service.PendingSaga{}
	if h.sagas != nil {
		pending = append(pending, h.sagas.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"total":   len(pending),
	})
}

// ResolveMarket settles one market now, with the same rules as the sweep.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	if h.resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "resolution is disabled in this mode")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	out, err := h.resolver.SweepOne(r.Context(), id, time.Now().UTC())
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "market not found")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "handler: resolve market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadGateway, out)
	default:
		writeJSON(w, http.StatusOK, out)
	}
}
