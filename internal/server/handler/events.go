package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// EventHandler pages through the durable market event stream for clients
// that poll instead of holding a WebSocket open.
type EventHandler struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler. bus may be nil.
func NewEventHandler(bus domain.SignalBus, logger *slog.Logger) *EventHandler {
	return &EventHandler{bus: bus, logger: logger}
}

type streamEvent struct {
	ID    string             `json:"id"`
	Event domain.MarketEvent `json:"event"`
}

// ListEvents returns events after the given stream id, or the newest ones
// when no cursor is supplied.
// GET /api/events?after=<id>&limit=100
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream is not configured")
		return
	}
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var (
		msgs []domain.StreamMessage
		err  error
	)
	if after := q.Get("after"); after != "" {
		msgs, err = h.bus.StreamRead(r.Context(), domain.StreamMarketEvents, after, limit)
	} else {
		msgs, err = h.bus.StreamTail(r.Context(), domain.StreamMarketEvents, limit)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	out := make([]streamEvent, 0, len(msgs))
	for _, m := range msgs {
		var ev domain.MarketEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			continue
		}
		out = append(out, streamEvent{ID: m.ID, Event: ev})
	}
	next := q.Get("after")
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"next":   next,
	})
}
