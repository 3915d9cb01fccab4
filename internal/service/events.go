package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// EventNotifier pushes lifecycle events to humans. *notify.Notifier
// satisfies it.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.MarketEvent) error
}

// Events records a lifecycle event in the audit log, publishes it on the
// signal bus and notifies operators. Every sink is optional and best effort.
type Events struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier EventNotifier
	logger   *slog.Logger
}

// NewEvents creates an Events fan-out. Any argument but logger may be nil.
func NewEvents(bus domain.SignalBus, audit domain.AuditStore, notifier EventNotifier, logger *slog.Logger) *Events {
	return &Events{bus: bus, audit: audit, notifier: notifier, logger: logger}
}

// Emit fans ev out. detail is merged into the audit record.
func (e *Events) Emit(ctx context.Context, ev domain.MarketEvent, detail map[string]any) {
	if e == nil {
		return
	}
	log := e.logger.With(slog.String("event", ev.Type), slog.String("market_id", ev.MarketID))

	if e.audit != nil {
		record := map[string]any{"market_id": ev.MarketID}
		if ev.CorrelationID != "" {
			record["correlation_id"] = ev.CorrelationID
		}
		if ev.Stage != "" {
			record["stage"] = string(ev.Stage)
		}
		if ev.Reason != "" {
			record["reason"] = ev.Reason
		}
		if ev.Outcome != "" {
			record["outcome"] = string(ev.Outcome)
		}
		maps.Copy(record, detail)
		if err := e.audit.Log(ctx, ev.Type, record); err != nil {
			log.WarnContext(ctx, "events: audit log failed", slog.String("error", err.Error()))
		}
	}

	if e.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.WarnContext(ctx, "events: marshal failed", slog.String("error", err.Error()))
		} else {
			if err := e.bus.Publish(ctx, domain.ChannelMarketEvents, payload); err != nil {
				log.WarnContext(ctx, "events: publish failed", slog.String("error", err.Error()))
			}
			if err := e.bus.StreamAppend(ctx, domain.StreamMarketEvents, payload); err != nil {
				log.WarnContext(ctx, "events: stream append failed", slog.String("error", err.Error()))
			}
		}
	}

	if e.notifier != nil {
		if err := e.notifier.NotifyEvent(ctx, ev); err != nil {
			log.WarnContext(ctx, "events: notify failed", slog.String("error", err.Error()))
		}
	}
}
