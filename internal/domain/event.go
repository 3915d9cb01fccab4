package domain

import "time"

// Channels and streams used for lifecycle events.
const (
	ChannelMarketEvents = "market_events"
	StreamMarketEvents  = "stream:market_events"
)

// Lifecycle event names. They double as notifier filter keys.
const (
	EventMarketCreated   = "market_created"
	EventMarketRejected  = "market_rejected"
	EventMarketFailed    = "market_failed"
	EventMarketResolved  = "market_resolved"
	EventMarketExpired   = "market_expired"
	EventMarketRecovered = "market_recovered"
	EventSweepFailed     = "sweep_failed"
)

// MarketEvent is published on the signal bus whenever a market changes.
type MarketEvent struct {
	Type          string       `json:"type"`
	MarketID      string       `json:"market_id"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Status        MarketStatus `json:"status,omitempty"`
	Outcome       Outcome      `json:"outcome,omitempty"`
	Stage         SagaState    `json:"stage,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	At            time.Time    `json:"at"`
}
