package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// SagaNotifier receives the terminal result of a creation saga.
type SagaNotifier func(domain.SagaResult)

type pendingSaga struct {
	marketID  string
	notify    SagaNotifier
	stage     domain.SagaState
	startedAt time.Time
}

// PendingSaga is a read-only view of an in-flight saga.
type PendingSaga struct {
	CorrelationID string           `json:"correlation_id"`
	MarketID      string           `json:"market_id"`
	Stage         domain.SagaState `json:"stage"`
	StartedAt     time.Time        `json:"started_at"`
}

// Correlations tracks in-flight sagas by correlation id. Entries expire after
// ttl. Past capacity, expired entries are dropped first and Begin then refuses
// rather than evicting a live saga. Safe for concurrent use.
type Correlations struct {
	mu       sync.Mutex
	pending  map[string]*pendingSaga
	ttl      time.Duration
	capacity int
	now      func() time.Time
	logger   *slog.Logger
}

// NewCorrelations creates a registry. Zero ttl or capacity fall back to 15
// minutes and 1024 entries.
func NewCorrelations(ttl time.Duration, capacity int, logger *slog.Logger) *Correlations {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &Correlations{
		pending:  make(map[string]*pendingSaga),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "correlations")),
	}
}

// Begin registers a new saga. A correlation id already in flight yields
// domain.ErrAlreadyExists; a full registry yields domain.ErrCorrelationFull.
func (c *Correlations) Begin(correlationID, marketID string, notify SagaNotifier) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[correlationID]; ok {
		return fmt.Errorf("correlation %s: %w", correlationID, domain.ErrAlreadyExists)
	}
	if len(c.pending) >= c.capacity {
		c.evictLocked()
		if len(c.pending) >= c.capacity {
			return fmt.Errorf("correlation %s: %w", correlationID, domain.ErrCorrelationFull)
		}
	}
	c.pending[correlationID] = &pendingSaga{
		marketID:  marketID,
		notify:    notify,
		stage:     domain.SagaReceived,
		startedAt: c.now(),
	}
	return nil
}

// Advance records the stage an in-flight saga reached.
func (c *Correlations) Advance(correlationID string, stage domain.SagaState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[correlationID]; ok {
		p.stage = stage
	}
}

// Complete removes the entry and hands res to its notifier. It reports false
// when the entry was already completed or expired, in which case nothing is
// notified.
func (c *Correlations) Complete(correlationID string, res domain.SagaResult) bool {
	c.mu.Lock()
	p, ok := c.pending[correlationID]
	delete(c.pending, correlationID)
	c.mu.Unlock()

	if !ok {
		return false
	}
	if p.notify != nil {
		p.notify(res)
	}
	return true
}

// Len returns the number of sagas in flight.
func (c *Correlations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Snapshot lists in-flight sagas.
func (c *Correlations) Snapshot() []PendingSaga {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingSaga, 0, len(c.pending))
	for id, p := range c.pending {
		out = append(out, PendingSaga{CorrelationID: id, MarketID: p.marketID, Stage: p.stage, StartedAt: p.startedAt})
	}
	return out
}

// Cleanup drops entries older than the ttl and returns how many went.
func (c *Correlations) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

func (c *Correlations) evictLocked() int {
	now := c.now()
	n := 0
	for id, p := range c.pending {
		if now.Sub(p.startedAt) >= c.ttl {
			c.logger.Warn("correlation expired",
				slog.String("correlation_id", id),
				slog.String("market_id", p.marketID),
				slog.String("stage", string(p.stage)),
			)
			delete(c.pending, id)
			n++
		}
	}
	return n
}

// Run calls Cleanup every interval until ctx is done.
func (c *Correlations) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}
