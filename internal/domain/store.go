package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore is the durable source of truth for markets and their
// resolutions. Every write is atomic per record.
type MarketStore interface {
	// Get returns ErrNotFound when id is absent.
	Get(ctx context.Context, id string) (Market, error)
	// Create inserts a new market and fails with ErrAlreadyExists on an id
	// collision.
	Create(ctx context.Context, market Market) error
	// Upsert writes an active record keyed by market.ID. It fails with
	// ErrStaleTransition when the stored market has already settled or when
	// market itself is not active; settlement goes through Settle.
	Upsert(ctx context.Context, market Market) error
	// Delete removes the market and any resolution attached to it.
	Delete(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status MarketStatus, opts ListOpts) ([]Market, error)
	// ListUndeployed returns active markets that never reached the ledger
	// and were created before the cutoff.
	ListUndeployed(ctx context.Context, createdBefore time.Time) ([]Market, error)
	// RecordSubmission stores the hash of a broadcast but unconfirmed
	// deployment so recovery can check the ledger before compensating.
	RecordSubmission(ctx context.Context, id, txHash string) error
	// MarkDeployed flips blockchain_deployed on an active market.
	MarkDeployed(ctx context.Context, id, txHash string) error
	// Settle moves an active market to a terminal status and records its
	// resolution in one transaction. It returns ErrStaleTransition if the
	// stored status is no longer active.
	Settle(ctx context.Context, market Market, res Resolution) error
	Count(ctx context.Context, status MarketStatus) (int64, error)
}

// ResolutionStore reads recorded resolutions.
type ResolutionStore interface {
	Get(ctx context.Context, marketID string) (Resolution, error)
	List(ctx context.Context, opts ListOpts) ([]Resolution, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
