// Package memory provides in-process implementations of the domain stores.
// They back tests and storage = "memory" deployments; nothing survives a
// restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// MarketStore keeps markets and their resolutions behind one lock so that
// Settle and Delete touch both atomically.
type MarketStore struct {
	mu          sync.RWMutex
	markets     map[string]domain.Market
	resolutions map[string]domain.Resolution
	now         func() time.Time
}

// NewMarketStore creates an empty store.
func NewMarketStore() *MarketStore {
	return &MarketStore{
		markets:     make(map[string]domain.Market),
		resolutions: make(map[string]domain.Resolution),
		now:         time.Now,
	}
}

// Resolutions returns a ResolutionStore view over the same data.
func (s *MarketStore) Resolutions() *ResolutionStore {
	return &ResolutionStore{s: s}
}

func copyMarket(m domain.Market) domain.Market {
	out := m
	if m.Validation.ReliableSources != nil {
		out.Validation.ReliableSources = append([]string(nil), m.Validation.ReliableSources...)
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

func copyResolution(r domain.Resolution) domain.Resolution {
	out := r
	if r.EvidenceSources != nil {
		out.EvidenceSources = append([]string(nil), r.EvidenceSources...)
	}
	return out
}

// Get returns a copy of the market.
func (s *MarketStore) Get(_ context.Context, id string) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return copyMarket(m), nil
}

// Create inserts a market and rejects duplicate ids.
func (s *MarketStore) Create(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("memory: create market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	s.put(m)
	return nil
}

// Upsert replaces the whole record while the market is still active.
func (s *MarketStore) Upsert(_ context.Context, m domain.Market) error {
	if m.Status != domain.MarketStatusActive {
		return fmt.Errorf("memory: upsert market %s as %s: %w", m.ID, m.Status, domain.ErrStaleTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.markets[m.ID]; ok && cur.Status != domain.MarketStatusActive {
		return fmt.Errorf("memory: upsert market %s: already %s: %w", m.ID, cur.Status, domain.ErrStaleTransition)
	}
	s.put(m)
	return nil
}

func (s *MarketStore) put(m domain.Market) {
	m = copyMarket(m)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	m.UpdatedAt = s.now().UTC()
	s.markets[m.ID] = m
}

// Delete removes the market and its resolution.
func (s *MarketStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markets, id)
	delete(s.resolutions, id)
	return nil
}

// ListByStatus returns markets in status (all when empty), oldest close time
// first.
func (s *MarketStore) ListByStatus(_ context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.RLock()
	var out []domain.Market
	for _, m := range s.markets {
		if status != "" && m.Status != status {
			continue
		}
		if opts.Since != nil && m.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && m.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, copyMarket(m))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CloseTime.Equal(out[j].CloseTime) {
			return out[i].CloseTime.Before(out[j].CloseTime)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, opts), nil
}

// ListUndeployed returns active, never-deployed markets created before the
// cutoff.
func (s *MarketStore) ListUndeployed(_ context.Context, createdBefore time.Time) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.Status == domain.MarketStatusActive && !m.BlockchainDeployed && m.CreatedAt.Before(createdBefore) {
			out = append(out, copyMarket(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RecordSubmission keeps the hash of a deployment still awaiting its receipt.
func (s *MarketStore) RecordSubmission(_ context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok || m.BlockchainDeployed {
		return fmt.Errorf("memory: record submission for %s: %w", id, domain.ErrNotFound)
	}
	m.TxHash = txHash
	m.UpdatedAt = s.now().UTC()
	s.markets[id] = m
	return nil
}

// MarkDeployed flags the market as live on the ledger.
func (s *MarketStore) MarkDeployed(_ context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("memory: mark market %s deployed: %w", id, domain.ErrNotFound)
	}
	m.BlockchainDeployed = true
	m.TxHash = txHash
	m.UpdatedAt = s.now().UTC()
	s.markets[id] = m
	return nil
}

// Settle applies the terminal transition if the market is still active.
func (s *MarketStore) Settle(_ context.Context, m domain.Market, res domain.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.markets[m.ID]
	if !ok {
		return fmt.Errorf("memory: settle market %s: %w", m.ID, domain.ErrNotFound)
	}
	if cur.Status != domain.MarketStatusActive {
		return fmt.Errorf("memory: settle market %s: %w", m.ID, domain.ErrStaleTransition)
	}
	cur.Status = m.Status
	cur.Outcome = m.Outcome
	cur.ResolvedAt = m.ResolvedAt
	cur.ResolutionConfidence = m.ResolutionConfidence
	s.put(cur)
	s.resolutions[m.ID] = copyResolution(res)
	return nil
}

// Count returns the number of markets in status (all when empty).
func (s *MarketStore) Count(_ context.Context, status domain.MarketStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status == "" {
		return int64(len(s.markets)), nil
	}
	var n int64
	for _, m := range s.markets {
		if m.Status == status {
			n++
		}
	}
	return n, nil
}

// ResolutionStore is a read view over MarketStore's resolutions.
type ResolutionStore struct {
	s *MarketStore
}

// Get returns the resolution for marketID.
func (r *ResolutionStore) Get(_ context.Context, marketID string) (domain.Resolution, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	res, ok := r.s.resolutions[marketID]
	if !ok {
		return domain.Resolution{}, domain.ErrNotFound
	}
	return copyResolution(res), nil
}

// List returns resolutions newest first.
func (r *ResolutionStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Resolution, error) {
	r.s.mu.RLock()
	var out []domain.Resolution
	for _, res := range r.s.resolutions {
		if opts.Since != nil && res.ResolvedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && res.ResolvedAt.After(*opts.Until) {
			continue
		}
		out = append(out, copyResolution(res))
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ResolvedAt.After(out[j].ResolvedAt) })
	return paginate(out, opts), nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

var (
	_ domain.MarketStore     = (*MarketStore)(nil)
	_ domain.ResolutionStore = (*ResolutionStore)(nil)
)
