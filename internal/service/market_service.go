package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// MarketService serves reads: markets, resolutions and the outcome code the
// ledger polls.
type MarketService struct {
	markets     domain.MarketStore
	resolutions domain.ResolutionStore
	cache       domain.MarketCache
	logger      *slog.Logger
}

// NewMarketService creates a MarketService. cache may be nil.
func NewMarketService(
	markets domain.MarketStore,
	resolutions domain.ResolutionStore,
	cache domain.MarketCache,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets:     markets,
		resolutions: resolutions,
		cache:       cache,
		logger:      logger,
	}
}

// GetMarket reads through the cache and back-fills it on a miss.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}

	m, err := s.markets.Get(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "market_service: cache set failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// ListMarkets returns markets in status, oldest close time first. An empty
// status lists every market.
func (s *MarketService) ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("market_service: unknown status %q", status)
	}
	markets, err := s.markets.ListByStatus(ctx, status, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list %s: %w", status, err)
	}
	return markets, nil
}

// OutcomeCode returns 1 for YES, 0 for NO and 2 for anything else. Unknown
// markets yield domain.ErrNotFound.
func (s *MarketService) OutcomeCode(ctx context.Context, id string) (int, error) {
	m, err := s.GetMarket(ctx, id)
	if err != nil {
		return domain.OutcomeCodeUnresolved, err
	}
	return m.OutcomeCode(), nil
}

// GetResolution returns the resolution recorded for a market.
func (s *MarketService) GetResolution(ctx context.Context, marketID string) (domain.Resolution, error) {
	res, err := s.resolutions.Get(ctx, marketID)
	if err != nil {
		return domain.Resolution{}, fmt.Errorf("market_service: resolution %q: %w", marketID, err)
	}
	return res, nil
}

// ListResolutions returns the newest resolutions first.
func (s *MarketService) ListResolutions(ctx context.Context, opts domain.ListOpts) ([]domain.Resolution, error) {
	out, err := s.resolutions.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list resolutions: %w", err)
	}
	return out, nil
}

// Counts returns the number of markets per status.
func (s *MarketService) Counts(ctx context.Context) (map[domain.MarketStatus]int64, error) {
	out := make(map[domain.MarketStatus]int64, 3)
	for _, st := range []domain.MarketStatus{domain.MarketStatusActive, domain.MarketStatusResolved, domain.MarketStatusExpired} {
		n, err := s.markets.Count(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("market_service: count %s: %w", st, err)
		}
		out[st] = n
	}
	return out, nil
}
