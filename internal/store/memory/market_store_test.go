package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

func newMarket(id string, closeAt time.Time) domain.Market {
	return domain.Market{
		ID:        id,
		Title:     "market " + id,
		CloseTime: closeAt,
		Outcomes:  domain.DefaultOutcomes,
		Status:    domain.MarketStatusActive,
		Validation: domain.Validation{
			ReliableSources: []string{"Reuters", "Bloomberg", "AP"},
		},
	}
}

func TestMarketStoreCopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()

	m := newMarket("m-1", time.Now())
	require.NoError(t, s.Create(ctx, m))
	m.Validation.ReliableSources[0] = "mutated"

	got, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "Reuters", got.Validation.ReliableSources[0])
	assert.False(t, got.CreatedAt.IsZero())

	got.Validation.ReliableSources[1] = "mutated"
	again, _ := s.Get(ctx, "m-1")
	assert.Equal(t, "Bloomberg", again.Validation.ReliableSources[1])
}

func TestMarketStoreCreateRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	require.NoError(t, s.Create(ctx, newMarket("dup", time.Now())))
	assert.ErrorIs(t, s.Create(ctx, newMarket("dup", time.Now())), domain.ErrAlreadyExists)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettleIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	require.NoError(t, s.Create(ctx, newMarket("m", time.Now().Add(-time.Hour))))

	now := time.Now()
	settled := newMarket("m", time.Now())
	settled.Status = domain.MarketStatusResolved
	settled.Outcome = domain.OutcomeYes
	settled.ResolvedAt = &now
	res := domain.Resolution{MarketID: "m", Outcome: domain.OutcomeYes, Confidence: 0.9, ResolvedAt: now}

	require.NoError(t, s.Settle(ctx, settled, res))
	assert.ErrorIs(t, s.Settle(ctx, settled, res), domain.ErrStaleTransition)

	got, err := s.Resolutions().Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, got.Outcome)

	m, _ := s.Get(ctx, "m")
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	assert.Equal(t, domain.OutcomeYes, m.Outcome)
}

func TestUpsertAfterDeleteIsFresh(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	require.NoError(t, s.Create(ctx, newMarket("m", time.Now().Add(-time.Hour))))
	now := time.Now()
	settled := newMarket("m", time.Now())
	settled.Status = domain.MarketStatusExpired
	settled.Outcome = domain.OutcomeNo
	settled.ResolvedAt = &now
	require.NoError(t, s.Settle(ctx, settled, domain.Resolution{MarketID: "m", Outcome: domain.OutcomeExpired}))

	require.NoError(t, s.Delete(ctx, "m"))
	_, err := s.Resolutions().Get(ctx, "m")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Upsert(ctx, newMarket("m", time.Now().Add(time.Hour))))
	m, err := s.Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusActive, m.Status)
	assert.Equal(t, domain.OutcomeNone, m.Outcome)
	assert.Nil(t, m.ResolvedAt)
}

func TestUpsertNeverReopensSettledMarket(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	original := newMarket("m", time.Now().Add(-time.Hour))
	require.NoError(t, s.Create(ctx, original))

	original.Title = "renamed"
	require.NoError(t, s.Upsert(ctx, original), "active markets may be rewritten")

	now := time.Now()
	settled := original
	settled.Status = domain.MarketStatusResolved
	settled.Outcome = domain.OutcomeYes
	settled.ResolvedAt = &now
	assert.ErrorIs(t, s.Upsert(ctx, settled), domain.ErrStaleTransition, "settlement goes through Settle")
	require.NoError(t, s.Settle(ctx, settled, domain.Resolution{MarketID: "m", Outcome: domain.OutcomeYes}))

	assert.ErrorIs(t, s.Upsert(ctx, original), domain.ErrStaleTransition)
	assert.ErrorIs(t, s.Upsert(ctx, settled), domain.ErrStaleTransition)

	m, err := s.Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	assert.Equal(t, domain.OutcomeYes, m.Outcome)
	_, err = s.Resolutions().Get(ctx, "m")
	assert.NoError(t, err)
}

func TestListings(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()
	base := time.Now()
	require.NoError(t, s.Create(ctx, newMarket("late", base.Add(2*time.Hour))))
	require.NoError(t, s.Create(ctx, newMarket("early", base.Add(time.Hour))))
	require.NoError(t, s.Create(ctx, newMarket("mid", base.Add(90*time.Minute))))
	require.NoError(t, s.MarkDeployed(ctx, "mid", "0x1"))
	assert.ErrorIs(t, s.MarkDeployed(ctx, "nope", "0x1"), domain.ErrNotFound)

	active, err := s.ListByStatus(ctx, domain.MarketStatusActive, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, []string{"early", "mid", "late"}, []string{active[0].ID, active[1].ID, active[2].ID})

	page, err := s.ListByStatus(ctx, domain.MarketStatusActive, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "mid", page[0].ID)

	undeployed, err := s.ListUndeployed(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, undeployed, 2)

	n, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestAuditStoreNewestFirst(t *testing.T) {
	ctx := context.Background()
	a := NewAuditStore()
	require.NoError(t, a.Log(ctx, "first", map[string]any{"n": 1}))
	require.NoError(t, a.Log(ctx, "second", nil))

	entries, err := a.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Event)
	assert.Equal(t, 1, entries[1].Detail["n"])
}
