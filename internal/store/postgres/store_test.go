package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// setupTestDB starts a throwaway PostgreSQL container, applies the embedded
// migrations and returns a connected client.
func setupTestDB(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("marketforge"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.RunMigrations(ctx))
	// second run is a no-op
	require.NoError(t, client.RunMigrations(ctx))
	return client
}

func sampleMarket(id string, closeAt time.Time) domain.Market {
	return domain.Market{
		ID:                 id,
		Title:              "Will X happen by 2030-01-01?",
		Prompt:             "Will X happen by 2030-01-01?",
		CloseTime:          closeAt.UTC().Truncate(time.Microsecond),
		Outcomes:           domain.DefaultOutcomes,
		InitialProbability: 0.6,
		Validation: domain.Validation{
			IsValid:         true,
			Confidence:      0.9,
			YesProbability:  0.6,
			NoProbability:   0.4,
			ReliableSources: []string{"Reuters", "Bloomberg", "AP"},
			ResolutionDate:  "2030-01-01",
		},
		Status:    domain.MarketStatusActive,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/app?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "app"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: " postgres://explicit ", Host: "ignored"}))
}

func TestMarketStoreLifecycle(t *testing.T) {
	client := setupTestDB(t)
	ctx := context.Background()
	markets := NewMarketStore(client.Pool())
	resolutions := NewResolutionStore(client.Pool())

	m := sampleMarket("m-1", time.Now().Add(-8*24*time.Hour))
	require.NoError(t, markets.Create(ctx, m))
	assert.ErrorIs(t, markets.Create(ctx, m), domain.ErrAlreadyExists)

	got, err := markets.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, m.Title, got.Title)
	assert.Equal(t, []string{"Reuters", "Bloomberg", "AP"}, got.Validation.ReliableSources)
	assert.False(t, got.BlockchainDeployed)
	assert.Equal(t, domain.OutcomeNone, got.Outcome)

	require.NoError(t, markets.MarkDeployed(ctx, "m-1", "0xabc"))
	got, err = markets.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, got.BlockchainDeployed)
	assert.Equal(t, "0xabc", got.TxHash)

	now := time.Now().UTC().Truncate(time.Microsecond)
	got.Status = domain.MarketStatusExpired
	got.Outcome = domain.OutcomeNo
	got.ResolvedAt = &now
	got.ResolutionConfidence = 1
	res := domain.Resolution{
		MarketID: "m-1", Outcome: domain.OutcomeExpired, Confidence: 1,
		ResolvedAt: now, AutoExpired: true,
	}
	require.NoError(t, markets.Settle(ctx, got, res))
	assert.ErrorIs(t, markets.Settle(ctx, got, res), domain.ErrStaleTransition)

	// a settled market cannot be reopened or rewritten through Upsert
	assert.ErrorIs(t, markets.Upsert(ctx, m), domain.ErrStaleTransition)
	assert.ErrorIs(t, markets.Upsert(ctx, got), domain.ErrStaleTransition)
	reread, err := markets.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusExpired, reread.Status)
	_, err = resolutions.Get(ctx, "m-1")
	require.NoError(t, err)

	stored, err := resolutions.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExpired, stored.Outcome)
	assert.True(t, stored.AutoExpired)
	assert.Empty(t, stored.EvidenceSources)

	// delete then upsert yields a fresh record without the old resolution
	require.NoError(t, markets.Delete(ctx, "m-1"))
	_, err = resolutions.Get(ctx, "m-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	fresh := sampleMarket("m-1", time.Now().Add(24*time.Hour))
	require.NoError(t, markets.Upsert(ctx, fresh))
	got, err = markets.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusActive, got.Status)
	assert.Equal(t, domain.OutcomeNone, got.Outcome)
	assert.Nil(t, got.ResolvedAt)
	assert.False(t, got.BlockchainDeployed)
}

func TestMarketStoreListing(t *testing.T) {
	client := setupTestDB(t)
	ctx := context.Background()
	markets := NewMarketStore(client.Pool())

	base := time.Now()
	for i, id := range []string{"b", "a", "c"} {
		m := sampleMarket(id, base.Add(time.Duration(i)*time.Hour))
		m.CreatedAt = base.Add(-time.Hour).UTC()
		require.NoError(t, markets.Create(ctx, m))
	}
	require.NoError(t, markets.MarkDeployed(ctx, "a", "0x1"))

	active, err := markets.ListByStatus(ctx, domain.MarketStatusActive, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "b", active[0].ID, "ordered by close time")

	undeployed, err := markets.ListUndeployed(ctx, base)
	require.NoError(t, err)
	assert.Len(t, undeployed, 2)

	n, err := markets.Count(ctx, domain.MarketStatusActive)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestSettleConcurrentOnlyOneWins(t *testing.T) {
	client := setupTestDB(t)
	ctx := context.Background()
	markets := NewMarketStore(client.Pool())

	m := sampleMarket("race", time.Now().Add(-time.Hour))
	require.NoError(t, markets.Create(ctx, m))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		stale int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			settled := m
			settled.Status = domain.MarketStatusResolved
			settled.Outcome = domain.OutcomeYes
			settled.ResolvedAt = &now
			err := markets.Settle(ctx, settled, domain.Resolution{
				MarketID: "race", Outcome: domain.OutcomeYes, Confidence: 0.9, ResolvedAt: now,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrStaleTransition):
				stale++
			default:
				t.Errorf("unexpected settle error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 3, stale)
}

func TestAuditStore(t *testing.T) {
	client := setupTestDB(t)
	ctx := context.Background()
	audit := NewAuditStore(client.Pool())

	require.NoError(t, audit.Log(ctx, domain.EventMarketCreated, map[string]any{"market_id": "m-1"}))
	require.NoError(t, audit.Log(ctx, domain.EventMarketFailed, nil))

	entries, err := audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EventMarketFailed, entries[0].Event)
	assert.Equal(t, "m-1", entries[1].Detail["market_id"])
}
