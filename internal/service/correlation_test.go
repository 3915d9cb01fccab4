package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

func TestCorrelationsLifecycle(t *testing.T) {
	c := NewCorrelations(time.Minute, 4, testLogger())
	var got []domain.SagaResult
	require.NoError(t, c.Begin("c-1", "m-1", func(r domain.SagaResult) { got = append(got, r) }))

	assert.ErrorIs(t, c.Begin("c-1", "m-2", nil), domain.ErrAlreadyExists)

	c.Advance("c-1", domain.SagaDeploying)
	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.SagaDeploying, snap[0].Stage)
	assert.Equal(t, "m-1", snap[0].MarketID)

	assert.True(t, c.Complete("c-1", domain.SagaResult{CorrelationID: "c-1", State: domain.SagaComplete}))
	assert.False(t, c.Complete("c-1", domain.SagaResult{}), "second completion is a no-op")
	require.Len(t, got, 1)
	assert.Equal(t, domain.SagaComplete, got[0].State)
	assert.Zero(t, c.Len())
}

func TestCorrelationsExpireAndCap(t *testing.T) {
	c := NewCorrelations(time.Minute, 2, testLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Begin("a", "m-a", nil))
	require.NoError(t, c.Begin("b", "m-b", nil))
	assert.ErrorIs(t, c.Begin("c", "m-c", nil), domain.ErrCorrelationFull)

	now = now.Add(2 * time.Minute)
	require.NoError(t, c.Begin("c", "m-c", nil), "expired entries make room")
	assert.Equal(t, 1, c.Len())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, c.Cleanup())
	assert.False(t, c.Complete("c", domain.SagaResult{}))
}

func TestCorrelationsConcurrentComplete(t *testing.T) {
	c := NewCorrelations(time.Minute, 0, testLogger())
	var mu sync.Mutex
	calls := 0
	require.NoError(t, c.Begin("x", "m", func(domain.SagaResult) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Complete("x", domain.SagaResult{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestCorrelationsRunStopsWithContext(t *testing.T) {
	c := NewCorrelations(time.Millisecond, 0, testLogger())
	require.NoError(t, c.Begin("x", "m", nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
