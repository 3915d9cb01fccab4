package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSweeper struct {
	calls   atomic.Int32
	release chan struct{}
	entered chan struct{}
}

func (b *blockingSweeper) SweepAll(ctx context.Context, now time.Time) SweepReport {
	b.calls.Add(1)
	if b.entered != nil {
		b.entered <- struct{}{}
	}
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
		}
	}
	return SweepReport{StartedAt: now, Scanned: 1}
}

type panickySweeper struct{}

func (panickySweeper) SweepAll(context.Context, time.Time) SweepReport { panic("boom") }

func TestScheduleSpec(t *testing.T) {
	spec, err := ScheduleSpec("", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "@every 1h0m0s", spec)

	spec, err = ScheduleSpec("*/5 * * * *", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", spec)

	_, err = ScheduleSpec("", 0)
	assert.Error(t, err)
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(&blockingSweeper{}, "every hour", testLogger())
	assert.Error(t, err)
}

func TestRunNowSkipsOverlap(t *testing.T) {
	sw := &blockingSweeper{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	s, err := NewScheduler(sw, "@every 1h", testLogger())
	require.NoError(t, err)

	done := make(chan SweepReport, 1)
	go func() {
		report, err := s.RunNow(context.Background())
		assert.NoError(t, err)
		done <- report
	}()
	<-sw.entered
	assert.True(t, s.Running())

	_, err = s.RunNow(context.Background())
	assert.ErrorIs(t, err, ErrSweepRunning)
	assert.False(t, s.Trigger())

	close(sw.release)
	report := <-done
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, int32(1), sw.calls.Load())

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, 1, last.Scanned)
}

func TestTriggerRunsInBackground(t *testing.T) {
	sw := &blockingSweeper{}
	s, err := NewScheduler(sw, "@every 1h", testLogger())
	require.NoError(t, err)

	_, ok := s.Last()
	assert.False(t, ok)

	require.True(t, s.Trigger())
	require.Eventually(t, func() bool {
		_, ok := s.Last()
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), sw.calls.Load())
}

func TestRunFiresOnScheduleAndStops(t *testing.T) {
	sw := &blockingSweeper{}
	s, err := NewScheduler(sw, "@every 1s", testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSweepPanicIsContained(t *testing.T) {
	s, err := NewScheduler(panickySweeper{}, "@every 1h", testLogger())
	require.NoError(t, err)

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.Err, "boom")
	assert.False(t, s.Running())
}

func TestTriggerRefusedAfterShutdown(t *testing.T) {
	sw := &blockingSweeper{}
	s, err := NewScheduler(sw, "@every 1h", testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.baseCtx == ctx
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)

	assert.False(t, s.Trigger())
	assert.Zero(t, sw.calls.Load())
}
