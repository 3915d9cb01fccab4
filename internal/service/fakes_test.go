package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/platform/ledger"
	"github.com/alanyoungcy/marketforge/internal/platform/oracle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOracle answers CompleteJSON from canned replies (the last one
// repeats) or from respond when set.
type fakeOracle struct {
	mu      sync.Mutex
	replies []string
	err     error
	respond func(system, user string) (string, error)
	calls   int
	users   []string
}

func (f *fakeOracle) CompleteJSON(_ context.Context, system, user string, out any) error {
	f.mu.Lock()
	f.calls++
	f.users = append(f.users, user)
	var (
		reply string
		err   = f.err
	)
	switch {
	case f.respond != nil:
		reply, err = f.respond(system, user)
	case err == nil && len(f.replies) > 0:
		idx := f.calls - 1
		if idx >= len(f.replies) {
			idx = len(f.replies) - 1
		}
		reply = f.replies[idx]
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	obj, err := oracle.ExtractObject(reply)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(obj), out)
}

func (f *fakeOracle) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type staticValidator struct {
	val   domain.Validation
	calls int
	mu    sync.Mutex
}

func (s *staticValidator) Validate(context.Context, string, time.Time) domain.Validation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.val
}

func (s *staticValidator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func goodValidation() domain.Validation {
	return domain.Validation{
		IsValid:         true,
		Confidence:      0.9,
		Reasoning:       "ok",
		YesProbability:  0.6,
		NoProbability:   0.4,
		ReliableSources: []string{"Reuters", "Bloomberg", "AP"},
		ResolutionDate:  "2030-01-01",
		Title:           "Will it happen?",
	}
}

type fakeDeployer struct {
	mu       sync.Mutex
	ok       bool
	panics   bool
	block    chan struct{}
	requests []ledger.Request
	onDeploy func()
	receipts map[string]bool
	receiptErr error
}

func (f *fakeDeployer) Deploy(ctx context.Context, req ledger.Request) (string, bool) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block, ok, panics, hook := f.block, f.ok, f.panics, f.onDeploy
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if panics {
		panic("deployer exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", false
		}
	}
	if !ok {
		return "", false
	}
	if req.OnSubmitted != nil {
		req.OnSubmitted("0xabc")
	}
	return "0xabc", true
}

func (f *fakeDeployer) Confirmed(_ context.Context, txHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return false, f.receiptErr
	}
	ok, found := f.receipts[txHash]
	if !found {
		return false, ledger.ErrReceiptPending
	}
	return ok, nil
}

func (f *fakeDeployer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// flakyStore fails Delete and MarkDeployed a fixed number of times.
type flakyStore struct {
	domain.MarketStore
	mu          sync.Mutex
	deleteFails int
	deletes     int
	markFails   int
	marks       int
	createErr   error
}

func (f *flakyStore) MarkDeployed(ctx context.Context, id, txHash string) error {
	f.mu.Lock()
	f.marks++
	fail := f.marks <= f.markFails
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.MarketStore.MarkDeployed(ctx, id, txHash)
}

func (f *flakyStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	f.deletes++
	fail := f.deletes <= f.deleteFails
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.MarketStore.Delete(ctx, id)
}

func (f *flakyStore) Create(ctx context.Context, m domain.Market) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.MarketStore.Create(ctx, m)
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.MarketEvent
}

func (r *recordingNotifier) NotifyEvent(_ context.Context, ev domain.MarketEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
