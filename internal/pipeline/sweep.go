// Package pipeline settles active markets: the resolution sweep and the
// scheduler that drives it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// EvidenceSource gathers and judges evidence. *service.EvidenceAdapter
// satisfies it.
type EvidenceSource interface {
	GatherEvidence(ctx context.Context, m domain.Market, now time.Time) ([]domain.Evidence, error)
	ScrapeTop(ctx context.Context, evidence []domain.Evidence) map[string]string
	Classify(ctx context.Context, m domain.Market, evidence []domain.Evidence, pages map[string]string) domain.Classification
}

// EventEmitter fans lifecycle events out. *service.Events satisfies it.
type EventEmitter interface {
	Emit(ctx context.Context, ev domain.MarketEvent, detail map[string]any)
}

// Disposition is what a sweep did with one market.
type Disposition string

const (
	DispositionResolved     Disposition = "resolved"
	DispositionExpired      Disposition = "expired"
	DispositionInsufficient Disposition = "insufficient_evidence"
	DispositionSkipped      Disposition = "skipped"
	DispositionFailed       Disposition = "failed"
)

// MarketOutcome reports the sweep of a single market.
type MarketOutcome struct {
	MarketID    string         `json:"market_id"`
	Disposition Disposition    `json:"disposition"`
	Outcome     domain.Outcome `json:"outcome,omitempty"`
	Confidence  float64        `json:"confidence,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	ArchiveKey  string         `json:"archive_key,omitempty"`
	Err         error          `json:"-"`
}

// SweepReport summarises one pass over the active markets.
type SweepReport struct {
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Scanned      int             `json:"scanned"`
	Resolved     int             `json:"resolved"`
	Expired      int             `json:"expired"`
	Insufficient int             `json:"insufficient"`
	Skipped      int             `json:"skipped"`
	Failed       int             `json:"failed"`
	Outcomes     []MarketOutcome `json:"outcomes"`
	Err          string          `json:"error,omitempty"`
}

func (r *SweepReport) add(o MarketOutcome) {
	switch o.Disposition {
	case DispositionResolved:
		r.Resolved++
	case DispositionExpired:
		r.Expired++
	case DispositionInsufficient:
		r.Insufficient++
	case DispositionSkipped:
		r.Skipped++
	case DispositionFailed:
		r.Failed++
	}
}

// SweepConfig tunes a Sweeper.
type SweepConfig struct {
	// StaleAfter expires markets that closed this long ago even without
	// auto_expire.
	StaleAfter  time.Duration
	LockTTL     time.Duration
	Concurrency int
}

// SweeperDeps groups the collaborators of a Sweeper. Locks, Cache, Archive
// and Events may be nil.
type SweeperDeps struct {
	Store    domain.MarketStore
	Evidence EvidenceSource
	Locks    domain.LockManager
	Cache    domain.MarketCache
	Archive  domain.EvidenceArchive
	Events   EventEmitter
}

// Sweeper owns the active -> resolved/expired transition.
type Sweeper struct {
	store    domain.MarketStore
	evidence EvidenceSource
	locks    domain.LockManager
	cache    domain.MarketCache
	archive  domain.EvidenceArchive
	events   EventEmitter
	cfg      SweepConfig
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(deps SweeperDeps, cfg SweepConfig, logger *slog.Logger) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 7 * 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Sweeper{
		store:    deps.Store,
		evidence: deps.Evidence,
		locks:    deps.Locks,
		cache:    deps.Cache,
		archive:  deps.Archive,
		events:   deps.Events,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// SweepAll settles every active market it can. A failure on one market is
// recorded in the report and never stops the others.
func (s *Sweeper) SweepAll(ctx context.Context, now time.Time) SweepReport {
	report := SweepReport{StartedAt: time.Now().UTC()}
	markets, err := s.store.ListByStatus(ctx, domain.MarketStatusActive, domain.ListOpts{})
	if err != nil {
		s.logger.ErrorContext(ctx, "sweeper: list active markets failed", slog.String("error", err.Error()))
		report.Err = err.Error()
		report.FinishedAt = time.Now().UTC()
		return report
	}

	report.Scanned = len(markets)
	report.Outcomes = make([]MarketOutcome, len(markets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	var mu sync.Mutex
	for i, m := range markets {
		g.Go(func() error {
			o := s.settleContained(gctx, m, now)
			mu.Lock()
			report.Outcomes[i] = o
			report.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now().UTC()
	s.logger.InfoContext(ctx, "sweep complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("resolved", report.Resolved),
		slog.Int("expired", report.Expired),
		slog.Int("insufficient", report.Insufficient),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report
}

// SweepOne settles a single market with the same rules as SweepAll. The
// error is non-nil only when the market is unknown or settling it failed.
func (s *Sweeper) SweepOne(ctx context.Context, id string, now time.Time) (MarketOutcome, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return MarketOutcome{MarketID: id, Disposition: DispositionFailed, Err: err},
			fmt.Errorf("sweeper: get %s: %w", id, err)
	}
	o := s.settleContained(ctx, m, now)
	if o.Disposition == DispositionFailed {
		return o, o.Err
	}
	return o, nil
}

// Expired reports whether m is past its close time and due to expire.
func (s *Sweeper) Expired(m domain.Market, now time.Time) bool {
	if !now.After(m.CloseTime) {
		return false
	}
	return m.Validation.AutoExpire || now.Sub(m.CloseTime) > s.cfg.StaleAfter
}

// settleContained runs settle and turns a panic into a failed outcome for
// that market alone.
func (s *Sweeper) settleContained(ctx context.Context, m domain.Market, now time.Time) (out MarketOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = s.failed(ctx, m, fmt.Errorf("panic: %v", r))
		}
	}()
	return s.settle(ctx, m, now)
}

func (s *Sweeper) settle(ctx context.Context, m domain.Market, now time.Time) MarketOutcome {
	out := MarketOutcome{MarketID: m.ID}
	log := s.logger.With(slog.String("market_id", m.ID))

	switch {
	case m.Status != domain.MarketStatusActive:
		out.Disposition = DispositionSkipped
		out.Reason = "market already " + string(m.Status)
		return out
	case !m.BlockchainDeployed:
		out.Disposition = DispositionSkipped
		out.Reason = "market not deployed"
		return out
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "sweep:"+m.ID, s.cfg.LockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			out.Disposition = DispositionSkipped
			out.Reason = "sweep in progress elsewhere"
			return out
		case err != nil:
			log.WarnContext(ctx, "sweeper: lock unavailable, relying on store check",
				slog.String("error", err.Error()))
		default:
			defer unlock()
		}
	}

	if s.Expired(m, now) {
		return s.expire(ctx, m, now, log)
	}
	return s.resolve(ctx, m, now, log)
}

func (s *Sweeper) expire(ctx context.Context, m domain.Market, now time.Time, log *slog.Logger) MarketOutcome {
	settledAt := now.UTC()
	m.Status = domain.MarketStatusExpired
	m.Outcome = domain.OutcomeNo
	m.ResolvedAt = &settledAt
	m.ResolutionConfidence = 1.0

	reason := fmt.Sprintf("closed %s without settlement", m.CloseTime.UTC().Format(time.RFC3339))
	if m.Validation.AutoExpire {
		reason = fmt.Sprintf("auto-expired at close %s", m.CloseTime.UTC().Format(time.RFC3339))
	}
	res := domain.Resolution{
		MarketID:    m.ID,
		Outcome:     domain.OutcomeExpired,
		Confidence:  1.0,
		Reasoning:   reason,
		ResolvedAt:  settledAt,
		AutoExpired: true,
	}

	out := MarketOutcome{MarketID: m.ID, Disposition: DispositionExpired, Outcome: domain.OutcomeNo, Confidence: 1.0, Reason: reason}
	if skipped, err := s.commit(ctx, m, res, log); err != nil {
		return s.failed(ctx, m, err)
	} else if skipped {
		return MarketOutcome{MarketID: m.ID, Disposition: DispositionSkipped, Reason: "settled concurrently"}
	}

	out.ArchiveKey = s.archiveBundle(ctx, domain.EvidenceBundle{Market: m, Resolution: res}, log)
	s.announce(ctx, domain.EventMarketExpired, m, res, out.ArchiveKey)
	log.InfoContext(ctx, "market expired", slog.String("reason", reason))
	return out
}

func (s *Sweeper) resolve(ctx context.Context, m domain.Market, now time.Time, log *slog.Logger) MarketOutcome {
	evidence, err := s.evidence.GatherEvidence(ctx, m, now)
	if err != nil {
		return s.failed(ctx, m, fmt.Errorf("gather evidence: %w", err))
	}
	pages := s.evidence.ScrapeTop(ctx, evidence)
	cls := s.evidence.Classify(ctx, m, evidence, pages)

	if !cls.Outcome.Decisive() {
		log.InfoContext(ctx, "sweeper: evidence insufficient, market stays active",
			slog.Int("evidence", len(evidence)),
			slog.String("reasoning", cls.Reasoning),
		)
		return MarketOutcome{
			MarketID:    m.ID,
			Disposition: DispositionInsufficient,
			Outcome:     domain.OutcomeInsufficient,
			Confidence:  cls.Confidence,
			Reason:      cls.Reasoning,
			Err:         fmt.Errorf("%w: %s", domain.ErrEvidenceInsufficient, cls.Reasoning),
		}
	}

	settledAt := now.UTC()
	m.Status = domain.MarketStatusResolved
	m.Outcome = cls.Outcome
	m.ResolvedAt = &settledAt
	m.ResolutionConfidence = cls.Confidence
	res := domain.Resolution{
		MarketID:        m.ID,
		Outcome:         cls.Outcome,
		Confidence:      cls.Confidence,
		Reasoning:       cls.Reasoning,
		EvidenceSources: cls.CitedSources,
		ResolvedAt:      settledAt,
	}

	if skipped, err := s.commit(ctx, m, res, log); err != nil {
		return s.failed(ctx, m, err)
	} else if skipped {
		return MarketOutcome{MarketID: m.ID, Disposition: DispositionSkipped, Reason: "settled concurrently"}
	}

	scraped := make(map[string]int, len(pages))
	for u, text := range pages {
		scraped[u] = len(text)
	}
	out := MarketOutcome{MarketID: m.ID, Disposition: DispositionResolved, Outcome: cls.Outcome, Confidence: cls.Confidence, Reason: cls.Reasoning}
	out.ArchiveKey = s.archiveBundle(ctx, domain.EvidenceBundle{
		Market:         m,
		Resolution:     res,
		Evidence:       evidence,
		Classification: &cls,
		Scraped:        scraped,
	}, log)
	s.announce(ctx, domain.EventMarketResolved, m, res, out.ArchiveKey)
	log.InfoContext(ctx, "market resolved",
		slog.String("outcome", string(cls.Outcome)),
		slog.Float64("confidence", cls.Confidence),
	)
	return out
}

// commit writes the settlement. skipped reports that the market left the
// active state under us.
func (s *Sweeper) commit(ctx context.Context, m domain.Market, res domain.Resolution, log *slog.Logger) (skipped bool, err error) {
	err = s.store.Settle(ctx, m, res)
	switch {
	case errors.Is(err, domain.ErrStaleTransition):
		log.InfoContext(ctx, "sweeper: market settled concurrently")
		return true, nil
	case err != nil:
		return false, fmt.Errorf("settle: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, m.ID); err != nil {
			log.WarnContext(ctx, "sweeper: cache invalidate failed", slog.String("error", err.Error()))
		}
	}
	return false, nil
}

func (s *Sweeper) archiveBundle(ctx context.Context, bundle domain.EvidenceBundle, log *slog.Logger) string {
	if s.archive == nil {
		return ""
	}
	key, err := s.archive.Archive(ctx, bundle)
	if err != nil {
		log.WarnContext(ctx, "sweeper: evidence archive failed", slog.String("error", err.Error()))
		return ""
	}
	return key
}

func (s *Sweeper) announce(ctx context.Context, event string, m domain.Market, res domain.Resolution, archiveKey string) {
	if s.events == nil {
		return
	}
	detail := map[string]any{
		"confidence":   res.Confidence,
		"auto_expired": res.AutoExpired,
	}
	if archiveKey != "" {
		detail["archive_key"] = archiveKey
	}
	s.events.Emit(ctx, domain.MarketEvent{
		Type:     event,
		MarketID: m.ID,
		Status:   m.Status,
		Outcome:  m.Outcome,
		Reason:   res.Reasoning,
		At:       res.ResolvedAt,
	}, detail)
}

func (s *Sweeper) failed(ctx context.Context, m domain.Market, err error) MarketOutcome {
	err = fmt.Errorf("sweeper: %s: %w", m.ID, err)
	s.logger.ErrorContext(ctx, "sweeper: settle failed",
		slog.String("market_id", m.ID),
		slog.String("error", err.Error()),
	)
	if s.events != nil {
		s.events.Emit(ctx, domain.MarketEvent{
			Type:     domain.EventSweepFailed,
			MarketID: m.ID,
			Status:   domain.MarketStatusActive,
			Reason:   err.Error(),
			At:       time.Now().UTC(),
		}, nil)
	}
	return MarketOutcome{MarketID: m.ID, Disposition: DispositionFailed, Reason: err.Error(), Err: err}
}
