package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/platform/ledger"
)

// PropositionValidator admits or rejects a proposition. *Validator
// satisfies it.
type PropositionValidator interface {
	Validate(ctx context.Context, proposition string, now time.Time) domain.Validation
}

// MarketDeployer puts a market on the ledger. *ledger.Deployer satisfies it.
type MarketDeployer interface {
	Deploy(ctx context.Context, req ledger.Request) (txHash string, ok bool)
	// Confirmed reports whether an earlier deployment's receipt succeeded.
	Confirmed(ctx context.Context, txHash string) (bool, error)
}

// CreateRequest asks for one market. Empty ids are generated.
type CreateRequest struct {
	Prompt        string
	MarketID      string
	CorrelationID string
	Notify        SagaNotifier
}

// CoordinatorConfig bounds the saga.
type CoordinatorConfig struct {
	PublicBaseURL      string
	DeployTimeout      time.Duration
	CompensateTimeout  time.Duration
	CompensateAttempts int
	RecoverAfter       time.Duration
	LockTTL            time.Duration
}

// Coordinator runs the market creation saga: validate, persist, deploy, and
// delete the market again when deployment fails.
type Coordinator struct {
	store        domain.MarketStore
	validator    PropositionValidator
	deployer     MarketDeployer
	locks        domain.LockManager
	cache        domain.MarketCache
	correlations *Correlations
	events       *Events
	cfg          CoordinatorConfig
	inflight     inflightSet
	now          func() time.Time
	logger       *slog.Logger
}

// CoordinatorDeps groups the collaborators of a Coordinator. Locks, Cache
// and Events are optional.
type CoordinatorDeps struct {
	Store        domain.MarketStore
	Validator    PropositionValidator
	Deployer     MarketDeployer
	Locks        domain.LockManager
	Cache        domain.MarketCache
	Correlations *Correlations
	Events       *Events
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(deps CoordinatorDeps, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = 3 * time.Minute
	}
	if cfg.CompensateTimeout <= 0 {
		cfg.CompensateTimeout = 30 * time.Second
	}
	if cfg.CompensateAttempts <= 0 {
		cfg.CompensateAttempts = 3
	}
	if cfg.RecoverAfter <= 0 {
		cfg.RecoverAfter = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.DeployTimeout + cfg.CompensateTimeout
	}
	if deps.Correlations == nil {
		deps.Correlations = NewCorrelations(0, 0, logger)
	}
	return &Coordinator{
		store:        deps.Store,
		validator:    deps.Validator,
		deployer:     deps.Deployer,
		locks:        deps.Locks,
		cache:        deps.Cache,
		correlations: deps.Correlations,
		events:       deps.Events,
		cfg:          cfg,
		inflight:     inflightSet{ids: make(map[string]struct{})},
		now:          time.Now,
		logger:       logger.With(slog.String("component", "coordinator")),
	}
}

// Correlations exposes the in-flight registry.
func (c *Coordinator) Correlations() *Correlations { return c.correlations }

// OutcomeURL is the callback the ledger attests market outcomes against.
func (c *Coordinator) OutcomeURL(marketID string) string {
	return strings.TrimRight(c.cfg.PublicBaseURL, "/") + "/resolutions/" + marketID + "/outcome"
}

// saga tracks one run of Create.
type saga struct {
	c      *Coordinator
	res    domain.SagaResult
	state  domain.SagaState
	logger *slog.Logger
}

func (s *saga) to(next domain.SagaState) {
	if !s.state.CanTransition(next) {
		s.logger.Error("illegal saga transition", slog.String("from", string(s.state)), slog.String("to", string(next)))
	}
	s.state = next
	if !next.Terminal() {
		s.res.Stage = next
		s.c.correlations.Advance(s.res.CorrelationID, next)
	}
	s.logger.Debug("saga transition", slog.String("state", string(next)))
}

func (s *saga) fail(terminal domain.SagaState, kind domain.SagaErrorKind, stage domain.SagaState, cause error) domain.SagaResult {
	s.to(terminal)
	s.res.State = terminal
	s.res.Err = &domain.SagaError{Kind: kind, Stage: stage, Cause: cause}
	if s.res.Reason == "" && cause != nil {
		s.res.Reason = cause.Error()
	}
	return s.res
}

// Create runs the saga to a terminal state. It never panics and every
// failure is reported in the result.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) domain.SagaResult {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.MarketID == "" {
		req.MarketID = uuid.NewString()
	}
	s := &saga{
		c:     c,
		res:   domain.SagaResult{CorrelationID: req.CorrelationID, MarketID: req.MarketID, Stage: domain.SagaReceived},
		state: domain.SagaReceived,
		logger: c.logger.With(
			slog.String("correlation_id", req.CorrelationID),
			slog.String("market_id", req.MarketID),
		),
	}

	if err := c.correlations.Begin(req.CorrelationID, req.MarketID, req.Notify); err != nil {
		s.state = domain.SagaFailed
		s.res.State = domain.SagaFailed
		s.res.Err = &domain.SagaError{Kind: domain.KindInFlight, Stage: domain.SagaReceived, Cause: err}
		s.res.Reason = err.Error()
		if req.Notify != nil {
			req.Notify(s.res)
		}
		return s.res
	}

	res := c.run(ctx, s, req)
	c.finish(ctx, res)
	c.correlations.Complete(req.CorrelationID, res)
	return res
}

func (c *Coordinator) run(ctx context.Context, s *saga, req CreateRequest) (result domain.SagaResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("saga panicked", slog.Any("panic", r), slog.String("state", string(s.state)))
			s.res.State = domain.SagaFailed
			s.res.Err = &domain.SagaError{Kind: domain.KindPersistence, Stage: s.state, Cause: fmt.Errorf("panic: %v", r)}
			s.res.Reason = s.res.Err.Error()
			s.state = domain.SagaFailed
			result = s.res
		}
	}()

	id := req.MarketID
	if res, done := c.replay(ctx, s); done {
		return res
	}

	release, err := c.lock(ctx, id)
	if err != nil {
		return s.fail(domain.SagaFailed, domain.KindInFlight, domain.SagaReceived, err)
	}
	defer release()

	// Another creator may have finished while we waited for the lock.
	if res, done := c.replay(ctx, s); done {
		return res
	}

	s.to(domain.SagaValidating)
	prompt := strings.TrimSpace(req.Prompt)
	var val domain.Validation
	if prompt == "" {
		val = failClosed("proposition is empty", c.now().UTC())
	} else {
		val = c.validator.Validate(ctx, prompt, c.now())
	}
	if !val.IsValid {
		kind := domain.KindValidationRejected
		cause := domain.ErrValidationRejected
		if val.OracleFailed {
			kind, cause = domain.KindOracleUnavailable, domain.ErrOracleUnavailable
		}
		s.res.Reason = val.Reasoning
		return s.fail(domain.SagaRejected, kind, domain.SagaValidating, fmt.Errorf("%w: %s", cause, val.Reasoning))
	}
	s.to(domain.SagaValidated)

	market := c.buildMarket(id, prompt, val)
	s.to(domain.SagaPersisting)
	if err := c.store.Create(ctx, market); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			if res, done := c.replay(ctx, s); done {
				return res
			}
		}
		return s.fail(domain.SagaFailed, domain.KindPersistence, domain.SagaPersisting, err)
	}
	s.to(domain.SagaPersisted)

	// From here on the caller may go away; the saga must still reach a
	// terminal state so no undeployed row is left behind.
	detached := context.WithoutCancel(ctx)

	s.to(domain.SagaDeploying)
	txHash, ok := c.deploy(detached, market, s.logger)
	if ok {
		s.to(domain.SagaDeployed)
		if err := c.retry(detached, func(ctx context.Context) error {
			return c.store.MarkDeployed(ctx, id, txHash)
		}); err != nil {
			s.logger.Error("market deployed but not marked, recovery will reconcile it",
				slog.String("tx_hash", txHash), slog.String("error", err.Error()))
			return s.fail(domain.SagaFailed, domain.KindPersistence, domain.SagaDeployed, err)
		}
		market.BlockchainDeployed = true
		market.TxHash = txHash
		s.to(domain.SagaComplete)
		s.res.State = domain.SagaComplete
		s.res.Market = &market
		return s.res
	}

	s.to(domain.SagaDeployFailed)
	s.to(domain.SagaCompensating)
	if err := c.compensate(detached, id); err != nil {
		s.logger.Error("compensation failed, market left for recovery", slog.String("error", err.Error()))
		return s.fail(domain.SagaFailed, domain.KindCompensation, domain.SagaCompensating,
			fmt.Errorf("%w; delete: %w", domain.ErrDeploymentFailed, err))
	}
	return s.fail(domain.SagaFailed, domain.KindDeployment, domain.SagaDeploying, domain.ErrDeploymentFailed)
}

// replay returns the stored market when id already exists.
func (c *Coordinator) replay(ctx context.Context, s *saga) (domain.SagaResult, bool) {
	existing, err := c.store.Get(ctx, s.res.MarketID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.SagaResult{}, false
	case err != nil:
		return s.fail(domain.SagaFailed, domain.KindPersistence, domain.SagaReceived, err), true
	}
	s.res.Replayed = true
	s.res.Market = &existing
	if !existing.BlockchainDeployed && existing.Status == domain.MarketStatusActive {
		return s.fail(domain.SagaFailed, domain.KindInFlight, domain.SagaReceived, domain.ErrCreationInFlight), true
	}
	s.state = domain.SagaComplete
	s.res.State = domain.SagaComplete
	s.logger.Info("market already exists, replaying")
	return s.res, true
}

// lock takes the process-local and, when configured, the distributed lock
// for id. Failing to take either means another saga owns the id.
func (c *Coordinator) lock(ctx context.Context, id string) (func(), error) {
	if !c.inflight.tryAdd(id) {
		return nil, domain.ErrCreationInFlight
	}
	local := func() { c.inflight.remove(id) }
	if c.locks == nil {
		return local, nil
	}
	unlock, err := c.locks.Acquire(ctx, "saga:"+id, c.cfg.LockTTL)
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		local()
		return nil, fmt.Errorf("%w: %w", domain.ErrCreationInFlight, err)
	case err != nil:
		c.logger.WarnContext(ctx, "coordinator: distributed lock unavailable, using local lock only",
			slog.String("market_id", id), slog.String("error", err.Error()))
		return local, nil
	}
	return func() { unlock(); local() }, nil
}

func (c *Coordinator) deploy(ctx context.Context, m domain.Market, log *slog.Logger) (txHash string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("deployer panicked", slog.Any("panic", r))
			txHash, ok = "", false
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DeployTimeout)
	defer cancel()
	return c.deployer.Deploy(ctx, ledger.Request{
		MarketID:       m.ID,
		Title:          m.Title,
		CallbackURL:    c.OutcomeURL(m.ID),
		YesProbability: m.Validation.YesProbability,
		NoProbability:  m.Validation.NoProbability,
		OnSubmitted: func(txHash string) {
			if err := c.retry(ctx, func(ctx context.Context) error {
				return c.store.RecordSubmission(ctx, m.ID, txHash)
			}); err != nil {
				log.Warn("could not record submitted deployment", slog.String("tx_hash", txHash), slog.String("error", err.Error()))
			}
		},
	})
}

// compensate deletes the market so the store is back in its pre-creation
// state. A market that is already gone counts as compensated.
func (c *Coordinator) compensate(ctx context.Context, id string) error {
	err := c.retry(ctx, func(ctx context.Context) error {
		if err := c.store.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return nil
	})
	if err == nil && c.cache != nil {
		if cerr := c.cache.Invalidate(ctx, id); cerr != nil {
			c.logger.WarnContext(ctx, "coordinator: cache invalidate failed", slog.String("market_id", id), slog.String("error", cerr.Error()))
		}
	}
	return err
}

func (c *Coordinator) retry(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.CompensateAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.CompensateTimeout)
		err = op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		c.logger.WarnContext(ctx, "coordinator: store write failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < c.cfg.CompensateAttempts {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	return err
}

func (c *Coordinator) buildMarket(id, prompt string, val domain.Validation) domain.Market {
	now := c.now().UTC()
	title := val.Title
	if title == "" {
		title = "Market for " + prompt
	}
	if r := []rune(title); len(r) > 200 {
		title = string(r[:200])
	}
	description := val.Description
	if description == "" {
		description = prompt
	}
	// Markets close at the end of their resolution day.
	closeTime := now.Add(24 * time.Hour)
	if d, err := ParseResolutionDate(val.ResolutionDate); err == nil {
		closeTime = d.Add(24 * time.Hour)
	}
	return domain.Market{
		ID:                 id,
		Title:              title,
		Description:        description,
		Prompt:             prompt,
		CloseTime:          closeTime,
		Outcomes:           domain.DefaultOutcomes,
		InitialProbability: val.YesProbability,
		Validation:         val,
		Status:             domain.MarketStatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (c *Coordinator) finish(ctx context.Context, res domain.SagaResult) {
	ev := domain.MarketEvent{
		MarketID:      res.MarketID,
		CorrelationID: res.CorrelationID,
		Stage:         res.Stage,
		Reason:        res.Reason,
		At:            c.now().UTC(),
	}
	switch {
	case res.Replayed:
		c.logger.InfoContext(ctx, "coordinator: replayed", slog.String("market_id", res.MarketID), slog.String("state", string(res.State)))
		return
	case res.State == domain.SagaComplete:
		ev.Type = domain.EventMarketCreated
		ev.Status = domain.MarketStatusActive
		c.logger.InfoContext(ctx, "coordinator: market created", slog.String("market_id", res.MarketID))
	case res.State == domain.SagaRejected:
		ev.Type = domain.EventMarketRejected
		c.logger.InfoContext(ctx, "coordinator: market rejected", slog.String("market_id", res.MarketID), slog.String("reason", res.Reason))
	default:
		ev.Type = domain.EventMarketFailed
		c.logger.ErrorContext(ctx, "coordinator: market failed", slog.String("market_id", res.MarketID), slog.String("reason", res.Reason))
	}

	detail := map[string]any{"state": string(res.State)}
	var se *domain.SagaError
	if errors.As(res.Err, &se) {
		detail["kind"] = string(se.Kind)
		detail["failed_at"] = string(se.Stage)
	}
	if res.Market != nil && res.Market.TxHash != "" {
		detail["tx_hash"] = res.Market.TxHash
	}
	c.events.Emit(context.WithoutCancel(ctx), ev, detail)
}

// Recover removes markets a crashed saga persisted but never deployed.
// Markets younger than RecoverAfter are left alone since their saga may
// still be running. A market carrying a submitted transaction is only
// removed once its receipt shows a revert; a successful receipt marks it
// deployed instead.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.cfg.RecoverAfter)
	orphans, err := c.store.ListUndeployed(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("coordinator: list undeployed: %w", err)
	}

	removed := 0
	for _, m := range orphans {
		release, err := c.lock(ctx, m.ID)
		if err != nil {
			c.logger.InfoContext(ctx, "coordinator: orphan busy, skipping", slog.String("market_id", m.ID))
			continue
		}
		if m.TxHash != "" && c.reconcile(ctx, m) {
			release()
			continue
		}
		err = c.compensate(ctx, m.ID)
		release()
		if err != nil {
			c.logger.ErrorContext(ctx, "coordinator: recover delete failed", slog.String("market_id", m.ID), slog.String("error", err.Error()))
			continue
		}
		removed++
		c.events.Emit(ctx, domain.MarketEvent{
			Type:     domain.EventMarketRecovered,
			MarketID: m.ID,
			Reason:   "persisted but never deployed",
			At:       c.now().UTC(),
		}, map[string]any{"created_at": m.CreatedAt.Format(time.RFC3339)})
	}
	if removed > 0 {
		c.logger.InfoContext(ctx, "coordinator: recovered orphaned markets", slog.Int("count", removed))
	}
	return removed, nil
}

// reconcile settles a market whose deployment was broadcast but never
// marked. It returns false only when the receipt shows a revert and the
// market should be compensated.
func (c *Coordinator) reconcile(ctx context.Context, m domain.Market) bool {
	log := c.logger.With(slog.String("market_id", m.ID), slog.String("tx_hash", m.TxHash))
	confirmed, err := c.deployer.Confirmed(ctx, m.TxHash)
	switch {
	case err != nil:
		log.WarnContext(ctx, "coordinator: deployment unconfirmed, leaving for next recovery", slog.String("error", err.Error()))
		return true
	case !confirmed:
		log.InfoContext(ctx, "coordinator: submitted deployment reverted")
		return false
	}
	if err := c.store.MarkDeployed(ctx, m.ID, m.TxHash); err != nil {
		log.ErrorContext(ctx, "coordinator: mark recovered deployment failed", slog.String("error", err.Error()))
		return true
	}
	if c.cache != nil {
		if err := c.cache.Invalidate(ctx, m.ID); err != nil {
			log.WarnContext(ctx, "coordinator: cache invalidate failed", slog.String("error", err.Error()))
		}
	}
	log.InfoContext(ctx, "coordinator: confirmed deployment recovered")
	return true
}

// inflightSet is the process-local half of the per-market lock.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *inflightSet) tryAdd(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}
