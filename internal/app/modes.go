package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketforge/internal/pipeline"
	"github.com/alanyoungcy/marketforge/internal/server"
	"github.com/alanyoungcy/marketforge/internal/server/handler"
	"github.com/alanyoungcy/marketforge/internal/server/ws"
	"github.com/alanyoungcy/marketforge/internal/service"
)

// correlationSweepInterval is how often expired correlation entries are
// dropped.
const correlationSweepInterval = time.Minute

// components holds what a mode built, so the HTTP layer can expose it.
// Nil fields are not available in the running mode.
type components struct {
	markets     *service.MarketService
	events      *service.Events
	coordinator *service.Coordinator
	sweeper     *pipeline.Sweeper
	scheduler   *pipeline.Scheduler
}

// CreateMode runs the creation saga behind the HTTP API.
func (a *App) CreateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting create mode")
	return a.run(ctx, deps, true, false)
}

// ResolveMode runs the scheduled resolution sweep plus the read endpoints
// the ledger calls back into.
func (a *App) ResolveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting resolve mode")
	return a.run(ctx, deps, false, true)
}

// FullMode runs creation and resolution in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.run(ctx, deps, true, true)
}

func (a *App) run(ctx context.Context, deps *Dependencies, create, resolve bool) error {
	g, ctx := errgroup.WithContext(ctx)

	c := components{
		markets: service.NewMarketService(deps.MarketStore, deps.ResolutionStore, deps.MarketCache, a.logger),
		events:  service.NewEvents(deps.SignalBus, deps.AuditStore, a.eventNotifier(deps), a.logger),
	}

	if create {
		if err := a.startCreation(ctx, g, deps, &c); err != nil {
			return err
		}
	}
	if resolve {
		if err := a.startResolution(ctx, g, deps, &c); err != nil {
			return err
		}
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	return g.Wait()
}

// eventNotifier returns the notifier only when it has somewhere to send.
// A nil *notify.Notifier must not reach the interface.
func (a *App) eventNotifier(deps *Dependencies) service.EventNotifier {
	if deps.Notifier == nil || !deps.Notifier.Enabled() {
		return nil
	}
	return deps.Notifier
}

func (a *App) startCreation(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *components) error {
	sc := a.cfg.Saga
	correlations := service.NewCorrelations(sc.CorrelationTTL.Duration, sc.CorrelationCapacity, a.logger)
	c.coordinator = service.NewCoordinator(service.CoordinatorDeps{
		Store:        deps.MarketStore,
		Validator:    service.NewValidator(deps.Oracle, a.logger),
		Deployer:     deps.Deployer,
		Locks:        deps.LockManager,
		Cache:        deps.MarketCache,
		Correlations: correlations,
		Events:       c.events,
	}, service.CoordinatorConfig{
		PublicBaseURL:      sc.PublicBaseURL,
		DeployTimeout:      a.cfg.Ledger.ConfirmTimeout.Duration + 30*time.Second,
		CompensateTimeout:  sc.CompensateTimeout.Duration,
		CompensateAttempts: sc.CompensateAttempts,
		RecoverAfter:       sc.RecoverAfter.Duration,
	}, a.logger)

	if !deps.Deployer.Configured() {
		a.logger.WarnContext(ctx, "ledger is not fully configured; every deployment will be compensated")
	}

	if sc.RecoverOnStart {
		removed, err := c.coordinator.Recover(ctx)
		if err != nil {
			return fmt.Errorf("create mode: recover: %w", err)
		}
		if removed > 0 {
			a.logger.InfoContext(ctx, "recovered undeployed markets", slog.Int("removed", removed))
		}
	}

	g.Go(func() error {
		correlations.Run(ctx, correlationSweepInterval)
		return nil
	})
	return nil
}

func (a *App) startResolution(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *components) error {
	ec := a.cfg.Evidence
	evidence := service.NewEvidenceAdapter(deps.Oracle, deps.Scraper, service.EvidenceConfig{
		MaxAge:         ec.MaxAge.Duration,
		MinConfidence:  ec.MinConfidence,
		MaxResults:     ec.MaxResults,
		ScrapeTopN:     ec.ScrapeTopN,
		DefaultSources: ec.DefaultSources,
	}, a.logger)

	sw := a.cfg.Sweep
	sweepDeps := pipeline.SweeperDeps{
		Store:    deps.MarketStore,
		Evidence: evidence,
		Locks:    deps.LockManager,
		Cache:    deps.MarketCache,
		Archive:  deps.Archive,
		Events:   c.events,
	}
	c.sweeper = pipeline.NewSweeper(sweepDeps, pipeline.SweepConfig{
		StaleAfter:  sw.StaleAfter.Duration,
		LockTTL:     sw.LockTTL.Duration,
		Concurrency: sw.Concurrency,
	}, a.logger)

	spec, err := pipeline.ScheduleSpec(sw.Cron, sw.Interval.Duration)
	if err != nil {
		return fmt.Errorf("resolve mode: %w", err)
	}
	c.scheduler, err = pipeline.NewScheduler(c.sweeper, spec, a.logger)
	if err != nil {
		return fmt.Errorf("resolve mode: %w", err)
	}

	if !sw.Enabled {
		a.logger.InfoContext(ctx, "scheduled sweep disabled; sweeps run on demand only")
		return nil
	}
	g.Go(func() error {
		return c.scheduler.Run(ctx)
	})
	return nil
}

// startHTTPServer adds the HTTP server and WebSocket hub to the errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c components) {
	health := handler.HealthDeps{Counts: c.markets.Counts, ArchiveReachable: deps.ArchiveReachable}
	var (
		creator  handler.MarketCreator
		sagas    handler.SagaTracker
		resolver handler.MarketResolver
		trigger  handler.SweepTrigger
	)
	if c.coordinator != nil {
		creator = c.coordinator
		sagas = c.coordinator.Correlations()
		health.Pending = c.coordinator.Correlations().Len
		health.LedgerConfigured = deps.Deployer.Configured
	}
	if c.sweeper != nil {
		resolver = c.sweeper
		trigger = c.scheduler
		health.SweepRunning = c.scheduler.Running
	}

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(a.cfg.Mode, health, a.logger),
		Markets:     handler.NewMarketHandler(c.markets, creator, sagas, resolver, a.logger),
		Resolutions: handler.NewResolutionHandler(c.markets, trigger, a.logger),
	}
	if deps.SignalBus != nil {
		handlers.Events = handler.NewEventHandler(deps.SignalBus, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
		Replay:    a.cfg.Server.EventReplay,
	})
	handlers.Hub = hub
	g.Go(func() error {
		return hub.Run(ctx)
	})

	sc := a.cfg.Server
	srv := server.NewServer(server.Config{
		Port:             sc.Port,
		CORSOrigins:      sc.CORSOrigins,
		APIKey:           sc.APIKey,
		CreateRateLimit:  sc.CreateRateLimit,
		CreateRateWindow: sc.CreateRateWindow.Duration,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", sc.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", sc.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
