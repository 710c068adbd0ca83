package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/groupcart/groupcart/internal/domain"
	"github.com/groupcart/groupcart/internal/payment"
	"github.com/groupcart/groupcart/internal/server"
	"github.com/groupcart/groupcart/internal/server/handler"
	"github.com/groupcart/groupcart/internal/server/ws"
	"github.com/groupcart/groupcart/internal/sweeper"
)

// shutdownTimeout bounds the graceful HTTP shutdown on context cancellation.
const shutdownTimeout = 10 * time.Second

// ServerMode runs the HTTP API, the WebSocket hub, the event relay, and the
// refund outbox worker. Deadline sweeping is left to a dedicated sweep
// instance.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startRelay(ctx, g, deps)
	a.startOutboxWorker(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// SweepMode runs the deadline sweeper, session archival, the refund outbox
// worker, and the event relay, with no HTTP surface.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startRelay(ctx, g, deps)
	a.startOutboxWorker(ctx, g, deps)
	a.startSweeper(ctx, g, deps)

	return g.Wait()
}

// DemoMode runs the whole stack in one process on in-memory stores: HTTP
// API, sweeper without leader election, and the outbox worker. Nothing
// survives a restart.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting demo mode (in-memory stores, nothing is persisted)")

	g, ctx := errgroup.WithContext(ctx)

	a.startOutboxWorker(ctx, g, deps)
	a.startSweeper(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// FullMode runs everything in one process: HTTP API, WebSocket hub, event
// relay, sweeper with leader election, archival, and the outbox worker.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startRelay(ctx, g, deps)
	a.startOutboxWorker(ctx, g, deps)
	a.startSweeper(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// startRelay runs the event relay when a signal bus is wired.
func (a *App) startRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Relay == nil {
		return
	}
	g.Go(func() error {
		return deps.Relay.Run(ctx)
	})
}

// startOutboxWorker runs the refund outbox drainer.
func (a *App) startOutboxWorker(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	worker := payment.NewOutboxWorker(
		deps.Registry,
		deps.OutboxStore,
		domain.SystemClock(),
		a.cfg.Engine.OutboxInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return worker.Run(ctx)
	})
}

// startSweeper runs the deadline sweeper. Leader election is skipped in demo
// mode, where no LockManager is wired.
func (a *App) startSweeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var archiver sweeper.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}
	sw := sweeper.New(
		deps.Registry,
		deps.LockManager,
		archiver,
		a.cfg.Engine.SweepInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return sw.Run(ctx)
	})
}

// startHTTPServer adds the API server (and, when a signal bus is wired, the
// WebSocket hub) to the errgroup, with graceful shutdown on cancellation.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled by config")
		return
	}

	health := handler.NewHealthHandler(a.logger)
	if deps.Postgres != nil {
		health.AddCheck("postgres", deps.Postgres)
	}
	if deps.Redis != nil {
		health.AddCheck("redis", deps.Redis)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(
		server.Config{
			Port:           a.cfg.Server.Port,
			CORSOrigins:    a.cfg.Server.CORSOrigins,
			APIKey:         a.cfg.Server.APIKey,
			JoinRateLimit:  a.cfg.Server.JoinRateLimit,
			JoinRateWindow: a.cfg.Server.JoinRateWindow.Duration,
		},
		server.Handlers{
			Health:       health,
			Sessions:     handler.NewSessionHandler(deps.Registry, domain.SystemClock(), a.logger),
			Participants: handler.NewParticipantHandler(deps.Registry, a.logger),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
