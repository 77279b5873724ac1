// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"threadline/internal/retention"
	"threadline/pkg/api"
	"threadline/pkg/auth"
	"threadline/pkg/config"
	"threadline/pkg/config/banner"
	"threadline/pkg/feed"
	"threadline/pkg/history"
	"threadline/pkg/ingest"
	"threadline/pkg/state"
	"threadline/pkg/state/logger"
	"threadline/pkg/store"
	"threadline/pkg/telemetry"
	"threadline/pkg/timeutil"
	"threadline/pkg/turns"
	"threadline/pkg/whiteboard"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	paths     state.Paths
	version   string
	commit    string
	buildDate string

	db        *store.DB
	hub       *feed.Hub
	gateway   *auth.Gateway
	sessions  *whiteboard.Sessions
	scheduler *turns.Scheduler
	pipeline  *ingest.Pipeline
	retention *retention.Runner
	api       *api.API
	feed      *api.FeedServer

	srvFast *fasthttp.Server
	srvFeed *http.Server
	state   atomic.Value
}

// New opens the store and builds every component. Nothing listens or runs
// until Run.
func New(eff config.EffectiveConfigResult, paths state.Paths, version, commit, buildDate string) (*App, error) {
	cfg := eff.Config
	telemetry.SetSlowThreshold(cfg.Telemetry.SlowThreshold.Duration())

	db, err := store.Open(paths.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", paths.Store, err)
	}
	a := &App{eff: eff, paths: paths, version: version, commit: commit, buildDate: buildDate, db: db}
	if err := a.build(); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.state.Store("initialized")
	return a, nil
}

func (a *App) build() error {
	cfg := a.eff.Config

	gen, err := ingest.NewGenerator(cfg.Generation.Provider, cfg.Generation.ChunkDelay.Duration())
	if err != nil {
		return err
	}

	a.hub = feed.NewHub(cfg.Stream.SubscriberBuffer)
	a.gateway = auth.NewGateway(auth.NewSecConfig(cfg.Security))
	a.sessions = whiteboard.NewSessions(cfg.Whiteboard.EditSessionTTL.Duration(), timeutil.System)
	resolver := whiteboard.NewResolver(a.db, a.hub, a.sessions, int(cfg.Whiteboard.MaxSize.Int64()))

	a.scheduler = turns.New(a.db, a.hub, a.sessions)
	a.pipeline = ingest.NewPipeline(a.db, a.hub, gen, ingest.Options{
		Workers:        cfg.Ingest.Workers,
		QueueCapacity:  cfg.Ingest.QueueCapacity,
		FlushInterval:  cfg.Stream.FlushInterval.Duration(),
		MaxMessageSize: int(cfg.Stream.MaxMessageSize.Int64()),
	})
	a.pipeline.SetFinisher(a.scheduler)
	a.scheduler.SetDispatcher(a.pipeline)

	a.retention = retention.New(a.db, cfg.Retention, a.paths.Retention, retention.OnPurge(a.sessions.Forget))

	a.api = api.New(api.Deps{
		Config:     cfg,
		Version:    a.version,
		Store:      a.db,
		Hub:        a.hub,
		Pager:      history.NewPager(a.db, cfg.History.PageSize),
		Whiteboard: resolver,
		Turns:      a.scheduler,
		Gateway:    a.gateway,
		Live:       a.pipeline,
		Ready:      a.ready,
		Retention:  a.retention.RunOnce,
	})
	a.feed = api.NewFeedServer(a.hub, a.db, a.gateway, cfg.Security.CORS.AllowedOrigins, cfg.Stream.SubscriberBuffer)
	return nil
}

func (a *App) ready() bool {
	s, _ := a.state.Load().(string)
	return s == "running" && a.db.Ready()
}

// Run starts the workers and both listeners and blocks until ctx is
// cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	if n, err := a.scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recover turns: %w", err)
	} else if n > 0 {
		logger.Info("turns_recovered", "count", n)
	}

	a.pipeline.Start(ctx)
	a.retention.Start(ctx)

	a.srvFast = newFastServer(a.api.Handler())
	a.srvFeed = &http.Server{
		Addr:              a.eff.Config.FeedAddr(),
		Handler:           a.feed.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listening", "addr", a.eff.Addr)
		if err := a.srvFast.ListenAndServe(a.eff.Addr); err != nil {
			return fmt.Errorf("rest server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("feed_listening", "addr", a.srvFeed.Addr)
		if err := a.srvFeed.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("feed server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.stopListeners()
	})
	a.state.Store("running")
	return g.Wait()
}

func newFastServer(h fasthttp.RequestHandler) *fasthttp.Server {
	const (
		readBufferSize       = 64 * 1024
		maxRequestBodySize   = 8 * 1024 * 1024
		readTimeout          = 10 * time.Second
		writeTimeout         = 10 * time.Second
		idleTimeout          = 30 * time.Second
		maxKeepaliveDuration = 2 * time.Minute
	)
	return &fasthttp.Server{
		Handler:              h,
		Name:                 "threadline",
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   maxRequestBodySize,
		ReduceMemoryUsage:    true,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
	}
}

func (a *App) stopListeners() error {
	a.state.Store("shutting_down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if err := a.srvFeed.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("feed shutdown: %w", err))
	}
	if err := a.srvFast.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("rest shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// Shutdown stops generation, closes the feed and flushes the store. Call it
// after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	a.state.Store("shutting_down")
	done := make(chan struct{})
	go func() {
		a.pipeline.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("ingest_stop_timeout")
	}
	a.hub.Close()
	a.gateway.Close()

	var errs []error
	if err := a.db.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush store: %w", err))
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.state.Store("stopped")
	logger.Info("shutdown_complete")
	return nil
}

func (a *App) printBanner() {
	ver := a.version
	if a.commit != "" && a.commit != "none" {
		ver += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		ver += " @ " + a.buildDate
	}
	banner.PrintWithEff(os.Stdout, a.eff, ver)
}
