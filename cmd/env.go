package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sba-tools/hubzone-cli/internal/cache"
	"github.com/sba-tools/hubzone-cli/internal/db"
	"github.com/sba-tools/hubzone-cli/internal/designation"
	"github.com/sba-tools/hubzone-cli/internal/fetcher"
	"github.com/sba-tools/hubzone-cli/internal/geounit"
	"github.com/sba-tools/hubzone-cli/internal/importer"
	"github.com/sba-tools/hubzone-cli/internal/notify"
	"github.com/sba-tools/hubzone-cli/internal/resilience"
	"github.com/sba-tools/hubzone-cli/internal/resolver"
)

// environment bundles the wired collaborators shared by the commands.
type environment struct {
	Pool       *pgxpool.Pool
	Index      *cache.Index
	Cache      *cache.Manager
	Executions importer.ExecutionStore
	Units      geounit.Store
	Desigs     designation.Store
	Engine     *importer.Engine
}

// Close releases the environment's connections. Safe to call on a
// partially initialized environment.
func (e *environment) Close() {
	if e.Index != nil {
		_ = e.Index.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// initCache wires the dataset cache without touching Postgres. Used by
// commands that only manage cached files.
func initCache() (*cache.Index, *cache.Manager, error) {
	idx, err := cache.OpenIndex(cfg.Cache.IndexPath)
	if err != nil {
		return nil, nil, eris.Wrap(err, "open cache index")
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Cache.MaxRetries
	retry.InitialBackoff = time.Duration(cfg.Cache.BaseDelaySecs) * time.Second

	mgr, err := cache.NewManager(idx, cache.Options{
		Dir:           cfg.Cache.Dir,
		TTL:           cfg.Cache.TTL(),
		MaxConcurrent: cfg.Cache.MaxConcurrentDownloads,
		Retry:         retry,
		HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:  cfg.Sources.UserAgent,
			Timeout:    time.Duration(cfg.Cache.RequestTimeoutSecs) * time.Second,
			MaxRetries: cfg.Cache.MaxRetries,
			BaseDelay:  time.Duration(cfg.Cache.BaseDelaySecs) * time.Second,
		}),
		FTP: fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout: time.Duration(cfg.Cache.RequestTimeoutSecs) * time.Second,
		}),
	})
	if err != nil {
		idx.Close() //nolint:errcheck
		return nil, nil, err
	}
	return idx, mgr, nil
}

// initEnvironment connects to Postgres, applies migrations, and wires the
// full import engine.
func initEnvironment(ctx context.Context) (*environment, error) {
	env := &environment{}

	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "connect store")
	}
	env.Pool = pool

	if err := importer.Migrate(ctx, pool); err != nil {
		env.Close()
		return nil, err
	}

	idx, mgr, err := initCache()
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Index = idx
	env.Cache = mgr

	catalog, err := cache.Catalog(cfg.Sources)
	if err != nil {
		env.Close()
		return nil, err
	}

	reconciler, err := designation.NewReconciler(cfg.Reconcile.GracePeriodMonths, nil)
	if err != nil {
		env.Close()
		return nil, err
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL)
	}

	env.Executions = importer.NewPostgresExecutionStore(pool)
	env.Units = geounit.NewPostgresStore(pool)
	env.Desigs = designation.NewPostgresStore(pool)

	engine, err := importer.NewEngine(importer.Deps{
		Catalog:       catalog,
		Cache:         mgr,
		Units:         env.Units,
		Designations:  env.Desigs,
		Executions:    env.Executions,
		Businesses:    resolver.NewPostgresStore(pool),
		Reconciler:    reconciler,
		Resolver:      resolver.New(),
		Notifier:      notifier,
		RunTimeout:    cfg.Engine.RunTimeout(),
		CensusVintage: cfg.Sources.CensusVintage,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Engine = engine

	return env, nil
}
