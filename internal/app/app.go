// Package app assembles the session core from a Config.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/taxi-session/internal/blob"
	"github.com/and161185/taxi-session/internal/cache"
	"github.com/and161185/taxi-session/internal/config"
	"github.com/and161185/taxi-session/internal/identity"
	"github.com/and161185/taxi-session/internal/kv"
	"github.com/and161185/taxi-session/internal/limiter"
	"github.com/and161185/taxi-session/internal/locator"
	"github.com/and161185/taxi-session/internal/metrics"
	"github.com/and161185/taxi-session/internal/notify"
	"github.com/and161185/taxi-session/internal/registration"
	"github.com/and161185/taxi-session/internal/repository"
	"github.com/and161185/taxi-session/internal/repository/memory"
	mongorepo "github.com/and161185/taxi-session/internal/repository/mongo"
	"github.com/and161185/taxi-session/internal/repository/postgres"
	"github.com/and161185/taxi-session/internal/resolver"
	"github.com/and161185/taxi-session/internal/session"
	"github.com/and161185/taxi-session/internal/treedb"
)

// Sign-in throttling: five failures within 15 minutes lock the e-mail on this device for 15 minutes.
const (
	limiterWindow   = 15 * time.Minute
	limiterMaxFails = 5
	limiterBlockFor = 15 * time.Minute
)

// App is the wired session core.
type App struct {
	Provider   *identity.Local
	Controller *session.Controller
	Rider      *registration.Rider
	Driver     *registration.Driver
	Reconciler *registration.Reconciler

	closers []func()
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Build opens the backends selected by cfg and wires the controller and the flows.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, n notify.Notifier, rec metrics.Recorder) (*App, error) {
	if rec == nil {
		rec = metrics.Nop{}
	}
	a := &App{}
	if err := a.build(ctx, cfg, log, n, rec); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log *zap.Logger, n notify.Notifier, rec metrics.Recorder) error {
	store, err := a.openCache(ctx, cfg)
	if err != nil {
		return err
	}
	accounts, lim, tree, err := a.openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}

	host, _ := os.Hostname()
	a.Provider = identity.NewLocal(accounts, lim, store, []byte(cfg.JWTKey), cfg.TokenTTL, host, log.Named("identity"))

	loc := locator.New(tree)
	a.Controller = session.New(session.Deps{
		Provider: a.Provider,
		Resolver: resolver.New(loc, rec, log.Named("resolver")),
		Cache:    cache.New(store, log.Named("cache")),
		DB:       tree,
		Notifier: n,
		Metrics:  rec,
		Log:      log.Named("session"),
	})

	ids, err := registration.NewIDGenerator(cfg.IDScheme)
	if err != nil {
		return err
	}
	blobs := blob.NewDir(cfg.BlobDir)
	deps := registration.Deps{
		Provider: a.Provider,
		DB:       tree,
		Profiles: loc,
		Blobs:    blobs,
		Notifier: n,
		Handoff:  a.Controller,
		Metrics:  rec,
		Log:      log.Named("registration"),
	}
	a.Rider = registration.NewRider(deps)
	a.Driver = registration.NewDriver(deps, ids)
	a.Reconciler = registration.NewReconciler(tree, blobs, a.Provider, log.Named("reconcile"))
	return nil
}

func (a *App) openCache(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	var store kv.Store
	switch cfg.Cache {
	case "redis":
		client, err := kv.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store = kv.NewRedis(client)
	case "memory":
		store = kv.NewMemory()
	default:
		store = kv.NewFile(cfg.ConfigDir)
	}
	if cfg.CacheKey == nil {
		return store, nil
	}
	return kv.NewSealed(store, cfg.CacheKey)
}

func (a *App) openStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (
	repository.AccountRepository, limiter.Limiter, treedb.DB, error) {
	if cfg.DB == "memory" {
		return memory.NewAccounts(), limiter.NewMemory(limiterWindow, limiterMaxFails, limiterBlockFor), treedb.NewMemory(), nil
	}

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	accounts := postgres.NewAccountRepo(db)
	lim := limiter.NewPG(db.Pool, limiterWindow, limiterMaxFails, limiterBlockFor)

	if cfg.DB != "mongo" {
		return accounts, lim, postgres.NewTreeRepo(db), nil
	}
	client, err := mongorepo.Connect(ctx, cfg.MongoURI)
	if err != nil {
		return nil, nil, nil, err
	}
	a.closers = append(a.closers, func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Warn("mongo disconnect", zap.Error(err))
		}
	})
	return accounts, lim, mongorepo.New(client.Database(cfg.MongoDB)), nil
}
