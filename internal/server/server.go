// Package server wires the license engine together and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-license-engine/internal/api"
	"github.com/rcourtman/pulse-license-engine/internal/billing"
	"github.com/rcourtman/pulse-license-engine/internal/config"
	"github.com/rcourtman/pulse-license-engine/internal/lifecycle"
	"github.com/rcourtman/pulse-license-engine/internal/lock"
	"github.com/rcourtman/pulse-license-engine/internal/notify"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/internal/store/memory"
	"github.com/rcourtman/pulse-license-engine/internal/store/sqlstore"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

const (
	shutdownTimeout      = 15 * time.Second
	notifyWebhookTimeout = 10 * time.Second
)

// App holds the wired engine components.
type App struct {
	Config     *config.Config
	Store      store.Store
	Deps       lifecycle.Deps
	Licenses   *lifecycle.LicenseService
	Activation *lifecycle.ActivationWorkflow
	Scanner    *lifecycle.ExpiryScanner
	Reconciler *billing.Reconciler
	Checkout   *billing.CheckoutService

	redis redis.UniversalClient
}

// Build opens the store and lock backend and constructs every service.
// Callers must Close the returned App.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	plans, err := cfg.LoadPlans()
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Store: st}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rl := lock.NewRedisLocker(app.redis, 0)
		if err := rl.Ping(ctx); err != nil {
			app.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		locker = rl
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis entity locks")
	}

	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.NotifyWebhookURL, notifyWebhookTimeout))
	}

	app.Deps = lifecycle.Deps{
		Store:      st,
		Locker:     locker,
		Clock:      licensing.SystemClock{},
		Notifier:   notifiers,
		Plans:      plans,
		TrialDays:  cfg.TrialDays,
		MaxRetries: cfg.MaxRetries,
		Lookahead:  cfg.ExpiryLookahead,
		Cooldown:   cfg.NotifyCooldown,
	}.WithDefaults()

	app.Activation = lifecycle.NewActivationWorkflow(app.Deps)
	app.Licenses = lifecycle.NewLicenseService(app.Deps, app.Activation)
	app.Reconciler = billing.NewReconciler(app.Deps)
	app.Checkout = billing.NewCheckoutService(app.Deps)
	app.Scanner = lifecycle.NewExpiryScanner(app.Deps, app.Licenses, app.Reconciler)
	return app, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn().Msg("Using in-memory store; state is lost on restart")
		return memory.New(), nil
	case config.DriverPostgres:
		return sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverPostgres, DSN: cfg.DatabaseURL})
	default:
		return sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverSQLite, Path: cfg.SQLitePath()})
	}
}

// Close releases the store and lock backend.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}
}

// Handler returns the HTTP surface for a.
func (a *App) Handler() http.Handler {
	return api.NewRouter(api.Config{
		AdminKey:     a.Config.AdminKey,
		WebhookToken: a.Config.WebhookToken,
		WebhookRate:  a.Config.WebhookRate,
		WebhookBurst: a.Config.WebhookBurst,
	}, api.Services{
		Store:      a.Store,
		Clock:      a.Deps.Clock,
		Licenses:   a.Licenses,
		Activation: a.Activation,
		Scanner:    a.Scanner,
		Reconciler: a.Reconciler,
		Checkout:   a.Checkout,
	})
}

// Run serves HTTP and runs the expiry scanner until ctx is canceled.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	app, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Scanner.Run(gctx, cfg.ScanInterval)
		return nil
	})

	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Str("store", cfg.StoreDriver).
			Msg("License engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("License engine stopped")
	return err
}
