// Package app assembles the journey service from configuration. Both the API
// server and the operator CLI start here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"mealroute/internal/auth"
	"mealroute/internal/config"
	"mealroute/internal/journey"
	"mealroute/internal/model"
	"mealroute/internal/reconcile"
	"mealroute/internal/routeclient"
	"mealroute/internal/store"
	"mealroute/internal/traffic"
)

type App struct {
	Config     *config.Config
	Clock      model.Clock
	Store      store.JourneyStore
	Optimizer  *routeclient.Client
	Lifecycle  *journey.Lifecycle
	Reconciler *reconcile.Reconciler
	Monitor    *traffic.Monitor

	closers []func() error
}

// OpenStore returns the Postgres store when a database URL is configured,
// else the in-memory store.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (store.JourneyStore, func() error, error) {
	if cfg.URL == "" {
		log.Println("store=memory (no DATABASE_URL)")
		return store.NewMemory(), func() error { return nil }, nil
	}
	pg, err := store.NewPostgres(cfg.URL, cfg.MaxOpenConns)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	log.Printf("store=postgres migrate=%t", cfg.Migrate)
	return pg, pg.Close, nil
}

// NewOptimizer builds the route engine client with the configured auth.
func NewOptimizer(ctx context.Context, cfg config.OptimizerConfig) (*routeclient.Client, error) {
	opts := routeclient.Options{
		BaseURL:         cfg.URL,
		PlanTimeout:     cfg.PlanTimeout,
		TrafficTimeout:  cfg.TrafficTimeout,
		TrafficAttempts: cfg.TrafficAttempts,
	}
	switch {
	case cfg.ClientID != "":
		opts.TokenSource = routeclient.ClientCredentials(ctx, cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, cfg.Scopes...)
	case cfg.APIKey != "":
		opts.TokenSource = routeclient.StaticKey(cfg.APIKey)
	}
	return routeclient.New(opts)
}

// NewVerifier maps the auth section onto a token verifier.
func NewVerifier(cfg config.AuthConfig) *auth.Verifier {
	v := &auth.Verifier{Mode: cfg.Mode, RoleClaim: cfg.RoleClaim, UserClaim: cfg.UserClaim}
	switch cfg.Mode {
	case "hmac":
		v.Secrets = auth.EnvSecret(cfg.HMACSecretEnv)
	case "jwks":
		v.Keys = auth.NewJWKS(cfg.JWKSURL, cfg.JWKSTTL)
	}
	return v
}

// Build wires store, engine client, lifecycle, reconciler and traffic monitor.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	clock, err := model.NewClock(cfg.Journey.TimeZone)
	if err != nil {
		return nil, err
	}
	st, closeStore, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	opt, err := NewOptimizer(ctx, cfg.Optimizer)
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	lc := journey.New(st, opt, clock, journey.Config{
		TrafficThreshold:          cfg.Traffic.Threshold,
		ReoptimizeCooldown:        cfg.Traffic.ReoptimizeCooldown,
		UnavailableCountsComplete: cfg.Journey.UnavailableCountsComplete,
	})
	rc := reconcile.New(st, clock, reconcile.Options{UnavailableCountsComplete: cfg.Journey.UnavailableCountsComplete})
	mon := traffic.NewMonitor(lc, st, clock)
	if cfg.Traffic.SweepConcurrency > 0 {
		mon.Concurrency = cfg.Traffic.SweepConcurrency
	}
	return &App{
		Config:     cfg,
		Clock:      clock,
		Store:      st,
		Optimizer:  opt,
		Lifecycle:  lc,
		Reconciler: rc,
		Monitor:    mon,
		closers:    []func() error{closeStore},
	}, nil
}

// OnClose registers f to run on Close, in reverse order.
func (a *App) OnClose(f func() error) { a.closers = append(a.closers, f) }

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
