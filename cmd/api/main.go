package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mealroute/internal/api"
	"mealroute/internal/app"
	"mealroute/internal/buildinfo"
	"mealroute/internal/config"
	"mealroute/internal/metrics"
	"mealroute/internal/webhooks"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init service: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	// Broker selection
	var broker api.EventBroker
	if cfg.Redis.URL != "" {
		rb, err := api.NewRedisBroker(ctx, cfg.Redis.URL, cfg.Redis.Channel)
		if err != nil {
			log.Printf("redis broker unavailable, using in-process broker: %v", err)
		} else {
			broker = rb
			a.OnClose(rb.Close)
		}
	}

	queue := webhooks.NewMemoryQueue(cfg.Webhooks.QueueSize)
	pub := webhooks.NewPublisher(queue, cfg.Webhooks.Subscriptions)
	if len(cfg.Webhooks.Subscriptions) > 0 {
		worker := webhooks.NewWorker(queue, cfg.Webhooks.MaxAttempts)
		worker.Start()
		defer close(worker.Stop)
	}

	srv := api.NewServer(a.Lifecycle, a.Reconciler, a.Store, broker, pub, app.NewVerifier(cfg.Auth))
	srv.Limiter = api.NewLimiter(cfg.Server.RateRPS, cfg.Server.RateBurst)
	srv.DebugConfig = map[string]any{
		"port":                cfg.Server.Port,
		"auth_mode":           cfg.Auth.Mode,
		"rate_rps":            cfg.Server.RateRPS,
		"rate_burst":          cfg.Server.RateBurst,
		"time_zone":           a.Clock.Loc.String(),
		"traffic_threshold":   cfg.Traffic.Threshold,
		"reoptimize_cooldown": cfg.Traffic.ReoptimizeCooldown.String(),
		"sweep_schedule":      cfg.Traffic.SweepSchedule,
		"webhook_subscribers": len(cfg.Webhooks.Subscriptions),
		"has_database_url":    cfg.Database.URL != "",
		"has_redis_url":       cfg.Redis.URL != "",
	}

	if cfg.Traffic.SweepSchedule != "" {
		if err := a.Monitor.Start(cfg.Traffic.SweepSchedule); err != nil {
			log.Fatalf("traffic monitor: %v", err)
		}
		defer a.Monitor.Stop()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      0, // event streams stay open
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("API listening on %s version=%s", addr, buildinfo.Version)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
		}
	case <-ctx.Done():
		log.Println("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown: %v", err)
		}
	}
}
