package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/aiclient"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/api"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/auth"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/bridge"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/cache"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/events"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/httpx"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/metrics"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/notify"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and background workers",
	Long: `Run the HTTP API, the metrics endpoint and the background loops that
screen uploaded photos and anchor issued certificates.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Events (optional)
	var ev events.Client = events.Nop{}
	if cfg.Events.URL != "" {
		nc, err := events.NewNATSClient(ctx, cfg.Events.URL, logger)
		if err != nil {
			logger.Warn("failed to connect to nats, running without events", "error", err)
		} else {
			ev = nc
			defer nc.Close()
			logger.Info("connected to nats")
		}
	}

	// Cache (optional)
	var c cache.Cache = cache.Nop{}
	if cfg.Cache.RedisURL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.CacheTTL())
		if err != nil {
			logger.Warn("failed to connect to redis, running without cache", "error", err)
		} else {
			c = rc
			defer rc.Close()
			logger.Info("connected to redis")
		}
	}

	m := metrics.New()

	ai := aiclient.NewHTTPClient(httpx.Options{
		BaseURL:        cfg.AI.URL,
		Token:          cfg.AI.Token,
		Timeout:        cfg.AITimeout(),
		RequestsPerSec: cfg.AI.RequestsPerSec,
		MaxAttempts:    cfg.AI.MaxAttempts,
		OnStateChange:  m.BreakerChanged,
	})

	var chain bridge.Client
	if cfg.Bridge.Enabled {
		chain = bridge.NewHTTPClient(httpx.Options{
			BaseURL:       cfg.Bridge.URL,
			Token:         cfg.Bridge.Token,
			Timeout:       cfg.BridgeTimeout(),
			OnStateChange: m.BreakerChanged,
		})
		logger.Info("blockchain anchoring enabled", "url", cfg.Bridge.URL)
	} else {
		logger.Info("blockchain anchoring disabled")
	}

	hub := notify.NewHub(logger)
	defer hub.Close()
	notifier := notify.NewNotifier(db, hub, ev, logger)
	if err := notifier.Relay(); err != nil {
		logger.Warn("notification relay unavailable", "error", err)
	}

	engine := workflow.New(workflow.Deps{
		Store:    db,
		AI:       ai,
		Bridge:   chain,
		Notifier: notifier,
		Events:   ev,
		Cache:    c,
		Metrics:  m,
		Config:   cfg,
		Logger:   logger,
	})
	engine.Start(ctx)
	defer engine.Stop()
	logger.Info("workflow engine started", "tick_interval", cfg.TickInterval(), "anchor_interval", cfg.AnchorInterval())

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	if verifier.DevMode() {
		logger.Warn("no jwt secret configured, trusting the " + auth.DevUserHeader + " header")
	}

	apiServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.Deps{
			Store:    db,
			Engine:   engine,
			Verifier: verifier,
			Hub:      hub,
			Cache:    c,
			Events:   ev,
			Metrics:  m,
			Config:   cfg,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           api.NewMetricsRouter(m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, srv := range map[string]*http.Server{"api": apiServer, "metrics": metricsServer} {
		name, srv := name, srv
		g.Go(func() error {
			logger.Info("server starting", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Shutdown does not close hijacked WebSocket connections.
		hub.Close()
		return errors.Join(apiServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
