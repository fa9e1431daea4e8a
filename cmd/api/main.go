package main

import (
	"context"
	"net/http"
	"time"

	"mediarender/internal/app"
	"mediarender/internal/config"
	"mediarender/internal/httpapi"
	"mediarender/internal/httpapi/handlers"
	"mediarender/internal/pkg/logger"
	"mediarender/internal/pkg/shutdown"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("invalid configuration", err)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.ServiceName + "-api",
		AddSource:   cfg.Log.AddSource,
	})

	log.Info("starting mediarender API",
		"version", version,
		"providers", cfg.Render.Providers,
		"store", cfg.Render.StoreDriver,
	)

	ctx := context.Background()

	// Initialize shutdown manager
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	a, err := app.New(ctx, cfg, log, shutdownMgr)
	if err != nil {
		shutdownMgr.Shutdown()
		log.LogFatal("failed to initialize", err)
	}

	hd := handlers.Deps{
		Render:      a.Orchestrator,
		Providers:   a.Registry,
		SP:          a.Storage,
		RDB:         a.RDB,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Log:         log,
	}
	if a.PGStore != nil {
		hd.DB = a.PGStore
	}

	// Create HTTP router
	router := httpapi.NewRouter(httpapi.Deps{
		Handlers:           handlers.New(hd),
		Log:                log,
		Observer:           a.Metrics,
		Metrics:            a.Metrics.Handler(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WebhookRateLimit:   cfg.WebhookRateLimit,
		WebhookBurst:       cfg.WebhookBurst,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Register server shutdown
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	// Start server in goroutine
	go func() {
		log.Info("HTTP server listening",
			"addr", server.Addr,
			"port", cfg.HTTPPort,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	// Wait for shutdown signal
	if err := shutdownMgr.Wait(ctx); err != nil {
		log.Error("shutdown finished with errors", "error", err.Error())
	}
}
