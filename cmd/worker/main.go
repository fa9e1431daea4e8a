package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mediarender/internal/app"
	"mediarender/internal/config"
	"mediarender/internal/pkg/logger"
	"mediarender/internal/pkg/shutdown"
	"mediarender/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("invalid configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.ServiceName + "-worker",
		AddSource:   cfg.Log.AddSource,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	a, err := app.New(ctx, cfg, log, shutdownMgr)
	if err != nil {
		shutdownMgr.Shutdown()
		log.LogFatal("failed to initialize", err)
	}

	metricsSrv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.MetricsPort,
		Handler:           a.Metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	shutdownMgr.Register("metrics-server", metricsSrv.Shutdown)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- worker.Run(ctx, worker.Deps{
			Orchestrator: a.Orchestrator,
			Queue:        a.PollQueue,
			Store:        a.Store,
			Gauge:        a.Metrics,
			Log:          log.WithComponent("worker"),
			Concurrency:  cfg.Poll.Concurrency,
			BatchSize:    cfg.Poll.BatchSize,
			Interval:     cfg.Poll.Interval,
			BackoffBase:  cfg.Poll.BackoffBase,
			BackoffMax:   cfg.Poll.BackoffMax,
		})
	}()

	// The poll loop stops first so in-flight polls finish before the pools
	// they use are closed.
	shutdownMgr.Register("worker", func(sctx context.Context) error {
		cancel()
		select {
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-sctx.Done():
			return sctx.Err()
		}
	})

	log.Info("mediarender worker started", "queue", cfg.Poll.QueueName, "metrics_port", cfg.MetricsPort)
	if err := shutdownMgr.Wait(ctx); err != nil {
		log.Error("shutdown finished with errors", "error", err.Error())
	}
}
