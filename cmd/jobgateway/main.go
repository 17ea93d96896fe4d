// Package main is the entry point for the job gateway server: it wires the
// broker, queue API, watchdog, worker pool, and HTTP proxy fan-in, then
// serves until signaled to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmylchreest/refyne-api/internal/backend"
	"github.com/jmylchreest/refyne-api/internal/broker"
	"github.com/jmylchreest/refyne-api/internal/config"
	"github.com/jmylchreest/refyne-api/internal/httpapi"
	"github.com/jmylchreest/refyne-api/internal/logging"
	"github.com/jmylchreest/refyne-api/internal/queue"
	"github.com/jmylchreest/refyne-api/internal/watchdog"
	"github.com/jmylchreest/refyne-api/internal/worker"
)

func main() {
	logger := logging.SetDefault()
	logger.Info("starting job gateway")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	rb, err := broker.NewRedisBroker(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rb.Close() }()

	q := queue.New(rb, queue.Config{
		QueueKey:      cfg.QueueKey,
		StatusPrefix:  cfg.StatusPrefix,
		ChannelPrefix: cfg.ChannelPrefix,
		JobTTL:        cfg.JobTTL,
	})

	botClient := backend.New(cfg.BotURL, cfg.BotRequestTimeout)

	ctx, cancel := context.WithCancel(context.Background())

	jobWorker := worker.New(q, botClient, worker.Config{
		PollInterval:        1 * time.Second,
		MaxPollInterval:     30 * time.Second,
		Concurrency:         cfg.WorkerConcurrency,
		ShutdownGracePeriod: cfg.WorkerShutdownGrace,
		HeartbeatInterval:   cfg.WorkerHeartbeat,
		ChunkCharLimit:      cfg.ChunkCharLimit,
	}, logger)
	jobWorker.Start(ctx)

	wd, err := watchdog.New(q, cfg.WatchdogInterval, cfg.HeartbeatStaleAfter, logger)
	if err != nil {
		logger.Error("failed to initialize watchdog", "error", err)
		os.Exit(1)
	}
	if err := wd.Start(ctx); err != nil {
		logger.Error("failed to start watchdog", "error", err)
		os.Exit(1)
	}

	router := httpapi.NewRouter(q, httpapi.RouterConfig{
		CORSOrigins:           cfg.CORSOrigins,
		CompletionWaitTimeout: cfg.CompletionWaitTimeout,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived; per-write deadlines are disabled in the handler instead.
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down")

		cancel()
		jobWorker.Stop()
		if err := wd.Stop(); err != nil {
			logger.Error("watchdog shutdown error", "error", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("stopped")
}
