package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clipforge/clipforge/internal/api"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/events"
	"github.com/clipforge/clipforge/internal/executor"
	"github.com/clipforge/clipforge/internal/job"
	"github.com/clipforge/clipforge/internal/scheduler"
	"github.com/clipforge/clipforge/internal/step"
	"github.com/clipforge/clipforge/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		return err
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := preflight(cfg); err != nil {
		return err
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		slog.Error("store", "error", err)
		return err
	}
	defer store.Close()

	broadcaster := events.New(store, events.Options{
		RingSize:         cfg.Events.RingSize,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		Retention:        cfg.Events.Retention,
		PollInterval:     cfg.Events.PollInterval,
		Logger:           logger,
	})
	store.SetPublisher(broadcaster)

	registry := step.NewRegistry()
	step.NewMedia(step.Tools{
		FFmpeg:       cfg.Tools.FFmpeg,
		FFprobe:      cfg.Tools.FFprobe,
		Whisper:      cfg.Tools.Whisper,
		WhisperModel: cfg.Tools.WhisperModel,
	}, &step.ExecRunner{EnvDenyPrefixes: []string{"CLIPFORGE_"}}).Register(registry)

	notifier := webhook.New(webhook.Options{
		Attempts:     cfg.Webhook.Attempts,
		AllowPrivate: cfg.Webhook.AllowPrivate,
		Logger:       logger,
	})

	ex := executor.New(store, registry, notifier, executor.Options{
		ProgressInterval:  cfg.Executor.ProgressInterval,
		HeartbeatInterval: cfg.Executor.HeartbeatInterval,
		StepTimeout:       cfg.Executor.StepTimeout,
		RetryBase:         cfg.Executor.RetryBase,
		RetryCap:          cfg.Executor.RetryCap,
		WorkDir:           cfg.WorkDir,
		Logger:            logger,
	})
	sched := scheduler.New(store, ex, scheduler.Options{
		InstanceID:   cfg.Scheduler.InstanceID,
		PoolSize:     cfg.Scheduler.PoolSize,
		PollInterval: cfg.Scheduler.PollInterval,
		LeaseTimeout: cfg.Scheduler.LeaseTimeout,
		Logger:       logger,
	})
	cleaner := scheduler.NewCleaner(store, broadcaster, cfg.Cleanup.JobTTL, cfg.Cleanup.Interval, logger)

	h := api.NewHandler(store, broadcaster, toolPaths(cfg.Tools), logger)
	handler := api.Chain(h.Routes(),
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(logger),
		api.Auth(cfg.APIKeys),
		api.RateLimit(cfg.RateLimit),
	)
	if len(cfg.APIKeys) == 0 {
		slog.Warn("no API keys configured, authentication disabled")
	}

	// WriteTimeout stays zero: event streams are long-lived.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return cleaner.Run(gctx) })
	g.Go(func() error {
		broadcaster.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("clipforge listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		// Unblock event streams before waiting on the server to drain.
		broadcaster.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := notifier.Shutdown(flushCtx); ferr != nil {
		slog.Warn("pending webhooks abandoned", "error", ferr)
	}
	if err != nil {
		slog.Error("server error", "error", err)
		return err
	}
	slog.Info("stopped")
	return nil
}
