package main

import (
	"context"
	"fmt"
	"os"

	"github.com/efebarandurmaz/kiln/internal/config"
	"github.com/efebarandurmaz/kiln/internal/engine"
	"github.com/efebarandurmaz/kiln/internal/observability"
	"github.com/efebarandurmaz/kiln/internal/server"
	kilntemporal "github.com/efebarandurmaz/kiln/internal/temporal"
	"go.uber.org/zap"

	temporalclient "go.temporal.io/sdk/client"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	e, err := engine.Open(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := e.CheckModels(ctx); err != nil {
		_ = e.Close(ctx)
		return fmt.Errorf("worker cannot ingest: %w", err)
	}

	c, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  cfg.Temporal.Host,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		_ = e.Close(ctx)
		return fmt.Errorf("temporal client: %w", err)
	}
	defer c.Close()

	acts := &kilntemporal.Activities{Ingester: e, Logger: logger}
	w, err := kilntemporal.StartWorker(c, cfg.Temporal.TaskQueue, acts, cfg.Ingest.Documents)
	if err != nil {
		_ = e.Close(ctx)
		return err
	}
	logger.Info("worker started",
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.String("namespace", cfg.Temporal.Namespace))

	shutdown := server.NewShutdownHandler(&server.ShutdownConfig{Logger: logger})
	shutdown.Add(server.TemporalWorkerShutdownHook(w.Stop))
	shutdown.Add(server.EngineShutdownHook(e.Close))
	shutdown.Start()
	shutdown.Wait()

	logger.Info("worker stopped")
	return nil
}
