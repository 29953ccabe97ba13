package main

import (
	"context"
	"fmt"
	"time"

	"github.com/efebarandurmaz/kiln/internal/config"
	"github.com/efebarandurmaz/kiln/internal/engine"
	"github.com/efebarandurmaz/kiln/internal/observability"
	"github.com/efebarandurmaz/kiln/internal/server"
	kilntemporal "github.com/efebarandurmaz/kiln/internal/temporal"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	temporalclient "go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

type healthChecker interface {
	CheckHealth(ctx context.Context, req *temporalclient.CheckHealthRequest) (*temporalclient.CheckHealthResponse, error)
}

// temporalPing checks the workflow service that `kiln batch` submits to.
func temporalPing(c healthChecker) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.CheckHealth(ctx, &temporalclient.CheckHealthRequest{})
		return err
	}
}

func tracingConfig(cfg *config.Config) *observability.TracingConfig {
	tc := observability.DefaultTracingConfig()
	tc.ServiceVersion = version
	if cfg.Tracing.Enabled {
		tc.OTLPEndpoint = cfg.Tracing.Endpoint
	}
	if cfg.Tracing.SampleRatio > 0 {
		tc.SampleRate = cfg.Tracing.SampleRatio
	}
	return tc
}

func serveCmd(g *globals) *cobra.Command {
	var (
		addr    string
		dataDir string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dataDir != "" {
				cfg.Server.DataDir = dataDir
			}

			ctx := cmd.Context()
			tp, err := observability.InitTracing(ctx, tracingConfig(cfg))
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			metrics := observability.NewMetrics("kiln")

			e, err := engine.Open(ctx, cfg, engine.WithLogger(logger), engine.WithMetrics(metrics))
			if err != nil {
				_ = tp.Shutdown(context.Background())
				return err
			}

			srv := server.New(server.Config{Addr: cfg.Server.Addr, Version: version}, e,
				server.WithLogger(logger), server.WithMetrics(metrics))
			srv.Health().RegisterCheck("llm", server.LLMHealthChecker(cfg.LLM.Provider, e.CheckModels))

			shutdown := server.NewShutdownHandler(&server.ShutdownConfig{
				Timeout: cfg.Server.ShutdownTimeout,
				Logger:  logger,
			})
			shutdown.Add(server.HTTPServerShutdownHook("api", srv.Shutdown))
			shutdown.Add(server.TracingShutdownHook(tp.Shutdown))
			shutdown.Add(server.EngineShutdownHook(e.Close))
			if cfg.Temporal.Host != "" {
				tc, err := temporalclient.NewLazyClient(temporalclient.Options{
					HostPort:  cfg.Temporal.Host,
					Namespace: cfg.Temporal.Namespace,
				})
				if err != nil {
					logger.Warn("temporal client unavailable, batch ingestion check disabled", zap.Error(err))
				} else {
					srv.Health().RegisterCheck("temporal", server.TemporalHealthChecker(temporalPing(tc)))
					shutdown.Add(server.ShutdownHook{Name: "temporal-client", Priority: 90, Fn: func(context.Context) error {
						tc.Close()
						return nil
					}})
				}
			}
			shutdown.Start()

			if cfg.Server.DataDir != "" {
				go func() {
					res, err := e.Scan(ctx, cfg.Server.DataDir, false)
					if err != nil {
						logger.Error("startup scan failed", zap.String("dir", cfg.Server.DataDir), zap.Error(err))
						return
					}
					logger.Info("startup scan done",
						zap.String("dir", cfg.Server.DataDir),
						zap.Int("new", len(res.New)),
						zap.Int("changed", len(res.Changed)),
						zap.Int("failed", len(res.Failed)))
				}()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			var serveErr error
			select {
			case serveErr = <-errCh:
				shutdown.Shutdown()
			case <-shutdown.ShutdownCh():
			}
			if !shutdown.WaitWithTimeout(cfg.Server.ShutdownTimeout + 5*time.Second) {
				logger.Warn("shutdown hooks still running, exiting")
			}
			return serveErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Scan this directory on start")
	return cmd
}

func batchCmd(g *globals) *cobra.Command {
	var (
		dir         string
		concurrency int
		wait        bool
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit a directory for ingestion by the Temporal worker",
		Long: "Starts an ingestion workflow on the configured task queue. The directory " +
			"must be readable by the worker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			c, err := temporalclient.Dial(temporalclient.Options{
				HostPort:  cfg.Temporal.Host,
				Namespace: cfg.Temporal.Namespace,
			})
			if err != nil {
				return fmt.Errorf("temporal client: %w", err)
			}
			defer c.Close()

			ctx := cmd.Context()
			run, err := c.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
				ID:        "kiln-batch-" + uuid.NewString(),
				TaskQueue: cfg.Temporal.TaskQueue,
			}, kilntemporal.IngestBatchWorkflow, kilntemporal.BatchInput{
				Dir:         dir,
				Concurrency: concurrency,
			})
			if err != nil {
				return fmt.Errorf("starting workflow: %w", err)
			}
			logger.Info("batch submitted",
				zap.String("workflow_id", run.GetID()),
				zap.String("run_id", run.GetRunID()))

			out := cmd.OutOrStdout()
			if !wait {
				fmt.Fprintf(out, "Submitted %s\n", run.GetID())
				return nil
			}
			var res kilntemporal.BatchOutput
			if err := run.Get(ctx, &res); err != nil {
				return fmt.Errorf("workflow %s: %w", run.GetID(), err)
			}
			fmt.Fprintf(out, "Batch %s: %d processed, %d partial, %d failed, %d skipped\n",
				run.GetID(), res.Processed, res.Partial, res.Failed, res.Skipped)
			for _, r := range res.Results {
				if r.Error != "" {
					fmt.Fprintf(out, "  FAIL %s: %s\n", r.Path, r.Error)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Directory to ingest")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Documents ingested at once")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the batch to finish")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}
