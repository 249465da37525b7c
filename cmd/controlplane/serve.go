package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/EulerSearch/embedding-studio-sub001/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher workers and the improvement pipeline poller",
	Long: `serve wires the task store, vector store, cache, collection
managers, and inference dispatcher, registers the UPSERT/DELETE/REINDEX
actors against the queue dispatcher, and blocks:

  - one goroutine per queue drains its NATS JetStream consumer (§4.B)
  - a separate ticker calls the improvement pipeline's RunOnce on an
    interval (§4.G "a worker polls for batches of improvement-eligible
    sessions")

Run 'controlplane migrate' first against a fresh database.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := setupTelemetry(cfg.Telemetry, newLogger(cfg))
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.registerActors(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.dispatcher.Serve(gctx)
	})

	g.Go(func() error {
		return runImprovementLoop(gctx, a)
	})

	a.logger.Info("controlplane: serving", "queue_url", cfg.Queue.URL)
	return g.Wait()
}

// runImprovementLoop periodically drives the improvement pipeline (§4.G).
// Unlike the UPSERT/DELETE/REINDEX actors, the pipeline is not a
// queue.Actor — it is a standalone batch worker triggered on a fixed
// interval rather than by an enqueued task, per spec.md §4.G's "a worker
// polls for batches of improvement-eligible sessions".
func runImprovementLoop(ctx context.Context, a *app) error {
	interval := a.cfg.Workflow.ImprovementPollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := a.pipeline.RunOnce(ctx)
			if err != nil {
				a.logger.Error("improvement pipeline run failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("improvement pipeline processed sessions", "count", n)
			}
		}
	}
}
