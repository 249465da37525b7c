package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/EulerSearch/embedding-studio-sub001/internal/config"
	"github.com/EulerSearch/embedding-studio-sub001/internal/queue"
	"github.com/EulerSearch/embedding-studio-sub001/internal/vectorstore"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Check connectivity to the vector store database and the queue",
	Long: `healthcheck opens the configured vector store connection and pings
it, then opens (and immediately closes) a queue dispatcher connection,
exiting non-zero if either is unreachable. Intended for container
liveness/readiness probes, not a replacement for an HTTP endpoint (§6: no
REST server ships from this repo).`,
	RunE: runHealthcheck,
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}

	ctx, cancel := context.WithTimeout(contextOrBackground(cmd), 10*time.Second)
	defer cancel()

	logger := newLogger(cfg)

	vectors, err := vectorstore.New(ctx, vectorstore.Config{
		Driver:          cfg.VectorStore.Driver,
		DSN:             cfg.VectorStore.DSN,
		MaxOpenConns:    cfg.VectorStore.MaxOpenConns,
		MaxIdleConns:    cfg.VectorStore.MaxIdleConns,
		ConnMaxLifetime: cfg.VectorStore.ConnMaxLifetime,
		ConnectTimeout:  cfg.VectorStore.ConnectTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("healthcheck: vector store unreachable: %w", err)
	}
	defer vectors.Close()
	if err := vectors.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("healthcheck: vector store ping failed: %w", err)
	}

	dispatcher, err := queue.New(cfg.Queue.URL, queue.RetryPolicy{
		MaxRetries:     cfg.Queue.MaxRetries,
		InitialBackoff: cfg.Queue.InitialBackoff,
		MaxBackoff:     cfg.Queue.MaxBackoff,
	}, logger)
	if err != nil {
		return fmt.Errorf("healthcheck: queue unreachable: %w", err)
	}
	dispatcher.Close()

	fmt.Println("ok")
	return nil
}

func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
