package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/EulerSearch/embedding-studio-sub001/internal/clickstream"
	"github.com/EulerSearch/embedding-studio-sub001/internal/config"
	"github.com/EulerSearch/embedding-studio-sub001/internal/taskstore"
	"github.com/EulerSearch/embedding-studio-sub001/internal/vectorstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply task store and clickstream store schema",
	Long: `migrate applies the task registry (§4.A) and clickstream (§4.F)
table schema against the configured relational vector store database.

Per-collection object/part tables (§4.D) are not created here: they are
created lazily per embedding model by the collection lifecycle manager
(collection.Manager.CreatePair), the same as the teacher creates per-table
schema on demand rather than up front.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

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
		return fmt.Errorf("migrate: opening vector store: %w", err)
	}
	defer vectors.Close()

	tasks := taskstore.New(vectors.DB(), logger)
	if err := tasks.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: task store: %w", err)
	}

	clicks := clickstream.New(vectors.DB(), logger)
	if err := clicks.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: clickstream store: %w", err)
	}

	logger.Info("migrate: schema applied")
	return nil
}
