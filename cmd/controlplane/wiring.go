package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/EulerSearch/embedding-studio-sub001/internal/cache"
	"github.com/EulerSearch/embedding-studio-sub001/internal/clickstream"
	"github.com/EulerSearch/embedding-studio-sub001/internal/collection"
	"github.com/EulerSearch/embedding-studio-sub001/internal/config"
	"github.com/EulerSearch/embedding-studio-sub001/internal/improvement"
	"github.com/EulerSearch/embedding-studio-sub001/internal/queue"
	"github.com/EulerSearch/embedding-studio-sub001/internal/taskstore"
	"github.com/EulerSearch/embedding-studio-sub001/internal/vectorstore"
	"github.com/EulerSearch/embedding-studio-sub001/internal/workflows"
	"github.com/EulerSearch/embedding-studio-sub001/internal/workflows/inference"
)

// app bundles every constructed subsystem a controlplane command might
// need. Each command wires the slice it uses and leaves the rest
// unreferenced rather than threading a dozen separate return values.
type app struct {
	cfg *config.Config

	vectors *vectorstore.Store
	tasks   *taskstore.Store
	clicks  *clickstream.Store

	metaCache  *cache.Cache
	regular    *collection.Manager
	categories *collection.Manager

	inferenceClient *inference.Client
	deployer        *inference.Deployer

	dispatcher *queue.Dispatcher
	pipeline   *improvement.Pipeline

	logger *slog.Logger
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// buildApp wires every subsystem against a loaded Config. Callers close the
// returned app's stores when done (see app.Close).
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
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
		return nil, fmt.Errorf("controlplane: opening vector store: %w", err)
	}

	tasks := taskstore.New(vectors.DB(), logger)
	clicks := clickstream.New(vectors.DB(), logger)

	metaCache := cache.New(tasks, logger)
	if err := metaCache.Reload(ctx); err != nil {
		return nil, fmt.Errorf("controlplane: loading collection cache: %w", err)
	}

	regular := collection.New(metaCache, tasks, vectors, logger)
	categories := collection.NewCategories(metaCache, tasks, vectors, logger)

	inferenceClient := inference.New(cfg.Inference.BaseURL, cfg.Inference.RequestTimeout)
	downloader := inference.NewHTTPArtifactDownloader(cfg.Inference.BaseURL, nil)
	deployer := inference.NewDeployer(inferenceClient, downloader, cfg.Inference.ModelRepoDir, cfg.Inference.LockDir, logger)

	adjuster := improvement.NewDefaultAdjuster()
	pipeline := improvement.New(metaCache, tasks, vectors, clicks, adjuster, cfg.Workflow.ImprovementGroupSize, logger)

	dispatcher, err := queue.New(cfg.Queue.URL, queue.RetryPolicy{
		MaxRetries:     cfg.Queue.MaxRetries,
		InitialBackoff: cfg.Queue.InitialBackoff,
		MaxBackoff:     cfg.Queue.MaxBackoff,
	}, logger)
	if err != nil {
		vectors.Close()
		return nil, fmt.Errorf("controlplane: connecting dispatcher: %w", err)
	}

	return &app{
		cfg:             cfg,
		vectors:         vectors,
		tasks:           tasks,
		clicks:          clicks,
		metaCache:       metaCache,
		regular:         regular,
		categories:      categories,
		inferenceClient: inferenceClient,
		deployer:        deployer,
		dispatcher:      dispatcher,
		pipeline:        pipeline,
		logger:          logger,
	}, nil
}

func (a *app) registerActors() error {
	upsert := workflows.NewUpsertActor(a.tasks, a.tasks, a.metaCache, a.vectors, a.inferenceClient, a.dispatcher, a.logger)
	upsert.EmbedBatchSize = a.cfg.Workflow.EmbedBatchSize

	del := workflows.NewDeleteActor(a.tasks, a.metaCache, a.vectors, a.dispatcher, a.logger)

	reindex := workflows.NewReindexActor(a.tasks, a.tasks, a.regular, a.vectors, a.deployer, a.dispatcher, a.dispatcher, a.logger)
	reindex.ReindexBatchSize = a.cfg.Workflow.ReindexBatchSize
	reindex.MaxConcurrentChildren = a.cfg.Workflow.MaxConcurrentChildren

	for _, actor := range []queue.Actor{upsert, del, reindex} {
		if err := a.dispatcher.Register(actor); err != nil {
			return fmt.Errorf("controlplane: registering actor %s: %w", actor.ID(), err)
		}
	}
	return nil
}

func (a *app) Close() {
	a.dispatcher.Close()
	a.vectors.Close()
}
