package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/EulerSearch/embedding-studio-sub001/internal/config"
	"github.com/EulerSearch/embedding-studio-sub001/internal/queue"
	"github.com/EulerSearch/embedding-studio-sub001/internal/taskstore"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
	"github.com/EulerSearch/embedding-studio-sub001/internal/vectorstore"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task_id>",
	Short: "Request cancellation of a PENDING or PROCESSING task",
	Long: `cancel requests cooperative cancellation of a task (§4.B abort, §5
cancellation): it publishes an abort signal on the task's broker_id, which
the actor currently holding the task observes at its next checkpoint and
reacts to by transitioning the task to CANCELED itself.

A task that has not yet been picked up by a worker (still PENDING) has no
running actor to observe the abort signal, so cancel marks it CANCELED
immediately instead of waiting on a checkpoint that will never come.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
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
		return fmt.Errorf("cancel: opening vector store: %w", err)
	}
	defer vectors.Close()

	tasks := taskstore.New(vectors.DB(), logger)

	task, err := tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("cancel: task %s is already %s", taskID, task.Status)
	}

	dispatcher, err := queue.New(cfg.Queue.URL, queue.RetryPolicy{
		MaxRetries:     cfg.Queue.MaxRetries,
		InitialBackoff: cfg.Queue.InitialBackoff,
		MaxBackoff:     cfg.Queue.MaxBackoff,
	}, logger)
	if err != nil {
		return fmt.Errorf("cancel: connecting dispatcher: %w", err)
	}
	defer dispatcher.Close()

	if task.BrokerID != "" {
		dispatcher.Abort(task.BrokerID)
	}

	if task.Status == types.StatusPending {
		if err := tasks.UpdateStatus(ctx, taskID, types.StatusCanceled, nil); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		fmt.Printf("cancel: task %s marked CANCELED\n", taskID)
		return nil
	}

	fmt.Printf("cancel: abort requested for task %s, will transition to CANCELED at its next checkpoint\n", taskID)
	return nil
}
