package inference

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/idgen"
)

// ArtifactDownloader fetches a model's on-disk artifacts into destDir. The
// actual transport (registry pull, object storage, etc.) is an external
// concern behind this interface, mirroring the Adjuster/VectorStore
// black-box pattern used elsewhere in this repo.
type ArtifactDownloader interface {
	Download(ctx context.Context, pluginName, modelID, destDir string) error
}

// Deployer runs the deploy/undeploy workflows (§4.J): both hold an exclusive
// file lock derived from model_id before touching the shared model
// repository filesystem, following the teacher's retry-with-timeout
// exclusive-lock idiom (cmd/bd/jsonl_lock.go) built on github.com/gofrs/flock.
type Deployer struct {
	dispatcher   Dispatcher
	downloader   ArtifactDownloader
	repoDir      string
	lockDir      string
	pollInterval time.Duration
	lockRetry    time.Duration
	logger       *slog.Logger
}

func NewDeployer(dispatcher Dispatcher, downloader ArtifactDownloader, repoDir, lockDir string, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		dispatcher:   dispatcher,
		downloader:   downloader,
		repoDir:      repoDir,
		lockDir:      lockDir,
		pollInterval: 2 * time.Second,
		lockRetry:    100 * time.Millisecond,
		logger:       logger,
	}
}

func (d *Deployer) modelDir(pluginName, modelID string) string {
	return filepath.Join(d.repoDir, pluginName, modelID)
}

func (d *Deployer) withLock(ctx context.Context, modelID string, fn func() error) error {
	path := filepath.Join(d.lockDir, idgen.ModelLockName(modelID))
	if err := os.MkdirAll(d.lockDir, 0o755); err != nil {
		return apperrors.Internal("inference.deploy ensure_lock_dir", err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, d.lockRetry)
	if err != nil {
		return apperrors.Internal("inference.deploy acquire_lock", err)
	}
	if !locked {
		return apperrors.CanceledByUser("timed out waiting for model lock %s", modelID)
	}
	defer fl.Unlock()
	return fn()
}

// Deploy downloads a model's artifacts into the repository atomically (via
// a staging directory renamed into place) and polls is_model_ready until
// true or timeout (§4.J step 2).
func (d *Deployer) Deploy(ctx context.Context, pluginName, modelID string, timeout time.Duration) error {
	return d.withLock(ctx, modelID, func() error {
		final := d.modelDir(pluginName, modelID)
		if _, err := os.Stat(final); err == nil {
			return d.waitReady(ctx, pluginName, modelID, timeout)
		}

		staging := final + ".staging"
		if err := os.RemoveAll(staging); err != nil {
			return apperrors.Internal("inference.deploy clean_staging", err)
		}
		if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
			return apperrors.Internal("inference.deploy mkdir", err)
		}
		if err := d.downloader.Download(ctx, pluginName, modelID, staging); err != nil {
			return apperrors.UnavailableDependency("inference.deploy download: %v", err)
		}
		if err := os.Rename(staging, final); err != nil {
			return apperrors.Internal("inference.deploy rename", err)
		}

		return d.waitReady(ctx, pluginName, modelID, timeout)
	})
}

func (d *Deployer) waitReady(ctx context.Context, pluginName, modelID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		ready, err := d.dispatcher.IsModelReady(ctx, pluginName, modelID)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.UnavailableDependency("model %s/%s did not become ready within %s", pluginName, modelID, timeout)
		}
		select {
		case <-ctx.Done():
			return apperrors.CanceledByUser("deploy wait canceled for %s/%s", pluginName, modelID)
		case <-ticker.C:
		}
	}
}

// Undeploy removes a model's directory (§4.J). When the query and items
// models share a directory, removeItemsDir must be false unless the items
// model is exclusive to this deployment — the caller (reindex workflow)
// decides that by checking whether any other collection still references
// the items model.
func (d *Deployer) Undeploy(ctx context.Context, pluginName, modelID string, removeItemsDir bool) error {
	return d.withLock(ctx, modelID, func() error {
		if !removeItemsDir {
			d.logger.Debug("inference.undeploy: items directory shared, skipping removal", "model_id", modelID)
			return nil
		}
		if err := os.RemoveAll(d.modelDir(pluginName, modelID)); err != nil {
			return apperrors.Internal("inference.undeploy remove", err)
		}
		return nil
	})
}
