// Package cache implements the collection metadata cache (§4.C): an
// in-memory, read-mostly projection of the collection metadata store.
// Writes go through the metadata store first, then trigger a full reload
// (write-through invalidation); reads are lock-free relative to the
// metadata store (only a process-local RWMutex guards the map). Grounded
// on the teacher's cached-lookup idiom
// (internal/storage/sqlite/blocked_cache.go).
package cache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// MetadataStore is the subset of the relational metadata store this cache
// projects. A narrow interface keeps the cache testable against a fake
// without pulling in the full vector-store driver.
type MetadataStore interface {
	ListCollections(ctx context.Context) ([]types.Collection, error)
	UpsertCollection(ctx context.Context, c types.Collection) error
	DeleteCollection(ctx context.Context, collectionID string, kind types.CollectionKind) error
	SetBlue(ctx context.Context, regularID, queryID string) error
}

// Cache is the collection metadata cache (§4.C).
type Cache struct {
	store  MetadataStore
	logger *slog.Logger

	mu   sync.RWMutex
	byID map[string]types.Collection
}

func New(store MetadataStore, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, logger: logger, byID: make(map[string]types.Collection)}
}

// Reload performs a full re-read of the metadata store into the in-memory
// map (§4.C "Invalidation = full reload after every write").
func (c *Cache) Reload(ctx context.Context) error {
	collections, err := c.store.ListCollections(ctx)
	if err != nil {
		return apperrors.Internal("cache.reload", err)
	}
	byID := make(map[string]types.Collection, len(collections))
	for _, col := range collections {
		byID[cacheKey(col.CollectionID, col.Kind)] = col
	}

	c.mu.Lock()
	c.byID = byID
	c.mu.Unlock()
	return nil
}

func cacheKey(collectionID string, kind types.CollectionKind) string {
	return string(kind) + "/" + collectionID
}

// List returns every collection of a kind (§4.C list(kind)).
func (c *Cache) List(kind types.CollectionKind) []types.Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Collection, 0)
	for _, col := range c.byID {
		if col.Kind == kind {
			out = append(out, col)
		}
	}
	return out
}

// Get returns a collection by ID across all kinds (§4.C get(collection_id)).
// A collection_id together with its kind is the true key, but callers that
// only have the ID (e.g. "find the model's REGULAR collection") scan all
// kinds for a match.
func (c *Cache) Get(collectionID string) (types.Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, col := range c.byID {
		if col.CollectionID == collectionID {
			return col, true
		}
	}
	return types.Collection{}, false
}

// GetByKind returns the collection with the given (collectionID, kind),
// used by callers that already know which namespace they want.
func (c *Cache) GetByKind(collectionID string, kind types.CollectionKind) (types.Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	col, ok := c.byID[cacheKey(collectionID, kind)]
	return col, ok
}

// GetBlue returns the unique BLUE collection of a kind, or false if none
// (§4.C get_blue(kind)).
func (c *Cache) GetBlue(kind types.CollectionKind) (types.Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, col := range c.byID {
		if col.Kind == kind && col.WorkState == types.StateBlue {
			return col, true
		}
	}
	return types.Collection{}, false
}

// SetBlue atomically promotes the given (regular, query) pair to BLUE,
// demoting any previous BLUE pair, then reloads (§4.C set_blue). Both
// collections must already exist in the metadata store.
func (c *Cache) SetBlue(ctx context.Context, regularID, queryID string) error {
	if _, ok := c.Get(regularID); !ok {
		return apperrors.NotFound("collection %s", regularID)
	}
	if _, ok := c.Get(queryID); !ok {
		return apperrors.NotFound("collection %s", queryID)
	}
	if err := c.store.SetBlue(ctx, regularID, queryID); err != nil {
		return apperrors.Internal("cache.set_blue", err)
	}
	return c.Reload(ctx)
}

// Add inserts a collection_info. A duplicate-key conflict is logged, not
// fatal (§4.C "duplicate-key on add is logged, not fatal").
func (c *Cache) Add(ctx context.Context, col types.Collection) error {
	if _, ok := c.GetByKind(col.CollectionID, col.Kind); ok {
		c.logger.Warn("cache: add of already-existing collection ignored", "collection_id", col.CollectionID, "kind", col.Kind)
		return nil
	}
	if err := c.store.UpsertCollection(ctx, col); err != nil {
		return apperrors.Internal("cache.add", err)
	}
	return c.Reload(ctx)
}

// Update mirrors a collection_info write-through (§4.C add/update/delete).
func (c *Cache) Update(ctx context.Context, col types.Collection) error {
	if err := c.store.UpsertCollection(ctx, col); err != nil {
		return apperrors.Internal("cache.update", err)
	}
	return c.Reload(ctx)
}

// Delete removes a collection by ID and kind.
func (c *Cache) Delete(ctx context.Context, collectionID string, kind types.CollectionKind) error {
	if err := c.store.DeleteCollection(ctx, collectionID, kind); err != nil {
		return apperrors.Internal("cache.delete", err)
	}
	return c.Reload(ctx)
}
