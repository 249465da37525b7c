// Package workflows implements the upsertion/deletion workflows (§4.H), the
// reindex workflow (§4.I), and wires the inference dispatcher (§4.J,
// internal/workflows/inference) as queue.Actor implementations driven by
// internal/queue's dispatcher, the same Actor shape the teacher's event bus
// registers handlers against (internal/eventbus/handler.go).
package workflows

import "github.com/EulerSearch/embedding-studio-sub001/internal/types"

// UpsertItem is one entry of an upsertion task's item list (§4.H). ItemInfo
// is the raw source handed to the inference dispatcher's forward_items
// (text, image reference, or whatever the configured plugin expects);
// Payload is the filterable domain metadata stored alongside the resulting
// Object.
type UpsertItem struct {
	ObjectID string                 `json:"object_id"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	ItemInfo interface{}            `json:"item_info,omitempty"`
}

// UpsertPayload is an UPSERT task's JSON payload (§4.H).
type UpsertPayload struct {
	EmbeddingModelID string       `json:"embedding_model_id,omitempty"`
	Items            []UpsertItem `json:"items"`
}

// DeletionPayload is a DELETE task's JSON payload (§4.H).
type DeletionPayload struct {
	EmbeddingModelID string   `json:"embedding_model_id,omitempty"`
	ObjectIDs        []string `json:"object_ids"`
}

// ReindexEndpoint names one side (source or destination) of a reindex.
type ReindexEndpoint struct {
	EmbeddingModelID string `json:"embedding_model_id"`
}

// ReindexPayload is a REINDEX task's JSON payload (§4.I).
type ReindexPayload struct {
	Source         ReindexEndpoint `json:"source"`
	Dest           ReindexEndpoint `json:"dest"`
	DeployAsBlue   bool            `json:"deploy_as_blue"`
	WaitOnConflict bool            `json:"wait_on_conflict"`
}

// itemResult is the internal staged-pipeline carrier threading one
// UpsertItem through embed -> assemble -> write (§4.H, Design Note 9),
// accumulating either a finished Object or a failure reason.
type itemResult struct {
	item   UpsertItem
	object types.Object
	err    error
}
