package types

import "fmt"

// ObjectPart is one of an Object's vector embeddings. IsAverage marks a
// part synthesized as the average of the object's other parts rather than
// produced directly by the inference dispatcher.
type ObjectPart struct {
	PartID    string    `json:"part_id"`
	Vector    []float32 `json:"vector"`
	IsAverage bool      `json:"is_average"`
	UserID    string    `json:"user_id,omitempty"`
}

// Object is a logical item stored in a collection: one or more ObjectParts,
// optional personalization pointers, and two JSON blobs — Payload (domain
// metadata, filterable) and StorageMeta (system metadata, never read by
// filters; a leaf with ForceNotPayload reads the object_id, original_id,
// user_id or session_id column instead of Payload).
type Object struct {
	ObjectID    string                 `json:"object_id"`
	OriginalID  string                 `json:"original_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	StorageMeta map[string]interface{} `json:"storage_meta,omitempty"`
	Parts       []ObjectPart           `json:"parts"`
}

// IsPersonalizedCopy reports whether this object is a derived,
// user-specific copy of some original (§3, §4.G personalization rule).
func (o Object) IsPersonalizedCopy() bool {
	return o.OriginalID != ""
}

// Validate checks the object-level invariants from §3: at least one part,
// and (dimensions checked by the vector store against the collection's
// model, not here, since that requires collection context).
func (o Object) Validate() error {
	if o.ObjectID == "" {
		return fmt.Errorf("object_id is required")
	}
	if len(o.Parts) == 0 {
		return fmt.Errorf("object %s must have at least one part", o.ObjectID)
	}
	seen := make(map[string]bool, len(o.Parts))
	for _, p := range o.Parts {
		if p.PartID == "" {
			return fmt.Errorf("object %s: part_id is required", o.ObjectID)
		}
		if seen[p.PartID] {
			return fmt.Errorf("object %s: duplicate part_id %s", o.ObjectID, p.PartID)
		}
		seen[p.PartID] = true
		if len(p.Vector) == 0 {
			return fmt.Errorf("object %s: part %s has empty vector", o.ObjectID, p.PartID)
		}
	}
	return nil
}

// ValidateDimensions checks every part's vector length against the
// collection's model dimension (§8 property 2: dimension invariant).
func (o Object) ValidateDimensions(dim int) error {
	for _, p := range o.Parts {
		if len(p.Vector) != dim {
			return fmt.Errorf("object %s: part %s has dimension %d, want %d", o.ObjectID, p.PartID, len(p.Vector), dim)
		}
	}
	return nil
}

// PersonalizedObjectID returns the deterministic object_id for a
// personalized copy, per §4.G: `object_id = "{original}_{user_id}"`.
func PersonalizedObjectID(original, userID string) string {
	return fmt.Sprintf("%s_%s", original, userID)
}

// SortBy specifies a payload field + direction used to order results when
// similarity is not the primary sort key (§4.D, §9 "two-pass strategy").
type SortBy struct {
	Field     string `json:"field"`
	Ascending bool   `json:"ascending"`
}

// SearchResult is one row of a find_similar/find_by_payload_filter response.
// Parts is populated only when the request set with_vectors.
type SearchResult struct {
	ObjectID string                 `json:"object_id"`
	Distance float64                `json:"distance"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
	Parts    []ObjectPart           `json:"parts,omitempty"`
}
