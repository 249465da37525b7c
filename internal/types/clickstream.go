package types

import (
	"fmt"
	"time"
)

// EventType distinguishes a clickstream event kind (click vs. other signal
// types a caller may record against a session's results).
type EventType string

const (
	EventClick EventType = "CLICK"
	EventView  EventType = "VIEW"
)

// ClickEvent is one recorded interaction against a search result.
type ClickEvent struct {
	EventID   string    `json:"event_id"`
	ObjectID  string    `json:"object_id"`
	EventType EventType `json:"event_type"`
	CreatedAt time.Time `json:"created_at"`
}

// RankedResult is one entry of a session's returned result list.
type RankedResult struct {
	ObjectID string `json:"object_id"`
	Rank     int    `json:"rank"`
}

// ClickstreamSession is one recorded search interaction (§3).
type ClickstreamSession struct {
	SessionID         string         `json:"session_id"`
	BatchID           string         `json:"batch_id"`
	SessionNumber     int            `json:"session_number"`
	SearchQuery       string         `json:"search_query,omitempty"`
	Results           []RankedResult `json:"results"`
	IsIrrelevant      bool           `json:"is_irrelevant"`
	UserID            string         `json:"user_id,omitempty"`
	Events            []ClickEvent   `json:"events"`
	IsPayloadSearch   bool           `json:"is_payload_search"`
	UseForImprovement bool           `json:"use_for_improvement"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (s ClickstreamSession) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if s.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	return nil
}

// ClickedObjectIDs returns the set of object IDs this session's events
// record a CLICK against.
func (s ClickstreamSession) ClickedObjectIDs() map[string]bool {
	clicked := make(map[string]bool)
	for _, e := range s.Events {
		if e.EventType == EventClick {
			clicked[e.ObjectID] = true
		}
	}
	return clicked
}

// EligibleForImprovement reports whether this session should be considered
// by the improvement pipeline (§4.G step 1: drop payload-search sessions,
// sessions with no clicks, and sessions marked irrelevant).
func (s ClickstreamSession) EligibleForImprovement() bool {
	if s.IsPayloadSearch || s.IsIrrelevant {
		return false
	}
	return len(s.ClickedObjectIDs()) > 0
}

// Batch groups sessions for fine-tuning/improvement release (§3).
type Batch struct {
	BatchID    string     `json:"batch_id"`
	ReleaseID  string     `json:"release_id,omitempty"`
	Released   bool       `json:"released"`
	CreatedAt  time.Time  `json:"created_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}
