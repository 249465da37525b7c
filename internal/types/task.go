package types

import (
	"fmt"
	"time"
)

// TaskKind identifies which worker pool a task belongs to.
type TaskKind string

const (
	TaskUpsert   TaskKind = "UPSERT"
	TaskDelete   TaskKind = "DELETE"
	TaskReindex  TaskKind = "REINDEX"
	TaskFineTune TaskKind = "FINE_TUNE"
	TaskDeploy   TaskKind = "DEPLOY"
	TaskUndeploy TaskKind = "UNDEPLOY"
	TaskImprove  TaskKind = "IMPROVE"
)

func (k TaskKind) IsValid() bool {
	switch k {
	case TaskUpsert, TaskDelete, TaskReindex, TaskFineTune, TaskDeploy, TaskUndeploy, TaskImprove:
		return true
	}
	return false
}

// TaskStatus is a task's position in its lifecycle (§3 Task transitions).
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusDone       TaskStatus = "DONE"
	StatusCanceled   TaskStatus = "CANCELED"
	StatusError      TaskStatus = "ERROR"
	StatusRefused    TaskStatus = "REFUSED"
)

func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDone, StatusCanceled, StatusError, StatusRefused:
		return true
	}
	return false
}

// IsTerminal reports whether s is a status from which no further
// transition is permitted other than via an explicit restart.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusCanceled, StatusError, StatusRefused:
		return true
	}
	return false
}

// validTransitions enumerates the legal status transitions (§4.A
// update_status: "atomic compare-set"), including the restart transitions
// out of a terminal status back to PENDING (§4.A "restart resets
// status=PENDING, clears failed_items, and bumps broker_id on next send").
// A transition not listed here is an InvalidStateTransition error.
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusCanceled:   true,
		StatusRefused:    true,
	},
	StatusProcessing: {
		StatusDone:     true,
		StatusError:    true,
		StatusCanceled: true,
	},
	StatusError: {
		StatusPending: true,
	},
	StatusCanceled: {
		StatusPending: true,
	},
	StatusRefused: {
		StatusPending: true,
	},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to TaskStatus) bool {
	return validTransitions[from][to]
}

// FailedItem records a per-item failure within a task (§7 PerItemFailure).
type FailedItem struct {
	ItemID string    `json:"item_id"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Task is a persisted unit of asynchronous work (§3).
type Task struct {
	TaskID           string       `json:"task_id"`
	Kind             TaskKind     `json:"kind"`
	Status           TaskStatus   `json:"status"`
	EmbeddingModelID string       `json:"embedding_model_id,omitempty"`
	Payload          []byte       `json:"payload,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	BrokerID         string       `json:"broker_id,omitempty"`
	FailedItems      []FailedItem `json:"failed_items,omitempty"`
	ParentID         string       `json:"parent_id,omitempty"`
	Children         []string     `json:"children,omitempty"`
	LastError        string       `json:"last_error,omitempty"`
}

func (t Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if !t.Kind.IsValid() {
		return fmt.Errorf("invalid kind %q", t.Kind)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	return nil
}

// TaskPatch is a set of optional field updates applied alongside a status
// transition (§4.A update_status(task_id, new_status, patch?)).
type TaskPatch struct {
	BrokerID  *string
	LastError *string
}
