package domain

import (
	"encoding/json"
	"time"
)

// ActionType names a queued local mutation awaiting replay against the server.
type ActionType string

const (
	ActionCreateJob    ActionType = "createJob"
	ActionUpdateJob    ActionType = "updateJob"
	ActionDeleteJob    ActionType = "deleteJob"
	ActionUpdateResume ActionType = "updateResume"
	ActionTailorResume ActionType = "tailorResume"
)

// ActionStatus is the lifecycle state of a queued action.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionSyncing ActionStatus = "syncing"
	ActionFailed  ActionStatus = "failed"
)

// QueuedAction is one entry in the write-ahead action queue. The ID is a
// local autoincrement key; iteration order over the queue is enqueue order.
type QueuedAction struct {
	ID         int64           `json:"id"`
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
	Status     ActionStatus    `json:"status"`
	RetryCount int             `json:"retryCount"`
}

// JobActionPayload is the payload shape shared by updateJob and deleteJob
// actions: the server-assigned job id plus the intended changes.
type JobActionPayload struct {
	ID      int64      `json:"id"`
	Status  *JobStatus `json:"status,omitempty"`
	Starred *bool      `json:"starred,omitempty"`
}
