// Package api is the client for the Eve assistant server: plain JSON
// request/response calls plus the two SSE surfaces (streaming chat and
// full-catalog job sync). The client is stateless apart from the auth
// token; all caching and offline behavior lives elsewhere.
package api

import (
	"time"

	"github.com/walle-ai/walle/internal/domain"
)

// ChatMessage is one prior turn carried in a chat request.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// DetectedJob describes a job posting detected on the page the user is
// viewing, attached to chat requests for context.
type DetectedJob struct {
	Title   string `json:"title"`
	Company string `json:"company"`
	URL     string `json:"url"`
}

// ChatContext scopes a chat request to jobs or resumes under discussion.
type ChatContext struct {
	JobID        *int64       `json:"jobId,omitempty"`
	ResumeID     *int64       `json:"resumeId,omitempty"`
	DetectedJob  *DetectedJob `json:"detectedJob,omitempty"`
	SelectedJobs []int64      `json:"selectedJobs,omitempty"`
}

// ChatOptions toggles server-side behavior for one chat turn.
type ChatOptions struct {
	ShowThinking bool `json:"showThinking"`
	Stream       bool `json:"stream"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Context  *ChatContext  `json:"context,omitempty"`
	Options  ChatOptions   `json:"options"`
}

// JobFilter narrows GET /jobs.
type JobFilter struct {
	Status domain.JobStatus
	Limit  int
	Offset int
}

// JobList is the response of GET /jobs.
type JobList struct {
	Jobs  []*domain.Job `json:"jobs"`
	Total int           `json:"total"`
}

// JobPatch is a partial update pushed via PATCH /jobs/{id}.
type JobPatch struct {
	Status  *domain.JobStatus `json:"status,omitempty"`
	Starred *bool             `json:"starred,omitempty"`
}

// CreateResumeRequest is the body of POST /resumes.
type CreateResumeRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

// TailorRequest is the body of POST /tailor/{jobId}.
type TailorRequest struct {
	ResumeID int64 `json:"resumeId"`
	ForceNew bool  `json:"forceNew,omitempty"`
}

// Health is the response of GET /health.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// PairResult is the outcome of a pairing attempt. Conflict is set when
// the server already holds a pairing for another client (HTTP 409).
type PairResult struct {
	Token    string
	Conflict bool
}

// SyncProgress is one frame of the GET /jobs/sync SSE stream.
type SyncProgress struct {
	Status string `json:"status"` // processing | complete | error
	Synced int    `json:"synced"`
	Total  int    `json:"total"`
	Error  string `json:"error,omitempty"`
}
