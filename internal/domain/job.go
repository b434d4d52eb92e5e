// Package domain contains core domain types for the Wall-E client.
package domain

import (
	"time"
)

// JobStatus tracks a job posting through the application pipeline.
type JobStatus string

const (
	JobStatusInbox        JobStatus = "inbox"
	JobStatusApplied      JobStatus = "applied"
	JobStatusInterviewing JobStatus = "interviewing"
	JobStatusOffer        JobStatus = "offer"
	JobStatusRejected     JobStatus = "rejected"
	JobStatusSkipped      JobStatus = "skipped"
)

// JobSource identifies where a job posting was captured from.
type JobSource string

const (
	JobSourceLinkedIn JobSource = "linkedin"
	JobSourceIndeed   JobSource = "indeed"
	JobSourceEmail    JobSource = "email"
	JobSourceManual   JobSource = "manual"
)

// Job is a tracked job posting. IDs are assigned by the Eve server;
// local records are always a cached copy of server truth.
type Job struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	Company    string     `json:"company"`
	Location   string     `json:"location"`
	URL        string     `json:"url"`
	Status     JobStatus  `json:"status"`
	MatchScore *int       `json:"matchScore,omitempty"`
	Source     JobSource  `json:"source"`
	JDMarkdown string     `json:"jdMarkdown,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	AppliedAt  *time.Time `json:"appliedAt,omitempty"`
	Starred    bool       `json:"starred"`
	SyncedAt   *time.Time `json:"syncedAt,omitempty"`
}

// IsTerminal returns true if the job has reached a final status.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusOffer || j.Status == JobStatusRejected || j.Status == JobStatusSkipped
}

// ValidJobStatus reports whether status is one of the known pipeline states.
func ValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusInbox, JobStatusApplied, JobStatusInterviewing,
		JobStatusOffer, JobStatusRejected, JobStatusSkipped:
		return true
	}
	return false
}
