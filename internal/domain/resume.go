package domain

import (
	"time"
)

// ParseStatus describes how well the server parsed an uploaded resume.
type ParseStatus string

const (
	ParseStatusSuccess ParseStatus = "success"
	ParseStatusPartial ParseStatus = "partial"
	ParseStatusFailed  ParseStatus = "failed"
	ParseStatusParsing ParseStatus = "parsing"
)

// Resume is a base resume document synced from the server.
type Resume struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Content     string      `json:"content"`
	IsDefault   bool        `json:"isDefault"`
	UseCount    int         `json:"useCount"`
	Source      string      `json:"source"`
	ParseStatus ParseStatus `json:"parseStatus"`
	ParseErrors string      `json:"parseErrors,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	SyncedAt    *time.Time  `json:"syncedAt,omitempty"`
}

// TailoredResume is one generated revision of a resume targeted at a
// specific job. Versions count up per job; the most recently generated
// one carries IsNew until the user views it.
type TailoredResume struct {
	ID          int64      `json:"id"`
	JobID       int64      `json:"jobId"`
	ResumeID    int64      `json:"resumeId"`
	Content     string     `json:"content"`
	Suggestions []string   `json:"suggestions"`
	Version     int        `json:"version"`
	IsNew       bool       `json:"isNew"`
	CreatedAt   time.Time  `json:"createdAt"`
	SyncedAt    *time.Time `json:"syncedAt,omitempty"`
}
