// Package store provides the local durable store: a versioned SQLite
// database holding the job/resume cache, the write-ahead action queue,
// cache metadata, and chat transcript snapshots.
package store

import (
	"context"
	"time"

	"github.com/walle-ai/walle/internal/domain"
)

// Repository defines persistence for all local collections. Server data
// cached here is never the source of truth; sync overwrites it freely.
type Repository interface {
	// Jobs.
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	GetAllJobs(ctx context.Context) ([]*domain.Job, error)
	GetJobsByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error)
	PutJob(ctx context.Context, job *domain.Job) error
	// PutJobs upserts a batch atomically.
	PutJobs(ctx context.Context, jobs []*domain.Job) error
	// ReplaceJobs clears the collection and writes jobs in one
	// transaction (reconciliation-by-refetch).
	ReplaceJobs(ctx context.Context, jobs []*domain.Job) error
	DeleteJob(ctx context.Context, id int64) error

	// Resumes.
	GetResume(ctx context.Context, id int64) (*domain.Resume, error)
	GetAllResumes(ctx context.Context) ([]*domain.Resume, error)
	PutResume(ctx context.Context, resume *domain.Resume) error
	PutResumes(ctx context.Context, resumes []*domain.Resume) error

	// Tailored resume versions.
	GetTailoredResumesByJob(ctx context.Context, jobID int64) ([]*domain.TailoredResume, error)
	// GetLatestTailoredResume returns the version flagged IsNew, or the
	// highest version when none is flagged. Nil when the job has none.
	GetLatestTailoredResume(ctx context.Context, jobID int64) (*domain.TailoredResume, error)
	PutTailoredResume(ctx context.Context, tailored *domain.TailoredResume) error

	// Action queue.
	EnqueueAction(ctx context.Context, actionType domain.ActionType, payload []byte) (int64, error)
	// GetAllActions returns the queue in enqueue (autoincrement key) order.
	GetAllActions(ctx context.Context) ([]*domain.QueuedAction, error)
	UpdateActionStatus(ctx context.Context, id int64, status domain.ActionStatus) error
	IncrementActionRetry(ctx context.Context, id int64) error
	RemoveAction(ctx context.Context, id int64) error
	ClearActionQueue(ctx context.Context) error

	// Cache metadata: key -> time of last successful fetch.
	GetCacheMeta(ctx context.Context, key string) (time.Time, bool, error)
	PutCacheMeta(ctx context.Context, key string, lastFetched time.Time) error
	DeleteCacheMeta(ctx context.Context, key string) error

	// Chat transcript snapshots, keyed by conversation id.
	GetChatSnapshot(ctx context.Context, conversationID string) ([]byte, error)
	PutChatSnapshot(ctx context.Context, conversationID string, transcript []byte) error

	// ClearAll wipes every collection (sign-out / re-pair).
	ClearAll(ctx context.Context) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
