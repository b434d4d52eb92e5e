package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/walle-ai/walle/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()

	repo, err := NewSQLite(filepath.Join(t.TempDir(), "walle.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func testJob(id int64, status domain.JobStatus) *domain.Job {
	return &domain.Job{
		ID:        id,
		Title:     "Backend Engineer",
		Company:   "Acme",
		Location:  "Remote",
		URL:       "https://example.com/jobs/1",
		Status:    status,
		Source:    domain.JobSourceLinkedIn,
		CreatedAt: time.Now().Add(-time.Duration(id) * time.Minute),
	}
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	score := 87
	applied := time.Now().Truncate(time.Second)
	job := testJob(1, domain.JobStatusApplied)
	job.MatchScore = &score
	job.AppliedAt = &applied
	job.Starred = true

	if err := repo.PutJob(ctx, job); err != nil {
		t.Fatalf("PutJob failed: %v", err)
	}

	got, err := repo.GetJob(ctx, 1)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected job, got nil")
	}
	if got.Title != job.Title || got.Company != job.Company || got.Status != domain.JobStatusApplied {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.MatchScore == nil || *got.MatchScore != 87 {
		t.Errorf("match score not preserved: %+v", got.MatchScore)
	}
	if got.AppliedAt == nil || !got.AppliedAt.Equal(applied) {
		t.Errorf("applied_at not preserved: %v", got.AppliedAt)
	}
	if !got.Starred {
		t.Error("starred not preserved")
	}
	if got.SyncedAt == nil {
		t.Error("expected synced_at to be stamped on write")
	}
}

func TestGetJobMissingReturnsNil(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	got, err := repo.GetJob(context.Background(), 999)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing job, got %+v", got)
	}
}

func TestGetJobsByStatusIndex(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	jobs := []*domain.Job{
		testJob(1, domain.JobStatusInbox),
		testJob(2, domain.JobStatusApplied),
		testJob(3, domain.JobStatusInbox),
	}
	if err := repo.PutJobs(ctx, jobs); err != nil {
		t.Fatalf("PutJobs failed: %v", err)
	}

	inbox, err := repo.GetJobsByStatus(ctx, domain.JobStatusInbox)
	if err != nil {
		t.Fatalf("GetJobsByStatus failed: %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("expected 2 inbox jobs, got %d", len(inbox))
	}
}

func TestReplaceJobsOverwritesCollection(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.PutJobs(ctx, []*domain.Job{
		testJob(1, domain.JobStatusInbox),
		testJob(2, domain.JobStatusInbox),
	}); err != nil {
		t.Fatalf("PutJobs failed: %v", err)
	}

	if err := repo.ReplaceJobs(ctx, []*domain.Job{testJob(3, domain.JobStatusOffer)}); err != nil {
		t.Fatalf("ReplaceJobs failed: %v", err)
	}

	all, err := repo.GetAllJobs(ctx)
	if err != nil {
		t.Fatalf("GetAllJobs failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != 3 {
		t.Fatalf("expected collection to contain only job 3, got %+v", all)
	}
}

func TestLatestTailoredResumePrefersIsNew(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	put := func(id int64, version int, isNew bool) {
		t.Helper()
		err := repo.PutTailoredResume(ctx, &domain.TailoredResume{
			ID:          id,
			JobID:       7,
			ResumeID:    1,
			Content:     "tailored content",
			Suggestions: []string{"tighten summary"},
			Version:     version,
			IsNew:       isNew,
			CreatedAt:   time.Now(),
		})
		if err != nil {
			t.Fatalf("PutTailoredResume failed: %v", err)
		}
	}

	put(1, 1, false)
	put(2, 3, false)
	put(3, 2, true)

	latest, err := repo.GetLatestTailoredResume(ctx, 7)
	if err != nil {
		t.Fatalf("GetLatestTailoredResume failed: %v", err)
	}
	if latest == nil || latest.ID != 3 {
		t.Fatalf("expected is_new version 2 to win, got %+v", latest)
	}
	if len(latest.Suggestions) != 1 || latest.Suggestions[0] != "tighten summary" {
		t.Errorf("suggestions not preserved: %+v", latest.Suggestions)
	}
}

func TestPutTailoredResumeClearsOtherIsNewFlags(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	for i, isNew := range []bool{true, true} {
		err := repo.PutTailoredResume(ctx, &domain.TailoredResume{
			ID:        int64(i + 1),
			JobID:     9,
			ResumeID:  1,
			Version:   i + 1,
			IsNew:     isNew,
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("PutTailoredResume failed: %v", err)
		}
	}

	versions, err := repo.GetTailoredResumesByJob(ctx, 9)
	if err != nil {
		t.Fatalf("GetTailoredResumesByJob failed: %v", err)
	}
	newCount := 0
	for _, v := range versions {
		if v.IsNew {
			newCount++
		}
	}
	if newCount != 1 {
		t.Fatalf("expected exactly one is_new version, got %d", newCount)
	}
}

func TestActionQueueFIFOAndLifecycle(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	first, err := repo.EnqueueAction(ctx, domain.ActionUpdateJob, []byte(`{"id":1}`))
	if err != nil {
		t.Fatalf("EnqueueAction failed: %v", err)
	}
	second, err := repo.EnqueueAction(ctx, domain.ActionDeleteJob, []byte(`{"id":2}`))
	if err != nil {
		t.Fatalf("EnqueueAction failed: %v", err)
	}
	if second <= first {
		t.Fatalf("expected autoincrement ids, got %d then %d", first, second)
	}

	actions, err := repo.GetAllActions(ctx)
	if err != nil {
		t.Fatalf("GetAllActions failed: %v", err)
	}
	if len(actions) != 2 || actions[0].ID != first || actions[1].ID != second {
		t.Fatalf("expected FIFO order, got %+v", actions)
	}
	if actions[0].Status != domain.ActionPending || actions[0].RetryCount != 0 {
		t.Fatalf("unexpected initial action state: %+v", actions[0])
	}

	if err := repo.UpdateActionStatus(ctx, first, domain.ActionSyncing); err != nil {
		t.Fatalf("UpdateActionStatus failed: %v", err)
	}
	if err := repo.IncrementActionRetry(ctx, first); err != nil {
		t.Fatalf("IncrementActionRetry failed: %v", err)
	}

	actions, err = repo.GetAllActions(ctx)
	if err != nil {
		t.Fatalf("GetAllActions failed: %v", err)
	}
	if actions[0].RetryCount != 1 || actions[0].Status != domain.ActionPending {
		t.Fatalf("expected retry to revert action to pending, got %+v", actions[0])
	}

	if err := repo.RemoveAction(ctx, first); err != nil {
		t.Fatalf("RemoveAction failed: %v", err)
	}
	actions, err = repo.GetAllActions(ctx)
	if err != nil {
		t.Fatalf("GetAllActions failed: %v", err)
	}
	if len(actions) != 1 || actions[0].ID != second {
		t.Fatalf("expected only second action to remain, got %+v", actions)
	}
}

func TestCacheMetaRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := repo.GetCacheMeta(ctx, "jobs:all"); err != nil || ok {
		t.Fatalf("expected missing cache meta, got ok=%v err=%v", ok, err)
	}

	fetched := time.Now().Truncate(time.Second)
	if err := repo.PutCacheMeta(ctx, "jobs:all", fetched); err != nil {
		t.Fatalf("PutCacheMeta failed: %v", err)
	}

	got, ok, err := repo.GetCacheMeta(ctx, "jobs:all")
	if err != nil || !ok {
		t.Fatalf("GetCacheMeta failed: ok=%v err=%v", ok, err)
	}
	if !got.Equal(fetched) {
		t.Errorf("last fetched mismatch: got %v, want %v", got, fetched)
	}

	if err := repo.DeleteCacheMeta(ctx, "jobs:all"); err != nil {
		t.Fatalf("DeleteCacheMeta failed: %v", err)
	}
	if _, ok, _ := repo.GetCacheMeta(ctx, "jobs:all"); ok {
		t.Fatal("expected cache meta to be deleted")
	}
}

func TestChatSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	if snap, err := repo.GetChatSnapshot(ctx, "conv-1"); err != nil || snap != nil {
		t.Fatalf("expected nil snapshot, got %v err=%v", snap, err)
	}

	payload := []byte(`[{"id":"m1","role":"user","content":"hi"}]`)
	if err := repo.PutChatSnapshot(ctx, "conv-1", payload); err != nil {
		t.Fatalf("PutChatSnapshot failed: %v", err)
	}
	// Overwrite must replace, not append.
	payload2 := []byte(`[{"id":"m1"},{"id":"m2"}]`)
	if err := repo.PutChatSnapshot(ctx, "conv-1", payload2); err != nil {
		t.Fatalf("PutChatSnapshot failed: %v", err)
	}

	got, err := repo.GetChatSnapshot(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetChatSnapshot failed: %v", err)
	}
	if string(got) != string(payload2) {
		t.Fatalf("snapshot mismatch: got %s", got)
	}
}

func TestMigrationsAreIdempotentAcrossReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "walle.db")
	ctx := context.Background()

	repo, err := NewSQLite(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	if err := repo.PutJob(ctx, testJob(1, domain.JobStatusInbox)); err != nil {
		t.Fatalf("PutJob failed: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening runs the migration pass again; existing data must survive.
	repo, err = NewSQLite(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = repo.Close() }()

	job, err := repo.GetJob(ctx, 1)
	if err != nil {
		t.Fatalf("GetJob after reopen failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected job to survive reopen")
	}
}

func TestClearAllWipesEveryCollection(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.PutJob(ctx, testJob(1, domain.JobStatusInbox)); err != nil {
		t.Fatalf("PutJob failed: %v", err)
	}
	if _, err := repo.EnqueueAction(ctx, domain.ActionUpdateJob, nil); err != nil {
		t.Fatalf("EnqueueAction failed: %v", err)
	}
	if err := repo.PutChatSnapshot(ctx, "conv-1", []byte(`[]`)); err != nil {
		t.Fatalf("PutChatSnapshot failed: %v", err)
	}

	if err := repo.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}

	jobs, _ := repo.GetAllJobs(ctx)
	actions, _ := repo.GetAllActions(ctx)
	snap, _ := repo.GetChatSnapshot(ctx, "conv-1")
	if len(jobs) != 0 || len(actions) != 0 || snap != nil {
		t.Fatalf("expected all collections empty, got jobs=%d actions=%d snap=%v", len(jobs), len(actions), snap)
	}
}
