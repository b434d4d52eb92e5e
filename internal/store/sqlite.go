package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/walle-ai/walle/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the database at dbPath and runs
// pending migrations. A nil logger falls back to slog.Default.
func NewSQLite(dbPath string, logger *slog.Logger) (Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency between the sync drain and reads.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, title, company, location, url, status, match_score,
	source, jd_markdown, created_at, applied_at, starred, synced_at`

func scanJob(row interface{ Scan(...any) error }) (*domain.Job, error) {
	var job domain.Job
	var matchScore sql.NullInt64
	var createdAt int64
	var appliedAt, syncedAt sql.NullInt64
	var starred int

	err := row.Scan(
		&job.ID, &job.Title, &job.Company, &job.Location, &job.URL,
		&job.Status, &matchScore, &job.Source, &job.JDMarkdown,
		&createdAt, &appliedAt, &starred, &syncedAt,
	)
	if err != nil {
		return nil, err
	}

	if matchScore.Valid {
		score := int(matchScore.Int64)
		job.MatchScore = &score
	}
	job.CreatedAt = time.Unix(createdAt, 0)
	if appliedAt.Valid {
		ts := time.Unix(appliedAt.Int64, 0)
		job.AppliedAt = &ts
	}
	job.Starred = starred != 0
	if syncedAt.Valid {
		ts := time.Unix(syncedAt.Int64, 0)
		job.SyncedAt = &ts
	}

	return &job, nil
}

// GetJob retrieves a job by its server-assigned id. Returns nil when
// the job is not cached locally.
func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}
	return job, nil
}

// GetAllJobs retrieves every cached job, newest first.
func (s *SQLiteStore) GetAllJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
}

// GetJobsByStatus retrieves cached jobs with the given pipeline status.
func (s *SQLiteStore) GetJobsByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at DESC`, status)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer s.closeRows(rows, "jobs")

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// PutJob upserts a job, stamping synced_at with the current time.
func (s *SQLiteStore) PutJob(ctx context.Context, job *domain.Job) error {
	return s.execPutJob(ctx, s.db, job, time.Now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) execPutJob(ctx context.Context, db execer, job *domain.Job, now time.Time) error {
	query := `
	INSERT INTO jobs (id, title, company, location, url, status, match_score,
		source, jd_markdown, created_at, applied_at, starred, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		company = excluded.company,
		location = excluded.location,
		url = excluded.url,
		status = excluded.status,
		match_score = excluded.match_score,
		source = excluded.source,
		jd_markdown = excluded.jd_markdown,
		applied_at = excluded.applied_at,
		starred = excluded.starred,
		synced_at = excluded.synced_at`

	var matchScore any
	if job.MatchScore != nil {
		matchScore = *job.MatchScore
	}
	var appliedAt any
	if job.AppliedAt != nil {
		appliedAt = job.AppliedAt.Unix()
	}

	_, err := db.ExecContext(ctx, query,
		job.ID, job.Title, job.Company, job.Location, job.URL,
		job.Status, matchScore, job.Source, job.JDMarkdown,
		job.CreatedAt.Unix(), appliedAt, boolToInt(job.Starred), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// PutJobs upserts a batch of jobs in one transaction.
func (s *SQLiteStore) PutJobs(ctx context.Context, jobs []*domain.Job) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		for _, job := range jobs {
			if err := s.execPutJob(ctx, tx, job, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceJobs clears the jobs collection and writes the given set
// atomically. Used by reconciliation-by-refetch.
func (s *SQLiteStore) ReplaceJobs(ctx context.Context, jobs []*domain.Job) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
			return fmt.Errorf("clear jobs: %w", err)
		}
		now := time.Now()
		for _, job := range jobs {
			if err := s.execPutJob(ctx, tx, job, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteJob removes a job from the local cache.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// --- Resumes ---

const resumeColumns = `id, name, content, is_default, use_count, source,
	parse_status, parse_errors, created_at, updated_at, synced_at`

func scanResume(row interface{ Scan(...any) error }) (*domain.Resume, error) {
	var resume domain.Resume
	var isDefault int
	var createdAt, updatedAt int64
	var syncedAt sql.NullInt64

	err := row.Scan(
		&resume.ID, &resume.Name, &resume.Content, &isDefault,
		&resume.UseCount, &resume.Source, &resume.ParseStatus,
		&resume.ParseErrors, &createdAt, &updatedAt, &syncedAt,
	)
	if err != nil {
		return nil, err
	}

	resume.IsDefault = isDefault != 0
	resume.CreatedAt = time.Unix(createdAt, 0)
	resume.UpdatedAt = time.Unix(updatedAt, 0)
	if syncedAt.Valid {
		ts := time.Unix(syncedAt.Int64, 0)
		resume.SyncedAt = &ts
	}

	return &resume, nil
}

// GetResume retrieves a resume by id. Returns nil when not cached.
func (s *SQLiteStore) GetResume(ctx context.Context, id int64) (*domain.Resume, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resumeColumns+` FROM resumes WHERE id = ?`, id)
	resume, err := scanResume(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan resume row: %w", err)
	}
	return resume, nil
}

// GetAllResumes retrieves every cached resume.
func (s *SQLiteStore) GetAllResumes(ctx context.Context) ([]*domain.Resume, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+resumeColumns+` FROM resumes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query resumes: %w", err)
	}
	defer s.closeRows(rows, "resumes")

	var resumes []*domain.Resume
	for rows.Next() {
		resume, err := scanResume(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resume row: %w", err)
		}
		resumes = append(resumes, resume)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resumes: %w", err)
	}
	return resumes, nil
}

// PutResume upserts a resume, stamping updated_at and synced_at.
func (s *SQLiteStore) PutResume(ctx context.Context, resume *domain.Resume) error {
	return s.execPutResume(ctx, s.db, resume, time.Now())
}

func (s *SQLiteStore) execPutResume(ctx context.Context, db execer, resume *domain.Resume, now time.Time) error {
	query := `
	INSERT INTO resumes (id, name, content, is_default, use_count, source,
		parse_status, parse_errors, created_at, updated_at, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		content = excluded.content,
		is_default = excluded.is_default,
		use_count = excluded.use_count,
		source = excluded.source,
		parse_status = excluded.parse_status,
		parse_errors = excluded.parse_errors,
		updated_at = excluded.updated_at,
		synced_at = excluded.synced_at`

	_, err := db.ExecContext(ctx, query,
		resume.ID, resume.Name, resume.Content, boolToInt(resume.IsDefault),
		resume.UseCount, resume.Source, resume.ParseStatus, resume.ParseErrors,
		resume.CreatedAt.Unix(), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert resume: %w", err)
	}
	return nil
}

// PutResumes upserts a batch of resumes in one transaction.
func (s *SQLiteStore) PutResumes(ctx context.Context, resumes []*domain.Resume) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		for _, resume := range resumes {
			if err := s.execPutResume(ctx, tx, resume, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Tailored resumes ---

const tailoredColumns = `id, job_id, resume_id, content, suggestions_json,
	version, is_new, created_at, synced_at`

func scanTailored(row interface{ Scan(...any) error }) (*domain.TailoredResume, error) {
	var tailored domain.TailoredResume
	var suggestionsJSON string
	var isNew int
	var createdAt int64
	var syncedAt sql.NullInt64

	err := row.Scan(
		&tailored.ID, &tailored.JobID, &tailored.ResumeID, &tailored.Content,
		&suggestionsJSON, &tailored.Version, &isNew, &createdAt, &syncedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(suggestionsJSON), &tailored.Suggestions); err != nil {
		return nil, fmt.Errorf("decode suggestions: %w", err)
	}
	tailored.IsNew = isNew != 0
	tailored.CreatedAt = time.Unix(createdAt, 0)
	if syncedAt.Valid {
		ts := time.Unix(syncedAt.Int64, 0)
		tailored.SyncedAt = &ts
	}

	return &tailored, nil
}

// GetTailoredResumesByJob retrieves all tailored versions for a job,
// oldest version first.
func (s *SQLiteStore) GetTailoredResumesByJob(ctx context.Context, jobID int64) ([]*domain.TailoredResume, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tailoredColumns+` FROM tailored_resumes WHERE job_id = ? ORDER BY version`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query tailored resumes: %w", err)
	}
	defer s.closeRows(rows, "tailored resumes")

	var versions []*domain.TailoredResume
	for rows.Next() {
		tailored, err := scanTailored(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tailored resume row: %w", err)
		}
		versions = append(versions, tailored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tailored resumes: %w", err)
	}
	return versions, nil
}

// GetLatestTailoredResume returns the default version to show for a job:
// the one flagged is_new, otherwise the highest version number.
func (s *SQLiteStore) GetLatestTailoredResume(ctx context.Context, jobID int64) (*domain.TailoredResume, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tailoredColumns+` FROM tailored_resumes
		 WHERE job_id = ? ORDER BY is_new DESC, version DESC LIMIT 1`, jobID)
	tailored, err := scanTailored(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tailored resume row: %w", err)
	}
	return tailored, nil
}

// PutTailoredResume upserts a tailored resume version. When the incoming
// version is flagged is_new, the flag is cleared on the job's other
// versions so at most one version per job is the default view.
func (s *SQLiteStore) PutTailoredResume(ctx context.Context, tailored *domain.TailoredResume) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if tailored.IsNew {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tailored_resumes SET is_new = 0 WHERE job_id = ? AND id != ?`,
				tailored.JobID, tailored.ID); err != nil {
				return fmt.Errorf("clear is_new flags: %w", err)
			}
		}

		suggestions, err := json.Marshal(tailored.Suggestions)
		if err != nil {
			return fmt.Errorf("encode suggestions: %w", err)
		}
		if tailored.Suggestions == nil {
			suggestions = []byte("[]")
		}

		query := `
		INSERT INTO tailored_resumes (id, job_id, resume_id, content,
			suggestions_json, version, is_new, created_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			suggestions_json = excluded.suggestions_json,
			version = excluded.version,
			is_new = excluded.is_new,
			synced_at = excluded.synced_at`

		_, err = tx.ExecContext(ctx, query,
			tailored.ID, tailored.JobID, tailored.ResumeID, tailored.Content,
			string(suggestions), tailored.Version, boolToInt(tailored.IsNew),
			tailored.CreatedAt.Unix(), time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert tailored resume: %w", err)
		}
		return nil
	})
}

// --- Action queue ---

// EnqueueAction appends a pending action and returns its local id.
func (s *SQLiteStore) EnqueueAction(ctx context.Context, actionType domain.ActionType, payload []byte) (int64, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO action_queue (type, payload, created_at, status, retry_count)
		 VALUES (?, ?, ?, ?, 0)`,
		actionType, string(payload), time.Now().Unix(), domain.ActionPending)
	if err != nil {
		return 0, fmt.Errorf("enqueue action: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read action id: %w", err)
	}
	return id, nil
}

// GetAllActions returns the queue in enqueue order.
func (s *SQLiteStore) GetAllActions(ctx context.Context) ([]*domain.QueuedAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, payload, created_at, status, retry_count
		 FROM action_queue ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query action queue: %w", err)
	}
	defer s.closeRows(rows, "action queue")

	var actions []*domain.QueuedAction
	for rows.Next() {
		var action domain.QueuedAction
		var payload string
		var createdAt int64
		if err := rows.Scan(&action.ID, &action.Type, &payload, &createdAt,
			&action.Status, &action.RetryCount); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		action.Payload = json.RawMessage(payload)
		action.CreatedAt = time.Unix(createdAt, 0)
		actions = append(actions, &action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action queue: %w", err)
	}
	return actions, nil
}

// UpdateActionStatus sets the lifecycle state of a queued action.
func (s *SQLiteStore) UpdateActionStatus(ctx context.Context, id int64, status domain.ActionStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE action_queue SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update action status: %w", err)
	}
	return s.requireRow(result, "action", id)
}

// IncrementActionRetry bumps retry_count and reverts the action to
// pending for a later drain.
func (s *SQLiteStore) IncrementActionRetry(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE action_queue SET retry_count = retry_count + 1, status = ? WHERE id = ?`,
		domain.ActionPending, id)
	if err != nil {
		return fmt.Errorf("increment action retry: %w", err)
	}
	return s.requireRow(result, "action", id)
}

// RemoveAction deletes a queued action. Retries briefly on SQLITE_BUSY
// since removal races with concurrent reads from the UI side.
func (s *SQLiteStore) RemoveAction(ctx context.Context, id int64) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		_, lastErr = s.db.ExecContext(ctx, `DELETE FROM action_queue WHERE id = ?`, id)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		s.logger.Debug("RemoveAction hit SQLITE_BUSY, retrying", "action_id", id, "attempt", i+1, "delay", delay)
		time.Sleep(delay)
	}
	return fmt.Errorf("remove action %d: %w", id, lastErr)
}

// ClearActionQueue deletes every queued action.
func (s *SQLiteStore) ClearActionQueue(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM action_queue`); err != nil {
		return fmt.Errorf("clear action queue: %w", err)
	}
	return nil
}

// --- Cache metadata ---

// GetCacheMeta returns the last-fetched time for a cache key.
func (s *SQLiteStore) GetCacheMeta(ctx context.Context, key string) (time.Time, bool, error) {
	var lastFetched int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_fetched_at FROM cache_metadata WHERE key = ?`, key).Scan(&lastFetched)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("scan cache metadata: %w", err)
	}
	return time.Unix(lastFetched, 0), true, nil
}

// PutCacheMeta records a successful fetch for a cache key.
func (s *SQLiteStore) PutCacheMeta(ctx context.Context, key string, lastFetched time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_metadata (key, last_fetched_at) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET last_fetched_at = excluded.last_fetched_at`,
		key, lastFetched.Unix())
	if err != nil {
		return fmt.Errorf("upsert cache metadata: %w", err)
	}
	return nil
}

// DeleteCacheMeta invalidates a cache key.
func (s *SQLiteStore) DeleteCacheMeta(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache metadata: %w", err)
	}
	return nil
}

// --- Chat snapshots ---

// GetChatSnapshot returns the serialized transcript for a conversation,
// or nil when none has been saved.
func (s *SQLiteStore) GetChatSnapshot(ctx context.Context, conversationID string) ([]byte, error) {
	var transcript string
	err := s.db.QueryRowContext(ctx,
		`SELECT transcript_json FROM chat_snapshots WHERE conversation_id = ?`,
		conversationID).Scan(&transcript)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat snapshot: %w", err)
	}
	return []byte(transcript), nil
}

// PutChatSnapshot persists the serialized transcript for a conversation.
func (s *SQLiteStore) PutChatSnapshot(ctx context.Context, conversationID string, transcript []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_snapshots (conversation_id, transcript_json, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
			transcript_json = excluded.transcript_json,
			updated_at = excluded.updated_at`,
		conversationID, string(transcript), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert chat snapshot: %w", err)
	}
	return nil
}

// --- Maintenance ---

// ClearAll wipes every collection in one transaction.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"jobs", "resumes", "tailored_resumes",
			"action_queue", "cache_metadata", "chat_snapshots"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// --- helpers ---

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		s.logger.Warn("failed to close rows", "collection", what, "error", err)
	}
}

func (s *SQLiteStore) requireRow(result sql.Result, what string, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %d not found", what, id)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
