// Package sync drains the write-ahead action queue against the server.
// Local mutations are enqueued durably first; the engine replays them
// whenever connectivity allows, with bounded retry, and reconciles
// server truth back into the local store.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/walle-ai/walle/internal/api"
	"github.com/walle-ai/walle/internal/domain"
	"github.com/walle-ai/walle/internal/notify"
	"github.com/walle-ai/walle/internal/store"
)

// retryCeiling is the number of failed attempts after which an action
// is dropped from the queue for good.
const retryCeiling = 3

// autoSyncInterval is how often the background loop drains the queue.
const autoSyncInterval = 60 * time.Second

// ErrUnsupportedAction is returned by Enqueue for action types that
// have no server-side effect. Rejecting them up front beats queuing
// work that can never complete.
var ErrUnsupportedAction = errors.New("action type has no server-side effect")

// JobAPI is the server surface the engine replays actions against.
// Implemented by *api.Client.
type JobAPI interface {
	GetJobs(ctx context.Context, filter api.JobFilter) (*api.JobList, error)
	UpdateJob(ctx context.Context, id int64, patch api.JobPatch) (*domain.Job, error)
}

// DrainResult reports the outcome of one ProcessQueue pass.
type DrainResult struct {
	Synced int `json:"synced"`
}

// Engine owns the action queue lifecycle: enqueue, periodic drain,
// retry accounting. Safe for concurrent use; drains are single-flight.
type Engine struct {
	repo     store.Repository
	server   JobAPI
	notifier notify.Notifier
	logger   *slog.Logger

	draining atomic.Bool

	ticker *time.Ticker
	done   chan struct{}
}

// NewEngine creates an engine. The notifier receives permanent-failure
// notices; pass notify.Noop to discard them.
func NewEngine(repo store.Repository, server JobAPI, notifier notify.Notifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:     repo,
		server:   server,
		notifier: notifier,
		logger:   logger,
	}
}

// Enqueue appends a pending action to the durable queue and returns its
// queue id. Action types without a server effect are rejected here
// rather than left to rot in the queue.
func (e *Engine) Enqueue(ctx context.Context, actionType domain.ActionType, payload any) (int64, error) {
	switch actionType {
	case domain.ActionCreateJob, domain.ActionUpdateJob, domain.ActionDeleteJob:
	case domain.ActionUpdateResume, domain.ActionTailorResume:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedAction, actionType)
	default:
		return 0, fmt.Errorf("unknown action type %q", actionType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode action payload: %w", err)
	}
	id, err := e.repo.EnqueueAction(ctx, actionType, raw)
	if err != nil {
		return 0, fmt.Errorf("enqueue action: %w", err)
	}
	e.logger.Debug("action enqueued", "action_id", id, "type", actionType)
	return id, nil
}

// ProcessQueue drains pending actions in enqueue order. It is a no-op
// returning a zero result while a previous drain is still running or
// when isOnline is false.
func (e *Engine) ProcessQueue(ctx context.Context, isOnline bool) (DrainResult, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return DrainResult{}, nil
	}
	defer e.draining.Store(false)

	if !isOnline {
		return DrainResult{}, nil
	}

	actions, err := e.repo.GetAllActions(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("list actions: %w", err)
	}

	var result DrainResult
	for _, action := range actions {
		if action.Status == domain.ActionSyncing {
			// Drains are single-flight, so a syncing action here is a
			// leftover from an interrupted run; reclaim it instead of
			// skipping it forever.
			if err := e.repo.UpdateActionStatus(ctx, action.ID, domain.ActionPending); err != nil {
				return result, fmt.Errorf("reclaim stale action %d: %w", action.ID, err)
			}
			action.Status = domain.ActionPending
		}
		if action.Status != domain.ActionPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := e.repo.UpdateActionStatus(ctx, action.ID, domain.ActionSyncing); err != nil {
			return result, fmt.Errorf("mark action %d syncing: %w", action.ID, err)
		}

		if err := e.execute(ctx, action); err != nil {
			e.recordFailure(ctx, action, err)
			continue
		}

		if err := e.repo.RemoveAction(ctx, action.ID); err != nil {
			return result, fmt.Errorf("remove synced action %d: %w", action.ID, err)
		}
		result.Synced++
	}

	if result.Synced > 0 {
		e.logger.Info("queue drained", "synced", result.Synced)
	}
	return result, nil
}

// execute replays one action's server-side effect.
func (e *Engine) execute(ctx context.Context, action *domain.QueuedAction) error {
	switch action.Type {
	case domain.ActionCreateJob:
		// Jobs are created server-side; reconcile by refetching the whole
		// list and overwriting the local cache instead of patching.
		return e.refetchJobs(ctx)

	case domain.ActionUpdateJob:
		payload, err := decodeJobPayload(action.Payload)
		if err != nil {
			return err
		}
		updated, err := e.server.UpdateJob(ctx, payload.ID, api.JobPatch{
			Status:  payload.Status,
			Starred: payload.Starred,
		})
		if err != nil {
			return fmt.Errorf("push job update: %w", err)
		}
		if err := e.repo.PutJob(ctx, updated); err != nil {
			return fmt.Errorf("store updated job: %w", err)
		}
		return nil

	case domain.ActionDeleteJob:
		// Deletes are soft: the server keeps the job as skipped.
		payload, err := decodeJobPayload(action.Payload)
		if err != nil {
			return err
		}
		skipped := domain.JobStatusSkipped
		if _, err := e.server.UpdateJob(ctx, payload.ID, api.JobPatch{Status: &skipped}); err != nil {
			return fmt.Errorf("push job delete: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("cannot execute action type %q", action.Type)
	}
}

// refetchJobs overwrites the local jobs collection with the server's.
func (e *Engine) refetchJobs(ctx context.Context) error {
	list, err := e.server.GetJobs(ctx, api.JobFilter{Limit: 200})
	if err != nil {
		return fmt.Errorf("refetch jobs: %w", err)
	}
	if err := e.repo.ReplaceJobs(ctx, list.Jobs); err != nil {
		return fmt.Errorf("replace local jobs: %w", err)
	}
	return nil
}

// recordFailure bumps the retry counter or, at the ceiling, drops the
// action and tells the user the mutation was lost.
func (e *Engine) recordFailure(ctx context.Context, action *domain.QueuedAction, cause error) {
	attempts := action.RetryCount + 1
	if attempts < retryCeiling {
		e.logger.Warn("action failed, will retry",
			"action_id", action.ID, "type", action.Type, "attempt", attempts, "error", cause)
		if err := e.repo.IncrementActionRetry(ctx, action.ID); err != nil {
			e.logger.Error("failed to record retry", "action_id", action.ID, "error", err)
		}
		return
	}

	e.logger.Error("action dropped after retry ceiling",
		"action_id", action.ID, "type", action.Type, "attempts", attempts, "error", cause)
	if err := e.repo.RemoveAction(ctx, action.ID); err != nil {
		e.logger.Error("failed to remove dead action", "action_id", action.ID, "error", err)
		return
	}
	e.notifier.Notify(notify.LevelError,
		fmt.Sprintf("a %s change could not be synced after %d attempts and was discarded", action.Type, attempts))
}

// StartAutoSync runs a drain every minute until StopAutoSync is called.
// isOnline is sampled at each tick.
func (e *Engine) StartAutoSync(ctx context.Context, isOnline func() bool) {
	if e.ticker != nil {
		return
	}
	e.ticker = time.NewTicker(autoSyncInterval)
	e.done = make(chan struct{})

	go func() {
		for {
			select {
			case <-e.ticker.C:
				if _, err := e.ProcessQueue(ctx, isOnline()); err != nil {
					e.logger.Warn("auto-sync drain failed", "error", err)
				}
			case <-e.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopAutoSync stops the periodic drain. Safe to call when not started.
func (e *Engine) StopAutoSync() {
	if e.ticker == nil {
		return
	}
	e.ticker.Stop()
	close(e.done)
	e.ticker = nil
	e.done = nil
}

// NotifyOnline triggers an immediate drain on connectivity restore
// instead of waiting for the next tick.
func (e *Engine) NotifyOnline(ctx context.Context) {
	if _, err := e.ProcessQueue(ctx, true); err != nil {
		e.logger.Warn("reconnect drain failed", "error", err)
	}
}

func decodeJobPayload(raw json.RawMessage) (*domain.JobActionPayload, error) {
	var payload domain.JobActionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode job action payload: %w", err)
	}
	if payload.ID == 0 {
		return nil, errors.New("job action payload has no job id")
	}
	return &payload, nil
}
