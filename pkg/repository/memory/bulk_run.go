package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
)

type bulkRunRepository struct {
	mu      sync.RWMutex
	runs    map[model.BulkRunID]*model.BulkRun
	results map[model.BulkRunID][]model.ItemResult
}

func newBulkRunRepository() *bulkRunRepository {
	return &bulkRunRepository{
		runs:    make(map[model.BulkRunID]*model.BulkRun),
		results: make(map[model.BulkRunID][]model.ItemResult),
	}
}

func (r *bulkRunRepository) Create(ctx context.Context, run *model.BulkRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return goerr.New("bulk run already exists", goerr.V(model.RunIDKey, run.ID))
	}
	r.runs[run.ID] = run.Clone()
	r.results[run.ID] = nil
	return nil
}

func (r *bulkRunRepository) Get(ctx context.Context, id model.BulkRunID) (*model.BulkRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, exists := r.runs[id]
	if !exists {
		return nil, goerr.Wrap(ErrNotFound, "bulk run not found", goerr.V(model.RunIDKey, id))
	}
	return run.Clone(), nil
}

func (r *bulkRunRepository) List(ctx context.Context, workspaceID string) ([]*model.BulkRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.BulkRun, 0)
	for _, run := range r.runs {
		if run.WorkspaceID == workspaceID {
			result = append(result, run.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result, nil
}

func (r *bulkRunRepository) ListByState(ctx context.Context, state types.RunState) ([]*model.BulkRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.BulkRun, 0)
	for _, run := range r.runs {
		if run.State == state {
			result = append(result, run.Clone())
		}
	}
	return result, nil
}

func (r *bulkRunRepository) AppendResult(ctx context.Context, id model.BulkRunID, result model.ItemResult) (*model.BulkRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.runs[id]
	if !exists {
		return nil, goerr.Wrap(ErrNotFound, "bulk run not found", goerr.V(model.RunIDKey, id))
	}

	updated := existing.Clone()
	if err := updated.Record(result); err != nil {
		return nil, err
	}

	r.runs[id] = updated
	r.results[id] = append(r.results[id], result)
	return updated.Clone(), nil
}

func (r *bulkRunRepository) Heartbeat(ctx context.Context, id model.BulkRunID, owner string, until time.Time) (*model.BulkRun, error) {
	return r.mutate(id, func(run *model.BulkRun) error {
		return run.Renew(owner, until)
	})
}

func (r *bulkRunRepository) RequestCancel(ctx context.Context, id model.BulkRunID) (*model.BulkRun, error) {
	return r.mutate(id, func(run *model.BulkRun) error {
		return run.RequestCancel()
	})
}

func (r *bulkRunRepository) AbortExpired(ctx context.Context, id model.BulkRunID, now time.Time, reason string) (*model.BulkRun, error) {
	return r.mutate(id, func(run *model.BulkRun) error {
		if run.State.IsTerminal() {
			return goerr.Wrap(model.ErrRunTerminated, "bulk run already finished", goerr.V(model.RunIDKey, id))
		}
		if !run.LeaseExpired(now) {
			return goerr.Wrap(model.ErrRunLeaseHeld, "bulk run lease is live",
				goerr.V(model.RunIDKey, id), goerr.V(model.OwnerKey, run.Owner))
		}
		return run.Abort(types.AbortCauseInterrupted, reason, now)
	})
}

// mutate applies fn to a copy of the stored run and keeps it only on success
func (r *bulkRunRepository) mutate(id model.BulkRunID, fn func(run *model.BulkRun) error) (*model.BulkRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.runs[id]
	if !exists {
		return nil, goerr.Wrap(ErrNotFound, "bulk run not found", goerr.V(model.RunIDKey, id))
	}

	updated := existing.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	r.runs[id] = updated
	return updated.Clone(), nil
}

func (r *bulkRunRepository) Finish(ctx context.Context, run *model.BulkRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.runs[run.ID]
	if !exists {
		return goerr.Wrap(ErrNotFound, "bulk run not found", goerr.V(model.RunIDKey, run.ID))
	}
	if existing.State.IsTerminal() {
		return goerr.Wrap(model.ErrRunTerminated, "bulk run already finished", goerr.V(model.RunIDKey, run.ID))
	}
	if !run.State.IsTerminal() {
		return goerr.New("finish requires a terminal state", goerr.V(model.RunIDKey, run.ID), goerr.V("state", run.State))
	}

	// Counters and checkpoint are owned by AppendResult
	finished := existing.Clone()
	finished.State = run.State
	finished.AbortCause = run.AbortCause
	finished.FatalError = run.FatalError
	finished.FinishedAt = run.FinishedAt
	r.runs[run.ID] = finished
	return nil
}

func (r *bulkRunRepository) ListResults(ctx context.Context, id model.BulkRunID) ([]model.ItemResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.runs[id]; !exists {
		return nil, goerr.Wrap(ErrNotFound, "bulk run not found", goerr.V(model.RunIDKey, id))
	}
	result := make([]model.ItemResult, len(r.results[id]))
	copy(result, r.results[id])
	return result, nil
}
