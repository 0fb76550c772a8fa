package interfaces

import (
	"context"
	"time"

	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
)

// BulkRunRepository is the durable run ledger: one record per run plus an
// append-only log of per-item results.
type BulkRunRepository interface {
	// Create stores a new run
	Create(ctx context.Context, run *model.BulkRun) error

	// Get retrieves a run by ID
	Get(ctx context.Context, id model.BulkRunID) (*model.BulkRun, error)

	// List retrieves runs of a workspace, newest first
	List(ctx context.Context, workspaceID string) ([]*model.BulkRun, error)

	// ListByState retrieves runs in the given state across all workspaces
	ListByState(ctx context.Context, state types.RunState) ([]*model.BulkRun, error)

	// AppendResult records one item result and the run counters in one atomic write.
	// The result index must equal the stored checkpoint.
	AppendResult(ctx context.Context, id model.BulkRunID, result model.ItemResult) (*model.BulkRun, error)

	// Heartbeat extends the lease of a running run held by owner and returns
	// the stored run, including a pending cancel request.
	// It fails with model.ErrRunTerminated once the run has ended and with
	// model.ErrRunOwnerMismatch when another executor holds it.
	Heartbeat(ctx context.Context, id model.BulkRunID, owner string, until time.Time) (*model.BulkRun, error)

	// RequestCancel sets the cancel flag of a running run. Whichever instance
	// executes the run stops before its next item.
	RequestCancel(ctx context.Context, id model.BulkRunID) (*model.BulkRun, error)

	// AbortExpired aborts a running run as INTERRUPTED when its lease ended
	// at or before now. It fails with model.ErrRunLeaseHeld while the lease is live.
	AbortExpired(ctx context.Context, id model.BulkRunID, now time.Time, reason string) (*model.BulkRun, error)

	// Finish stores the terminal state of a run
	Finish(ctx context.Context, run *model.BulkRun) error

	// ListResults retrieves the per-item ledger ordered by index
	ListResults(ctx context.Context, id model.BulkRunID) ([]model.ItemResult, error)
}
