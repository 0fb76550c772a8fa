package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/types"
)

// MaxBulkItems is the largest item list a single bulk run accepts
const MaxBulkItems = 100

// BulkRunID is a UUID-based identifier for BulkRun
type BulkRunID string

// NewBulkRunID generates a new UUID v4 BulkRunID
func NewBulkRunID() BulkRunID {
	return BulkRunID(uuid.New().String())
}

func (id BulkRunID) String() string {
	return string(id)
}

// BulkItem is one unit of work. Key is the emoji name or the login.
// Source is the image location for emoji imports and the optional display
// name for user provisioning.
type BulkItem struct {
	Key    string
	Source string
}

// BulkOptions are kind-specific settings chosen before the run starts
type BulkOptions struct {
	Channel            string   // user provisioning: channel to join
	Roles              []string // user provisioning: roles to assign
	FoldResults        bool     // report per-item results only in the done record
	IncludeUnprocessed bool     // retry-failed: also resubmit items never reached
}

// Counters are the cumulative per-outcome totals of a run
type Counters struct {
	Processed int
	Succeeded int
	Skipped   int
	Errored   int
}

// Add counts one outcome
func (c *Counters) Add(o Outcome) {
	c.Processed++
	switch o.Kind {
	case types.OutcomeSuccess:
		c.Succeeded++
	case types.OutcomeSkippedExists:
		c.Skipped++
	default:
		c.Errored++
	}
}

// Consistent reports whether processed equals the sum of the buckets
func (c Counters) Consistent() bool {
	return c.Processed == c.Succeeded+c.Skipped+c.Errored
}

// ItemResult is one entry of the append-only per-item ledger
type ItemResult struct {
	Index   int
	Item    string
	Outcome Outcome
	At      time.Time
}

// BulkRun is the durable record of one execution of the bulk engine
type BulkRun struct {
	ID          BulkRunID
	Kind        types.BulkKind
	WorkspaceID string
	Items       []BulkItem
	Options     BulkOptions
	Counters    Counters
	Checkpoint  int
	State       types.RunState
	AbortCause  types.AbortCause
	FatalError  string
	ParentRunID BulkRunID
	CreatedBy   string
	StartedAt   time.Time
	FinishedAt  time.Time

	// Owner identifies the executing instance. It keeps the run alive by
	// pushing LeaseUntil forward before every item.
	Owner           string
	LeaseUntil      time.Time
	CancelRequested bool
}

// NewBulkRun creates a RUNNING run over items
func NewBulkRun(kind types.BulkKind, workspaceID string, items []BulkItem, opts BulkOptions, now time.Time) *BulkRun {
	copied := make([]BulkItem, len(items))
	copy(copied, items)
	return &BulkRun{
		ID:          NewBulkRunID(),
		Kind:        kind,
		WorkspaceID: workspaceID,
		Items:       copied,
		Options:     opts,
		State:       types.RunStateRunning,
		StartedAt:   now,
	}
}

// Acquire hands the run to owner until the given time
func (r *BulkRun) Acquire(owner string, until time.Time) {
	r.Owner = owner
	r.LeaseUntil = until
}

// Renew extends the lease of a running run held by owner
func (r *BulkRun) Renew(owner string, until time.Time) error {
	if r.State.IsTerminal() {
		return goerr.Wrap(ErrRunTerminated, "cannot renew lease",
			goerr.V(RunIDKey, r.ID), goerr.V("state", r.State))
	}
	if r.Owner != owner {
		return goerr.Wrap(ErrRunOwnerMismatch, "cannot renew lease",
			goerr.V(RunIDKey, r.ID), goerr.V(OwnerKey, r.Owner))
	}
	if until.After(r.LeaseUntil) {
		r.LeaseUntil = until
	}
	return nil
}

// LeaseExpired reports whether no executor has renewed the run since now.
// A run without a lease is always expired.
func (r *BulkRun) LeaseExpired(now time.Time) bool {
	return !r.LeaseUntil.After(now)
}

// RequestCancel flags a running run to stop before its next item
func (r *BulkRun) RequestCancel() error {
	if r.State.IsTerminal() {
		return goerr.Wrap(ErrRunTerminated, "cannot cancel run",
			goerr.V(RunIDKey, r.ID), goerr.V("state", r.State))
	}
	r.CancelRequested = true
	return nil
}

// Total is the number of items in the run
func (r *BulkRun) Total() int {
	return len(r.Items)
}

// Record applies one item result. Results must arrive in item order.
func (r *BulkRun) Record(result ItemResult) error {
	if r.State.IsTerminal() {
		return goerr.Wrap(ErrRunTerminated, "cannot record item",
			goerr.V(RunIDKey, r.ID), goerr.V("state", r.State))
	}
	if result.Index != r.Checkpoint {
		return goerr.Wrap(ErrCheckpointMismatch, "unexpected item index",
			goerr.V(RunIDKey, r.ID), goerr.V("index", result.Index), goerr.V("checkpoint", r.Checkpoint))
	}
	r.Counters.Add(result.Outcome)
	r.Checkpoint++
	return nil
}

// Complete marks the run COMPLETED
func (r *BulkRun) Complete(at time.Time) error {
	if r.State.IsTerminal() {
		return goerr.Wrap(ErrRunTerminated, "cannot complete run", goerr.V(RunIDKey, r.ID))
	}
	r.State = types.RunStateCompleted
	r.FinishedAt = at
	return nil
}

// Abort marks the run ABORTED with its cause
func (r *BulkRun) Abort(cause types.AbortCause, reason string, at time.Time) error {
	if r.State.IsTerminal() {
		return goerr.Wrap(ErrRunTerminated, "cannot abort run", goerr.V(RunIDKey, r.ID))
	}
	r.State = types.RunStateAborted
	r.AbortCause = cause
	r.FatalError = reason
	r.FinishedAt = at
	return nil
}

// Clone returns a deep copy
func (r *BulkRun) Clone() *BulkRun {
	c := *r
	c.Items = make([]BulkItem, len(r.Items))
	copy(c.Items, r.Items)
	c.Options.Roles = append([]string(nil), r.Options.Roles...)
	return &c
}
