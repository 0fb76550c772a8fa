package usecase

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/interfaces"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"github.com/secmon-lab/herald/pkg/progress"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
	"github.com/secmon-lab/herald/pkg/utils/errutil"
	"github.com/secmon-lab/herald/pkg/utils/logging"
)

// Error codes of fatal error records
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeGateway      = "GATEWAY_FAILURE"
	CodeStore        = "STORE_FAILURE"
)

var (
	emojiNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	loginPattern     = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// BulkUseCase runs emoji imports and user provisioning item by item,
// reporting each step to a progress sink.
//
// A run is owned by the instance executing it through a lease stored with
// the run. Cancellation goes through the store, so any instance can cancel
// any run.
type BulkUseCase struct {
	uc *UseCases

	mu       sync.Mutex
	active   map[model.BulkRunID]*runControl
	draining bool
	running  sync.WaitGroup
}

const reasonCancelled = "cancelled by request"

type runControl struct {
	cancelled atomic.Bool
	reason    atomic.Pointer[string]
}

// stop asks the run to end before its next item. The first reason wins.
func (c *runControl) stop(reason string) {
	c.reason.CompareAndSwap(nil, &reason)
	c.cancelled.Store(true)
}

func (c *runControl) stopReason() string {
	if r := c.reason.Load(); r != nil {
		return *r
	}
	return reasonCancelled
}

func newBulkUseCase(uc *UseCases) *BulkUseCase {
	return &BulkUseCase{
		uc:     uc,
		active: make(map[model.BulkRunID]*runControl),
	}
}

type StartInput struct {
	WorkspaceID string
	Kind        types.BulkKind
	Items       []model.BulkItem
	Options     model.BulkOptions
	Credentials model.Credentials
	CreatedBy   string
}

// RetryInput starts a run over the failed items of a finished run
type RetryInput struct {
	RunID              model.BulkRunID
	Credentials        model.Credentials
	IncludeUnprocessed bool
	CreatedBy          string
}

// itemWorker processes one item. A non-nil error aborts the whole run.
type itemWorker interface {
	process(ctx context.Context, item model.BulkItem) (model.Outcome, error)
}

// errFatal marks a failure that ends the run, carrying the record code
type errFatal struct {
	code string
	err  error
}

func (e *errFatal) Error() string { return e.err.Error() }
func (e *errFatal) Unwrap() error { return e.err }

func fatalFromGateway(err error) *errFatal {
	if rocketchat.IsUnauthorized(err) {
		return &errFatal{code: CodeUnauthorized, err: err}
	}
	return &errFatal{code: CodeGateway, err: err}
}

// StartBulkRun validates the request and executes the run on the calling
// goroutine. Validation errors are returned before any record is emitted;
// afterwards every failure is reported through the sink.
func (b *BulkUseCase) StartBulkRun(ctx context.Context, in StartInput, sink progress.Sink) (*model.BulkRun, error) {
	entry, err := b.validate(in.WorkspaceID, in.Kind, in.Items, in.Credentials)
	if err != nil {
		return nil, err
	}

	run := model.NewBulkRun(in.Kind, in.WorkspaceID, in.Items, in.Options, b.uc.now())
	run.CreatedBy = in.CreatedBy
	return b.launch(ctx, entry, run, in.Credentials, sink)
}

// RetryFailedItems starts a new run over the items that ended in ERROR,
// and optionally the items an aborted run never reached.
func (b *BulkUseCase) RetryFailedItems(ctx context.Context, in RetryInput, sink progress.Sink) (*model.BulkRun, error) {
	parent, err := b.GetRun(ctx, in.RunID)
	if err != nil {
		return nil, err
	}
	if !parent.State.IsTerminal() {
		return nil, goerr.Wrap(ErrRunInProgress, "cannot retry a running run", goerr.V(model.RunIDKey, in.RunID))
	}

	results, err := b.ListItemResults(ctx, in.RunID)
	if err != nil {
		return nil, err
	}

	var items []model.BulkItem
	for _, r := range results {
		if r.Outcome.IsError() && r.Index < len(parent.Items) {
			items = append(items, parent.Items[r.Index])
		}
	}
	if in.IncludeUnprocessed {
		items = append(items, parent.Items[parent.Checkpoint:]...)
	}
	if len(items) == 0 {
		return nil, goerr.Wrap(ErrNoFailedItems, "nothing to retry", goerr.V(model.RunIDKey, in.RunID))
	}

	entry, err := b.validate(parent.WorkspaceID, parent.Kind, items, in.Credentials)
	if err != nil {
		return nil, err
	}

	opts := parent.Options
	opts.IncludeUnprocessed = in.IncludeUnprocessed
	run := model.NewBulkRun(parent.Kind, parent.WorkspaceID, items, opts, b.uc.now())
	run.ParentRunID = parent.ID
	run.CreatedBy = in.CreatedBy
	return b.launch(ctx, entry, run, in.Credentials, sink)
}

func (b *BulkUseCase) validate(workspaceID string, kind types.BulkKind, items []model.BulkItem, creds model.Credentials) (*model.WorkspaceEntry, error) {
	if !kind.IsValid() {
		return nil, goerr.Wrap(ErrInvalidKind, "unknown kind", goerr.V(KindKey, kind))
	}
	if len(items) == 0 {
		return nil, goerr.Wrap(ErrEmptyItemList, "no items")
	}
	if len(items) > model.MaxBulkItems {
		return nil, goerr.Wrap(ErrTooManyItems, "item list exceeds limit",
			goerr.V("count", len(items)), goerr.V("max", model.MaxBulkItems))
	}
	for i, item := range items {
		if err := validateItem(kind, item); err != nil {
			return nil, goerr.Wrap(err, "invalid item", goerr.V("index", i))
		}
	}

	entry, err := b.uc.registry.Get(workspaceID)
	if err != nil {
		return nil, err
	}
	if kind == types.BulkKindUserProvision && (entry.EmailDomain == "" || entry.ProvisioningSecret == "") {
		return nil, goerr.Wrap(ErrProvisioningNotConfigured, "email domain and provisioning secret are required",
			goerr.V(WorkspaceIDKey, workspaceID))
	}
	if !creds.Complete() {
		return nil, goerr.Wrap(ErrMissingCredentials, "user id and auth token are required")
	}
	return entry, nil
}

func validateItem(kind types.BulkKind, item model.BulkItem) error {
	key := strings.TrimSpace(item.Key)
	switch kind {
	case types.BulkKindEmojiImport:
		if !emojiNamePattern.MatchString(key) {
			return goerr.Wrap(ErrInvalidItem, "emoji name must be letters, digits, '_' or '-'", goerr.V(model.ItemKey, item.Key))
		}
		if strings.TrimSpace(item.Source) == "" {
			return goerr.Wrap(ErrInvalidItem, "emoji source is empty", goerr.V(model.ItemKey, item.Key))
		}
	case types.BulkKindUserProvision:
		if !loginPattern.MatchString(key) {
			return goerr.Wrap(ErrInvalidItem, "login must be letters, digits, '.', '_' or '-'", goerr.V(model.ItemKey, item.Key))
		}
	}
	return nil
}

// launch persists the run under this instance's lease and executes its
// items in order
func (b *BulkUseCase) launch(ctx context.Context, entry *model.WorkspaceEntry, run *model.BulkRun, creds model.Credentials, sink progress.Sink) (*model.BulkRun, error) {
	if sink == nil {
		sink = progress.Discard{}
	}

	ctrl := &runControl{}
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return nil, goerr.Wrap(ErrShuttingDown, "bulk runs are no longer accepted")
	}
	b.active[run.ID] = ctrl
	b.running.Add(1)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.active, run.ID)
		b.mu.Unlock()
		b.running.Done()
	}()

	run.Acquire(b.uc.instanceID, b.uc.now().Add(b.uc.runLease))
	if err := b.uc.repo.BulkRun().Create(ctx, run); err != nil {
		return nil, goerr.Wrap(err, "failed to store bulk run", goerr.V(model.RunIDKey, run.ID))
	}

	ctx = logging.With(ctx, logging.From(ctx).With(
		"run_id", run.ID, "kind", run.Kind, "workspace_id", run.WorkspaceID, "owner", run.Owner))
	logging.From(ctx).Info("bulk run started", "total", run.Total(), "parent_run_id", run.ParentRunID)

	ex := &execution{
		b:     b,
		entry: entry,
		run:   run,
		creds: creds,
		ctrl:  ctrl,
		out:   &emitter{sink: sink},
	}
	ex.execute(ctx)

	b.uc.notifyRunFinished(ctx, entry.Workspace, ex.run)
	return ex.run, nil
}

func (b *BulkUseCase) newWorker(ctx context.Context, entry *model.WorkspaceEntry, run *model.BulkRun, creds model.Credentials) (itemWorker, error) {
	switch run.Kind {
	case types.BulkKindEmojiImport:
		return newEmojiImporter(ctx, b.uc.gateway, b.uc.fetcher, entry.ServerURL, creds)
	case types.BulkKindUserProvision:
		return newUserProvisioner(b.uc.gateway, entry, run.Options, creds), nil
	}
	return nil, goerr.Wrap(ErrInvalidKind, "unknown kind", goerr.V(KindKey, run.Kind))
}

// CancelBulkRun asks a running run to stop before its next item, whichever
// instance executes it. The item in flight is finished.
func (b *BulkUseCase) CancelBulkRun(ctx context.Context, runID model.BulkRunID) error {
	run, err := b.uc.repo.BulkRun().RequestCancel(ctx, runID)
	if err != nil {
		if errors.Is(err, model.ErrRunTerminated) {
			return goerr.Wrap(ErrRunNotActive, "run already finished", goerr.V(model.RunIDKey, runID))
		}
		return mapRunErr(err, runID)
	}

	b.mu.Lock()
	ctrl, local := b.active[runID]
	b.mu.Unlock()
	if local {
		ctrl.stop(reasonCancelled)
	}

	logging.From(ctx).Info("bulk run cancellation requested",
		"run_id", runID, "owner", run.Owner, "local", local)
	return nil
}

// Drain stops accepting new runs and asks every run of this process to stop
// before its next item. It returns once they have all reported a terminal
// record, or when ctx ends first.
func (b *BulkUseCase) Drain(ctx context.Context) error {
	b.mu.Lock()
	b.draining = true
	for id, ctrl := range b.active {
		ctrl.stop("server shutting down")
		logging.From(ctx).Info("stopping bulk run for shutdown", "run_id", id)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		remaining := len(b.active)
		b.mu.Unlock()
		return goerr.Wrap(ctx.Err(), "bulk runs did not stop in time", goerr.V("remaining", remaining))
	}
}

func (b *BulkUseCase) GetRun(ctx context.Context, runID model.BulkRunID) (*model.BulkRun, error) {
	run, err := b.uc.repo.BulkRun().Get(ctx, runID)
	if err != nil {
		return nil, mapRunErr(err, runID)
	}
	return run, nil
}

func (b *BulkUseCase) ListRuns(ctx context.Context, workspaceID string) ([]*model.BulkRun, error) {
	if _, err := b.uc.registry.Get(workspaceID); err != nil {
		return nil, err
	}
	runs, err := b.uc.repo.BulkRun().List(ctx, workspaceID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list bulk runs", goerr.V(WorkspaceIDKey, workspaceID))
	}
	return runs, nil
}

func (b *BulkUseCase) ListItemResults(ctx context.Context, runID model.BulkRunID) ([]model.ItemResult, error) {
	results, err := b.uc.repo.BulkRun().ListResults(ctx, runID)
	if err != nil {
		return nil, mapRunErr(err, runID)
	}
	return results, nil
}

// Login exchanges an operator's username and password for execution
// credentials. The result is handed back to the caller and never stored.
func (b *BulkUseCase) Login(ctx context.Context, workspaceID, user, password string) (model.Credentials, error) {
	entry, err := b.uc.registry.Get(workspaceID)
	if err != nil {
		return model.Credentials{}, err
	}
	if user == "" || password == "" {
		return model.Credentials{}, goerr.Wrap(ErrMissingCredentials, "user and password are required")
	}
	creds, err := b.uc.gateway.Authenticate(ctx, entry.ServerURL, user, password)
	if err != nil {
		return model.Credentials{}, goerr.Wrap(err, "login failed", goerr.V(WorkspaceIDKey, workspaceID))
	}
	return creds, nil
}

// ListRoles returns the roles available for provisioning. It is a plain
// lookup, not a bulk run.
func (b *BulkUseCase) ListRoles(ctx context.Context, workspaceID string, creds model.Credentials) ([]rocketchat.Role, error) {
	entry, err := b.uc.registry.Get(workspaceID)
	if err != nil {
		return nil, err
	}
	if !creds.Complete() {
		return nil, goerr.Wrap(ErrMissingCredentials, "user id and auth token are required")
	}
	roles, err := b.uc.gateway.ListRoles(ctx, entry.ServerURL, creds)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list roles", goerr.V(WorkspaceIDKey, workspaceID))
	}
	return roles, nil
}

// RecoverInterrupted marks RUNNING runs whose lease has expired as
// ABORTED/INTERRUPTED. Runs that some instance still renews are left alone.
func (b *BulkUseCase) RecoverInterrupted(ctx context.Context) (int, error) {
	runs, err := b.uc.repo.BulkRun().ListByState(ctx, types.RunStateRunning)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list running bulk runs")
	}

	now := b.uc.now()
	recovered := 0
	for _, run := range runs {
		b.mu.Lock()
		_, local := b.active[run.ID]
		b.mu.Unlock()
		if local || !run.LeaseExpired(now) {
			continue
		}

		aborted, err := b.uc.repo.BulkRun().AbortExpired(ctx, run.ID, now, "executor stopped before the run finished")
		if err != nil {
			// renewed or finished since it was listed
			if errors.Is(err, model.ErrRunLeaseHeld) || errors.Is(err, model.ErrRunTerminated) {
				continue
			}
			_ = errutil.Handle(ctx, err, "failed to mark run interrupted")
			continue
		}
		logging.From(ctx).Warn("bulk run marked interrupted",
			"run_id", aborted.ID, "owner", aborted.Owner, "checkpoint", aborted.Checkpoint, "total", aborted.Total())
		recovered++
	}
	return recovered, nil
}

func mapRunErr(err error, id model.BulkRunID) error {
	if errors.Is(err, interfaces.ErrNotFound) {
		return goerr.Wrap(ErrRunNotFound, "bulk run not found", goerr.V(model.RunIDKey, id))
	}
	return err
}
