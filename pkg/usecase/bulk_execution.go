package usecase

import (
	"context"
	"errors"

	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"github.com/secmon-lab/herald/pkg/progress"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
	"github.com/secmon-lab/herald/pkg/utils/errutil"
	"github.com/secmon-lab/herald/pkg/utils/logging"
)

// emitter forwards records to the sink until the first write fails
type emitter struct {
	sink progress.Sink
	lost bool
}

func (e *emitter) emit(ctx context.Context, rec progress.Record) {
	if e.lost {
		return
	}
	if err := e.sink.Emit(ctx, rec); err != nil {
		e.lost = true
		logging.From(ctx).Warn("progress stream lost", "error", err.Error())
	}
}

// execution is the state of one run while its items are processed
type execution struct {
	b       *BulkUseCase
	entry   *model.WorkspaceEntry
	run     *model.BulkRun
	creds   model.Credentials
	ctrl    *runControl
	out     *emitter
	results []model.ItemResult
}

func toProgressCounters(c model.Counters) progress.Counters {
	return progress.Counters{
		Processed: c.Processed,
		Succeeded: c.Succeeded,
		Skipped:   c.Skipped,
		Errored:   c.Errored,
	}
}

func (ex *execution) execute(ctx context.Context) {
	run := ex.run
	ex.out.emit(ctx, progress.StartRecord(progress.Start{
		RunID: run.ID.String(),
		Kind:  run.Kind.String(),
		Total: run.Total(),
	}))

	// A cheap authenticated call rejects bad credentials before any item is touched.
	if _, err := ex.b.uc.gateway.Me(ctx, ex.entry.ServerURL, ex.creds); err != nil {
		if ctx.Err() != nil {
			ex.interrupt(ctx)
			return
		}
		ex.fail(ctx, fatalFromGateway(err))
		return
	}

	worker, err := ex.b.newWorker(ctx, ex.entry, run, ex.creds)
	if err != nil {
		if ctx.Err() != nil {
			ex.interrupt(ctx)
			return
		}
		var fatal *errFatal
		if !errors.As(err, &fatal) {
			fatal = fatalFromGateway(err)
		}
		ex.fail(ctx, fatal)
		return
	}

	for i := run.Checkpoint; i < run.Total(); i++ {
		if ctx.Err() != nil || ex.out.lost {
			ex.interrupt(ctx)
			return
		}
		if !ex.renew(ctx) {
			return
		}
		if ex.ctrl.cancelled.Load() {
			ex.cancel(ctx)
			return
		}

		item := run.Items[i]
		outcome, fatalErr := worker.process(ctx, item)
		if ctx.Err() != nil {
			// the caller is gone; the in-flight item is left unrecorded
			ex.interrupt(ctx)
			return
		}

		result := model.ItemResult{Index: i, Item: item.Key, Outcome: outcome, At: ex.b.uc.now()}
		updated, err := ex.b.uc.repo.BulkRun().AppendResult(ctx, run.ID, result)
		if err != nil {
			ex.fail(ctx, &errFatal{code: CodeStore, err: err})
			return
		}
		run.Counters = updated.Counters
		run.Checkpoint = updated.Checkpoint
		ex.results = append(ex.results, result)

		if !run.Options.FoldResults {
			ex.out.emit(ctx, progress.ResultRecord(toProgressResult(result)))
		}
		ex.out.emit(ctx, progress.ProgressRecord(progress.Progress{
			RunID:      run.ID.String(),
			Checkpoint: run.Checkpoint,
			Total:      run.Total(),
			Counters:   toProgressCounters(run.Counters),
		}))

		if fatalErr != nil {
			var fatal *errFatal
			if !errors.As(fatalErr, &fatal) {
				fatal = fatalFromGateway(fatalErr)
			}
			ex.fail(ctx, fatal)
			return
		}
	}

	ex.complete(ctx)
}

// renew extends the run lease and picks up a cancel request stored by any
// instance. It reports false after ending the run.
func (ex *execution) renew(ctx context.Context) bool {
	uc := ex.b.uc
	stored, err := uc.repo.BulkRun().Heartbeat(ctx, ex.run.ID, uc.instanceID, uc.now().Add(uc.runLease))
	if err != nil {
		if ctx.Err() != nil {
			ex.interrupt(ctx)
			return false
		}
		ex.fail(ctx, &errFatal{code: CodeStore, err: err})
		return false
	}

	ex.run.LeaseUntil = stored.LeaseUntil
	if stored.CancelRequested {
		ex.ctrl.stop(reasonCancelled)
	}
	return true
}

func toProgressResult(r model.ItemResult) progress.Result {
	return progress.Result{
		Index:   r.Index,
		Item:    r.Item,
		Outcome: r.Outcome.Tag(),
		Reason:  r.Outcome.Reason,
	}
}

func (ex *execution) done() progress.Done {
	d := progress.Done{
		RunID:    ex.run.ID.String(),
		Status:   ex.run.State.String(),
		Cause:    string(ex.run.AbortCause),
		Counters: toProgressCounters(ex.run.Counters),
		Errors:   []progress.ItemError{},
	}
	for _, r := range ex.results {
		if r.Outcome.IsError() {
			d.Errors = append(d.Errors, progress.ItemError{Index: r.Index, Item: r.Item, Reason: r.Outcome.Reason})
		}
	}
	if ex.run.Options.FoldResults {
		for _, r := range ex.results {
			d.Results = append(d.Results, toProgressResult(r))
		}
	}
	return d
}

func (ex *execution) finish(ctx context.Context) bool {
	if err := ex.b.uc.repo.BulkRun().Finish(context.WithoutCancel(ctx), ex.run); err != nil {
		if errors.Is(err, model.ErrRunTerminated) {
			// another instance ended the run after its lease expired
			logging.From(ctx).Warn("bulk run was already finished elsewhere", "checkpoint", ex.run.Checkpoint)
			return false
		}
		_ = errutil.Handle(ctx, err, "failed to store bulk run result")
		return false
	}
	return true
}

func (ex *execution) complete(ctx context.Context) {
	if err := ex.run.Complete(ex.b.uc.now()); err != nil {
		_ = errutil.Handle(ctx, err, "failed to complete bulk run")
		return
	}
	ex.finish(ctx)
	ex.out.emit(ctx, progress.DoneRecord(ex.done()))
	logging.From(ctx).Info("bulk run completed",
		"succeeded", ex.run.Counters.Succeeded, "skipped", ex.run.Counters.Skipped, "errored", ex.run.Counters.Errored)
}

func (ex *execution) cancel(ctx context.Context) {
	if err := ex.run.Abort(types.AbortCauseCancelled, ex.ctrl.stopReason(), ex.b.uc.now()); err != nil {
		return
	}
	ex.finish(ctx)
	ex.out.emit(ctx, progress.DoneRecord(ex.done()))
	logging.From(ctx).Info("bulk run cancelled", "checkpoint", ex.run.Checkpoint, "total", ex.run.Total())
}

func (ex *execution) fail(ctx context.Context, fatal *errFatal) {
	reason := rocketchat.Reason(fatal.err)
	if err := ex.run.Abort(types.AbortCauseFatal, reason, ex.b.uc.now()); err != nil {
		return
	}
	ex.finish(ctx)
	ex.out.emit(ctx, progress.ErrorRecord(progress.Error{
		RunID:    ex.run.ID.String(),
		Code:     fatal.code,
		Message:  reason,
		Counters: toProgressCounters(ex.run.Counters),
	}))
	logging.From(ctx).Warn("bulk run aborted", "code", fatal.code, "reason", reason, "checkpoint", ex.run.Checkpoint)
}

// interrupt records a run whose caller went away. No terminal record can be delivered.
func (ex *execution) interrupt(ctx context.Context) {
	if err := ex.run.Abort(types.AbortCauseInterrupted, "caller disconnected", ex.b.uc.now()); err != nil {
		return
	}
	ex.finish(ctx)
	logging.From(ctx).Warn("bulk run interrupted", "checkpoint", ex.run.Checkpoint, "total", ex.run.Total())
}
