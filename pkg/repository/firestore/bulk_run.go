package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type bulkItemDoc struct {
	Key    string `firestore:"Key"`
	Source string `firestore:"Source"`
}

type bulkOptionsDoc struct {
	Channel            string   `firestore:"Channel"`
	Roles              []string `firestore:"Roles"`
	FoldResults        bool     `firestore:"FoldResults"`
	IncludeUnprocessed bool     `firestore:"IncludeUnprocessed"`
}

type countersDoc struct {
	Processed int `firestore:"Processed"`
	Succeeded int `firestore:"Succeeded"`
	Skipped   int `firestore:"Skipped"`
	Errored   int `firestore:"Errored"`
}

// bulkRunDoc is the Firestore document representation of model.BulkRun.
// Item results live in the results subcollection.
type bulkRunDoc struct {
	ID          string         `firestore:"ID"`
	Kind        string         `firestore:"Kind"`
	WorkspaceID string         `firestore:"WorkspaceID"`
	Items       []bulkItemDoc  `firestore:"Items"`
	Options     bulkOptionsDoc `firestore:"Options"`
	Counters    countersDoc    `firestore:"Counters"`
	Checkpoint  int            `firestore:"Checkpoint"`
	State       string         `firestore:"State"`
	AbortCause  string         `firestore:"AbortCause"`
	FatalError  string         `firestore:"FatalError"`
	ParentRunID string         `firestore:"ParentRunID"`
	CreatedBy   string         `firestore:"CreatedBy"`
	StartedAt   time.Time      `firestore:"StartedAt"`
	FinishedAt  time.Time      `firestore:"FinishedAt"`

	Owner           string    `firestore:"Owner"`
	LeaseUntil      time.Time `firestore:"LeaseUntil"`
	CancelRequested bool      `firestore:"CancelRequested"`
}

type itemResultDoc struct {
	Index         int       `firestore:"Index"`
	Item          string    `firestore:"Item"`
	OutcomeKind   string    `firestore:"OutcomeKind"`
	OutcomeLabel  string    `firestore:"OutcomeLabel"`
	OutcomeReason string    `firestore:"OutcomeReason"`
	At            time.Time `firestore:"At"`
}

func toBulkRunDoc(r *model.BulkRun) *bulkRunDoc {
	items := make([]bulkItemDoc, len(r.Items))
	for i, item := range r.Items {
		items[i] = bulkItemDoc{Key: item.Key, Source: item.Source}
	}
	return &bulkRunDoc{
		ID:          string(r.ID),
		Kind:        string(r.Kind),
		WorkspaceID: r.WorkspaceID,
		Items:       items,
		Options: bulkOptionsDoc{
			Channel:            r.Options.Channel,
			Roles:              r.Options.Roles,
			FoldResults:        r.Options.FoldResults,
			IncludeUnprocessed: r.Options.IncludeUnprocessed,
		},
		Counters: countersDoc{
			Processed: r.Counters.Processed,
			Succeeded: r.Counters.Succeeded,
			Skipped:   r.Counters.Skipped,
			Errored:   r.Counters.Errored,
		},
		Checkpoint:  r.Checkpoint,
		State:       string(r.State),
		AbortCause:  string(r.AbortCause),
		FatalError:  r.FatalError,
		ParentRunID: string(r.ParentRunID),
		CreatedBy:   r.CreatedBy,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,

		Owner:           r.Owner,
		LeaseUntil:      r.LeaseUntil,
		CancelRequested: r.CancelRequested,
	}
}

func fromBulkRunDoc(d *bulkRunDoc) *model.BulkRun {
	items := make([]model.BulkItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = model.BulkItem{Key: item.Key, Source: item.Source}
	}
	return &model.BulkRun{
		ID:          model.BulkRunID(d.ID),
		Kind:        types.BulkKind(d.Kind),
		WorkspaceID: d.WorkspaceID,
		Items:       items,
		Options: model.BulkOptions{
			Channel:            d.Options.Channel,
			Roles:              d.Options.Roles,
			FoldResults:        d.Options.FoldResults,
			IncludeUnprocessed: d.Options.IncludeUnprocessed,
		},
		Counters: model.Counters{
			Processed: d.Counters.Processed,
			Succeeded: d.Counters.Succeeded,
			Skipped:   d.Counters.Skipped,
			Errored:   d.Counters.Errored,
		},
		Checkpoint:  d.Checkpoint,
		State:       types.RunState(d.State),
		AbortCause:  types.AbortCause(d.AbortCause),
		FatalError:  d.FatalError,
		ParentRunID: model.BulkRunID(d.ParentRunID),
		CreatedBy:   d.CreatedBy,
		StartedAt:   d.StartedAt,
		FinishedAt:  d.FinishedAt,

		Owner:           d.Owner,
		LeaseUntil:      d.LeaseUntil,
		CancelRequested: d.CancelRequested,
	}
}

func toItemResultDoc(r model.ItemResult) *itemResultDoc {
	return &itemResultDoc{
		Index:         r.Index,
		Item:          r.Item,
		OutcomeKind:   string(r.Outcome.Kind),
		OutcomeLabel:  r.Outcome.Label,
		OutcomeReason: r.Outcome.Reason,
		At:            r.At,
	}
}

func fromItemResultDoc(d *itemResultDoc) model.ItemResult {
	return model.ItemResult{
		Index: d.Index,
		Item:  d.Item,
		Outcome: model.Outcome{
			Kind:   types.OutcomeKind(d.OutcomeKind),
			Label:  d.OutcomeLabel,
			Reason: d.OutcomeReason,
		},
		At: d.At,
	}
}

func docToBulkRun(doc *firestore.DocumentSnapshot) (*model.BulkRun, error) {
	var d bulkRunDoc
	if err := doc.DataTo(&d); err != nil {
		return nil, goerr.Wrap(err, "failed to decode bulk run", goerr.V("doc_id", doc.Ref.ID))
	}
	return fromBulkRunDoc(&d), nil
}

type bulkRunRepository struct {
	client           *firestore.Client
	collectionPrefix string
}

func newBulkRunRepository(client *firestore.Client) *bulkRunRepository {
	return &bulkRunRepository{
		client: client,
	}
}

func (r *bulkRunRepository) collection() *firestore.CollectionRef {
	return r.client.Collection(CollectionName(r.collectionPrefix, CollectionBulkRuns))
}

func (r *bulkRunRepository) results(id model.BulkRunID) *firestore.CollectionRef {
	return r.collection().Doc(string(id)).Collection(CollectionItemResults)
}

// resultDocID keeps lexical document order equal to item order
func resultDocID(index int) string {
	return fmt.Sprintf("%05d", index)
}

func (r *bulkRunRepository) Create(ctx context.Context, run *model.BulkRun) error {
	if _, err := r.collection().Doc(string(run.ID)).Create(ctx, toBulkRunDoc(run)); err != nil {
		return goerr.Wrap(err, "failed to create bulk run", goerr.V(model.RunIDKey, run.ID))
	}
	return nil
}

func (r *bulkRunRepository) Get(ctx context.Context, id model.BulkRunID) (*model.BulkRun, error) {
	doc, err := r.collection().Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrNotFound, "bulk run not found", goerr.V(model.RunIDKey, id))
		}
		return nil, goerr.Wrap(err, "failed to get bulk run", goerr.V(model.RunIDKey, id))
	}
	return docToBulkRun(doc)
}

func (r *bulkRunRepository) List(ctx context.Context, workspaceID string) ([]*model.BulkRun, error) {
	q := r.collection().
		Where("WorkspaceID", "==", workspaceID).
		OrderBy("StartedAt", firestore.Desc)
	return r.query(ctx, q)
}

func (r *bulkRunRepository) ListByState(ctx context.Context, state types.RunState) ([]*model.BulkRun, error) {
	return r.query(ctx, r.collection().Where("State", "==", string(state)))
}

func (r *bulkRunRepository) query(ctx context.Context, q firestore.Query) ([]*model.BulkRun, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	result := make([]*model.BulkRun, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate bulk runs")
		}

		run, err := docToBulkRun(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, nil
}

func (r *bulkRunRepository) AppendResult(ctx context.Context, id model.BulkRunID, result model.ItemResult) (*model.BulkRun, error) {
	runRef := r.collection().Doc(string(id))
	resultRef := r.results(id).Doc(resultDocID(result.Index))

	var updated *model.BulkRun
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(runRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(ErrNotFound, "bulk run not found", goerr.V(model.RunIDKey, id))
			}
			return goerr.Wrap(err, "failed to get bulk run", goerr.V(model.RunIDKey, id))
		}

		run, err := docToBulkRun(doc)
		if err != nil {
			return err
		}
		if err := run.Record(result); err != nil {
			return err
		}

		if err := tx.Update(runRef, []firestore.Update{
			{Path: "Counters", Value: toBulkRunDoc(run).Counters},
			{Path: "Checkpoint", Value: run.Checkpoint},
		}); err != nil {
			return goerr.Wrap(err, "failed to update bulk run counters", goerr.V(model.RunIDKey, id))
		}
		if err := tx.Create(resultRef, toItemResultDoc(result)); err != nil {
			return goerr.Wrap(err, "failed to append item result",
				goerr.V(model.RunIDKey, id), goerr.V("index", result.Index))
		}

		updated = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *bulkRunRepository) Heartbeat(ctx context.Context, id model.BulkRunID, owner string, until time.Time) (*model.BulkRun, error) {
	return r.mutate(ctx, id, func(run *model.BulkRun) error {
		return run.Renew(owner, until)
	})
}

func (r *bulkRunRepository) RequestCancel(ctx context.Context, id model.BulkRunID) (*model.BulkRun, error) {
	return r.mutate(ctx, id, func(run *model.BulkRun) error {
		return run.RequestCancel()
	})
}

func (r *bulkRunRepository) AbortExpired(ctx context.Context, id model.BulkRunID, now time.Time, reason string) (*model.BulkRun, error) {
	return r.mutate(ctx, id, func(run *model.BulkRun) error {
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

// mutate applies fn to the stored run inside a transaction and writes back
// the lease and state fields. Counters and checkpoint are left to AppendResult.
func (r *bulkRunRepository) mutate(ctx context.Context, id model.BulkRunID, fn func(run *model.BulkRun) error) (*model.BulkRun, error) {
	runRef := r.collection().Doc(string(id))

	var updated *model.BulkRun
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(runRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(ErrNotFound, "bulk run not found", goerr.V(model.RunIDKey, id))
			}
			return goerr.Wrap(err, "failed to get bulk run", goerr.V(model.RunIDKey, id))
		}

		run, err := docToBulkRun(doc)
		if err != nil {
			return err
		}
		if err := fn(run); err != nil {
			return err
		}

		if err := tx.Update(runRef, []firestore.Update{
			{Path: "Owner", Value: run.Owner},
			{Path: "LeaseUntil", Value: run.LeaseUntil},
			{Path: "CancelRequested", Value: run.CancelRequested},
			{Path: "State", Value: string(run.State)},
			{Path: "AbortCause", Value: string(run.AbortCause)},
			{Path: "FatalError", Value: run.FatalError},
			{Path: "FinishedAt", Value: run.FinishedAt},
		}); err != nil {
			return goerr.Wrap(err, "failed to update bulk run", goerr.V(model.RunIDKey, id))
		}

		updated = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *bulkRunRepository) Finish(ctx context.Context, run *model.BulkRun) error {
	if !run.State.IsTerminal() {
		return goerr.New("finish requires a terminal state", goerr.V(model.RunIDKey, run.ID), goerr.V("state", run.State))
	}

	runRef := r.collection().Doc(string(run.ID))
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(runRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(ErrNotFound, "bulk run not found", goerr.V(model.RunIDKey, run.ID))
			}
			return goerr.Wrap(err, "failed to get bulk run", goerr.V(model.RunIDKey, run.ID))
		}

		existing, err := docToBulkRun(doc)
		if err != nil {
			return err
		}
		if existing.State.IsTerminal() {
			return goerr.Wrap(model.ErrRunTerminated, "bulk run already finished", goerr.V(model.RunIDKey, run.ID))
		}

		// Counters and checkpoint are owned by AppendResult
		return tx.Update(runRef, []firestore.Update{
			{Path: "State", Value: string(run.State)},
			{Path: "AbortCause", Value: string(run.AbortCause)},
			{Path: "FatalError", Value: run.FatalError},
			{Path: "FinishedAt", Value: run.FinishedAt},
		})
	})
}

func (r *bulkRunRepository) ListResults(ctx context.Context, id model.BulkRunID) ([]model.ItemResult, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}

	iter := r.results(id).OrderBy("Index", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	result := make([]model.ItemResult, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate item results", goerr.V(model.RunIDKey, id))
		}

		var d itemResultDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, goerr.Wrap(err, "failed to decode item result", goerr.V("doc_id", doc.Ref.ID))
		}
		result = append(result, fromItemResultDoc(&d))
	}
	return result, nil
}
