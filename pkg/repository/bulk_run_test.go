package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"errors"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/herald/pkg/domain/interfaces"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
)

func newEmojiRun(wsID string, startedAt time.Time) *model.BulkRun {
	items := []model.BulkItem{
		{Key: "party", Source: "https://example.com/party.png"},
		{Key: "wave", Source: "https://example.com/wave.png"},
		{Key: "tada", Source: "https://example.com/tada.gif"},
	}
	return model.NewBulkRun(types.BulkKindEmojiImport, wsID, items, model.BulkOptions{}, startedAt.UTC().Truncate(time.Millisecond))
}

func runBulkRunRepositoryTest(t *testing.T, newRepo func(t *testing.T) interfaces.Repository) {
	t.Helper()

	wsID := fmt.Sprintf("ws-%d", time.Now().UnixNano())

	t.Run("Create and Get round trip", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		run := model.NewBulkRun(types.BulkKindUserProvision, wsID,
			[]model.BulkItem{{Key: "alice"}},
			model.BulkOptions{Channel: "#onboarding", Roles: []string{"user", "bot"}},
			time.Now().UTC().Truncate(time.Millisecond))
		gt.NoError(t, repo.BulkRun().Create(ctx, run)).Required()

		got, err := repo.BulkRun().Get(ctx, run.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, got.Kind).Equal(types.BulkKindUserProvision)
		gt.Value(t, got.State).Equal(types.RunStateRunning)
		gt.Array(t, got.Items).Length(1)
		gt.Value(t, got.Options.Channel).Equal("#onboarding")
		gt.Array(t, got.Options.Roles).Length(2)
	})

	t.Run("AppendResult advances checkpoint and counters", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		run := newEmojiRun(wsID, time.Now())
		gt.NoError(t, repo.BulkRun().Create(ctx, run)).Required()

		outcomes := []model.Outcome{
			model.Succeeded("UPLOADED"),
			model.SkippedExists("emoji already exists"),
			model.Failed("unsupported image format"),
		}
		for i, o := range outcomes {
			updated, err := repo.BulkRun().AppendResult(ctx, run.ID, model.ItemResult{
				Index:   i,
				Item:    run.Items[i].Key,
				Outcome: o,
				At:      time.Now().UTC().Truncate(time.Millisecond),
			})
			gt.NoError(t, err).Required()
			gt.Value(t, updated.Checkpoint).Equal(i + 1)
		}

		got, err := repo.BulkRun().Get(ctx, run.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, got.Counters).Equal(model.Counters{Processed: 3, Succeeded: 1, Skipped: 1, Errored: 1})
		gt.Bool(t, got.Counters.Consistent()).True()

		results, err := repo.BulkRun().ListResults(ctx, run.ID)
		gt.NoError(t, err).Required()
		gt.Array(t, results).Length(3)
		gt.Value(t, results[2].Outcome.Kind).Equal(types.OutcomeError)
		gt.Value(t, results[2].Outcome.Reason).Equal("unsupported image format")
		gt.Value(t, results[0].Outcome.Tag()).Equal("UPLOADED")
	})

	t.Run("AppendResult rejects out of order index", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		run := newEmojiRun(wsID, time.Now())
		gt.NoError(t, repo.BulkRun().Create(ctx, run)).Required()

		_, err := repo.BulkRun().AppendResult(ctx, run.ID, model.ItemResult{
			Index: 1, Item: "wave", Outcome: model.Succeeded("UPLOADED"),
		})
		gt.Bool(t, errors.Is(err, model.ErrCheckpointMismatch)).True()

		results, err := repo.BulkRun().ListResults(ctx, run.ID)
		gt.NoError(t, err).Required()
		gt.Array(t, results).Length(0)
	})

	t.Run("Finish stores terminal state once", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		run := newEmojiRun(wsID, time.Now())
		gt.NoError(t, repo.BulkRun().Create(ctx, run)).Required()
		_, err := repo.BulkRun().AppendResult(ctx, run.ID, model.ItemResult{
			Index: 0, Item: "party", Outcome: model.Succeeded("UPLOADED"),
		})
		gt.NoError(t, err).Required()

		local := run.Clone()
		gt.NoError(t, local.Abort(types.AbortCauseCancelled, "cancelled by operator", time.Now().UTC())).Required()
		gt.NoError(t, repo.BulkRun().Finish(ctx, local)).Required()

		got, err := repo.BulkRun().Get(ctx, run.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, got.State).Equal(types.RunStateAborted)
		gt.Value(t, got.AbortCause).Equal(types.AbortCauseCancelled)
		// stale local counters must not overwrite the ledger
		gt.Value(t, got.Checkpoint).Equal(1)
		gt.Value(t, got.Counters.Processed).Equal(1)

		gt.Bool(t, errors.Is(repo.BulkRun().Finish(ctx, local), model.ErrRunTerminated)).True()

		_, err = repo.BulkRun().AppendResult(ctx, run.ID, model.ItemResult{
			Index: 1, Item: "wave", Outcome: model.Succeeded("UPLOADED"),
		})
		gt.Bool(t, errors.Is(err, model.ErrRunTerminated)).True()
	})

	t.Run("Heartbeat renews only the owner's lease", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		run := newEmojiRun(wsID, now)
		run.Acquire("instance-a", now.Add(time.Minute))
		gt.NoError(t, repo.BulkRun().Create(ctx, run)).Required()

		got, err := repo.BulkRun().Heartbeat(ctx, run.ID, "instance-a", now.Add(5*time.Minute))
		gt.NoError(t, err).Required()
		gt.Bool(t, got.LeaseUntil.Equal(now.Add(5*time.Minute))).True()
		gt.Bool(t, got.CancelRequested).False()

		_, err = repo.BulkRun().Heartbeat(ctx, run.ID, "instance-b", now.Add(time.Hour))
		gt.Bool(t, errors.Is(err, model.ErrRunOwnerMismatch)).True()

		stored, err := repo.BulkRun().Get(ctx, run.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, stored.Owner).Equal("instance-a")
		gt.Bool(t, stored.LeaseUntil.Equal(now.Add(5*time.Minute))).True()

		_, err = repo.BulkRun().Heartbeat(ctx, model.NewBulkRunID(), "instance-a", now)
		gt.Bool(t, errors.Is(err, interfaces.ErrNotFound)).True()
	})

	t.Run("cancel requested by another instance reaches the owner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		run := newEmojiRun(wsID, now)
		run.Acquire("instance-a", now.Add(time.Minute))
		gt.NoError(t, repo.BulkRun().Create(ctx, run)).Required()

		// instance B only knows the run ID
		requested, err := repo.BulkRun().RequestCancel(ctx, run.ID)
		gt.NoError(t, err).Required()
		gt.Bool(t, requested.CancelRequested).True()
		gt.Value(t, requested.State).Equal(types.RunStateRunning)

		seen, err := repo.BulkRun().Heartbeat(ctx, run.ID, "instance-a", now.Add(2*time.Minute))
		gt.NoError(t, err).Required()
		gt.Bool(t, seen.CancelRequested).True()

		local := run.Clone()
		gt.NoError(t, local.Abort(types.AbortCauseCancelled, "cancelled by request", now)).Required()
		gt.NoError(t, repo.BulkRun().Finish(ctx, local)).Required()

		_, err = repo.BulkRun().RequestCancel(ctx, run.ID)
		gt.Bool(t, errors.Is(err, model.ErrRunTerminated)).True()
	})

	t.Run("AbortExpired spares a run with a live lease", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		run := newEmojiRun(wsID, now)
		run.Acquire("instance-a", now.Add(time.Minute))
		gt.NoError(t, repo.BulkRun().Create(ctx, run)).Required()

		// instance B starts up while A is executing
		_, err := repo.BulkRun().AbortExpired(ctx, run.ID, now, "process stopped")
		gt.Bool(t, errors.Is(err, model.ErrRunLeaseHeld)).True()

		_, err = repo.BulkRun().AppendResult(ctx, run.ID, model.ItemResult{
			Index: 0, Item: "party", Outcome: model.Succeeded("UPLOADED"), At: now,
		})
		gt.NoError(t, err).Required()

		// A stops renewing; after expiry B may take the run down
		expired, err := repo.BulkRun().AbortExpired(ctx, run.ID, now.Add(time.Minute), "process stopped")
		gt.NoError(t, err).Required()
		gt.Value(t, expired.State).Equal(types.RunStateAborted)
		gt.Value(t, expired.AbortCause).Equal(types.AbortCauseInterrupted)
		gt.Value(t, expired.Checkpoint).Equal(1)

		_, err = repo.BulkRun().Heartbeat(ctx, run.ID, "instance-a", now.Add(2*time.Minute))
		gt.Bool(t, errors.Is(err, model.ErrRunTerminated)).True()

		_, err = repo.BulkRun().AbortExpired(ctx, run.ID, now.Add(time.Hour), "process stopped")
		gt.Bool(t, errors.Is(err, model.ErrRunTerminated)).True()

		stored, err := repo.BulkRun().Get(ctx, run.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, stored.Counters.Processed).Equal(1)
		gt.Value(t, stored.FatalError).Equal("process stopped")
	})

	t.Run("List returns newest first and ListByState filters", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		older := newEmojiRun(wsID, time.Now().Add(-time.Hour))
		newer := newEmojiRun(wsID, time.Now())
		gt.NoError(t, repo.BulkRun().Create(ctx, older)).Required()
		gt.NoError(t, repo.BulkRun().Create(ctx, newer)).Required()

		done := older.Clone()
		gt.NoError(t, done.Complete(time.Now().UTC())).Required()
		gt.NoError(t, repo.BulkRun().Finish(ctx, done)).Required()

		runs, err := repo.BulkRun().List(ctx, wsID)
		gt.NoError(t, err).Required()
		gt.Bool(t, len(runs) >= 2).True()
		gt.Value(t, runs[0].ID).Equal(newer.ID)

		running, err := repo.BulkRun().ListByState(ctx, types.RunStateRunning)
		gt.NoError(t, err).Required()
		found := map[model.BulkRunID]bool{}
		for _, r := range running {
			found[r.ID] = true
		}
		gt.Bool(t, found[newer.ID]).True()
		gt.Bool(t, found[older.ID]).False()
	})
}

func TestMemoryBulkRunRepository(t *testing.T) {
	runBulkRunRepositoryTest(t, newMemoryRepository)
}

func TestFirestoreBulkRunRepository(t *testing.T) {
	runBulkRunRepositoryTest(t, newFirestoreRepository)
}
