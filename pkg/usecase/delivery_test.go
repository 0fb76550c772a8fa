package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
	"github.com/secmon-lab/herald/pkg/usecase"
)

func schedule(t *testing.T, env *testEnv, body string, in time.Duration) *model.ScheduledMessage {
	t.Helper()
	msg, err := env.uc.Delivery.ScheduleMessage(context.Background(), usecase.ScheduleInput{
		WorkspaceID: testWorkspaceID,
		Channel:     "#general",
		Body:        body,
		SendAt:      env.clock.Now().Add(in),
		CreatedBy:   "alice",
	})
	gt.NoError(t, err).Required()
	return msg
}

func TestDeliveryUseCase_ScheduleMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("one second ahead is accepted", func(t *testing.T) {
		env := newTestEnv()
		msg := schedule(t, env, "hello", time.Second)

		gt.Value(t, msg.Status).Equal(types.MessageStatusPending)
		gt.Value(t, msg.ExternalRef).Equal("")
		gt.Value(t, msg.SendAt).Equal(env.clock.Now().Add(time.Second))

		stored, err := env.uc.Delivery.GetMessage(ctx, msg.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, stored.Body).Equal("hello")
	})

	t.Run("send time not in the future is rejected", func(t *testing.T) {
		env := newTestEnv()
		for _, offset := range []time.Duration{-time.Hour, -time.Second, 0} {
			_, err := env.uc.Delivery.ScheduleMessage(ctx, usecase.ScheduleInput{
				WorkspaceID: testWorkspaceID,
				Channel:     "#general",
				Body:        "hello",
				SendAt:      env.clock.Now().Add(offset),
			})
			gt.Error(t, err).Is(usecase.ErrInvalidTime)
		}

		msgs, err := env.uc.Delivery.ListMessages(ctx, testWorkspaceID, nil)
		gt.NoError(t, err).Required()
		gt.Array(t, msgs).Length(0)
	})

	t.Run("blank or oversized body is rejected", func(t *testing.T) {
		env := newTestEnv()
		long := make([]rune, model.MaxBodyLength+1)
		for i := range long {
			long[i] = 'a'
		}
		for _, body := range []string{"", "   ", string(long)} {
			_, err := env.uc.Delivery.ScheduleMessage(ctx, usecase.ScheduleInput{
				WorkspaceID: testWorkspaceID,
				Channel:     "#general",
				Body:        body,
				SendAt:      env.clock.Now().Add(time.Minute),
			})
			gt.Error(t, err).Is(usecase.ErrInvalidBody)
		}
	})

	t.Run("channel is required", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.uc.Delivery.ScheduleMessage(ctx, usecase.ScheduleInput{
			WorkspaceID: testWorkspaceID,
			Channel:     " ",
			Body:        "hello",
			SendAt:      env.clock.Now().Add(time.Minute),
		})
		gt.Error(t, err).Is(usecase.ErrInvalidChannel)
	})

	t.Run("unknown workspace", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.uc.Delivery.ScheduleMessage(ctx, usecase.ScheduleInput{
			WorkspaceID: "nope",
			Channel:     "#general",
			Body:        "hello",
			SendAt:      env.clock.Now().Add(time.Minute),
		})
		gt.Error(t, err).Is(usecase.ErrWorkspaceNotFound)
	})

	t.Run("on behalf of is refused when the workspace disables it", func(t *testing.T) {
		env := newTestEnv()
		env.registry.Register(&model.WorkspaceEntry{
			Workspace: model.Workspace{ID: "strict", Name: "Strict"},
			ServerURL: testServerURL,
			Owner:     testOwner,
		})
		_, err := env.uc.Delivery.ScheduleMessage(ctx, usecase.ScheduleInput{
			WorkspaceID: "strict",
			Channel:     "#general",
			Body:        "hello",
			SendAt:      env.clock.Now().Add(time.Minute),
			OnBehalfOf:  "bob",
		})
		gt.Error(t, err).Is(usecase.ErrOnBehalfOfDisabled)
	})
}

func TestDeliveryUseCase_DispatchDue(t *testing.T) {
	ctx := context.Background()

	t.Run("due message is sent with the owner credentials", func(t *testing.T) {
		env := newTestEnv()
		msg := schedule(t, env, "standup in 5", time.Second)
		later := schedule(t, env, "not yet", time.Hour)

		report, err := env.uc.Delivery.DispatchDue(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, report.Due).Equal(0)

		env.clock.Advance(time.Second)
		report, err = env.uc.Delivery.DispatchDue(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, report.Due).Equal(1)
		gt.Value(t, report.Sent).Equal(1)
		gt.Value(t, report.Late).Equal(0)

		sent, err := env.uc.Delivery.GetMessage(ctx, msg.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, sent.Status).Equal(types.MessageStatusSent)
		gt.Value(t, sent.ExternalRef).Equal("rc-1")
		gt.Value(t, sent.ClaimToken).Equal("")
		gt.Value(t, env.gateway.sent[0].Channel).Equal("#general")
		gt.Value(t, env.gateway.sendCreds[0]).Equal(testOwner)

		pending, err := env.uc.Delivery.GetMessage(ctx, later.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, pending.Status).Equal(types.MessageStatusPending)
	})

	t.Run("rejected send becomes FAILED with the reason", func(t *testing.T) {
		env := newTestEnv()
		env.gateway.sendFn = func(msg rocketchat.OutgoingMessage) error {
			return goerr.Wrap(rocketchat.ErrPermanentReject, "error-invalid-channel")
		}
		msg := schedule(t, env, "hello", time.Second)
		env.clock.Advance(time.Minute)

		report, err := env.uc.Delivery.DispatchDue(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, report.Failed).Equal(1)

		failed, err := env.uc.Delivery.GetMessage(ctx, msg.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, failed.Status).Equal(types.MessageStatusFailed)
		gt.Value(t, failed.ExternalRef).Equal("")
		gt.String(t, failed.LastError).Contains("error-invalid-channel")

		// a failed message is not due again until retried
		report, err = env.uc.Delivery.DispatchDue(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, report.Due).Equal(0)
	})

	t.Run("late message is still sent and reported late", func(t *testing.T) {
		env := newTestEnv()
		msg := schedule(t, env, "hello", time.Second)
		env.clock.Advance(time.Hour)

		report, err := env.uc.Delivery.DispatchDue(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, report.Sent).Equal(1)
		gt.Value(t, report.Late).Equal(1)

		sent, err := env.uc.Delivery.GetMessage(ctx, msg.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, sent.Status).Equal(types.MessageStatusSent)
		gt.Bool(t, sent.Lateness() > model.DefaultLateGrace).True()
	})

	t.Run("on behalf of is sent as alias", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.uc.Delivery.ScheduleMessage(ctx, usecase.ScheduleInput{
			WorkspaceID: testWorkspaceID,
			Channel:     "#general",
			Body:        "hello",
			SendAt:      env.clock.Now().Add(time.Second),
			OnBehalfOf:  "Bob",
		})
		gt.NoError(t, err).Required()
		env.clock.Advance(time.Second)

		_, err = env.uc.Delivery.DispatchDue(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, env.gateway.sent).Length(1).Required()
		gt.Value(t, env.gateway.sent[0].Alias).Equal("Bob")
	})

	t.Run("on behalf of disabled after scheduling fails the message", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.uc.Delivery.ScheduleMessage(ctx, usecase.ScheduleInput{
			WorkspaceID: testWorkspaceID,
			Channel:     "#general",
			Body:        "hello",
			SendAt:      env.clock.Now().Add(time.Second),
			OnBehalfOf:  "Bob",
		})
		gt.NoError(t, err).Required()

		entry, err := env.registry.Get(testWorkspaceID)
		gt.NoError(t, err).Required()
		entry.AllowOnBehalfOf = false
		env.clock.Advance(time.Second)

		report, err := env.uc.Delivery.DispatchDue(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, report.Failed).Equal(1)
		gt.Value(t, env.gateway.sentCount()).Equal(0)
	})

	t.Run("concurrent scans send each message once", func(t *testing.T) {
		env := newTestEnv()
		env.gateway.sendFn = func(msg rocketchat.OutgoingMessage) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		}
		for range 5 {
			schedule(t, env, "hello", time.Second)
		}
		env.clock.Advance(time.Second)

		var wg sync.WaitGroup
		var mu sync.Mutex
		total := 0
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				report, err := env.uc.Delivery.DispatchDue(ctx)
				gt.NoError(t, err)
				mu.Lock()
				total += report.Sent
				mu.Unlock()
			}()
		}
		wg.Wait()

		gt.Value(t, env.gateway.sentCount()).Equal(5)
		gt.Value(t, total).Equal(5)
	})

	t.Run("a message claimed elsewhere does not hold up the batch", func(t *testing.T) {
		env := newTestEnv(usecase.WithDispatchBatch(1))
		busy := schedule(t, env, "first", time.Second)
		next := schedule(t, env, "second", 2*time.Second)
		env.clock.Advance(2 * time.Second)

		_, err := env.repo.ScheduledMessage().Update(ctx, busy.ID, func(m *model.ScheduledMessage) error {
			return m.Claim("other-instance", env.clock.Now(), usecase.DefaultClaimLease)
		})
		gt.NoError(t, err).Required()

		report, err := env.uc.Delivery.DispatchDue(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, report.Due).Equal(1)
		gt.Value(t, report.Sent).Equal(1)

		stored, err := env.uc.Delivery.GetMessage(ctx, next.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, stored.Status).Equal(types.MessageStatusSent)
	})

	t.Run("cancelled send releases the lease", func(t *testing.T) {
		env := newTestEnv()
		cctx, cancel := context.WithCancel(ctx)
		env.gateway.sendFn = func(msg rocketchat.OutgoingMessage) error {
			cancel()
			return goerr.Wrap(rocketchat.ErrTransientNetwork, "context canceled")
		}
		msg := schedule(t, env, "hello", time.Second)
		env.clock.Advance(time.Second)

		report, err := env.uc.Delivery.DispatchDue(cctx)
		gt.NoError(t, err).Required()
		gt.Value(t, report.Skipped).Equal(1)

		stored, err := env.uc.Delivery.GetMessage(ctx, msg.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, stored.Status).Equal(types.MessageStatusPending)
		gt.Value(t, stored.ClaimToken).Equal("")
	})
}

func TestDeliveryUseCase_EditMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("pending message fields change", func(t *testing.T) {
		env := newTestEnv()
		msg := schedule(t, env, "hello", time.Minute)

		body := "hello again"
		channel := "#random"
		sendAt := env.clock.Now().Add(time.Hour)
		updated, err := env.uc.Delivery.EditMessage(ctx, msg.ID, usecase.EditInput{Body: &body, Channel: &channel, SendAt: &sendAt})
		gt.NoError(t, err).Required()
		gt.Value(t, updated.Body).Equal(body)
		gt.Value(t, updated.Channel).Equal(channel)
		gt.Value(t, updated.SendAt).Equal(sendAt)
		gt.Value(t, updated.CreatedAt).Equal(msg.CreatedAt)
	})

	t.Run("pending message cannot move into the past", func(t *testing.T) {
		env := newTestEnv()
		msg := schedule(t, env, "hello", time.Minute)

		past := env.clock.Now().Add(-time.Minute)
		_, err := env.uc.Delivery.EditMessage(ctx, msg.ID, usecase.EditInput{SendAt: &past})
		gt.Error(t, err).Is(usecase.ErrInvalidTime)
	})

	sendOne := func(t *testing.T, env *testEnv) *model.ScheduledMessage {
		msg := schedule(t, env, "original", time.Second)
		env.clock.Advance(time.Second)
		_, err := env.uc.Delivery.DispatchDue(ctx)
		gt.NoError(t, err).Required()
		sent, err := env.uc.Delivery.GetMessage(ctx, msg.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, sent.Status).Equal(types.MessageStatusSent).Required()
		return sent
	}

	t.Run("sent message is edited in chat first", func(t *testing.T) {
		env := newTestEnv()
		sent := sendOne(t, env)

		body := "corrected"
		updated, err := env.uc.Delivery.EditMessage(ctx, sent.ID, usecase.EditInput{Body: &body})
		gt.NoError(t, err).Required()
		gt.Value(t, updated.Body).Equal("corrected")
		gt.Array(t, env.gateway.edits).Length(1)

		remote, err := env.gateway.GetMessage(ctx, testServerURL, testOwner, sent.ExternalRef)
		gt.NoError(t, err).Required()
		gt.Value(t, remote.Text).Equal("corrected")

		status, err := env.uc.Reconcile.GetExternalSyncStatus(ctx, sent.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, status).Equal(types.SyncStatusSynchronized)
	})

	t.Run("rejected edit leaves the stored body unchanged", func(t *testing.T) {
		env := newTestEnv()
		sent := sendOne(t, env)
		env.gateway.editFn = func(roomID, msgID, text string) error {
			return goerr.Wrap(rocketchat.ErrPermanentReject, "error-action-not-allowed")
		}

		body := "corrected"
		_, err := env.uc.Delivery.EditMessage(ctx, sent.ID, usecase.EditInput{Body: &body})
		gt.Error(t, err).Is(usecase.ErrExternalEditFailed)

		stored, err := env.uc.Delivery.GetMessage(ctx, sent.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, stored.Body).Equal("original")
	})

	t.Run("edit of a message deleted in chat fails", func(t *testing.T) {
		env := newTestEnv()
		sent := sendOne(t, env)
		env.gateway.remove(sent.ExternalRef)

		body := "corrected"
		_, err := env.uc.Delivery.EditMessage(ctx, sent.ID, usecase.EditInput{Body: &body})
		gt.Error(t, err).Is(usecase.ErrExternalEditFailed)
	})

	t.Run("send time of a sent message cannot change", func(t *testing.T) {
		env := newTestEnv()
		sent := sendOne(t, env)

		sendAt := env.clock.Now().Add(time.Hour)
		_, err := env.uc.Delivery.EditMessage(ctx, sent.ID, usecase.EditInput{SendAt: &sendAt})
		gt.Error(t, err).Is(usecase.ErrSentMessageImmutable)
	})

	t.Run("unknown message", func(t *testing.T) {
		env := newTestEnv()
		body := "x"
		_, err := env.uc.Delivery.EditMessage(ctx, "missing", usecase.EditInput{Body: &body})
		gt.Error(t, err).Is(usecase.ErrMessageNotFound)
	})
}

func TestDeliveryUseCase_RetryMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	calls := 0
	env.gateway.sendFn = func(msg rocketchat.OutgoingMessage) error {
		calls++
		if calls == 1 {
			return goerr.Wrap(rocketchat.ErrPermanentReject, "error-room-archived")
		}
		return nil
	}
	msg := schedule(t, env, "hello", time.Second)
	env.clock.Advance(time.Second)
	_, err := env.uc.Delivery.DispatchDue(ctx)
	gt.NoError(t, err).Required()

	t.Run("pending message cannot be retried", func(t *testing.T) {
		other := schedule(t, env, "other", time.Hour)
		_, err := env.uc.Delivery.RetryMessage(ctx, other.ID)
		gt.Error(t, err).Is(usecase.ErrNotInFailedState)
	})

	t.Run("failed message is dispatched again", func(t *testing.T) {
		retried, err := env.uc.Delivery.RetryMessage(ctx, msg.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, retried.Status).Equal(types.MessageStatusPending)
		gt.Value(t, retried.LastError).Equal("")
		gt.Value(t, retried.RetryCount).Equal(1)
		gt.Value(t, retried.Body).Equal("hello")

		report, err := env.uc.Delivery.DispatchDue(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, report.Sent).Equal(1)

		sent, err := env.uc.Delivery.GetMessage(ctx, msg.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, sent.Status).Equal(types.MessageStatusSent)
	})
}

func TestDeliveryUseCase_DeleteMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	msg := schedule(t, env, "hello", time.Minute)

	gt.NoError(t, env.uc.Delivery.DeleteMessage(ctx, msg.ID)).Required()
	_, err := env.uc.Delivery.GetMessage(ctx, msg.ID)
	gt.Error(t, err).Is(usecase.ErrMessageNotFound)
	gt.Error(t, env.uc.Delivery.DeleteMessage(ctx, msg.ID)).Is(usecase.ErrMessageNotFound)
}

type chanNotifier struct {
	failed chan *model.ScheduledMessage
	runs   chan *model.BulkRun
}

func (n *chanNotifier) DeliveryFailed(ctx context.Context, ws model.Workspace, msg *model.ScheduledMessage) error {
	n.failed <- msg
	return nil
}

func (n *chanNotifier) RunFinished(ctx context.Context, ws model.Workspace, run *model.BulkRun) error {
	n.runs <- run
	return nil
}

func TestDeliveryUseCase_NotifiesFailure(t *testing.T) {
	notifier := &chanNotifier{failed: make(chan *model.ScheduledMessage, 1), runs: make(chan *model.BulkRun, 1)}
	env := newTestEnv(usecase.WithNotifier(notifier))
	env.gateway.sendFn = func(msg rocketchat.OutgoingMessage) error {
		return goerr.Wrap(rocketchat.ErrPermanentReject, "error-invalid-channel")
	}
	msg := schedule(t, env, "hello", time.Second)
	env.clock.Advance(time.Second)

	_, err := env.uc.Delivery.DispatchDue(context.Background())
	gt.NoError(t, err).Required()

	select {
	case got := <-notifier.failed:
		gt.Value(t, got.ID).Equal(msg.ID)
		gt.Value(t, got.Status).Equal(types.MessageStatusFailed)
	case <-time.After(time.Second):
		t.Fatal("failure was not notified")
	}
}
