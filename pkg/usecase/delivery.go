package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/interfaces"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
	"github.com/secmon-lab/herald/pkg/utils/errutil"
	"github.com/secmon-lab/herald/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// DeliveryUseCase schedules messages and dispatches them when due
type DeliveryUseCase struct {
	uc *UseCases
}

type ScheduleInput struct {
	WorkspaceID string
	Channel     string
	Body        string
	SendAt      time.Time
	OnBehalfOf  string
	CreatedBy   string
}

// EditInput holds the fields to change. Nil fields are left as they are.
type EditInput struct {
	Body    *string
	SendAt  *time.Time
	Channel *string
}

// DispatchReport summarizes one scan of due messages
type DispatchReport struct {
	Due     int
	Sent    int
	Failed  int
	Skipped int
	Late    int
}

func (d *DeliveryUseCase) ScheduleMessage(ctx context.Context, in ScheduleInput) (*model.ScheduledMessage, error) {
	entry, err := d.uc.registry.Get(in.WorkspaceID)
	if err != nil {
		return nil, err
	}

	channel := strings.TrimSpace(in.Channel)
	if channel == "" {
		return nil, goerr.Wrap(ErrInvalidChannel, "channel is empty")
	}
	if err := model.ValidateBody(in.Body); err != nil {
		return nil, err
	}

	now := d.uc.now()
	if err := model.ValidateSendAt(in.SendAt, now); err != nil {
		return nil, err
	}

	onBehalfOf := strings.TrimSpace(in.OnBehalfOf)
	if onBehalfOf != "" {
		if !entry.AllowOnBehalfOf {
			return nil, goerr.Wrap(ErrOnBehalfOfDisabled, "cannot schedule on behalf of another user",
				goerr.V(WorkspaceIDKey, in.WorkspaceID))
		}
		logging.From(ctx).Warn("message will be posted by the workspace owner with a display alias",
			"workspace_id", in.WorkspaceID, "on_behalf_of", onBehalfOf)
	}

	msg := &model.ScheduledMessage{
		ID:          model.NewScheduledMessageID(),
		WorkspaceID: in.WorkspaceID,
		Channel:     channel,
		Body:        in.Body,
		SendAt:      in.SendAt.UTC(),
		Status:      types.MessageStatusPending,
		OnBehalfOf:  onBehalfOf,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.uc.repo.ScheduledMessage().Create(ctx, msg); err != nil {
		return nil, goerr.Wrap(err, "failed to store scheduled message")
	}

	logging.From(ctx).Info("message scheduled",
		"message_id", msg.ID, "workspace_id", msg.WorkspaceID, "send_at", msg.SendAt)
	return msg, nil
}

func (d *DeliveryUseCase) GetMessage(ctx context.Context, id model.ScheduledMessageID) (*model.ScheduledMessage, error) {
	msg, err := d.uc.repo.ScheduledMessage().Get(ctx, id)
	if err != nil {
		return nil, mapMessageErr(err, id)
	}
	return msg, nil
}

func (d *DeliveryUseCase) ListMessages(ctx context.Context, workspaceID string, status *types.MessageStatus) ([]*model.ScheduledMessage, error) {
	if _, err := d.uc.registry.Get(workspaceID); err != nil {
		return nil, err
	}
	msgs, err := d.uc.repo.ScheduledMessage().List(ctx, workspaceID, status)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list scheduled messages", goerr.V(WorkspaceIDKey, workspaceID))
	}
	return msgs, nil
}

func (d *DeliveryUseCase) EditMessage(ctx context.Context, id model.ScheduledMessageID, in EditInput) (*model.ScheduledMessage, error) {
	msg, err := d.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Body != nil {
		if err := model.ValidateBody(*in.Body); err != nil {
			return nil, err
		}
	}
	if in.Channel != nil && strings.TrimSpace(*in.Channel) == "" {
		return nil, goerr.Wrap(ErrInvalidChannel, "channel is empty")
	}

	if msg.Status == types.MessageStatusSent {
		return d.editSent(ctx, msg, in)
	}

	now := d.uc.now()
	if in.SendAt != nil {
		if err := model.ValidateSendAt(*in.SendAt, now); err != nil {
			return nil, err
		}
	}

	updated, err := d.uc.repo.ScheduledMessage().Update(ctx, id, func(m *model.ScheduledMessage) error {
		if m.Status == types.MessageStatusSent {
			return goerr.Wrap(ErrMessageDispatching, "message was sent while editing", goerr.V(model.MessageIDKey, id))
		}
		if m.IsClaimed(now) {
			return goerr.Wrap(ErrMessageDispatching, "message is being dispatched", goerr.V(model.MessageIDKey, id))
		}
		if in.Body != nil {
			m.Body = *in.Body
		}
		if in.SendAt != nil {
			m.SendAt = in.SendAt.UTC()
		}
		if in.Channel != nil {
			m.Channel = strings.TrimSpace(*in.Channel)
		}
		return nil
	})
	if err != nil {
		return nil, mapMessageErr(err, id)
	}
	return updated, nil
}

// editSent changes the posted copy first and commits locally only when the
// chat server accepted the edit.
func (d *DeliveryUseCase) editSent(ctx context.Context, msg *model.ScheduledMessage, in EditInput) (*model.ScheduledMessage, error) {
	if in.SendAt != nil || in.Channel != nil {
		return nil, goerr.Wrap(ErrSentMessageImmutable, "only the body of a sent message can change",
			goerr.V(model.MessageIDKey, msg.ID))
	}
	if in.Body == nil || *in.Body == msg.Body {
		return msg, nil
	}

	entry, err := d.uc.registry.Get(msg.WorkspaceID)
	if err != nil {
		return nil, goerr.Wrap(ErrExternalEditFailed, "workspace is not configured",
			goerr.V(model.MessageIDKey, msg.ID), goerr.V(WorkspaceIDKey, msg.WorkspaceID))
	}

	external, err := d.uc.gateway.GetMessage(ctx, entry.ServerURL, entry.Owner, msg.ExternalRef)
	if err != nil {
		return nil, goerr.Wrap(ErrExternalEditFailed, rocketchat.Reason(err),
			goerr.V(model.MessageIDKey, msg.ID), goerr.V("kind", rocketchat.KindOf(err)))
	}
	if external.IsRemoved() {
		return nil, goerr.Wrap(ErrExternalEditFailed, "message was deleted in chat",
			goerr.V(model.MessageIDKey, msg.ID))
	}

	if _, err := d.uc.gateway.EditMessage(ctx, entry.ServerURL, entry.Owner, external.RoomID, msg.ExternalRef, *in.Body); err != nil {
		return nil, goerr.Wrap(ErrExternalEditFailed, rocketchat.Reason(err),
			goerr.V(model.MessageIDKey, msg.ID), goerr.V("kind", rocketchat.KindOf(err)))
	}

	updated, err := d.uc.repo.ScheduledMessage().Update(ctx, msg.ID, func(m *model.ScheduledMessage) error {
		if m.Status != types.MessageStatusSent || m.ExternalRef != msg.ExternalRef {
			return goerr.Wrap(model.ErrInvalidTransition, "message changed during edit", goerr.V(model.MessageIDKey, msg.ID))
		}
		m.Body = *in.Body
		return nil
	})
	if err != nil {
		// The chat server already shows the new body; the next sync check reports EDITED_IN_RC.
		return nil, errutil.Handle(ctx, mapMessageErr(err, msg.ID), "edit applied in chat but not stored")
	}
	return updated, nil
}

// DeleteMessage removes the local record. A sent message stays in chat.
func (d *DeliveryUseCase) DeleteMessage(ctx context.Context, id model.ScheduledMessageID) error {
	if err := d.uc.repo.ScheduledMessage().Delete(ctx, id); err != nil {
		return mapMessageErr(err, id)
	}
	logging.From(ctx).Info("scheduled message deleted", "message_id", id)
	return nil
}

// RetryMessage re-enters PENDING with the same payload. The message is due
// again at once when its send time has passed.
func (d *DeliveryUseCase) RetryMessage(ctx context.Context, id model.ScheduledMessageID) (*model.ScheduledMessage, error) {
	updated, err := d.uc.repo.ScheduledMessage().Update(ctx, id, func(m *model.ScheduledMessage) error {
		if m.Status != types.MessageStatusFailed {
			return goerr.Wrap(ErrNotInFailedState, "cannot retry", goerr.V(model.MessageIDKey, id), goerr.V(model.StatusKey, m.Status))
		}
		return m.Retry()
	})
	if err != nil {
		return nil, mapMessageErr(err, id)
	}
	return updated, nil
}

// DispatchDue sends every pending message whose send time has come.
// Each message is claimed atomically so concurrent scanners never both send it.
func (d *DeliveryUseCase) DispatchDue(ctx context.Context) (*DispatchReport, error) {
	now := d.uc.now()
	due, err := d.uc.repo.ScheduledMessage().ListDue(ctx, now, d.uc.dispatchBatch)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list due messages")
	}

	report := &DispatchReport{Due: len(due)}
	if len(due) == 0 {
		return report, nil
	}

	token := uuid.NewString()
	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(d.uc.dispatchConcurrency)

	for _, msg := range due {
		eg.Go(func() error {
			result := d.dispatchOne(ctx, msg.ID, token, now)
			mu.Lock()
			defer mu.Unlock()
			switch result {
			case dispatchSent, dispatchSentLate:
				report.Sent++
				if result == dispatchSentLate {
					report.Late++
				}
			case dispatchFailed:
				report.Failed++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = eg.Wait()

	if report.Sent+report.Failed > 0 {
		logging.From(ctx).Info("dispatched due messages",
			"due", report.Due, "sent", report.Sent, "failed", report.Failed,
			"skipped", report.Skipped, "late", report.Late)
	}
	return report, nil
}

type dispatchResult int

const (
	dispatchSkipped dispatchResult = iota
	dispatchSent
	dispatchSentLate
	dispatchFailed
)

func (d *DeliveryUseCase) dispatchOne(ctx context.Context, id model.ScheduledMessageID, token string, now time.Time) dispatchResult {
	logger := logging.From(ctx).With("message_id", id)
	repo := d.uc.repo.ScheduledMessage()

	msg, err := repo.Update(ctx, id, func(m *model.ScheduledMessage) error {
		if !m.IsDue(now) {
			return goerr.Wrap(model.ErrInvalidTransition, "message is no longer due")
		}
		return m.Claim(token, now, d.uc.claimLease)
	})
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, interfaces.ErrNotFound) {
			logger.Debug("message skipped", "reason", err.Error())
		} else {
			_ = errutil.Handle(ctx, err, "failed to claim message")
		}
		return dispatchSkipped
	}

	entry, err := d.uc.registry.Get(msg.WorkspaceID)
	if err != nil {
		return d.commitFailed(ctx, msg, token, "workspace is not configured")
	}
	if msg.OnBehalfOf != "" && !entry.AllowOnBehalfOf {
		return d.commitFailed(ctx, msg, token, "on-behalf-of attribution was disabled for this workspace")
	}

	late := now.Sub(msg.SendAt) > entry.LateGrace
	if late {
		logger.Warn("dispatching late message", "send_at", msg.SendAt, "lateness", now.Sub(msg.SendAt).String())
	}

	// No lock is held here: the lease alone keeps other scanners away.
	sent, err := d.uc.gateway.SendMessage(ctx, entry.ServerURL, entry.Owner, rocketchat.OutgoingMessage{
		Channel: msg.Channel,
		Text:    msg.Body,
		Alias:   msg.OnBehalfOf,
	})
	if err != nil {
		if ctx.Err() != nil {
			d.release(context.WithoutCancel(ctx), msg.ID, token)
			return dispatchSkipped
		}
		logger.Warn("dispatch failed", "kind", rocketchat.KindOf(err), "error", err.Error())
		return d.commitFailed(ctx, msg, token, rocketchat.Reason(err))
	}

	_, err = repo.Update(context.WithoutCancel(ctx), msg.ID, func(m *model.ScheduledMessage) error {
		if !m.HoldsClaim(token) {
			return goerr.Wrap(model.ErrClaimLost, "lease expired before commit")
		}
		return m.MarkSent(sent.ID, d.uc.now())
	})
	if err != nil {
		_ = errutil.Handle(ctx, goerr.Wrap(err, "message posted but not recorded as sent",
			goerr.V(model.MessageIDKey, msg.ID), goerr.V("external_ref", sent.ID)), "failed to commit sent message")
		return dispatchSent
	}

	logger.Info("message sent", "external_ref", sent.ID, "late", late)
	if late {
		return dispatchSentLate
	}
	return dispatchSent
}

func (d *DeliveryUseCase) commitFailed(ctx context.Context, msg *model.ScheduledMessage, token, reason string) dispatchResult {
	failed, err := d.uc.repo.ScheduledMessage().Update(context.WithoutCancel(ctx), msg.ID, func(m *model.ScheduledMessage) error {
		if !m.HoldsClaim(token) {
			return goerr.Wrap(model.ErrClaimLost, "lease expired before commit")
		}
		return m.MarkFailed(reason, d.uc.now())
	})
	if err != nil {
		_ = errutil.Handle(ctx, goerr.Wrap(err, "failed to record delivery failure",
			goerr.V(model.MessageIDKey, msg.ID), goerr.V("reason", reason)), "failed to commit failed message")
		return dispatchSkipped
	}

	d.uc.notifyDeliveryFailed(ctx, failed)
	return dispatchFailed
}

func (d *DeliveryUseCase) release(ctx context.Context, id model.ScheduledMessageID, token string) {
	_, err := d.uc.repo.ScheduledMessage().Update(ctx, id, func(m *model.ScheduledMessage) error {
		return m.Release(token)
	})
	if err != nil && !errors.Is(err, model.ErrClaimLost) {
		_ = errutil.Handle(ctx, err, "failed to release dispatch lease")
	}
}

func mapMessageErr(err error, id model.ScheduledMessageID) error {
	if errors.Is(err, interfaces.ErrNotFound) {
		return goerr.Wrap(ErrMessageNotFound, "scheduled message not found", goerr.V(model.MessageIDKey, id))
	}
	return err
}
