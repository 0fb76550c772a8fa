package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
	"github.com/secmon-lab/herald/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// ReconcileUseCase compares sent messages with their copies in chat.
// The result is a view computed on every call and never stored.
type ReconcileUseCase struct {
	uc *UseCases
}

// GetExternalSyncStatus reports whether the chat copy of a message still matches.
// Only an unknown local message is an error; lookup failures yield UNKNOWN.
func (r *ReconcileUseCase) GetExternalSyncStatus(ctx context.Context, id model.ScheduledMessageID) (types.SyncStatus, error) {
	msg, err := r.uc.repo.ScheduledMessage().Get(ctx, id)
	if err != nil {
		return types.SyncStatusUnknown, mapMessageErr(err, id)
	}
	return r.syncStatusOf(ctx, msg), nil
}

// ReconcileMany checks messages independently and concurrently.
// A message that cannot be checked is reported as UNKNOWN.
func (r *ReconcileUseCase) ReconcileMany(ctx context.Context, ids []model.ScheduledMessageID) map[model.ScheduledMessageID]types.SyncStatus {
	result := make(map[model.ScheduledMessageID]types.SyncStatus, len(ids))
	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(r.uc.dispatchConcurrency)

	for _, id := range ids {
		eg.Go(func() error {
			status, err := r.GetExternalSyncStatus(ctx, id)
			if err != nil {
				logging.From(ctx).Debug("sync status unavailable", "message_id", id, "error", err.Error())
				status = types.SyncStatusUnknown
			}
			mu.Lock()
			result[id] = status
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return result
}

func (r *ReconcileUseCase) syncStatusOf(ctx context.Context, msg *model.ScheduledMessage) types.SyncStatus {
	if msg.Status != types.MessageStatusSent || msg.ExternalRef == "" {
		return types.SyncStatusUnknown
	}

	entry, err := r.uc.registry.Get(msg.WorkspaceID)
	if err != nil {
		return types.SyncStatusUnknown
	}

	external, err := r.uc.gateway.GetMessage(ctx, entry.ServerURL, entry.Owner, msg.ExternalRef)
	switch {
	case errors.Is(err, rocketchat.ErrNotFound):
		return types.SyncStatusDeletedInRC
	case err != nil:
		logging.From(ctx).Warn("failed to look up sent message",
			"message_id", msg.ID, "kind", rocketchat.KindOf(err), "error", err.Error())
		return types.SyncStatusUnknown
	case external.IsRemoved():
		return types.SyncStatusDeletedInRC
	case external.Text != msg.Body:
		return types.SyncStatusEditedInRC
	}
	return types.SyncStatusSynchronized
}
