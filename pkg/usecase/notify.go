package usecase

import (
	"context"

	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/utils/async"
)

// Notifier tells operators about failed deliveries and finished bulk runs
type Notifier interface {
	DeliveryFailed(ctx context.Context, ws model.Workspace, msg *model.ScheduledMessage) error
	RunFinished(ctx context.Context, ws model.Workspace, run *model.BulkRun) error
}

func (uc *UseCases) notifyDeliveryFailed(ctx context.Context, msg *model.ScheduledMessage) {
	if uc.notifier == nil {
		return
	}
	ws := model.Workspace{ID: msg.WorkspaceID, Name: msg.WorkspaceID}
	if entry, err := uc.registry.Get(msg.WorkspaceID); err == nil {
		ws = entry.Workspace
	}

	async.Dispatch(ctx, "notify_delivery_failed", func(ctx context.Context) error {
		return uc.notifier.DeliveryFailed(ctx, ws, msg)
	})
}

func (uc *UseCases) notifyRunFinished(ctx context.Context, ws model.Workspace, run *model.BulkRun) {
	if uc.notifier == nil {
		return
	}
	async.Dispatch(ctx, "notify_run_finished", func(ctx context.Context) error {
		return uc.notifier.RunFinished(ctx, ws, run)
	})
}
