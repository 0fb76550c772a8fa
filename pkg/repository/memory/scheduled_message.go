package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/interfaces"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
)

type scheduledMessageRepository struct {
	mu       sync.RWMutex
	messages map[model.ScheduledMessageID]*model.ScheduledMessage
}

func newScheduledMessageRepository() *scheduledMessageRepository {
	return &scheduledMessageRepository{
		messages: make(map[model.ScheduledMessageID]*model.ScheduledMessage),
	}
}

func (r *scheduledMessageRepository) Create(ctx context.Context, msg *model.ScheduledMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.messages[msg.ID]; exists {
		return goerr.New("scheduled message already exists", goerr.V(model.MessageIDKey, msg.ID))
	}
	r.messages[msg.ID] = msg.Clone()
	return nil
}

func (r *scheduledMessageRepository) Get(ctx context.Context, id model.ScheduledMessageID) (*model.ScheduledMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, exists := r.messages[id]
	if !exists {
		return nil, goerr.Wrap(ErrNotFound, "scheduled message not found", goerr.V(model.MessageIDKey, id))
	}
	return msg.Clone(), nil
}

func (r *scheduledMessageRepository) List(ctx context.Context, workspaceID string, status *types.MessageStatus) ([]*model.ScheduledMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.ScheduledMessage, 0)
	for _, msg := range r.messages {
		if msg.WorkspaceID != workspaceID {
			continue
		}
		if status != nil && msg.Status != *status {
			continue
		}
		result = append(result, msg.Clone())
	}
	sortBySendAt(result)
	return result, nil
}

func (r *scheduledMessageRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.ScheduledMessage, 0)
	for _, msg := range r.messages {
		if msg.IsDue(now) && !msg.IsClaimed(now) {
			result = append(result, msg.Clone())
		}
	}
	sortBySendAt(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *scheduledMessageRepository) Update(ctx context.Context, id model.ScheduledMessageID, fn interfaces.MessageMutator) (*model.ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.messages[id]
	if !exists {
		return nil, goerr.Wrap(ErrNotFound, "scheduled message not found", goerr.V(model.MessageIDKey, id))
	}

	updated := existing.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	if err := updated.Validate(); err != nil {
		return nil, goerr.Wrap(err, "refusing to store invalid message")
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()

	r.messages[id] = updated
	return updated.Clone(), nil
}

func (r *scheduledMessageRepository) Delete(ctx context.Context, id model.ScheduledMessageID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.messages[id]; !exists {
		return goerr.Wrap(ErrNotFound, "scheduled message not found", goerr.V(model.MessageIDKey, id))
	}
	delete(r.messages, id)
	return nil
}

func sortBySendAt(msgs []*model.ScheduledMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SendAt.Equal(msgs[j].SendAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].SendAt.Before(msgs[j].SendAt)
	})
}
