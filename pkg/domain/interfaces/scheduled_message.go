package interfaces

import (
	"context"
	"time"

	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
)

// MessageMutator changes a stored message inside a single atomic update.
// Returning an error aborts the update and leaves the stored message untouched.
type MessageMutator func(msg *model.ScheduledMessage) error

// ScheduledMessageRepository defines the interface for ScheduledMessage data access
type ScheduledMessageRepository interface {
	// Create stores a new message. ID, CreatedAt and UpdatedAt are assigned by the caller.
	Create(ctx context.Context, msg *model.ScheduledMessage) error

	// Get retrieves a message by ID
	Get(ctx context.Context, id model.ScheduledMessageID) (*model.ScheduledMessage, error)

	// List retrieves messages of a workspace ordered by SendAt.
	// A nil status returns messages of every status.
	List(ctx context.Context, workspaceID string, status *types.MessageStatus) ([]*model.ScheduledMessage, error)

	// ListDue retrieves PENDING messages whose SendAt is not after now, oldest
	// first. Messages under a live claim are skipped and do not count toward limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledMessage, error)

	// Update reads the message, applies fn and writes the result atomically.
	// Status, reference and error change together or not at all.
	Update(ctx context.Context, id model.ScheduledMessageID, fn MessageMutator) (*model.ScheduledMessage, error)

	// Delete removes a message by ID
	Delete(ctx context.Context, id model.ScheduledMessageID) error
}
