package usecase

import (
	"errors"

	"github.com/secmon-lab/herald/pkg/domain/model"
)

// Sentinel errors for use case layer
var (
	// Validation errors
	ErrInvalidTime    = model.ErrInvalidTime
	ErrInvalidBody    = model.ErrInvalidBody
	ErrInvalidChannel = errors.New("channel is required")
	ErrInvalidKind    = errors.New("unknown bulk operation kind")
	ErrEmptyItemList  = errors.New("item list is empty")
	ErrTooManyItems   = errors.New("too many items in one run")
	ErrInvalidItem    = model.ErrInvalidItem

	// Not found errors
	ErrWorkspaceNotFound = model.ErrWorkspaceNotFound
	ErrMessageNotFound   = errors.New("scheduled message not found")
	ErrRunNotFound       = errors.New("bulk run not found")

	// State errors
	ErrNotInFailedState     = errors.New("message is not in FAILED state")
	ErrMessageDispatching   = errors.New("message is being dispatched")
	ErrSentMessageImmutable = errors.New("send time and channel of a sent message cannot change")
	ErrRunNotActive         = errors.New("bulk run is not running")
	ErrRunInProgress        = errors.New("bulk run has not finished")
	ErrNoFailedItems        = errors.New("bulk run has no items to retry")

	// Availability errors
	ErrShuttingDown = errors.New("server is shutting down")

	// Access and configuration errors
	ErrOnBehalfOfDisabled        = errors.New("on-behalf-of attribution is disabled for this workspace")
	ErrMissingCredentials        = errors.New("execution credentials are required")
	ErrProvisioningNotConfigured = errors.New("user provisioning is not configured for this workspace")

	// External errors
	ErrExternalEditFailed = errors.New("chat server rejected the edit")
)

// Context keys for error values
const (
	WorkspaceIDKey = "workspace_id"
	KindKey        = "kind"
)
