package model

import "github.com/m-mizutani/goerr/v2"

// Validation and state errors shared by the domain models
var (
	ErrInvalidBody        = goerr.New("invalid message body")
	ErrInvalidTime        = goerr.New("send time must be in the future")
	ErrInvalidTransition  = goerr.New("invalid status transition")
	ErrInvariantViolation = goerr.New("model invariant violated")
	ErrInvalidItem        = goerr.New("invalid bulk item")
	ErrRunTerminated      = goerr.New("bulk run already terminated")
	ErrCheckpointMismatch = goerr.New("item result does not match run checkpoint")
	ErrClaimLost          = goerr.New("dispatch lease lost")
	ErrRunLeaseHeld       = goerr.New("bulk run is held by a live executor")
	ErrRunOwnerMismatch   = goerr.New("bulk run is owned by another executor")
)

// Context keys for error values
const (
	MessageIDKey = "message_id"
	RunIDKey     = "run_id"
	StatusKey    = "status"
	ItemKey      = "item"
	OwnerKey     = "owner"
)
