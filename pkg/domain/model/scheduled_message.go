package model

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/types"
)

// MaxBodyLength is the maximum number of characters of a scheduled message body
const MaxBodyLength = 4000

// ScheduledMessageID is a UUID-based identifier for ScheduledMessage
type ScheduledMessageID string

// NewScheduledMessageID generates a new UUID v4 ScheduledMessageID
func NewScheduledMessageID() ScheduledMessageID {
	return ScheduledMessageID(uuid.New().String())
}

func (id ScheduledMessageID) String() string {
	return string(id)
}

// ScheduledMessage is a message waiting to be, or already, posted to a chat workspace
type ScheduledMessage struct {
	ID          ScheduledMessageID
	WorkspaceID string
	Channel     string // Room ID or "#name" on the chat server
	Body        string
	SendAt      time.Time
	Status      types.MessageStatus
	ExternalRef string // Message ID assigned by the chat server, only when SENT
	LastError   string // Only when FAILED
	OnBehalfOf  string // Optional display attribution, sent as alias
	CreatedBy   string
	RetryCount  int
	SentAt      time.Time

	// Dispatch lease. Not a status: the message stays PENDING while claimed.
	ClaimToken   string
	ClaimedUntil time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateBody checks that body is not blank and within MaxBodyLength characters
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return goerr.Wrap(ErrInvalidBody, "body is empty")
	}
	if n := utf8.RuneCountInString(body); n > MaxBodyLength {
		return goerr.Wrap(ErrInvalidBody, "body is too long",
			goerr.V("length", n), goerr.V("max", MaxBodyLength))
	}
	return nil
}

// ValidateSendAt rejects send times that are not strictly after now
func ValidateSendAt(sendAt, now time.Time) error {
	if !sendAt.After(now) {
		return goerr.Wrap(ErrInvalidTime, "send time is not in the future",
			goerr.V("send_at", sendAt), goerr.V("now", now))
	}
	return nil
}

// Validate checks the status/reference/error invariant
func (m *ScheduledMessage) Validate() error {
	switch m.Status {
	case types.MessageStatusPending:
		if m.ExternalRef != "" {
			return goerr.Wrap(ErrInvariantViolation, "pending message has external reference",
				goerr.V(MessageIDKey, m.ID))
		}
	case types.MessageStatusSent:
		if m.ExternalRef == "" {
			return goerr.Wrap(ErrInvariantViolation, "sent message has no external reference",
				goerr.V(MessageIDKey, m.ID))
		}
	case types.MessageStatusFailed:
		if m.ExternalRef != "" {
			return goerr.Wrap(ErrInvariantViolation, "failed message has external reference",
				goerr.V(MessageIDKey, m.ID))
		}
		if m.LastError == "" {
			return goerr.Wrap(ErrInvariantViolation, "failed message has no error text",
				goerr.V(MessageIDKey, m.ID))
		}
	default:
		return goerr.Wrap(ErrInvariantViolation, "unknown status",
			goerr.V(MessageIDKey, m.ID), goerr.V(StatusKey, m.Status))
	}
	return nil
}

// IsDue reports whether a pending message should be dispatched at now
func (m *ScheduledMessage) IsDue(now time.Time) bool {
	return m.Status == types.MessageStatusPending && !m.SendAt.After(now)
}

// IsClaimed reports whether a dispatcher holds a live lease on the message
func (m *ScheduledMessage) IsClaimed(now time.Time) bool {
	return m.ClaimToken != "" && m.ClaimedUntil.After(now)
}

// Claim takes the dispatch lease. It fails if another live lease exists.
func (m *ScheduledMessage) Claim(token string, now time.Time, lease time.Duration) error {
	if m.Status != types.MessageStatusPending {
		return goerr.Wrap(ErrInvalidTransition, "only pending messages can be claimed",
			goerr.V(MessageIDKey, m.ID), goerr.V(StatusKey, m.Status))
	}
	if m.IsClaimed(now) {
		return goerr.Wrap(ErrInvalidTransition, "message already claimed",
			goerr.V(MessageIDKey, m.ID))
	}
	m.ClaimToken = token
	m.ClaimedUntil = now.Add(lease)
	return nil
}

// HoldsClaim reports whether token is the current lease holder
func (m *ScheduledMessage) HoldsClaim(token string) bool {
	return token != "" && m.ClaimToken == token
}

// Release drops the lease held by token without changing the status
func (m *ScheduledMessage) Release(token string) error {
	if !m.HoldsClaim(token) {
		return goerr.Wrap(ErrClaimLost, "lease is held by another dispatcher", goerr.V(MessageIDKey, m.ID))
	}
	m.releaseClaim()
	return nil
}

// MarkSent moves a pending message to SENT with the reference the chat server assigned
func (m *ScheduledMessage) MarkSent(externalRef string, at time.Time) error {
	if m.Status != types.MessageStatusPending {
		return goerr.Wrap(ErrInvalidTransition, "only pending messages can be sent",
			goerr.V(MessageIDKey, m.ID), goerr.V(StatusKey, m.Status))
	}
	if externalRef == "" {
		return goerr.Wrap(ErrInvariantViolation, "external reference is required",
			goerr.V(MessageIDKey, m.ID))
	}
	m.Status = types.MessageStatusSent
	m.ExternalRef = externalRef
	m.LastError = ""
	m.SentAt = at
	m.releaseClaim()
	return nil
}

// MarkFailed moves a pending message to FAILED keeping the error text
func (m *ScheduledMessage) MarkFailed(reason string, _ time.Time) error {
	if m.Status != types.MessageStatusPending {
		return goerr.Wrap(ErrInvalidTransition, "only pending messages can fail",
			goerr.V(MessageIDKey, m.ID), goerr.V(StatusKey, m.Status))
	}
	if reason == "" {
		reason = "unknown error"
	}
	m.Status = types.MessageStatusFailed
	m.ExternalRef = ""
	m.LastError = reason
	m.releaseClaim()
	return nil
}

// Retry moves a failed message back to PENDING with the same payload
func (m *ScheduledMessage) Retry() error {
	if m.Status != types.MessageStatusFailed {
		return goerr.Wrap(ErrInvalidTransition, "only failed messages can be retried",
			goerr.V(MessageIDKey, m.ID), goerr.V(StatusKey, m.Status))
	}
	m.Status = types.MessageStatusPending
	m.LastError = ""
	m.RetryCount++
	m.releaseClaim()
	return nil
}

// Lateness is how long after its send time the message was actually posted
func (m *ScheduledMessage) Lateness() time.Duration {
	if m.Status != types.MessageStatusSent || m.SentAt.Before(m.SendAt) {
		return 0
	}
	return m.SentAt.Sub(m.SendAt)
}

func (m *ScheduledMessage) releaseClaim() {
	m.ClaimToken = ""
	m.ClaimedUntil = time.Time{}
}

// Clone returns a copy safe to mutate
func (m *ScheduledMessage) Clone() *ScheduledMessage {
	c := *m
	return &c
}
