package types

import "fmt"

// MessageStatus represents the delivery status of a scheduled message
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "PENDING"
	MessageStatusSent    MessageStatus = "SENT"
	MessageStatusFailed  MessageStatus = "FAILED"
)

// AllMessageStatuses returns all valid message statuses
func AllMessageStatuses() []MessageStatus {
	return []MessageStatus{
		MessageStatusPending,
		MessageStatusSent,
		MessageStatusFailed,
	}
}

// IsValid checks if the message status is valid
func (s MessageStatus) IsValid() bool {
	switch s {
	case MessageStatusPending,
		MessageStatusSent,
		MessageStatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation of the message status
func (s MessageStatus) String() string {
	return string(s)
}

// ParseMessageStatus parses a string into a MessageStatus
func ParseMessageStatus(s string) (MessageStatus, error) {
	status := MessageStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid message status: %s", s)
	}
	return status, nil
}
