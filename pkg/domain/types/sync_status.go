package types

// SyncStatus is the result of comparing a sent message with the copy held by
// the chat server. It is computed on demand and never stored.
type SyncStatus string

const (
	SyncStatusSynchronized SyncStatus = "SYNCHRONIZED"
	SyncStatusEditedInRC   SyncStatus = "EDITED_IN_RC"
	SyncStatusDeletedInRC  SyncStatus = "DELETED_IN_RC"
	SyncStatusUnknown      SyncStatus = "UNKNOWN"
)

func (s SyncStatus) String() string {
	return string(s)
}
