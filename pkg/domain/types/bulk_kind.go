package types

import "fmt"

// BulkKind identifies which per-item operation a bulk run executes
type BulkKind string

const (
	BulkKindEmojiImport   BulkKind = "EMOJI_IMPORT"
	BulkKindUserProvision BulkKind = "USER_PROVISION"
)

// AllBulkKinds returns all valid bulk kinds
func AllBulkKinds() []BulkKind {
	return []BulkKind{
		BulkKindEmojiImport,
		BulkKindUserProvision,
	}
}

// IsValid checks if the bulk kind is valid
func (k BulkKind) IsValid() bool {
	switch k {
	case BulkKindEmojiImport, BulkKindUserProvision:
		return true
	default:
		return false
	}
}

// SuccessLabel is the outcome tag reported for a successful item of this kind
func (k BulkKind) SuccessLabel() string {
	switch k {
	case BulkKindEmojiImport:
		return "UPLOADED"
	case BulkKindUserProvision:
		return "ADDED"
	default:
		return "SUCCEEDED"
	}
}

func (k BulkKind) String() string {
	return string(k)
}

// ParseBulkKind accepts both the canonical form and the lower-case path form
// used by the HTTP API ("emoji-import", "user-provision").
func ParseBulkKind(s string) (BulkKind, error) {
	switch s {
	case string(BulkKindEmojiImport), "emoji-import":
		return BulkKindEmojiImport, nil
	case string(BulkKindUserProvision), "user-provision":
		return BulkKindUserProvision, nil
	}
	return "", fmt.Errorf("invalid bulk kind: %s", s)
}
