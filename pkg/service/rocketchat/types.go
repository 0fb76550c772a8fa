package rocketchat

import (
	"context"
	"time"

	"github.com/secmon-lab/herald/pkg/domain/model"
)

// Service is the gateway to a Rocket.Chat server. Every call carries the
// server URL and credentials of the caller; nothing is cached between calls.
type Service interface {
	// Authenticate exchanges a username and password for API credentials
	Authenticate(ctx context.Context, server, user, password string) (model.Credentials, error)

	// Me returns the user owning creds. It is the cheapest authenticated call.
	Me(ctx context.Context, server string, creds model.Credentials) (*User, error)

	SendMessage(ctx context.Context, server string, creds model.Credentials, msg OutgoingMessage) (*Message, error)
	EditMessage(ctx context.Context, server string, creds model.Credentials, roomID, msgID, text string) (*Message, error)
	GetMessage(ctx context.Context, server string, creds model.Credentials, msgID string) (*Message, error)

	// ListCustomEmoji returns every custom emoji name and alias on the server
	ListCustomEmoji(ctx context.Context, server string, creds model.Credentials) ([]string, error)
	CreateEmoji(ctx context.Context, server string, creds model.Credentials, emoji NewEmoji) error

	CreateUser(ctx context.Context, server string, creds model.Credentials, user NewUser) (*User, error)
	ListRoles(ctx context.Context, server string, creds model.Credentials) ([]Role, error)
	AddUserToChannel(ctx context.Context, server string, creds model.Credentials, channel, userID string) error
}

// OutgoingMessage is a message to post. Channel is a room ID, "#channel" or "@user".
type OutgoingMessage struct {
	Channel string
	Text    string
	Alias   string
}

// messageTypeRemoved marks a message deleted by a user while its history entry is kept
const messageTypeRemoved = "rm"

type Message struct {
	ID        string
	RoomID    string
	Text      string
	Type      string
	Alias     string
	EditedAt  time.Time
	UpdatedAt time.Time
}

// IsRemoved reports whether the message was deleted on the server
func (m *Message) IsRemoved() bool {
	return m.Type == messageTypeRemoved
}

// NewEmoji is a custom emoji to upload
type NewEmoji struct {
	Name        string
	Aliases     []string
	Image       []byte
	ContentType string
	FileName    string
}

// NewUser is an account to create. Password is never logged.
type NewUser struct {
	Username              string
	Name                  string
	Email                 string
	Password              string
	Roles                 []string
	RequirePasswordChange bool
}

type User struct {
	ID       string
	Username string
	Name     string
}

type Role struct {
	ID          string
	Name        string
	Description string
	Scope       string
	Protected   bool
}
