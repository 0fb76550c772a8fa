package model

import "log/slog"

// Credentials authenticate calls to a chat server on behalf of one user.
// They are supplied per call and must never be logged.
type Credentials struct {
	UserID    string
	AuthToken string
}

// IsZero reports whether no credentials were supplied
func (c Credentials) IsZero() bool {
	return c.UserID == "" && c.AuthToken == ""
}

// Complete reports whether both parts are present
func (c Credentials) Complete() bool {
	return c.UserID != "" && c.AuthToken != ""
}

// LogValue keeps the token out of logs
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", c.UserID),
		slog.Int("auth_token.len", len(c.AuthToken)),
	)
}
