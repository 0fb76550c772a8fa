package rocketchat

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Kind is the normalized class of a gateway failure
type Kind string

const (
	KindUnauthorized     Kind = "UNAUTHORIZED"
	KindNotFound         Kind = "NOT_FOUND"
	KindAlreadyExists    Kind = "ALREADY_EXISTS"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindTransientNetwork Kind = "TRANSIENT_NETWORK"
	KindPermanentReject  Kind = "PERMANENT_REJECT"
)

// Retryable reports whether a later attempt of the same call may succeed
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransientNetwork
}

// Sentinels matched with errors.Is. Every gateway error wraps exactly one.
var (
	ErrUnauthorized     = goerr.New("chat server rejected credentials")
	ErrNotFound         = goerr.New("chat server object not found")
	ErrAlreadyExists    = goerr.New("chat server object already exists")
	ErrRateLimited      = goerr.New("chat server rate limit exceeded")
	ErrTransientNetwork = goerr.New("chat server unreachable")
	ErrPermanentReject  = goerr.New("chat server rejected request")
)

func (k Kind) sentinel() error {
	switch k {
	case KindUnauthorized:
		return ErrUnauthorized
	case KindNotFound:
		return ErrNotFound
	case KindAlreadyExists:
		return ErrAlreadyExists
	case KindRateLimited:
		return ErrRateLimited
	case KindTransientNetwork:
		return ErrTransientNetwork
	default:
		return ErrPermanentReject
	}
}

// Error is a classified gateway failure
type Error struct {
	Kind       Kind
	Endpoint   string
	StatusCode int
	Message    string
	cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (HTTP %d): %s", e.Endpoint, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Endpoint, e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Kind.sentinel(), e.cause}
	}
	return []error{e.Kind.sentinel()}
}

func newError(kind Kind, endpoint string, status int, msg string, cause error) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, StatusCode: status, Message: msg, cause: cause}
}

// KindOf returns the kind of a gateway error, or "" for other errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Reason is a short human readable description of a gateway error
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	alreadyExistsMarkers = []string{
		"already in use",
		"already_in_use",
		"already exists",
		"field-unavailable",
		"duplicate",
	}
	notFoundMarkers = []string{
		"not-found",
		"not found",
		"not_found",
		"no message found",
		"invalid-room",
		"error-room-not-found",
	}
)

func containsAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// classify maps an HTTP status and the server's error text to a Kind
func classify(status int, errorType, message string) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindTransientNetwork
	case status == http.StatusNotFound:
		return KindNotFound
	}

	text := errorType + " " + message
	switch {
	case containsAny(text, alreadyExistsMarkers):
		return KindAlreadyExists
	case containsAny(text, notFoundMarkers):
		return KindNotFound
	case strings.Contains(strings.ToLower(text), "too many requests"):
		return KindRateLimited
	}
	return KindPermanentReject
}
