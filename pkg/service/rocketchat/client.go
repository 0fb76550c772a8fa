package rocketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/utils/logging"
	"github.com/secmon-lab/herald/pkg/utils/safe"
)

const (
	// DefaultTimeout bounds a single HTTP attempt
	DefaultTimeout = 15 * time.Second
	// DefaultMaxAttempts bounds retries of rate limited and transient failures
	DefaultMaxAttempts = 3

	defaultInitialInterval = 500 * time.Millisecond
	maxResponseSize        = 8 << 20
)

// Client implements Service over the Rocket.Chat REST API v1
type Client struct {
	httpClient      *http.Client
	timeout         time.Duration
	maxAttempts     int
	initialInterval time.Duration
}

var _ Service = &Client{}

// Option is a functional option for Client configuration
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-attempt timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRetry sets the attempt limit and the first backoff interval
func WithRetry(maxAttempts int, initialInterval time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if initialInterval > 0 {
			c.initialInterval = initialInterval
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		httpClient:      &http.Client{},
		timeout:         DefaultTimeout,
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: defaultInitialInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiRequest describes one REST call. body is rebuilt for every attempt.
type apiRequest struct {
	method   string
	server   string
	endpoint string
	creds    *model.Credentials
	query    url.Values
	body     func() (io.Reader, string, error)
}

func jsonBody(v any) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, "", goerr.Wrap(err, "failed to encode request body")
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}

// envelope holds the status fields every Rocket.Chat response may carry.
// "message" is error text on failures and a message object on chat calls.
type envelope struct {
	Success   *bool           `json:"success"`
	Status    string          `json:"status"`
	Error     string          `json:"error"`
	ErrorType string          `json:"errorType"`
	Message   json.RawMessage `json:"message"`
}

func (e *envelope) failed() bool {
	return (e.Success != nil && !*e.Success) || e.Status == "error"
}

func (e *envelope) text() string {
	if e.Error != "" {
		return e.Error
	}
	var msg string
	if json.Unmarshal(e.Message, &msg) == nil && msg != "" {
		return msg
	}
	return e.ErrorType
}

func (c *Client) do(ctx context.Context, req apiRequest, out any) error {
	logger := logging.From(ctx).With("endpoint", req.endpoint)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.once(ctx, req, out)
		if err == nil {
			return nil
		}
		kind := KindOf(err)
		if !kind.Retryable() {
			return backoff.Permanent(err)
		}
		logger.Debug("retryable chat server failure", "attempt", attempt, "kind", kind, "error", err)
		return err
	}, policy)

	if err == nil {
		return nil
	}
	if KindOf(err) == "" {
		// context ended while waiting between attempts
		return newError(KindTransientNetwork, req.endpoint, 0, err.Error(), err)
	}
	return err
}

func (c *Client) once(ctx context.Context, req apiRequest, out any) error {
	u, err := endpointURL(req.server, req.endpoint, req.query)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	var contentType string
	if req.body != nil {
		body, contentType, err = req.body()
		if err != nil {
			return newError(KindPermanentReject, req.endpoint, 0, err.Error(), err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return newError(KindPermanentReject, req.endpoint, 0, "failed to build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.creds != nil {
		httpReq.Header.Set("X-User-Id", req.creds.UserID)
		httpReq.Header.Set("X-Auth-Token", req.creds.AuthToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return newError(KindTransientNetwork, req.endpoint, 0, "request failed", err)
	}
	defer safe.Close(ctx, resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return newError(KindTransientNetwork, req.endpoint, resp.StatusCode, "failed to read response", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= 300 {
		text := http.StatusText(resp.StatusCode)
		if decodeErr == nil && env.text() != "" {
			text = env.text()
		}
		return newError(classify(resp.StatusCode, env.ErrorType, text), req.endpoint, resp.StatusCode, text, nil)
	}
	if decodeErr != nil {
		return newError(KindPermanentReject, req.endpoint, resp.StatusCode, "malformed response", decodeErr)
	}
	if env.failed() {
		return newError(classify(resp.StatusCode, env.ErrorType, env.text()), req.endpoint, resp.StatusCode, env.text(), nil)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return newError(KindPermanentReject, req.endpoint, resp.StatusCode, "malformed response", err)
		}
	}
	return nil
}

func endpointURL(server, endpoint string, query url.Values) (string, error) {
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return "", newError(KindPermanentReject, endpoint, 0, "invalid server URL", err)
	}
	u := base.JoinPath("api", "v1", endpoint)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

type loginResponse struct {
	Data struct {
		UserID    string `json:"userId"`
		AuthToken string `json:"authToken"`
	} `json:"data"`
}

func (c *Client) Authenticate(ctx context.Context, server, user, password string) (model.Credentials, error) {
	var resp loginResponse
	err := c.do(ctx, apiRequest{
		method:   http.MethodPost,
		server:   server,
		endpoint: "login",
		body:     jsonBody(map[string]string{"user": user, "password": password}),
	}, &resp)
	if err != nil {
		return model.Credentials{}, err
	}

	creds := model.Credentials{UserID: resp.Data.UserID, AuthToken: resp.Data.AuthToken}
	if !creds.Complete() {
		return model.Credentials{}, newError(KindUnauthorized, "login", 0, "login returned no token", nil)
	}
	return creds, nil
}

type userJSON struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

func (u userJSON) toUser() *User {
	return &User{ID: u.ID, Username: u.Username, Name: u.Name}
}

func (c *Client) Me(ctx context.Context, server string, creds model.Credentials) (*User, error) {
	var resp userJSON
	if err := c.do(ctx, apiRequest{
		method:   http.MethodGet,
		server:   server,
		endpoint: "me",
		creds:    &creds,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.toUser(), nil
}

type messageJSON struct {
	ID        string    `json:"_id"`
	RoomID    string    `json:"rid"`
	Text      string    `json:"msg"`
	Type      string    `json:"t"`
	Alias     string    `json:"alias"`
	EditedAt  time.Time `json:"editedAt"`
	UpdatedAt time.Time `json:"_updatedAt"`
}

type messageResponse struct {
	Message *messageJSON `json:"message"`
}

func (r *messageResponse) toMessage(endpoint string) (*Message, error) {
	if r.Message == nil || r.Message.ID == "" {
		return nil, newError(KindNotFound, endpoint, 0, "response carries no message", nil)
	}
	m := r.Message
	return &Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Text:      m.Text,
		Type:      m.Type,
		Alias:     m.Alias,
		EditedAt:  m.EditedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

// isRoomName reports whether channel addresses a room by name rather than ID
func isRoomName(channel string) bool {
	return strings.HasPrefix(channel, "#") || strings.HasPrefix(channel, "@")
}

func (c *Client) SendMessage(ctx context.Context, server string, creds model.Credentials, msg OutgoingMessage) (*Message, error) {
	body := map[string]string{"text": msg.Text}
	if isRoomName(msg.Channel) {
		body["channel"] = msg.Channel
	} else {
		body["roomId"] = msg.Channel
	}
	if msg.Alias != "" {
		body["alias"] = msg.Alias
	}

	var resp messageResponse
	if err := c.do(ctx, apiRequest{
		method:   http.MethodPost,
		server:   server,
		endpoint: "chat.postMessage",
		creds:    &creds,
		body:     jsonBody(body),
	}, &resp); err != nil {
		return nil, err
	}
	return resp.toMessage("chat.postMessage")
}

func (c *Client) EditMessage(ctx context.Context, server string, creds model.Credentials, roomID, msgID, text string) (*Message, error) {
	var resp messageResponse
	if err := c.do(ctx, apiRequest{
		method:   http.MethodPost,
		server:   server,
		endpoint: "chat.update",
		creds:    &creds,
		body:     jsonBody(map[string]string{"roomId": roomID, "msgId": msgID, "text": text}),
	}, &resp); err != nil {
		return nil, err
	}
	return resp.toMessage("chat.update")
}

func (c *Client) GetMessage(ctx context.Context, server string, creds model.Credentials, msgID string) (*Message, error) {
	var resp messageResponse
	if err := c.do(ctx, apiRequest{
		method:   http.MethodGet,
		server:   server,
		endpoint: "chat.getMessage",
		creds:    &creds,
		query:    url.Values{"msgId": {msgID}},
	}, &resp); err != nil {
		return nil, err
	}
	return resp.toMessage("chat.getMessage")
}

type emojiListResponse struct {
	Emojis struct {
		Update []struct {
			Name    string   `json:"name"`
			Aliases []string `json:"aliases"`
		} `json:"update"`
	} `json:"emojis"`
}

func (c *Client) ListCustomEmoji(ctx context.Context, server string, creds model.Credentials) ([]string, error) {
	var resp emojiListResponse
	if err := c.do(ctx, apiRequest{
		method:   http.MethodGet,
		server:   server,
		endpoint: "emoji-custom.list",
		creds:    &creds,
	}, &resp); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Emojis.Update))
	for _, e := range resp.Emojis.Update {
		names = append(names, e.Name)
		names = append(names, e.Aliases...)
	}
	return names, nil
}

func (c *Client) CreateEmoji(ctx context.Context, server string, creds model.Credentials, emoji NewEmoji) error {
	body := func() (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)

		fileName := emoji.FileName
		if fileName == "" {
			fileName = emoji.Name
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="emoji"; filename="`+escapeQuotes(fileName)+`"`)
		h.Set("Content-Type", emoji.ContentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", goerr.Wrap(err, "failed to create emoji part")
		}
		if _, err := part.Write(emoji.Image); err != nil {
			return nil, "", goerr.Wrap(err, "failed to write emoji image")
		}
		if err := w.WriteField("name", emoji.Name); err != nil {
			return nil, "", goerr.Wrap(err, "failed to write emoji name")
		}
		if err := w.WriteField("aliases", strings.Join(emoji.Aliases, ",")); err != nil {
			return nil, "", goerr.Wrap(err, "failed to write emoji aliases")
		}
		if err := w.Close(); err != nil {
			return nil, "", goerr.Wrap(err, "failed to close multipart body")
		}
		return &buf, w.FormDataContentType(), nil
	}

	return c.do(ctx, apiRequest{
		method:   http.MethodPost,
		server:   server,
		endpoint: "emoji-custom.create",
		creds:    &creds,
		body:     body,
	}, nil)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

type createUserRequest struct {
	Username              string   `json:"username"`
	Name                  string   `json:"name"`
	Email                 string   `json:"email"`
	Password              string   `json:"password"`
	Roles                 []string `json:"roles,omitempty"`
	RequirePasswordChange bool     `json:"requirePasswordChange"`
	Verified              bool     `json:"verified"`
}

type userResponse struct {
	User userJSON `json:"user"`
}

func (c *Client) CreateUser(ctx context.Context, server string, creds model.Credentials, user NewUser) (*User, error) {
	name := user.Name
	if name == "" {
		name = user.Username
	}

	var resp userResponse
	if err := c.do(ctx, apiRequest{
		method:   http.MethodPost,
		server:   server,
		endpoint: "users.create",
		creds:    &creds,
		body: jsonBody(createUserRequest{
			Username:              user.Username,
			Name:                  name,
			Email:                 user.Email,
			Password:              user.Password,
			Roles:                 user.Roles,
			RequirePasswordChange: user.RequirePasswordChange,
			Verified:              true,
		}),
	}, &resp); err != nil {
		return nil, err
	}
	if resp.User.ID == "" {
		return nil, newError(KindPermanentReject, "users.create", 0, "response carries no user", nil)
	}
	return resp.User.toUser(), nil
}

type rolesResponse struct {
	Roles []struct {
		ID          string `json:"_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Scope       string `json:"scope"`
		Protected   bool   `json:"protected"`
	} `json:"roles"`
}

func (c *Client) ListRoles(ctx context.Context, server string, creds model.Credentials) ([]Role, error) {
	var resp rolesResponse
	if err := c.do(ctx, apiRequest{
		method:   http.MethodGet,
		server:   server,
		endpoint: "roles.list",
		creds:    &creds,
	}, &resp); err != nil {
		return nil, err
	}

	roles := make([]Role, 0, len(resp.Roles))
	for _, r := range resp.Roles {
		roles = append(roles, Role{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			Scope:       r.Scope,
			Protected:   r.Protected,
		})
	}
	return roles, nil
}

func (c *Client) AddUserToChannel(ctx context.Context, server string, creds model.Credentials, channel, userID string) error {
	body := map[string]string{"userId": userID}
	if strings.HasPrefix(channel, "#") {
		body["roomName"] = strings.TrimPrefix(channel, "#")
	} else {
		body["roomId"] = channel
	}

	return c.do(ctx, apiRequest{
		method:   http.MethodPost,
		server:   server,
		endpoint: "channels.invite",
		creds:    &creds,
		body:     jsonBody(body),
	}, nil)
}

// IsUnauthorized is a shorthand used by callers that abort on credential failures
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
