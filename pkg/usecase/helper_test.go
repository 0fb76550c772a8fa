package usecase_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/progress"
	"github.com/secmon-lab/herald/pkg/repository/memory"
	"github.com/secmon-lab/herald/pkg/service/emojisource"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
	"github.com/secmon-lab/herald/pkg/usecase"
)

const (
	testWorkspaceID = "test-ws"
	testServerURL   = "https://chat.example.com"
)

var (
	testOwner = model.Credentials{UserID: "owner-id", AuthToken: "owner-token"}
	testCreds = model.Credentials{UserID: "operator-id", AuthToken: "operator-token"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGateway is an in-memory chat server. Fn fields override the default behavior.
type fakeGateway struct {
	mu sync.Mutex

	meFn          func(creds model.Credentials) error
	sendFn        func(msg rocketchat.OutgoingMessage) error
	editFn        func(roomID, msgID, text string) error
	getFn         func(msgID string) (*rocketchat.Message, error)
	listEmojiFn   func() ([]string, error)
	createEmojiFn func(emoji rocketchat.NewEmoji) error
	createUserFn  func(user rocketchat.NewUser) error
	addToChanFn   func(channel, userID string) error

	messages map[string]*rocketchat.Message
	emoji    map[string]struct{}
	users    map[string]struct{}

	sent        []rocketchat.OutgoingMessage
	sendCreds   []model.Credentials
	edits       []string
	uploads     []rocketchat.NewEmoji
	createdUser []rocketchat.NewUser
	invites     []string
}

var _ rocketchat.Service = &fakeGateway{}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		messages: make(map[string]*rocketchat.Message),
		emoji:    make(map[string]struct{}),
		users:    make(map[string]struct{}),
	}
}

func (g *fakeGateway) Authenticate(ctx context.Context, server, user, password string) (model.Credentials, error) {
	return model.Credentials{UserID: user, AuthToken: "token"}, nil
}

func (g *fakeGateway) Me(ctx context.Context, server string, creds model.Credentials) (*rocketchat.User, error) {
	if g.meFn != nil {
		if err := g.meFn(creds); err != nil {
			return nil, err
		}
	}
	return &rocketchat.User{ID: creds.UserID, Username: "operator"}, nil
}

func (g *fakeGateway) SendMessage(ctx context.Context, server string, creds model.Credentials, msg rocketchat.OutgoingMessage) (*rocketchat.Message, error) {
	if g.sendFn != nil {
		if err := g.sendFn(msg); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, msg)
	g.sendCreds = append(g.sendCreds, creds)
	posted := &rocketchat.Message{
		ID:     fmt.Sprintf("rc-%d", len(g.sent)),
		RoomID: "room-" + strings.TrimPrefix(msg.Channel, "#"),
		Text:   msg.Text,
		Alias:  msg.Alias,
	}
	g.messages[posted.ID] = posted
	copied := *posted
	return &copied, nil
}

func (g *fakeGateway) EditMessage(ctx context.Context, server string, creds model.Credentials, roomID, msgID, text string) (*rocketchat.Message, error) {
	if g.editFn != nil {
		if err := g.editFn(roomID, msgID, text); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.messages[msgID]
	if !ok || m.RoomID != roomID {
		return nil, goerr.Wrap(rocketchat.ErrNotFound, "no such message")
	}
	m.Text = text
	g.edits = append(g.edits, msgID)
	copied := *m
	return &copied, nil
}

func (g *fakeGateway) GetMessage(ctx context.Context, server string, creds model.Credentials, msgID string) (*rocketchat.Message, error) {
	if g.getFn != nil {
		return g.getFn(msgID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.messages[msgID]
	if !ok {
		return nil, goerr.Wrap(rocketchat.ErrNotFound, "no such message")
	}
	copied := *m
	return &copied, nil
}

// setText simulates someone editing the message directly in chat
func (g *fakeGateway) setText(msgID, text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages[msgID].Text = text
}

func (g *fakeGateway) remove(msgID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.messages, msgID)
}

func (g *fakeGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func (g *fakeGateway) ListCustomEmoji(ctx context.Context, server string, creds model.Credentials) ([]string, error) {
	if g.listEmojiFn != nil {
		return g.listEmojiFn()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.emoji))
	for name := range g.emoji {
		names = append(names, name)
	}
	return names, nil
}

func (g *fakeGateway) CreateEmoji(ctx context.Context, server string, creds model.Credentials, emoji rocketchat.NewEmoji) error {
	if g.createEmojiFn != nil {
		if err := g.createEmojiFn(emoji); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.emoji[emoji.Name]; ok {
		return goerr.Wrap(rocketchat.ErrAlreadyExists, "emoji name already in use")
	}
	g.emoji[emoji.Name] = struct{}{}
	g.uploads = append(g.uploads, emoji)
	return nil
}

func (g *fakeGateway) CreateUser(ctx context.Context, server string, creds model.Credentials, user rocketchat.NewUser) (*rocketchat.User, error) {
	if g.createUserFn != nil {
		if err := g.createUserFn(user); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	key := strings.ToLower(user.Username)
	if _, ok := g.users[key]; ok {
		return nil, goerr.Wrap(rocketchat.ErrAlreadyExists, "username already in use")
	}
	g.users[key] = struct{}{}
	g.createdUser = append(g.createdUser, user)
	return &rocketchat.User{ID: "uid-" + key, Username: user.Username, Name: user.Name}, nil
}

func (g *fakeGateway) ListRoles(ctx context.Context, server string, creds model.Credentials) ([]rocketchat.Role, error) {
	return []rocketchat.Role{
		{ID: "admin", Name: "admin", Scope: "Users", Protected: true},
		{ID: "user", Name: "user", Scope: "Users", Protected: true},
	}, nil
}

func (g *fakeGateway) AddUserToChannel(ctx context.Context, server string, creds model.Credentials, channel, userID string) error {
	if g.addToChanFn != nil {
		if err := g.addToChanFn(channel, userID); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.invites = append(g.invites, channel+":"+userID)
	return nil
}

// stubFetcher serves an image for every source except those listed in fail
type stubFetcher struct {
	fail map[string]error
}

func (f *stubFetcher) Fetch(ctx context.Context, source string) (*emojisource.Image, error) {
	if err, ok := f.fail[source]; ok {
		return nil, err
	}
	return &emojisource.Image{Data: []byte("png-data"), ContentType: "image/png", FileName: "e.png"}, nil
}

// recordSink collects emitted records. onEmit may fail a write.
type recordSink struct {
	mu      sync.Mutex
	records []progress.Record
	onEmit  func(rec progress.Record) error
}

func (s *recordSink) Emit(ctx context.Context, rec progress.Record) error {
	if s.onEmit != nil {
		if err := s.onEmit(rec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordSink) types() []progress.RecordType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]progress.RecordType, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.Type
	}
	return out
}

func (s *recordSink) last() progress.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[len(s.records)-1]
}

func (s *recordSink) ofType(t progress.RecordType) []progress.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []progress.Record
	for _, rec := range s.records {
		if rec.Type == t {
			out = append(out, rec)
		}
	}
	return out
}

type testEnv struct {
	repo     *memory.Memory
	registry *model.WorkspaceRegistry
	gateway  *fakeGateway
	clock    *fakeClock
	uc       *usecase.UseCases
}

func newTestEnv(opts ...usecase.Option) *testEnv {
	env := &testEnv{
		repo:     memory.New(),
		registry: model.NewWorkspaceRegistry(),
		gateway:  newFakeGateway(),
		clock:    newFakeClock(),
	}
	env.registry.Register(&model.WorkspaceEntry{
		Workspace:          model.Workspace{ID: testWorkspaceID, Name: "Test Workspace"},
		ServerURL:          testServerURL,
		Owner:              testOwner,
		EmailDomain:        "example.com",
		ProvisioningSecret: "provisioning-secret",
		AllowOnBehalfOf:    true,
	})

	opts = append([]usecase.Option{
		usecase.WithClock(env.clock.Now),
		usecase.WithEmojiFetcher(&stubFetcher{}),
	}, opts...)
	env.uc = usecase.New(env.repo, env.registry, env.gateway, opts...)
	return env
}

// peer builds a second instance on the same store, chat server and clock
func (env *testEnv) peer(opts ...usecase.Option) *usecase.UseCases {
	opts = append([]usecase.Option{
		usecase.WithClock(env.clock.Now),
		usecase.WithEmojiFetcher(&stubFetcher{}),
	}, opts...)
	return usecase.New(env.repo, env.registry, env.gateway, opts...)
}
