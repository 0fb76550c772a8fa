package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	httpctrl "github.com/secmon-lab/herald/pkg/controller/http"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/progress"
	"github.com/secmon-lab/herald/pkg/repository/memory"
	"github.com/secmon-lab/herald/pkg/service/emojisource"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
	"github.com/secmon-lab/herald/pkg/usecase"
)

const testWorkspaceID = "test-ws"

// stubGateway implements the calls the handlers reach; others panic
type stubGateway struct {
	rocketchat.Service

	mu      sync.Mutex
	meCalls []model.Credentials
}

func (g *stubGateway) Authenticate(ctx context.Context, server, user, password string) (model.Credentials, error) {
	if password != "correct" {
		return model.Credentials{}, goerr.Wrap(rocketchat.ErrUnauthorized, "invalid password")
	}
	return model.Credentials{UserID: "id-" + user, AuthToken: "token-" + user}, nil
}

func (g *stubGateway) Me(ctx context.Context, server string, creds model.Credentials) (*rocketchat.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.meCalls = append(g.meCalls, creds)
	return &rocketchat.User{ID: creds.UserID}, nil
}

func (g *stubGateway) ListCustomEmoji(ctx context.Context, server string, creds model.Credentials) ([]string, error) {
	return []string{"existing"}, nil
}

func (g *stubGateway) CreateEmoji(ctx context.Context, server string, creds model.Credentials, emoji rocketchat.NewEmoji) error {
	return nil
}

func (g *stubGateway) ListRoles(ctx context.Context, server string, creds model.Credentials) ([]rocketchat.Role, error) {
	return []rocketchat.Role{{ID: "user", Name: "user", Protected: true}}, nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, source string) (*emojisource.Image, error) {
	return &emojisource.Image{Data: []byte("gif"), ContentType: "image/gif"}, nil
}

func newServer(t *testing.T) (*httpctrl.Server, *stubGateway) {
	t.Helper()
	srv, gateway, _ := newServerWithUseCases(t)
	return srv, gateway
}

func newServerWithUseCases(t *testing.T) (*httpctrl.Server, *stubGateway, *usecase.UseCases) {
	t.Helper()
	registry := model.NewWorkspaceRegistry()
	registry.Register(&model.WorkspaceEntry{
		Workspace: model.Workspace{ID: testWorkspaceID, Name: "Test Workspace"},
		ServerURL: "https://chat.example.com",
		Owner:     model.Credentials{UserID: "owner", AuthToken: "owner-token"},
	})
	gateway := &stubGateway{}
	uc := usecase.New(memory.New(), registry, gateway, usecase.WithEmojiFetcher(stubFetcher{}))
	return httpctrl.New(uc), gateway, uc
}

func do(t *testing.T, srv http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		gt.NoError(t, json.NewEncoder(&buf).Encode(body)).Required()
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	gt.NoError(t, json.Unmarshal(w.Body.Bytes(), &v)).Required()
	return v
}

type messageJSON struct {
	ID     string `json:"id"`
	Body   string `json:"body"`
	Status string `json:"status"`
}

func TestServer_Workspaces(t *testing.T) {
	srv, _ := newServer(t)
	w := do(t, srv, http.MethodGet, "/api/workspaces", nil, nil)
	gt.Value(t, w.Code).Equal(http.StatusOK)

	resp := decode[struct {
		Workspaces []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"workspaces"`
	}](t, w)
	gt.Array(t, resp.Workspaces).Length(1).Required()
	gt.Value(t, resp.Workspaces[0].ID).Equal(testWorkspaceID)
}

func TestServer_Messages(t *testing.T) {
	srv, _ := newServer(t)

	w := do(t, srv, http.MethodPost, "/api/workspaces/"+testWorkspaceID+"/messages", map[string]any{
		"channel": "#general",
		"body":    "hello",
		"send_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	}, nil)
	gt.Value(t, w.Code).Equal(http.StatusCreated).Required()
	created := decode[messageJSON](t, w)
	gt.Value(t, created.Status).Equal("PENDING")

	t.Run("get", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/api/messages/"+created.ID, nil, nil)
		gt.Value(t, w.Code).Equal(http.StatusOK)
		gt.Value(t, decode[messageJSON](t, w).Body).Equal("hello")
	})

	t.Run("list by status", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/api/workspaces/"+testWorkspaceID+"/messages?status=PENDING", nil, nil)
		gt.Value(t, w.Code).Equal(http.StatusOK)
		resp := decode[struct {
			Messages []messageJSON `json:"messages"`
		}](t, w)
		gt.Array(t, resp.Messages).Length(1)

		w = do(t, srv, http.MethodGet, "/api/workspaces/"+testWorkspaceID+"/messages?status=LOST", nil, nil)
		gt.Value(t, w.Code).Equal(http.StatusBadRequest)
	})

	t.Run("edit body", func(t *testing.T) {
		w := do(t, srv, http.MethodPatch, "/api/messages/"+created.ID, map[string]any{"body": "hello again"}, nil)
		gt.Value(t, w.Code).Equal(http.StatusOK)
		gt.Value(t, decode[messageJSON](t, w).Body).Equal("hello again")
	})

	t.Run("retry of a pending message conflicts", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/api/messages/"+created.ID+"/retry", nil, nil)
		gt.Value(t, w.Code).Equal(http.StatusConflict)
	})

	t.Run("sync status of an unsent message", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/api/messages/"+created.ID+"/sync", nil, nil)
		gt.Value(t, w.Code).Equal(http.StatusOK)
		gt.Value(t, decode[map[string]string](t, w)["status"]).Equal("UNKNOWN")
	})

	t.Run("past send time", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/api/workspaces/"+testWorkspaceID+"/messages", map[string]any{
			"channel": "#general",
			"body":    "hello",
			"send_at": time.Now().Add(-time.Hour).Format(time.RFC3339),
		}, nil)
		gt.Value(t, w.Code).Equal(http.StatusBadRequest)
	})

	t.Run("unknown workspace", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/api/workspaces/nope/messages", map[string]any{
			"channel": "#general",
			"body":    "hello",
			"send_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		}, nil)
		gt.Value(t, w.Code).Equal(http.StatusNotFound)
	})

	t.Run("unknown field", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/api/workspaces/"+testWorkspaceID+"/messages", map[string]any{"chanel": "#general"}, nil)
		gt.Value(t, w.Code).Equal(http.StatusBadRequest)
	})

	t.Run("delete", func(t *testing.T) {
		w := do(t, srv, http.MethodDelete, "/api/messages/"+created.ID, nil, nil)
		gt.Value(t, w.Code).Equal(http.StatusNoContent)

		w = do(t, srv, http.MethodGet, "/api/messages/"+created.ID, nil, nil)
		gt.Value(t, w.Code).Equal(http.StatusNotFound)
	})
}

func TestServer_BulkStream(t *testing.T) {
	srv, gateway := newServer(t)
	creds := map[string]string{
		httpctrl.HeaderUserID:    "operator",
		httpctrl.HeaderAuthToken: "secret",
	}
	body := map[string]any{
		"items": []map[string]string{
			{"key": "party", "source": "https://img.example.com/party.gif"},
			{"key": "existing", "source": "https://img.example.com/existing.gif"},
		},
	}

	w := do(t, srv, http.MethodPost, "/api/workspaces/"+testWorkspaceID+"/bulk/emoji", body, creds)
	gt.Value(t, w.Code).Equal(http.StatusOK)
	gt.Value(t, w.Header().Get("Content-Type")).Equal(progress.ContentType)
	gt.Value(t, strings.Count(w.Body.String(), "\n")).Equal(6)

	terminal, snap, err := progress.Consume(w.Body, func(progress.Record) error { return nil })
	gt.NoError(t, err).Required()
	gt.Value(t, terminal.Type).Equal(progress.TypeDone)
	gt.Value(t, terminal.Done.Status).Equal(progress.StatusCompleted)
	gt.Value(t, snap.Counters).Equal(progress.Counters{Processed: 2, Succeeded: 1, Skipped: 1})
	gt.Value(t, gateway.meCalls[0]).Equal(model.Credentials{UserID: "operator", AuthToken: "secret"})

	runID := terminal.Done.RunID

	t.Run("run and results", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/api/bulk/"+runID, nil, nil)
		gt.Value(t, w.Code).Equal(http.StatusOK)
		run := decode[map[string]any](t, w)
		gt.Value(t, run["state"]).Equal("COMPLETED")

		w = do(t, srv, http.MethodGet, "/api/bulk/"+runID+"/results", nil, nil)
		gt.Value(t, w.Code).Equal(http.StatusOK)
		results := decode[struct {
			Results []struct {
				Item    string `json:"item"`
				Outcome string `json:"outcome"`
			} `json:"results"`
		}](t, w)
		gt.Array(t, results.Results).Length(2).Required()
		gt.Value(t, results.Results[0].Outcome).Equal("UPLOADED")
		gt.Value(t, results.Results[1].Outcome).Equal("SKIPPED_EXISTS")
	})

	t.Run("finished run cannot be cancelled", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/api/bulk/"+runID+"/cancel", nil, nil)
		gt.Value(t, w.Code).Equal(http.StatusConflict)
	})

	t.Run("nothing to retry", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/api/bulk/"+runID+"/retry-failed", map[string]any{}, creds)
		gt.Value(t, w.Code).Equal(http.StatusConflict)
	})

	t.Run("login in the body", func(t *testing.T) {
		withLogin := map[string]any{
			"items": body["items"],
			"login": map[string]string{"user": "alice", "password": "correct"},
		}
		w := do(t, srv, http.MethodPost, "/api/workspaces/"+testWorkspaceID+"/bulk/EMOJI_IMPORT", withLogin, nil)
		gt.Value(t, w.Code).Equal(http.StatusOK)
		gt.Value(t, gateway.meCalls[len(gateway.meCalls)-1].UserID).Equal("id-alice")

		withLogin["login"] = map[string]string{"user": "alice", "password": "wrong"}
		w = do(t, srv, http.MethodPost, "/api/workspaces/"+testWorkspaceID+"/bulk/emoji", withLogin, nil)
		gt.Value(t, w.Code).Equal(http.StatusUnauthorized)
	})

	t.Run("validation errors are plain responses", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/api/workspaces/"+testWorkspaceID+"/bulk/emoji", body, nil)
		gt.Value(t, w.Code).Equal(http.StatusBadRequest)
		gt.String(t, w.Header().Get("Content-Type")).NotContains(progress.ContentType)

		w = do(t, srv, http.MethodPost, "/api/workspaces/"+testWorkspaceID+"/bulk/emoji", map[string]any{"items": []any{}}, creds)
		gt.Value(t, w.Code).Equal(http.StatusBadRequest)

		w = do(t, srv, http.MethodPost, "/api/workspaces/"+testWorkspaceID+"/bulk/stickers", body, creds)
		gt.Value(t, w.Code).Equal(http.StatusBadRequest)
	})

	t.Run("unknown run", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/api/bulk/missing", nil, nil)
		gt.Value(t, w.Code).Equal(http.StatusNotFound)
	})

	t.Run("roles", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/api/workspaces/"+testWorkspaceID+"/roles", nil, creds)
		gt.Value(t, w.Code).Equal(http.StatusOK)
	})
}

func TestServer_BulkRefusedWhileDraining(t *testing.T) {
	srv, _, uc := newServerWithUseCases(t)
	gt.NoError(t, uc.Bulk.Drain(context.Background())).Required()

	creds := map[string]string{
		httpctrl.HeaderUserID:    "operator",
		httpctrl.HeaderAuthToken: "secret",
	}
	body := map[string]any{
		"items": []map[string]string{{"key": "party", "source": "https://img.example.com/party.gif"}},
	}
	w := do(t, srv, http.MethodPost, "/api/workspaces/"+testWorkspaceID+"/bulk/emoji", body, creds)
	gt.Value(t, w.Code).Equal(http.StatusServiceUnavailable)
	gt.String(t, w.Header().Get("Content-Type")).NotContains(progress.ContentType)
}
