package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"github.com/secmon-lab/herald/pkg/progress"
	"github.com/secmon-lab/herald/pkg/usecase"
)

// Execution credentials of a bulk run
const (
	HeaderUserID    = "X-RC-User-Id"
	HeaderAuthToken = "X-RC-Auth-Token"
)

var kindAliases = map[string]types.BulkKind{
	"emoji": types.BulkKindEmojiImport,
	"users": types.BulkKindUserProvision,
}

func parseKind(s string) (types.BulkKind, error) {
	if kind, ok := kindAliases[strings.ToLower(s)]; ok {
		return kind, nil
	}
	kind, err := types.ParseBulkKind(s)
	if err != nil {
		return "", goerr.Wrap(usecase.ErrInvalidKind, err.Error())
	}
	return kind, nil
}

type loginRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// credentials takes execution credentials from the headers, or logs in with
// the body's user and password when the headers are absent.
func (s *Server) credentials(r *http.Request, workspaceID string, login *loginRequest) (model.Credentials, error) {
	creds := model.Credentials{
		UserID:    r.Header.Get(HeaderUserID),
		AuthToken: r.Header.Get(HeaderAuthToken),
	}
	if !creds.IsZero() || login == nil {
		return creds, nil
	}
	return s.uc.Bulk.Login(r.Context(), workspaceID, login.User, login.Password)
}

// streamWriter sends the status line and NDJSON headers with the first
// record, so validation errors can still use a plain error response.
type streamWriter struct {
	w       http.ResponseWriter
	started bool
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", progress.ContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	return s.w.Write(p)
}

func (s *streamWriter) Flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) startBulkRun(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "ws")
	kind, err := parseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		Items []struct {
			Key    string `json:"key"`
			Source string `json:"source"`
		} `json:"items"`
		Options struct {
			Channel     string   `json:"channel"`
			Roles       []string `json:"roles"`
			FoldResults bool     `json:"fold_results"`
		} `json:"options"`
		Login     *loginRequest `json:"login"`
		CreatedBy string        `json:"created_by"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	creds, err := s.credentials(r, workspaceID, req.Login)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]model.BulkItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = model.BulkItem{Key: item.Key, Source: item.Source}
	}

	stream := &streamWriter{w: w}
	_, err = s.uc.Bulk.StartBulkRun(r.Context(), usecase.StartInput{
		WorkspaceID: workspaceID,
		Kind:        kind,
		Items:       items,
		Options: model.BulkOptions{
			Channel:     req.Options.Channel,
			Roles:       req.Options.Roles,
			FoldResults: req.Options.FoldResults,
		},
		Credentials: creds,
		CreatedBy:   req.CreatedBy,
	}, progress.NewWriter(stream))
	if err != nil && !stream.started {
		writeError(w, r, err)
	}
}

func (s *Server) retryFailedItems(w http.ResponseWriter, r *http.Request) {
	runID := model.BulkRunID(chi.URLParam(r, "runID"))

	var req struct {
		IncludeUnprocessed bool          `json:"include_unprocessed"`
		Login              *loginRequest `json:"login"`
		CreatedBy          string        `json:"created_by"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	run, err := s.uc.Bulk.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	creds, err := s.credentials(r, run.WorkspaceID, req.Login)
	if err != nil {
		writeError(w, r, err)
		return
	}

	stream := &streamWriter{w: w}
	_, err = s.uc.Bulk.RetryFailedItems(r.Context(), usecase.RetryInput{
		RunID:              runID,
		Credentials:        creds,
		IncludeUnprocessed: req.IncludeUnprocessed,
		CreatedBy:          req.CreatedBy,
	}, progress.NewWriter(stream))
	if err != nil && !stream.started {
		writeError(w, r, err)
	}
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := model.BulkRunID(chi.URLParam(r, "runID"))
	if err := s.uc.Bulk.CancelBulkRun(r.Context(), runID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, struct {
		RunID           string `json:"run_id"`
		CancelRequested bool   `json:"cancel_requested"`
	}{RunID: runID.String(), CancelRequested: true})
}

type runResponse struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	WorkspaceID string            `json:"workspace_id"`
	State       string            `json:"state"`
	AbortCause  string            `json:"abort_cause,omitempty"`
	FatalError  string            `json:"fatal_error,omitempty"`
	ParentRunID string            `json:"parent_run_id,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
	Total       int               `json:"total"`
	Checkpoint  int               `json:"checkpoint"`
	Counters    progress.Counters `json:"counters"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`

	CancelRequested bool `json:"cancel_requested,omitempty"`
}

func toRunResponse(run *model.BulkRun) runResponse {
	resp := runResponse{
		ID:          run.ID.String(),
		Kind:        run.Kind.String(),
		WorkspaceID: run.WorkspaceID,
		State:       run.State.String(),
		AbortCause:  string(run.AbortCause),
		FatalError:  run.FatalError,
		ParentRunID: run.ParentRunID.String(),
		CreatedBy:   run.CreatedBy,
		Total:       run.Total(),
		Checkpoint:  run.Checkpoint,
		Counters: progress.Counters{
			Processed: run.Counters.Processed,
			Succeeded: run.Counters.Succeeded,
			Skipped:   run.Counters.Skipped,
			Errored:   run.Counters.Errored,
		},
		StartedAt:       run.StartedAt,
		CancelRequested: run.CancelRequested,
	}
	if !run.FinishedAt.IsZero() {
		finishedAt := run.FinishedAt
		resp.FinishedAt = &finishedAt
	}
	return resp
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.uc.Bulk.GetRun(r.Context(), model.BulkRunID(chi.URLParam(r, "runID")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toRunResponse(run))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.uc.Bulk.ListRuns(r.Context(), chi.URLParam(r, "ws"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := struct {
		Runs []runResponse `json:"runs"`
	}{Runs: make([]runResponse, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = toRunResponse(run)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) listItemResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.uc.Bulk.ListItemResults(r.Context(), model.BulkRunID(chi.URLParam(r, "runID")))
	if err != nil {
		writeError(w, r, err)
		return
	}

	type resultResponse struct {
		progress.Result
		At time.Time `json:"at"`
	}
	resp := struct {
		Results []resultResponse `json:"results"`
	}{Results: make([]resultResponse, len(results))}
	for i, res := range results {
		resp.Results[i] = resultResponse{
			Result: progress.Result{
				Index:   res.Index,
				Item:    res.Item,
				Outcome: res.Outcome.Tag(),
				Reason:  res.Outcome.Reason,
			},
			At: res.At,
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "ws")
	creds, err := s.credentials(r, workspaceID, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}

	roles, err := s.uc.Bulk.ListRoles(r.Context(), workspaceID, creds)
	if err != nil {
		writeError(w, r, err)
		return
	}

	type roleResponse struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Scope       string `json:"scope,omitempty"`
		Protected   bool   `json:"protected"`
	}
	resp := struct {
		Roles []roleResponse `json:"roles"`
	}{Roles: make([]roleResponse, len(roles))}
	for i, role := range roles {
		resp.Roles[i] = roleResponse{
			ID:          role.ID,
			Name:        role.Name,
			Description: role.Description,
			Scope:       role.Scope,
			Protected:   role.Protected,
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}
