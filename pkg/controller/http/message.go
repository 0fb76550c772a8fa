package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"github.com/secmon-lab/herald/pkg/usecase"
)

type messageResponse struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Channel     string     `json:"channel"`
	Body        string     `json:"body"`
	SendAt      time.Time  `json:"send_at"`
	Status      string     `json:"status"`
	ExternalRef string     `json:"external_ref,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	OnBehalfOf  string     `json:"on_behalf_of,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	RetryCount  int        `json:"retry_count"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toMessageResponse(m *model.ScheduledMessage) messageResponse {
	resp := messageResponse{
		ID:          m.ID.String(),
		WorkspaceID: m.WorkspaceID,
		Channel:     m.Channel,
		Body:        m.Body,
		SendAt:      m.SendAt,
		Status:      m.Status.String(),
		ExternalRef: m.ExternalRef,
		LastError:   m.LastError,
		OnBehalfOf:  m.OnBehalfOf,
		CreatedBy:   m.CreatedBy,
		RetryCount:  m.RetryCount,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if !m.SentAt.IsZero() {
		sentAt := m.SentAt
		resp.SentAt = &sentAt
	}
	return resp
}

func (s *Server) scheduleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel    string    `json:"channel"`
		Body       string    `json:"body"`
		SendAt     time.Time `json:"send_at"`
		OnBehalfOf string    `json:"on_behalf_of"`
		CreatedBy  string    `json:"created_by"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	msg, err := s.uc.Delivery.ScheduleMessage(r.Context(), usecase.ScheduleInput{
		WorkspaceID: chi.URLParam(r, "ws"),
		Channel:     req.Channel,
		Body:        req.Body,
		SendAt:      req.SendAt,
		OnBehalfOf:  req.OnBehalfOf,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, toMessageResponse(msg))
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	var status *types.MessageStatus
	if q := r.URL.Query().Get("status"); q != "" {
		parsed, err := types.ParseMessageStatus(q)
		if err != nil {
			writeError(w, r, goerr.Wrap(errBadRequest, err.Error()))
			return
		}
		status = &parsed
	}

	msgs, err := s.uc.Delivery.ListMessages(r.Context(), chi.URLParam(r, "ws"), status)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := struct {
		Messages []messageResponse `json:"messages"`
	}{Messages: make([]messageResponse, len(msgs))}
	for i, m := range msgs {
		resp.Messages[i] = toMessageResponse(m)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func messageID(r *http.Request) model.ScheduledMessageID {
	return model.ScheduledMessageID(chi.URLParam(r, "id"))
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.uc.Delivery.GetMessage(r.Context(), messageID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toMessageResponse(msg))
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body    *string    `json:"body"`
		SendAt  *time.Time `json:"send_at"`
		Channel *string    `json:"channel"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	msg, err := s.uc.Delivery.EditMessage(r.Context(), messageID(r), usecase.EditInput{
		Body:    req.Body,
		SendAt:  req.SendAt,
		Channel: req.Channel,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toMessageResponse(msg))
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.uc.Delivery.DeleteMessage(r.Context(), messageID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.uc.Delivery.RetryMessage(r.Context(), messageID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toMessageResponse(msg))
}

type syncStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	id := messageID(r)
	status, err := s.uc.Reconcile.GetExternalSyncStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, syncStatusResponse{ID: id.String(), Status: status.String()})
}

func (s *Server) reconcileMany(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ids := make([]model.ScheduledMessageID, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = model.ScheduledMessageID(id)
	}
	statuses := s.uc.Reconcile.ReconcileMany(r.Context(), ids)

	resp := struct {
		Statuses []syncStatusResponse `json:"statuses"`
	}{Statuses: make([]syncStatusResponse, len(ids))}
	for i, id := range ids {
		resp.Statuses[i] = syncStatusResponse{ID: id.String(), Status: statuses[id].String()}
	}
	writeJSON(w, r, http.StatusOK, resp)
}
