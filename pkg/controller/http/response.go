package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
	"github.com/secmon-lab/herald/pkg/usecase"
	"github.com/secmon-lab/herald/pkg/utils/errutil"
	"github.com/secmon-lab/herald/pkg/utils/logging"
)

var errBadRequest = goerr.New("bad request")

var errorStatus = []struct {
	err    error
	status int
}{
	{errBadRequest, http.StatusBadRequest},
	{usecase.ErrInvalidTime, http.StatusBadRequest},
	{usecase.ErrInvalidBody, http.StatusBadRequest},
	{usecase.ErrInvalidChannel, http.StatusBadRequest},
	{usecase.ErrInvalidKind, http.StatusBadRequest},
	{usecase.ErrEmptyItemList, http.StatusBadRequest},
	{usecase.ErrTooManyItems, http.StatusBadRequest},
	{usecase.ErrInvalidItem, http.StatusBadRequest},
	{usecase.ErrMissingCredentials, http.StatusBadRequest},
	{usecase.ErrProvisioningNotConfigured, http.StatusBadRequest},
	{usecase.ErrOnBehalfOfDisabled, http.StatusForbidden},
	{rocketchat.ErrUnauthorized, http.StatusUnauthorized},

	{usecase.ErrWorkspaceNotFound, http.StatusNotFound},
	{usecase.ErrMessageNotFound, http.StatusNotFound},
	{usecase.ErrRunNotFound, http.StatusNotFound},

	{usecase.ErrNotInFailedState, http.StatusConflict},
	{usecase.ErrMessageDispatching, http.StatusConflict},
	{usecase.ErrSentMessageImmutable, http.StatusConflict},
	{usecase.ErrRunNotActive, http.StatusConflict},
	{usecase.ErrRunInProgress, http.StatusConflict},
	{usecase.ErrNoFailedItems, http.StatusConflict},

	{usecase.ErrExternalEditFailed, http.StatusBadGateway},
	{usecase.ErrShuttingDown, http.StatusServiceUnavailable},
}

func statusOf(err error) int {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	errutil.HandleHTTP(r.Context(), w, err, statusOf(err))
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, goerr.Wrap(err, "failed to marshal response"), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.From(r.Context()).Warn("failed to write response", "error", err.Error())
	}
}

// decodeJSON reads a request body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return goerr.Wrap(errBadRequest, "invalid JSON body", goerr.V("cause", err.Error()))
	}
	return nil
}
