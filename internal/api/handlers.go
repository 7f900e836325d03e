package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/chanmgr/internal/model"
)

func idempotencyKey(r *http.Request) string {
	return r.Header.Get(IdempotencyKeyHeader)
}

// Public API.

func (s *server) handleBind(w http.ResponseWriter, r *http.Request) {
	var req model.BindRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.ChannelID = chi.URLParam(r, "channelID")
	req.IdempotencyKey = idempotencyKey(r)

	if err := s.authorizeChannel(r.Context(), req.ChannelID); err != nil {
		s.respondError(w, r, err)
		return
	}
	op, err := s.channels.Bind(r.Context(), req)
	s.respondOperation(w, r, op, err)
}

func (s *server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	var req model.UnbindRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.ChannelID = chi.URLParam(r, "channelID")
	req.IdempotencyKey = idempotencyKey(r)

	if err := s.authorizeChannel(r.Context(), req.ChannelID); err != nil {
		s.respondError(w, r, err)
		return
	}
	op, err := s.channels.Unbind(r.Context(), req)
	s.respondOperation(w, r, op, err)
}

// handleGetOperation returns an operation of a channel the caller owns.
// Operations of destroyed channels, and DESTROY_ALL operations, have no
// owner left and are only visible on the private API.
func (s *server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.channels.GetOperation(r.Context(), chi.URLParam(r, "operationID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if op.ChannelID == "" {
		s.respondError(w, r, model.PermissionDenied("operation %s is not bound to a channel", op.ID))
		return
	}
	if err := s.authorizeChannel(r.Context(), op.ChannelID); err != nil {
		if model.IsNotFound(err) {
			err = model.NotFound("operation %s not found", op.ID)
		}
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// Private API.

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.IdempotencyKey = idempotencyKey(r)

	ch, err := s.channels.Create(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *server) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.IdempotencyKey = idempotencyKey(r)

	ch, err := s.channels.GetOrCreate(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.channels.Status(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	all, err := s.channels.StatusAll(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	op, err := s.channels.Destroy(r.Context(), model.DestroyRequest{
		ChannelID:      chi.URLParam(r, "channelID"),
		IdempotencyKey: idempotencyKey(r),
	})
	s.respondOperation(w, r, op, err)
}

func (s *server) handleDestroyAll(w http.ResponseWriter, r *http.Request) {
	op, err := s.channels.DestroyAll(r.Context(), model.DestroyAllRequest{
		ExecutionID:    chi.URLParam(r, "executionID"),
		IdempotencyKey: idempotencyKey(r),
	})
	s.respondOperation(w, r, op, err)
}

func (s *server) handleTransferCompleted(w http.ResponseWriter, r *http.Request) {
	err := s.channels.TransferCompleted(r.Context(), chi.URLParam(r, "channelID"), chi.URLParam(r, "transferID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transferFailedBody struct {
	Description string `json:"description"`
}

func (s *server) handleTransferFailed(w http.ResponseWriter, r *http.Request) {
	var body transferFailedBody
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.channels.TransferFailed(r.Context(),
		chi.URLParam(r, "channelID"), chi.URLParam(r, "transferID"), body.Description)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.channels.ListActiveOperations(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if ops == nil {
		ops = []model.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *server) handleInternalGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.channels.GetOperation(r.Context(), chi.URLParam(r, "operationID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// maxWait bounds the timeout query parameter of the wait endpoint.
const maxWait = 5 * 60

// handleWaitOperation blocks until the operation is done or the timeout
// (seconds, default 30) elapses, then returns its current state.
func (s *server) handleWaitOperation(w http.ResponseWriter, r *http.Request) {
	seconds := 30
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxWait {
			s.respondError(w, r, model.InvalidArgument("timeout must be between 1 and %d seconds", maxWait))
			return
		}
		seconds = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(seconds)*time.Second)
	defer cancel()
	op, err := s.channels.WaitOperation(ctx, chi.URLParam(r, "operationID"))
	if op.ID == "" {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}
