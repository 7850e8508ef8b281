package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
	"github.com/yourhiddentrip/tripcollab/internal/service"
	httpmw "github.com/yourhiddentrip/tripcollab/internal/transport/http/middleware"
)

type SessionSvc interface {
	Join(ctx context.Context, in service.JoinInput) (service.JoinOutput, error)
	Updates(ctx context.Context, sessionID, userID string, since int64, limit int) ([]domain.Update, error)
	Act(ctx context.Context, sessionID, userID string, t domain.UpdateType, data json.RawMessage) (domain.Update, error)
	Leave(ctx context.Context, sessionID, userID string) error
	Participants(ctx context.Context, sessionID string) ([]domain.Participant, error)
}

type Handler struct {
	svc SessionSvc
}

func NewHandler(svc SessionSvc) *Handler {
	return &Handler{svc: svc}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		httpmw.L(r.Context()).Error(op, slog.Any("err", err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// POST /sessions
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	h.join(w, r, "")
}

// POST /sessions/{id}/join
func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	h.join(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}
	out, err := h.svc.Join(r.Context(), service.JoinInput{
		SessionID: sessionID,
		TripID:    req.TripID,
		UserID:    req.UserID,
		Name:      req.UserName,
		Avatar:    req.UserAvatar,
	})
	if err != nil {
		writeError(w, r, "handler.Join", err)
		return
	}

	status := http.StatusOK
	if sessionID == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, JoinResponse{
		UserID:    out.UserID,
		Token:     out.Token,
		Watermark: out.Watermark,
		Session: SessionItem{
			ID:           out.Session.ID,
			TripID:       out.Session.TripID,
			Participants: toParticipantItems(out.Participants),
			CreatedAt:    out.Session.CreatedAt,
		},
	})
}

// GET /sessions/{id}/updates?since=&limit=
func (h *Handler) Updates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since int64
	if s := q.Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid since"})
			return
		}
		since = n
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	us, err := h.svc.Updates(r.Context(), chi.URLParam(r, "id"), httpmw.UserIDFromCtx(r.Context()), since, limit)
	if err != nil {
		writeError(w, r, "handler.Updates", err)
		return
	}
	if us == nil {
		us = []domain.Update{}
	}
	writeJSON(w, http.StatusOK, UpdatesResponse{Updates: us})
}

// POST /sessions/{id}/actions
func (h *Handler) Act(w http.ResponseWriter, r *http.Request) {
	userID := httpmw.UserIDFromCtx(r.Context())
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}
	if req.UserID != "" && req.UserID != userID {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "user_id does not match token"})
		return
	}

	u, err := h.svc.Act(r.Context(), chi.URLParam(r, "id"), userID, req.ActionType, req.ActionData)
	if err != nil {
		writeError(w, r, "handler.Act", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ActionResponse{Status: "ok", Watermark: u.Timestamp})
}

// POST /sessions/{id}/leave
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Leave(r.Context(), chi.URLParam(r, "id"), httpmw.UserIDFromCtx(r.Context())); err != nil {
		writeError(w, r, "handler.Leave", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// GET /sessions/{id}/participants
func (h *Handler) Participants(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.Participants(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "handler.Participants", err)
		return
	}
	writeJSON(w, http.StatusOK, ParticipantsResponse{Items: toParticipantItems(ps)})
}
