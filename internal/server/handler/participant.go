package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/groupcart/groupcart/internal/domain"
)

// ParticipantService defines the methods that the participant handler
// requires from the coordination engine.
type ParticipantService interface {
	Join(ctx context.Context, sessionID, userID string, quantity int, variants map[string]string) (domain.Participant, error)
	Leave(ctx context.Context, sessionID, userID, reason string) error
	Charge(ctx context.Context, participantID, method string) error
	Refund(ctx context.Context, participantID, reason string) error
	ListUserParticipations(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Participant, error)
}

// ParticipantHandler serves join/leave and payment HTTP endpoints.
type ParticipantHandler struct {
	parts  ParticipantService
	logger *slog.Logger
}

// NewParticipantHandler creates a ParticipantHandler with the given service
// and logger.
func NewParticipantHandler(parts ParticipantService, logger *slog.Logger) *ParticipantHandler {
	return &ParticipantHandler{
		parts:  parts,
		logger: logger,
	}
}

// joinRequest is the JSON body for joining a session.
type joinRequest struct {
	UserID   string            `json:"user_id"`
	Quantity int               `json:"quantity"`
	Variants map[string]string `json:"variants,omitempty"`
}

// Join admits a user into a session with the requested quantity.
// POST /api/sessions/{id}/join
func (h *ParticipantHandler) Join(w http.ResponseWriter, r *http.Request) {
	sessionID := pathParam(r, "id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	part, err := h.parts.Join(r.Context(), sessionID, req.UserID, req.Quantity, req.Variants)
	if err != nil {
		if status := statusForError(err); status != 0 {
			writeError(w, status, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: join failed",
			slog.String("session_id", sessionID),
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to join session")
		return
	}

	writeJSON(w, http.StatusCreated, part)
}

// leaveRequest is the JSON body for leaving a session.
type leaveRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// Leave withdraws a user's commitment from a session. A paid participant is
// refunded through the outbox.
// POST /api/sessions/{id}/leave
func (h *ParticipantHandler) Leave(w http.ResponseWriter, r *http.Request) {
	sessionID := pathParam(r, "id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "left by user"
	}

	if err := h.parts.Leave(r.Context(), sessionID, req.UserID, req.Reason); err != nil {
		if status := statusForError(err); status != 0 {
			writeError(w, status, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: leave failed",
			slog.String("session_id", sessionID),
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to leave session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "left",
		"session_id": sessionID,
		"user_id":    req.UserID,
	})
}

// chargeRequest is the JSON body for charging a participant.
type chargeRequest struct {
	Method string `json:"method"`
}

// Charge collects payment for a pending participant. Charging an already
// paid participant is a no-op.
// POST /api/participants/{id}/charge
func (h *ParticipantHandler) Charge(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing participant id")
		return
	}

	var req chargeRequest
	// The body is optional; the gateway applies its default method.
	json.NewDecoder(r.Body).Decode(&req)

	if err := h.parts.Charge(r.Context(), id, req.Method); err != nil {
		if status := statusForError(err); status != 0 {
			writeError(w, status, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: charge failed",
			slog.String("participant_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to charge participant")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "paid",
		"participant_id": id,
	})
}

// refundRequest is the JSON body for refunding a participant.
type refundRequest struct {
	Reason string `json:"reason"`
}

// Refund schedules a refund for a paid participant. Repeating the request
// after the refund settled is a no-op.
// POST /api/participants/{id}/refund
func (h *ParticipantHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing participant id")
		return
	}

	var req refundRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "requested via api"
	}

	if err := h.parts.Refund(r.Context(), id, req.Reason); err != nil {
		if status := statusForError(err); status != 0 {
			writeError(w, status, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: refund failed",
			slog.String("participant_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to refund participant")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "refund_scheduled",
		"participant_id": id,
	})
}

// listParticipationsResponse wraps the user participation history response.
type listParticipationsResponse struct {
	Participations []domain.Participant `json:"participations"`
}

// ListUserParticipations returns a user's participation history across
// sessions, newest first.
// GET /api/users/{id}/participations
func (h *ParticipantHandler) ListUserParticipations(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	opts := parseListOpts(r)
	parts, err := h.parts.ListUserParticipations(r.Context(), userID, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list participations failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list participations")
		return
	}

	if parts == nil {
		parts = []domain.Participant{}
	}

	writeJSON(w, http.StatusOK, listParticipationsResponse{Participations: parts})
}
