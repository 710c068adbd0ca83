package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
	"github.com/groupcart/groupcart/internal/pricing"
)

// SessionService defines the methods that the session handler requires from
// the coordination engine.
type SessionService interface {
	CreateSession(ctx context.Context, spec domain.SessionSpec) (domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	ListSessions(ctx context.Context, status domain.SessionStatus, opts domain.ListOpts) ([]domain.Session, error)
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	Progress(ctx context.Context, sessionID string) (int, error)
	TimeRemaining(ctx context.Context, sessionID string, now time.Time) (time.Duration, error)
	CanJoin(ctx context.Context, sessionID string) (bool, error)
	Cancel(ctx context.Context, sessionID, reason string) error
	CompleteFulfillment(ctx context.Context, sessionID string) error
}

// SessionHandler serves session lifecycle HTTP endpoints.
type SessionHandler struct {
	sessions SessionService
	clock    domain.Clock
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler with the given service and logger.
func NewSessionHandler(sessions SessionService, clock domain.Clock, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		clock:    clock,
		logger:   logger,
	}
}

// createSessionRequest is the JSON body for creating a session.
type createSessionRequest struct {
	ProductID   string `json:"product_id"`
	OrganizerID string `json:"organizer_id"`
	Title       string `json:"title"`

	TargetSize   int `json:"target_size"`
	MaxGroupSize int `json:"max_group_size"`

	RecruitmentStart     time.Time `json:"recruitment_start"`
	RecruitmentEnd       time.Time `json:"recruitment_end"`
	ConfirmationDeadline time.Time `json:"confirmation_deadline"`
	PaymentDeadline      time.Time `json:"payment_deadline"`
	DeliveryStart        time.Time `json:"delivery_start,omitzero"`
	DeliveryEnd          time.Time `json:"delivery_end,omitzero"`

	PriceBreaks []domain.PriceBreak `json:"price_breaks"`
}

// CreateSession opens a new group-purchase session.
// POST /api/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.ProductID == "" || req.OrganizerID == "" {
		writeError(w, http.StatusBadRequest, "product_id and organizer_id are required")
		return
	}

	session, err := h.sessions.CreateSession(r.Context(), domain.SessionSpec{
		ProductID:            req.ProductID,
		OrganizerID:          req.OrganizerID,
		Title:                req.Title,
		TargetSize:           req.TargetSize,
		MaxGroupSize:         req.MaxGroupSize,
		RecruitmentStart:     req.RecruitmentStart,
		RecruitmentEnd:       req.RecruitmentEnd,
		ConfirmationDeadline: req.ConfirmationDeadline,
		PaymentDeadline:      req.PaymentDeadline,
		DeliveryStart:        req.DeliveryStart,
		DeliveryEnd:          req.DeliveryEnd,
		PriceBreaks:          req.PriceBreaks,
	})
	if err != nil {
		if status := statusForError(err); status != 0 {
			writeError(w, status, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: create session failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// GetSession returns a single session by ID.
// GET /api/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	session, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		if status := statusForError(err); status != 0 {
			writeError(w, status, "session not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get session failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// listSessionsResponse wraps the list sessions response.
type listSessionsResponse struct {
	Sessions []domain.Session `json:"sessions"`
}

// ListSessions returns active sessions, or sessions in a specific status.
// GET /api/sessions?status=recruiting&limit=50&offset=0
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	status := domain.SessionStatus(r.URL.Query().Get("status"))
	opts := parseListOpts(r)

	sessions, err := h.sessions.ListSessions(r.Context(), status, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list sessions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	if sessions == nil {
		sessions = []domain.Session{}
	}

	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions})
}

// listParticipantsResponse wraps the participant roster response.
type listParticipantsResponse struct {
	Participants []domain.Participant `json:"participants"`
}

// ListParticipants returns the full participant roster of a session,
// cancelled records included.
// GET /api/sessions/{id}/participants
func (h *SessionHandler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	parts, err := h.sessions.ListParticipants(r.Context(), id)
	if err != nil {
		if status := statusForError(err); status != 0 {
			writeError(w, status, "session not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: list participants failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list participants")
		return
	}

	if parts == nil {
		parts = []domain.Participant{}
	}

	writeJSON(w, http.StatusOK, listParticipantsResponse{Participants: parts})
}

// progressResponse reports recruitment progress for a session.
type progressResponse struct {
	SessionID            string `json:"session_id"`
	Status               string `json:"status"`
	Progress             int    `json:"progress"`
	CurrentSize          int    `json:"current_size"`
	TargetSize           int    `json:"target_size"`
	MaxGroupSize         int    `json:"max_group_size"`
	Remaining            int    `json:"remaining"`
	TimeRemainingSeconds int64  `json:"time_remaining_seconds"`
	UnitPriceCents       int64  `json:"unit_price_cents,omitempty"`
	SavingsCents         int64  `json:"savings_cents,omitempty"`
}

// GetProgress returns recruitment progress and time left in the window.
// GET /api/sessions/{id}/progress
func (h *SessionHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	session, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		if status := statusForError(err); status != 0 {
			writeError(w, status, "session not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get progress failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get progress")
		return
	}

	left, err := h.sessions.TimeRemaining(r.Context(), id, h.clock.Now())
	if err != nil {
		left = 0
	}

	resp := progressResponse{
		SessionID:            session.ID,
		Status:               string(session.Status),
		Progress:             session.Progress(),
		CurrentSize:          session.CurrentSize,
		TargetSize:           session.TargetSize,
		MaxGroupSize:         session.MaxGroupSize,
		Remaining:            session.Remaining(),
		TimeRemainingSeconds: int64(left.Seconds()),
	}

	// Current tier pricing is display copy only; an empty session quotes the
	// base tier for the first joiner.
	quoteAt := session.CurrentSize
	if quoteAt < 1 {
		quoteAt = 1
	}
	if quote, err := pricing.PriceFor(session.PriceBreaks, quoteAt); err == nil {
		resp.UnitPriceCents = quote.PriceCents
		if savings, err := pricing.SavingsAt(session.PriceBreaks, quoteAt); err == nil {
			resp.SavingsCents = savings
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// CanJoin reports whether a session currently accepts new participants.
// GET /api/sessions/{id}/can_join
func (h *SessionHandler) CanJoin(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	ok, err := h.sessions.CanJoin(r.Context(), id)
	if err != nil {
		if status := statusForError(err); status != 0 {
			writeError(w, status, "session not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: can_join failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to check session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"can_join":   ok,
	})
}

// cancelSessionRequest is the optional JSON body for cancelling a session.
type cancelSessionRequest struct {
	Reason string `json:"reason"`
}

// CancelSession cancels a session and schedules refunds for paid participants.
// POST /api/sessions/{id}/cancel
func (h *SessionHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	var req cancelSessionRequest
	// The body is optional; a missing reason defaults below.
	json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by organizer"
	}

	if err := h.sessions.Cancel(r.Context(), id, req.Reason); err != nil {
		if status := statusForError(err); status != 0 {
			writeError(w, status, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: cancel session failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "cancelled",
		"session_id": id,
	})
}

// CompleteFulfillment marks a processing session's order as delivered.
// POST /api/sessions/{id}/fulfill
func (h *SessionHandler) CompleteFulfillment(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	if err := h.sessions.CompleteFulfillment(r.Context(), id); err != nil {
		if status := statusForError(err); status != 0 {
			writeError(w, status, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: complete fulfillment failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to complete fulfillment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "completed",
		"session_id": id,
	})
}
