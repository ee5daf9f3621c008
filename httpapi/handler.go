// Package httpapi exposes the workflow engine over HTTP and WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"caseflow/auth"
	"caseflow/dispute"
	"caseflow/hub"
	"caseflow/notification"
)

// Transitioner is the slice of the state machine the handlers drive.
type Transitioner interface {
	RequestTransition(ctx context.Context, req dispute.TransitionRequest) (dispute.Dispute, dispute.DomainEvent, error)
	RecordMessage(ctx context.Context, disputeID, senderID string) (dispute.Dispute, error)
}

// DisputeReader covers the read side used by list/detail endpoints.
type DisputeReader interface {
	Create(ctx context.Context, params dispute.CreateParams) (dispute.Dispute, error)
	Get(ctx context.Context, disputeID string) (dispute.Dispute, error)
	ListForUser(ctx context.Context, userID string) ([]dispute.Dispute, error)
}

// RoleResolver resolves a caller's role within one dispute.
type RoleResolver interface {
	Resolve(ctx context.Context, userID, disputeID string) (dispute.Role, error)
}

// Notifications is the notification surface the handlers expose.
type Notifications interface {
	List(ctx context.Context, recipientID string, unreadOnly bool) ([]notification.Notification, error)
	UnreadCount(ctx context.Context, recipientID string) (int, error)
	MarkRead(ctx context.Context, recipientID, id string) error
	MarkAllRead(ctx context.Context, recipientID string) error
	Dismiss(ctx context.Context, recipientID, id string) error
	AcknowledgeAction(ctx context.Context, recipientID, disputeID string, t notification.Type) error
}

// Handler bundles the application services behind the router.
type Handler struct {
	auth          *auth.Service
	roles         RoleResolver
	disputes      DisputeReader
	machine       Transitioner
	notifications Notifications
	hub           *hub.Hub
	registry      *hub.Registry
	presence      *hub.Presence
	log           zerolog.Logger
}

func NewHandler(
	authSvc *auth.Service,
	roles RoleResolver,
	disputes DisputeReader,
	machine Transitioner,
	notifications Notifications,
	h *hub.Hub,
	registry *hub.Registry,
	presence *hub.Presence,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		auth:          authSvc,
		roles:         roles,
		disputes:      disputes,
		machine:       machine,
		notifications: notifications,
		hub:           h,
		registry:      registry,
		presence:      presence,
		log:           log,
	}
}

// NewRouter builds the chi router with the public and authenticated routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/register", h.register)
		r.Post("/auth/login", h.login)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth(h.auth))

			r.Post("/disputes", h.createDispute)
			r.Get("/disputes", h.listDisputes)
			r.Get("/disputes/{id}", h.getDispute)
			r.Post("/disputes/{id}/accept", h.transition(dispute.ActionAccept))
			r.Post("/disputes/{id}/vote", h.submitVote)
			r.Post("/disputes/{id}/reanalysis", h.transition(dispute.ActionRequestReanalysis))
			r.Post("/disputes/{id}/confirm-details", h.transition(dispute.ActionConfirmDetails))
			r.Post("/disputes/{id}/signature", h.transition(dispute.ActionSubmitSignature))
			r.Post("/disputes/{id}/approve", h.transition(dispute.ActionAdminApprove))
			r.Post("/disputes/{id}/forward-to-court", h.forwardToCourt)
			r.Post("/disputes/{id}/messages", h.postMessage)

			r.Get("/notifications", h.listNotifications)
			r.Get("/notifications/unread-count", h.unreadCount)
			r.Post("/notifications/read-all", h.markAllRead)
			r.Post("/notifications/{id}/read", h.markRead)
			r.Delete("/notifications/{id}", h.dismiss)
			r.Post("/notifications/acknowledge", h.acknowledge)

			r.Get("/ws", h.serveWS)
		})
	})

	return r
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user, err := h.auth.Register(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        user.ID,
		"email":     user.Email,
		"full_name": user.FullName,
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := h.auth.Login(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user": map[string]any{
			"id":        result.User.ID,
			"email":     result.User.Email,
			"full_name": result.User.FullName,
			"role":      result.User.Role,
		},
	})
}

type createDisputeRequest struct {
	RespondentID *string `json:"respondent_id"`
}

func (h *Handler) createDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	d, err := h.disputes.Create(r.Context(), dispute.CreateParams{
		PlaintiffID:  callerID(r.Context()),
		RespondentID: req.RespondentID,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeView(d))
}

func (h *Handler) listDisputes(w http.ResponseWriter, r *http.Request) {
	list, err := h.disputes.ListForUser(r.Context(), callerID(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	views := make([]disputeView, 0, len(list))
	for _, d := range list {
		views = append(views, toDisputeView(d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) getDispute(w http.ResponseWriter, r *http.Request) {
	disputeID := chi.URLParam(r, "id")
	if _, err := h.roles.Resolve(r.Context(), callerID(r.Context()), disputeID); err != nil {
		respondError(w, err)
		return
	}
	d, err := h.disputes.Get(r.Context(), disputeID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(d))
}

// transition builds a handler for the payload-free actions.
func (h *Handler) transition(action dispute.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.applyTransition(w, r, dispute.TransitionRequest{Action: action})
	}
}

type voteRequest struct {
	Choice int `json:"choice"`
}

func (h *Handler) submitVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	choice := req.Choice
	h.applyTransition(w, r, dispute.TransitionRequest{
		Action: dispute.ActionSubmitVote,
		Choice: &choice,
	})
}

type courtForwardRequest struct {
	Reason        string `json:"reason"`
	CourtType     string `json:"court_type"`
	CourtName     string `json:"court_name"`
	CourtLocation string `json:"court_location"`
}

func (h *Handler) forwardToCourt(w http.ResponseWriter, r *http.Request) {
	var req courtForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	h.applyTransition(w, r, dispute.TransitionRequest{
		Action:        dispute.ActionAdminForwardToCourt,
		Reason:        req.Reason,
		CourtType:     req.CourtType,
		CourtName:     req.CourtName,
		CourtLocation: req.CourtLocation,
	})
}

func (h *Handler) applyTransition(w http.ResponseWriter, r *http.Request, req dispute.TransitionRequest) {
	ctx := r.Context()
	req.DisputeID = chi.URLParam(r, "id")
	req.ActorID = callerID(ctx)

	role, err := h.resolveActorRole(ctx, req.ActorID, req.DisputeID)
	if err != nil {
		respondError(w, err)
		return
	}
	req.ActorRole = role

	d, _, err := h.machine.RequestTransition(ctx, req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(d))
}

// resolveActorRole maps the caller onto their role within the dispute. The
// admin claim was signed into the token at login, so admins skip the
// per-dispute lookup.
func (h *Handler) resolveActorRole(ctx context.Context, userID, disputeID string) (dispute.Role, error) {
	if callerRole(ctx) == auth.RoleAdmin {
		return dispute.RoleAdmin, nil
	}
	return h.roles.Resolve(ctx, userID, disputeID)
}

type postMessageRequest struct {
	Body string `json:"body"`
}

// postMessage records a chat message against the dispute. The message body
// itself is relayed live through the room; the engine only tracks the count.
func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		writeError(w, http.StatusBadRequest, "message body required")
		return
	}

	ctx := r.Context()
	disputeID := chi.URLParam(r, "id")
	senderID := callerID(ctx)

	if _, err := h.roles.Resolve(ctx, senderID, disputeID); err != nil {
		respondError(w, err)
		return
	}

	d, err := h.machine.RecordMessage(ctx, disputeID, senderID)
	if err != nil {
		respondError(w, err)
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"sender_id": senderID,
		"body":      req.Body,
		"sent_at":   time.Now().UTC(),
	})
	h.hub.Broadcast(disputeID, hub.Message{Type: "chat_message", Room: disputeID, Data: payload})

	writeJSON(w, http.StatusOK, map[string]any{"message_count": d.MessageCount})
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	list, err := h.notifications.List(r.Context(), callerID(r.Context()), unreadOnly)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.notifications.UnreadCount(r.Context(), callerID(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": count})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	if err := h.notifications.MarkRead(r.Context(), callerID(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (h *Handler) markAllRead(w http.ResponseWriter, r *http.Request) {
	if err := h.notifications.MarkAllRead(r.Context(), callerID(r.Context())); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (h *Handler) dismiss(w http.ResponseWriter, r *http.Request) {
	if err := h.notifications.Dismiss(r.Context(), callerID(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

type acknowledgeRequest struct {
	DisputeID string            `json:"dispute_id"`
	Type      notification.Type `json:"type"`
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DisputeID == "" {
		writeError(w, http.StatusBadRequest, "dispute_id required")
		return
	}
	if err := h.notifications.AcknowledgeAction(r.Context(), callerID(r.Context()), req.DisputeID, req.Type); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// disputeView is the wire representation of a dispute.
type disputeView struct {
	ID                 string                   `json:"id"`
	PlaintiffID        string                   `json:"plaintiff_id"`
	RespondentID       *string                  `json:"respondent_id,omitempty"`
	Status             dispute.Status           `json:"status"`
	ResolutionStatus   dispute.ResolutionStatus `json:"resolution_status"`
	RespondentAccepted bool                     `json:"respondent_accepted"`
	AISolutions        []dispute.Solution       `json:"ai_solutions,omitempty"`
	AIReasoning        *string                  `json:"ai_reasoning,omitempty"`
	PlaintiffChoice    *int                     `json:"plaintiff_choice,omitempty"`
	DefendantChoice    *int                     `json:"defendant_choice,omitempty"`
	ReanalysisCount    int                      `json:"reanalysis_count"`
	PlaintiffVerified  bool                     `json:"plaintiff_verified"`
	RespondentVerified bool                     `json:"respondent_verified"`
	PlaintiffSigned    bool                     `json:"plaintiff_signed"`
	RespondentSigned   bool                     `json:"respondent_signed"`
	CourtForward       *dispute.CourtForward    `json:"court_forward,omitempty"`
	MessageCount       int                      `json:"message_count"`
	Version            int                      `json:"version"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
	ResolvedAt         *time.Time               `json:"resolved_at,omitempty"`
}

func toDisputeView(d dispute.Dispute) disputeView {
	return disputeView{
		ID:                 d.ID,
		PlaintiffID:        d.PlaintiffID,
		RespondentID:       d.RespondentID,
		Status:             d.Status,
		ResolutionStatus:   d.ResolutionStatus,
		RespondentAccepted: d.RespondentAccepted,
		AISolutions:        d.AISolutions,
		AIReasoning:        d.AIReasoning,
		PlaintiffChoice:    d.PlaintiffChoice,
		DefendantChoice:    d.DefendantChoice,
		ReanalysisCount:    d.ReanalysisCount,
		PlaintiffVerified:  d.PlaintiffVerified,
		RespondentVerified: d.RespondentVerified,
		PlaintiffSigned:    d.PlaintiffSigned,
		RespondentSigned:   d.RespondentSigned,
		CourtForward:       d.CourtForward,
		MessageCount:       d.MessageCount,
		Version:            d.Version,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
		ResolvedAt:         d.ResolvedAt,
	}
}
