package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/membercare/chat-gateway/internal/chat"
	"github.com/membercare/chat-gateway/internal/identity"
	"github.com/membercare/chat-gateway/internal/store"
)

// ChatHandler exposes the chat store actions over HTTP. Every action
// resolves the caller's store from the registry, applies the action, and
// returns the resulting state snapshot; failures surface inside the
// snapshot's error fields rather than as transport errors.
type ChatHandler struct {
	registry    *chat.Registry
	repo        store.Repository
	frontendURL string
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(registry *chat.Registry, repo store.Repository, frontendURL string) *ChatHandler {
	return &ChatHandler{
		registry:    registry,
		repo:        repo,
		frontendURL: frontendURL,
	}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Route("/chat", func(r chi.Router) {
			r.Get("/state", h.GetState)
			r.Post("/configuration", h.LoadConfiguration)
			r.Post("/start", h.StartChat)
			r.Post("/end", h.EndChat)
			r.Post("/message", h.SendMessage)
			r.Post("/open", h.OpenChat)
			r.Post("/minimize", h.MinimizeChat)
			r.Post("/maximize", h.MaximizeChat)
			r.Post("/close", h.CloseChat)
			r.Get("/transcripts", h.ListTranscripts)
		})
	})
}

// storeFor resolves the caller's chat store, creating it on first use.
func (h *ChatHandler) storeFor(w http.ResponseWriter, r *http.Request) *chat.Store {
	memberID := identity.MemberIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if memberID == "" || sessionID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	return h.registry.GetOrCreate(memberID, sessionID)
}

// GetMe returns the current member's information.
func (h *ChatHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	memberID := identity.MemberIDFromContext(r.Context())
	if memberID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	member, err := h.repo.GetMember(r.Context(), memberID)
	if err != nil || member == nil {
		Error(w, http.StatusUnauthorized, "member not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"member_id":   member.MemberID,
		"username":    member.Username,
		"plan_id":     member.PlanID,
		"member_type": member.MemberType,
	})
}

// GetState returns the current chat state snapshot.
func (h *ChatHandler) GetState(w http.ResponseWriter, r *http.Request) {
	s := h.storeFor(w, r)
	if s == nil {
		return
	}
	JSON(w, http.StatusOK, s.Snapshot())
}

type configurationRequest struct {
	PlanID     string `json:"plan_id"`
	MemberType string `json:"member_type"`
}

// LoadConfiguration resolves eligibility for the member's plan and binds
// the widget adapter. The resolved snapshot is returned once the load
// settles; a superseded load returns whatever state the newer load left.
func (h *ChatHandler) LoadConfiguration(w http.ResponseWriter, r *http.Request) {
	s := h.storeFor(w, r)
	if s == nil {
		return
	}

	var req configurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.PlanID = strings.TrimSpace(req.PlanID)
	if req.PlanID == "" {
		Error(w, http.StatusBadRequest, "plan_id is required")
		return
	}

	memberID := identity.MemberIDFromContext(r.Context())
	if err := h.repo.UpdatePlanBinding(r.Context(), memberID, req.PlanID, req.MemberType); err != nil {
		slog.Warn("Failed to record plan binding", "error", err, "member_id", memberID)
	}

	s.LoadConfiguration(r.Context(), memberID, req.PlanID, req.MemberType)
	JSON(w, http.StatusOK, s.Snapshot())
}

// StartChat starts a widget session for the caller.
func (h *ChatHandler) StartChat(w http.ResponseWriter, r *http.Request) {
	s := h.storeFor(w, r)
	if s == nil {
		return
	}
	s.StartChat(r.Context())
	JSON(w, http.StatusOK, s.Snapshot())
}

// EndChat ends the active widget session.
func (h *ChatHandler) EndChat(w http.ResponseWriter, r *http.Request) {
	s := h.storeFor(w, r)
	if s == nil {
		return
	}
	s.EndChat(r.Context())
	JSON(w, http.StatusOK, s.Snapshot())
}

type messageRequest struct {
	Content string `json:"content"`
}

// SendMessage forwards a member message to the widget.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	s := h.storeFor(w, r)
	if s == nil {
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	s.SendMessage(r.Context(), req.Content)
	JSON(w, http.StatusOK, s.Snapshot())
}

// OpenChat opens the widget panel.
func (h *ChatHandler) OpenChat(w http.ResponseWriter, r *http.Request) {
	s := h.storeFor(w, r)
	if s == nil {
		return
	}
	s.SetOpen(true)
	s.Touch()
	JSON(w, http.StatusOK, s.Snapshot())
}

// MinimizeChat minimizes the widget panel.
func (h *ChatHandler) MinimizeChat(w http.ResponseWriter, r *http.Request) {
	s := h.storeFor(w, r)
	if s == nil {
		return
	}
	s.MinimizeChat()
	JSON(w, http.StatusOK, s.Snapshot())
}

// MaximizeChat restores the widget panel and clears the unread counter.
func (h *ChatHandler) MaximizeChat(w http.ResponseWriter, r *http.Request) {
	s := h.storeFor(w, r)
	if s == nil {
		return
	}
	s.MaximizeChat()
	s.Touch()
	JSON(w, http.StatusOK, s.Snapshot())
}

// CloseChat ends any active session, clears the panel, and returns the
// post-close redirect target.
func (h *ChatHandler) CloseChat(w http.ResponseWriter, r *http.Request) {
	s := h.storeFor(w, r)
	if s == nil {
		return
	}
	s.CloseAndRedirect(r.Context())
	JSON(w, http.StatusOK, map[string]interface{}{
		"state":    s.Snapshot(),
		"redirect": h.frontendURL,
	})
}

// ListTranscripts returns the member's finished-session transcripts,
// newest first.
func (h *ChatHandler) ListTranscripts(w http.ResponseWriter, r *http.Request) {
	memberID := identity.MemberIDFromContext(r.Context())
	if memberID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	transcripts, err := h.repo.ListTranscripts(r.Context(), memberID, limit)
	if err != nil {
		slog.Error("Failed to list transcripts", "error", err, "member_id", memberID)
		Error(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"transcripts": transcripts})
}
