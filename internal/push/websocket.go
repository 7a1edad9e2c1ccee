// Package push streams chat state snapshots to portal tabs over WebSocket.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/membercare/chat-gateway/internal/chat"
	"github.com/membercare/chat-gateway/internal/identity"
	"github.com/membercare/chat-gateway/internal/store"
)

// WebSocketHandler pushes every published state snapshot of a tab's chat
// store down the tab's WebSocket and feeds interaction frames back into the
// store's idle tracking.
type WebSocketHandler struct {
	registry      *chat.Registry
	repo          store.Repository
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(registry *chat.Registry, repo store.Repository, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		registry:      registry,
		repo:          repo,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage represents the inbound WebSocket message structure.
type wsMessage struct {
	Type string `json:"type"`
}

// stateFrame is the outbound snapshot envelope.
type stateFrame struct {
	Type  string     `json:"type"`
	State chat.State `json:"state"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	memberID := identity.MemberIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if memberID == "" || sessionID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	slog.Info("Chat WebSocket connection request", "member_id", memberID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "member_id", memberID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "member_id", memberID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	chatStore := h.registry.GetOrCreate(memberID, sessionID)

	// Snapshots are coalesced: the channel holds the latest unsent state and
	// a publish while it is full replaces the pending entry instead of
	// blocking the store's watcher dispatch.
	updates := make(chan chat.State, 1)
	var updateMu sync.Mutex
	unsubscribe := chatStore.Subscribe(func(state chat.State) {
		updateMu.Lock()
		defer updateMu.Unlock()
		select {
		case <-updates:
		default:
		}
		updates <- state
	})
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)

	// Write loop: store snapshots -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, ws, chatStore.Snapshot(), updates, memberID)
	}()

	// Read loop: interaction frames -> store.
	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, ws, chatStore, memberID, sessionID)
	}()

	wg.Wait()
	slog.Info("Chat WebSocket session ended", "member_id", memberID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, ws *websocket.Conn, initial chat.State, updates <-chan chat.State, memberID string) {
	if err := h.writeState(ctx, ws, initial); err != nil {
		slog.Debug("Failed to push initial state", "error", err, "member_id", memberID)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-updates:
			if err := h.writeState(ctx, ws, state); err != nil {
				slog.Debug("WebSocket state push failed", "error", err, "member_id", memberID)
				return
			}
		}
	}
}

func (h *WebSocketHandler) writeState(ctx context.Context, ws *websocket.Conn, state chat.State) error {
	data, err := json.Marshal(stateFrame{Type: "state", State: state})
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, chatStore *chat.Store, memberID, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "member_id", memberID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "member_id", memberID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Dropping malformed WebSocket frame", "member_id", memberID)
			continue
		}

		switch msg.Type {
		case "ping":
			if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case "interaction":
			chatStore.Touch()
			// Update last seen asynchronously with timeout.
			go func() {
				updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := h.repo.UpdateLastSeen(updateCtx, memberID, time.Now()); err != nil {
					slog.Warn("Failed to update last seen", "error", err)
				}
			}()
		case "teardown":
			slog.Info("Tab teardown requested", "member_id", memberID, "session_id", sessionID)
			h.registry.Remove(memberID, sessionID)
			return
		}
	}
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
