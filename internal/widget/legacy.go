package widget

import (
	"context"
	"log/slog"
	"sync"

	"github.com/membercare/chat-gateway/internal/chat"
)

// Legacy widget command names on the bus surface.
const (
	legacyCmdOpen  = "WebChat.open"
	legacyCmdClose = "WebChat.close"
	legacyCmdStart = "WebChat.startChat"
	legacyCmdEnd   = "WebChat.endChat"
	legacyCmdSend  = "WebChat.sendMessage"
)

// BusSurface is the legacy widget's command surface: a bus-style dispatcher
// with subscribe/unsubscribe event delivery and a two-step bootstrap. The
// concrete implementation lives behind this interface so the adapter never
// reaches into ambient globals.
type BusSurface interface {
	// FetchScript performs bootstrap step one (the widget script itself).
	FetchScript(ctx context.Context) error
	// Initialize performs bootstrap step two. Must not be called before
	// FetchScript has succeeded.
	Initialize(ctx context.Context) error

	Command(ctx context.Context, name string, args map[string]interface{}) error

	// Subscribe registers the handler for an event name, replacing any
	// previous handler for that name (resubscription is idempotent).
	Subscribe(event string, fn func(Event))
	Unsubscribe(event string)

	// PostMessage is the outbound-message fallback endpoint used when the
	// send command fails.
	PostMessage(ctx context.Context, text string) error

	Close()
}

// LegacyAdapter drives the bus-style widget variant.
type LegacyAdapter struct {
	surface BusSurface
	sink    chat.EventSink
	logger  *slog.Logger

	mu       sync.Mutex
	phase    LoadPhase
	reconn   *Reconnector
	shutdown bool
}

// NewLegacyAdapter builds the legacy variant over the given surface.
func NewLegacyAdapter(surface BusSurface, sink chat.EventSink, policy ReconnectPolicy, logger *slog.Logger) *LegacyAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &LegacyAdapter{
		surface: surface,
		sink:    sink,
		logger:  logger.With("widget", "legacy"),
	}
	a.reconn = NewReconnector(policy, a.reinitialize, a.onTerminalReconnect, a.logger)
	return a
}

// Phase returns the current bootstrap phase.
func (a *LegacyAdapter) Phase() LoadPhase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// ensureLoaded runs the two-step bootstrap exactly once. Re-entry while
// loaded is a no-op; a previous failure resets to loading and retries.
func (a *LegacyAdapter) ensureLoaded(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.shutdown {
		return initializationError("adapter has been shut down", nil)
	}
	if a.phase == PhaseLoaded {
		return nil
	}

	a.phase = PhaseLoading
	a.logger.Info("Loading legacy widget scripts")

	// Step one: the widget script. Step two must not begin until this
	// reports loaded.
	if err := a.surface.FetchScript(ctx); err != nil {
		a.phase = PhaseError
		return scriptLoadError("script", err)
	}
	if err := a.surface.Initialize(ctx); err != nil {
		a.phase = PhaseError
		return initializationError("widget initialization script failed", err)
	}

	a.surface.Subscribe(EventMessage, a.onEvent)
	a.surface.Subscribe(EventEnded, a.onEvent)
	a.surface.Subscribe(EventDisconnected, a.onEvent)
	a.surface.Subscribe(EventReconnected, a.onEvent)

	a.phase = PhaseLoaded
	a.logger.Info("Legacy widget loaded")
	return nil
}

func (a *LegacyAdapter) onEvent(e Event) {
	switch e.Name {
	case EventMessage:
		a.sink.OnAgentMessage(contentOf(e))
	case EventEnded:
		a.sink.OnSessionEnded()
	case EventDisconnected:
		a.sink.OnTransportLost(nil)
		a.reconn.TransportLost()
	case EventReconnected:
		a.reconn.TransportRestored()
		a.sink.OnTransportRestored()
	}
}

// reinitialize re-runs the bootstrap after transport loss.
func (a *LegacyAdapter) reinitialize(ctx context.Context) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return initializationError("adapter has been shut down", nil)
	}
	a.phase = PhaseLoading
	a.mu.Unlock()
	return a.ensureLoaded(ctx)
}

func (a *LegacyAdapter) onTerminalReconnect(err error) {
	a.logger.Error("Legacy widget reconnect abandoned", "error", err)
	a.sink.OnTransportLost(err)
}

// Open implements chat.Adapter.
func (a *LegacyAdapter) Open(ctx context.Context) error {
	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}
	if err := a.surface.Command(ctx, legacyCmdOpen, nil); err != nil {
		return initializationError("widget open command failed", err)
	}
	return nil
}

// Close implements chat.Adapter.
func (a *LegacyAdapter) Close(ctx context.Context) error {
	if err := a.surface.Command(ctx, legacyCmdClose, nil); err != nil {
		return initializationError("widget close command failed", err)
	}
	return nil
}

// Start implements chat.Adapter. Starting while already loaded never
// re-runs the bootstrap.
func (a *LegacyAdapter) Start(ctx context.Context, payload chat.StartPayload) error {
	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}

	args := map[string]interface{}{
		"firstName":    payload.Member.FirstName,
		"lastName":     payload.Member.LastName,
		"subscriberId": payload.Member.SubscriberID,
		"dateOfBirth":  payload.Member.DateOfBirth,
		"planId":       payload.Member.PlanID,
		"memberType":   payload.Member.MemberType,
	}
	if payload.ChatGroup != "" {
		args["targetQueue"] = payload.ChatGroup
	}

	if err := a.surface.Command(ctx, legacyCmdStart, args); err != nil {
		return startError(err)
	}
	return nil
}

// End implements chat.Adapter.
func (a *LegacyAdapter) End(ctx context.Context) error {
	if err := a.surface.Command(ctx, legacyCmdEnd, nil); err != nil {
		return endError(err)
	}
	return nil
}

// SendMessage implements chat.Adapter. On command failure the legacy path
// falls back to the outbound message endpoint before giving up.
func (a *LegacyAdapter) SendMessage(ctx context.Context, text string) error {
	err := a.surface.Command(ctx, legacyCmdSend, map[string]interface{}{"text": text})
	if err == nil {
		return nil
	}
	a.logger.Warn("Send command failed, trying outbound endpoint", "error", err)

	if postErr := a.surface.PostMessage(ctx, text); postErr != nil {
		return messageError(postErr)
	}
	return nil
}

// Shutdown implements chat.Adapter: unsubscribes, stops reconnects, and
// releases the surface so a different adapter can bind it.
func (a *LegacyAdapter) Shutdown() {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return
	}
	a.shutdown = true
	loaded := a.phase == PhaseLoaded
	a.mu.Unlock()

	a.reconn.Stop()
	if loaded {
		a.surface.Unsubscribe(EventMessage)
		a.surface.Unsubscribe(EventEnded)
		a.surface.Unsubscribe(EventDisconnected)
		a.surface.Unsubscribe(EventReconnected)
	}
	a.surface.Close()
	a.logger.Info("Legacy widget adapter shut down")
}
