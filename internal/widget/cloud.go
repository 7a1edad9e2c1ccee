package widget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/membercare/chat-gateway/internal/chat"
)

// Cloud widget commands on the callable entry point.
const (
	cloudCmdOpen       = "Messenger.open"
	cloudCmdClose      = "Messenger.close"
	cloudCmdStart      = "Messenger.startConversation"
	cloudCmdEnd        = "Messenger.endConversation"
	cloudCmdSend       = "Messenger.sendMessage"
	cloudCmdAttributes = "Database.set"
)

// CallableSurface is the cloud widget's single callable entry point plus its
// event stream. Readiness is signaled by the EventReady frame; commands
// issued before readiness fail.
type CallableSurface interface {
	// Connect loads the widget and starts event delivery.
	Connect(ctx context.Context) error

	Call(ctx context.Context, command string, args map[string]interface{}) error

	// Subscribe registers the single event handler, replacing any previous
	// one. The ready event is delivered through the same handler.
	Subscribe(fn func(Event))

	Close()
}

// CloudAdapter drives the cloud widget variant.
type CloudAdapter struct {
	surface CallableSurface
	sink    chat.EventSink
	logger  *slog.Logger

	readyTimeout time.Duration

	mu       sync.Mutex
	phase    LoadPhase
	ready    chan struct{}
	reconn   *Reconnector
	shutdown bool
}

// NewCloudAdapter builds the cloud variant over the given surface.
func NewCloudAdapter(surface CallableSurface, sink chat.EventSink, policy ReconnectPolicy, logger *slog.Logger) *CloudAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &CloudAdapter{
		surface:      surface,
		sink:         sink,
		logger:       logger.With("widget", "cloud"),
		readyTimeout: 15 * time.Second,
		ready:        make(chan struct{}),
	}
	a.reconn = NewReconnector(policy, a.reinitialize, a.onTerminalReconnect, a.logger)
	return a
}

// Phase returns the current bootstrap phase.
func (a *CloudAdapter) Phase() LoadPhase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// ensureReady connects the surface once and waits for the named ready
// event. Re-entry while ready is a no-op.
func (a *CloudAdapter) ensureReady(ctx context.Context) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return initializationError("adapter has been shut down", nil)
	}
	if a.phase == PhaseLoaded {
		a.mu.Unlock()
		return nil
	}

	a.phase = PhaseLoading
	if a.ready == nil {
		a.ready = make(chan struct{})
	}
	ready := a.ready
	a.mu.Unlock()

	a.logger.Info("Connecting cloud widget")
	a.surface.Subscribe(a.onEvent)
	if err := a.surface.Connect(ctx); err != nil {
		a.setPhase(PhaseError)
		return scriptLoadError("messenger", err)
	}

	select {
	case <-ready:
	case <-time.After(a.readyTimeout):
		a.setPhase(PhaseError)
		return initializationError("cloud widget never signaled ready", nil)
	case <-ctx.Done():
		a.setPhase(PhaseError)
		return initializationError("cloud widget connect canceled", ctx.Err())
	}

	a.setPhase(PhaseLoaded)
	a.logger.Info("Cloud widget ready")
	return nil
}

func (a *CloudAdapter) setPhase(p LoadPhase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

func (a *CloudAdapter) onEvent(e Event) {
	switch e.Name {
	case EventReady:
		a.mu.Lock()
		if a.ready != nil {
			close(a.ready)
			a.ready = nil
		}
		a.mu.Unlock()
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

func (a *CloudAdapter) reinitialize(ctx context.Context) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return initializationError("adapter has been shut down", nil)
	}
	a.phase = PhaseLoading
	a.ready = make(chan struct{})
	a.mu.Unlock()
	return a.ensureReady(ctx)
}

func (a *CloudAdapter) onTerminalReconnect(err error) {
	a.logger.Error("Cloud widget reconnect abandoned", "error", err)
	a.sink.OnTransportLost(err)
}

// pushAttributes sends the member attributes after readiness. Cloud supports
// attribute updates at any point post-ready.
func (a *CloudAdapter) pushAttributes(ctx context.Context, payload chat.StartPayload) error {
	return a.surface.Call(ctx, cloudCmdAttributes, map[string]interface{}{
		"messaging": map[string]interface{}{
			"firstName":    payload.Member.FirstName,
			"lastName":     payload.Member.LastName,
			"subscriberId": payload.Member.SubscriberID,
			"dateOfBirth":  payload.Member.DateOfBirth,
			"planId":       payload.Member.PlanID,
			"memberType":   payload.Member.MemberType,
		},
	})
}

// Open implements chat.Adapter.
func (a *CloudAdapter) Open(ctx context.Context) error {
	if err := a.ensureReady(ctx); err != nil {
		return err
	}
	if err := a.surface.Call(ctx, cloudCmdOpen, nil); err != nil {
		return initializationError("messenger open command failed", err)
	}
	return nil
}

// Close implements chat.Adapter.
func (a *CloudAdapter) Close(ctx context.Context) error {
	if err := a.surface.Call(ctx, cloudCmdClose, nil); err != nil {
		return initializationError("messenger close command failed", err)
	}
	return nil
}

// Start implements chat.Adapter.
func (a *CloudAdapter) Start(ctx context.Context, payload chat.StartPayload) error {
	if err := a.ensureReady(ctx); err != nil {
		return err
	}
	if err := a.pushAttributes(ctx, payload); err != nil {
		return startError(err)
	}

	args := map[string]interface{}{}
	if payload.ChatGroup != "" {
		args["deploymentQueue"] = payload.ChatGroup
	}
	if err := a.surface.Call(ctx, cloudCmdStart, args); err != nil {
		return startError(err)
	}
	return nil
}

// End implements chat.Adapter.
func (a *CloudAdapter) End(ctx context.Context) error {
	if err := a.surface.Call(ctx, cloudCmdEnd, nil); err != nil {
		return endError(err)
	}
	return nil
}

// SendMessage implements chat.Adapter.
func (a *CloudAdapter) SendMessage(ctx context.Context, text string) error {
	if err := a.surface.Call(ctx, cloudCmdSend, map[string]interface{}{"text": text}); err != nil {
		return messageError(err)
	}
	return nil
}

// Shutdown implements chat.Adapter.
func (a *CloudAdapter) Shutdown() {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return
	}
	a.shutdown = true
	a.mu.Unlock()

	a.reconn.Stop()
	a.surface.Close()
	a.logger.Info("Cloud widget adapter shut down")
}
