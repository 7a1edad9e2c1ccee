package widget

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/membercare/chat-gateway/internal/chat"
	"github.com/membercare/chat-gateway/internal/domain"
)

// FactoryConfig carries the per-variant surface endpoints and the shared
// reconnect policy.
type FactoryConfig struct {
	Legacy    SurfaceConfig
	Cloud     SurfaceConfig
	Reconnect ReconnectPolicy
	Timeout   time.Duration
}

// NewFactory returns the chat.AdapterFactory wired to the HTTP surfaces.
// Each call builds a fresh adapter instance so a mode switch starts from a
// clean bootstrap phase.
func NewFactory(cfg FactoryConfig, logger *slog.Logger) chat.AdapterFactory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return func(mode domain.ChatMode, sink chat.EventSink) (chat.Adapter, error) {
		client := &http.Client{Timeout: cfg.Timeout}
		switch mode {
		case domain.ModeLegacy:
			surface := NewHTTPBusSurface(cfg.Legacy, client, logger)
			return NewLegacyAdapter(surface, sink, cfg.Reconnect, logger), nil
		case domain.ModeCloud:
			surface := NewHTTPCallableSurface(cfg.Cloud, client, logger)
			return NewCloudAdapter(surface, sink, cfg.Reconnect, logger), nil
		default:
			return nil, fmt.Errorf("unknown chat mode %q", mode)
		}
	}
}
