package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// SurfaceConfig holds the externally injected endpoints for a widget
// deployment. Which fields are required depends on the variant; the config
// package validates per mode.
type SurfaceConfig struct {
	// Legacy variant.
	ScriptURL    string
	BootstrapURL string
	CommandURL   string
	MessageURL   string

	// Cloud variant.
	DeploymentURL string

	// Shared event feed.
	EventsURL string
}

// eventFeed is the shared WebSocket event pump behind both surfaces. One
// feed serves one surface instance; Close is idempotent.
type eventFeed struct {
	url    string
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	onRead func(Event)
}

func newEventFeed(url string, logger *slog.Logger) *eventFeed {
	return &eventFeed{url: url, logger: logger}
}

// dial connects the feed and starts the read loop. A previous connection is
// replaced.
func (f *eventFeed) dial(ctx context.Context, onRead func(Event)) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial widget event feed: %w", err)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "surface closed")
		return fmt.Errorf("event feed already closed")
	}
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "feed replaced")
	}
	f.conn = conn
	f.onRead = onRead
	f.mu.Unlock()

	go f.readLoop(conn)
	return nil
}

func (f *eventFeed) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			f.mu.Lock()
			closed := f.closed || f.conn != conn
			onRead := f.onRead
			f.mu.Unlock()
			if closed {
				return
			}
			f.logger.Warn("Widget event feed dropped", "error", err)
			if onRead != nil {
				// Surfaced as a transport-loss event; the adapter decides
				// whether to reconnect.
				onRead(Event{Name: EventDisconnected})
			}
			return
		}

		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			f.logger.Debug("Dropping malformed widget event frame", "error", err)
			continue
		}

		f.mu.Lock()
		onRead := f.onRead
		f.mu.Unlock()
		if onRead != nil {
			onRead(e)
		}
	}
}

func (f *eventFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "surface closed")
		f.conn = nil
	}
}

// postJSON issues a POST and requires a 2xx response.
func postJSON(ctx context.Context, client *http.Client, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// fetch issues a GET and requires a 2xx response, discarding the body.
func fetch(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// HTTPBusSurface implements BusSurface against a hosted legacy deployment.
type HTTPBusSurface struct {
	cfg    SurfaceConfig
	client *http.Client
	feed   *eventFeed
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]func(Event)
	fetched  bool
}

// NewHTTPBusSurface builds the legacy HTTP surface.
func NewHTTPBusSurface(cfg SurfaceConfig, client *http.Client, logger *slog.Logger) *HTTPBusSurface {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBusSurface{
		cfg:      cfg,
		client:   client,
		feed:     newEventFeed(cfg.EventsURL, logger),
		logger:   logger,
		handlers: make(map[string]func(Event)),
	}
}

// FetchScript implements BusSurface. Re-fetching an already present script
// is skipped, mirroring the check for an existing script tag.
func (s *HTTPBusSurface) FetchScript(ctx context.Context) error {
	s.mu.Lock()
	if s.fetched {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := fetch(ctx, s.client, s.cfg.ScriptURL); err != nil {
		return err
	}

	s.mu.Lock()
	s.fetched = true
	s.mu.Unlock()
	return nil
}

// Initialize implements BusSurface: runs the dependent bootstrap step and
// connects the event feed.
func (s *HTTPBusSurface) Initialize(ctx context.Context) error {
	s.mu.Lock()
	fetched := s.fetched
	s.mu.Unlock()
	if !fetched {
		return fmt.Errorf("initialize called before script fetch")
	}

	if err := fetch(ctx, s.client, s.cfg.BootstrapURL); err != nil {
		return err
	}
	return s.feed.dial(ctx, s.dispatch)
}

func (s *HTTPBusSurface) dispatch(e Event) {
	s.mu.Lock()
	fn := s.handlers[e.Name]
	s.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

// Command implements BusSurface.
func (s *HTTPBusSurface) Command(ctx context.Context, name string, args map[string]interface{}) error {
	return postJSON(ctx, s.client, s.cfg.CommandURL, map[string]interface{}{
		"command": name,
		"args":    args,
	})
}

// Subscribe implements BusSurface.
func (s *HTTPBusSurface) Subscribe(event string, fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = fn
}

// Unsubscribe implements BusSurface.
func (s *HTTPBusSurface) Unsubscribe(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

// PostMessage implements BusSurface.
func (s *HTTPBusSurface) PostMessage(ctx context.Context, text string) error {
	return postJSON(ctx, s.client, s.cfg.MessageURL, map[string]string{"text": text})
}

// Close implements BusSurface.
func (s *HTTPBusSurface) Close() {
	s.feed.close()
}

// HTTPCallableSurface implements CallableSurface against a cloud deployment.
type HTTPCallableSurface struct {
	cfg    SurfaceConfig
	client *http.Client
	feed   *eventFeed
	logger *slog.Logger

	mu      sync.Mutex
	handler func(Event)
}

// NewHTTPCallableSurface builds the cloud HTTP surface.
func NewHTTPCallableSurface(cfg SurfaceConfig, client *http.Client, logger *slog.Logger) *HTTPCallableSurface {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPCallableSurface{
		cfg:    cfg,
		client: client,
		feed:   newEventFeed(cfg.EventsURL, logger),
		logger: logger,
	}
}

// Connect implements CallableSurface: verifies the deployment entry point
// and connects the event feed. The deployment emits the ready frame on the
// feed once the messenger is up.
func (s *HTTPCallableSurface) Connect(ctx context.Context) error {
	if err := fetch(ctx, s.client, s.cfg.DeploymentURL); err != nil {
		return err
	}
	return s.feed.dial(ctx, s.dispatch)
}

func (s *HTTPCallableSurface) dispatch(e Event) {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

// Call implements CallableSurface.
func (s *HTTPCallableSurface) Call(ctx context.Context, command string, args map[string]interface{}) error {
	return postJSON(ctx, s.client, s.cfg.DeploymentURL, map[string]interface{}{
		"command": command,
		"args":    args,
	})
}

// Subscribe implements CallableSurface.
func (s *HTTPCallableSurface) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Close implements CallableSurface.
func (s *HTTPCallableSurface) Close() {
	s.feed.close()
}
