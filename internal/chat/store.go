package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/membercare/chat-gateway/internal/domain"
)

// Resolver loads the eligibility/configuration record for a member.
// Implemented by the eligibility package.
type Resolver interface {
	Load(ctx context.Context, memberID, planID, memberType string) (*domain.EligibilityRecord, error)
}

// StartPayload is the user-data handed to the widget when a session starts.
type StartPayload struct {
	Member    domain.MemberProfile `json:"member"`
	ChatGroup string               `json:"chat_group,omitempty"`
}

// Adapter is the store-facing view of a widget variant. Implementations
// translate these intents into the external widget's command surface and
// report widget events back through the EventSink they were built with.
type Adapter interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Start(ctx context.Context, payload StartPayload) error
	End(ctx context.Context) error
	SendMessage(ctx context.Context, text string) error

	// Shutdown tears down scripts and listeners. Must be called before a
	// different adapter binds the shared widget surface.
	Shutdown()
}

// AdapterFactory builds the adapter variant for a mode. The sink receives
// widget events and is long-lived; the adapter must stop using it after
// Shutdown.
type AdapterFactory func(mode domain.ChatMode, sink EventSink) (Adapter, error)

// EventSink receives widget-originated events. The Store implements it.
type EventSink interface {
	OnAgentMessage(content string)
	OnSessionEnded()
	OnTransportLost(err error)
	OnTransportRestored()
}

// PlanSwitcherLockedTooltip is shown on the (disabled) plan switcher while a
// session is active.
const PlanSwitcherLockedTooltip = "Plan switching is unavailable during an active chat session."

// inactivityNotice is surfaced when the monitor auto-ends an idle session.
const inactivityNotice = "Your chat session ended due to inactivity."

// State is an immutable snapshot of the store, safe to hand to watchers and
// to serialize for the host UI.
type State struct {
	IsLoading bool `json:"is_loading"`

	Eligibility *domain.EligibilityRecord `json:"eligibility,omitempty"`
	ChatMode    domain.ChatMode           `json:"chat_mode,omitempty"`
	IsOOO       bool                      `json:"is_ooo"`

	IsOpen          bool `json:"is_open"`
	IsMinimized     bool `json:"is_minimized"`
	NewMessageCount int  `json:"new_message_count"`

	IsChatActive         bool             `json:"is_chat_active"`
	Messages             []domain.Message `json:"messages"`
	IsPlanSwitcherLocked bool             `json:"is_plan_switcher_locked"`
	PlanSwitcherTooltip  string           `json:"plan_switcher_tooltip,omitempty"`

	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Notice    string    `json:"notice,omitempty"`
}

// Config holds store construction parameters.
type Config struct {
	MemberID  string
	SessionID string

	InactivityTimeout time.Duration
	PollInterval      time.Duration
}

// TranscriptSink persists finished-session transcripts. Optional.
type TranscriptSink interface {
	SaveTranscript(ctx context.Context, t *domain.Transcript) error
}

// Store is the single source of truth for one member+tab chat session. All
// mutations happen under one mutex, so every action is a single atomic state
// transition even though its triggers (HTTP requests, widget events, timer
// ticks) arrive asynchronously.
type Store struct {
	mu sync.Mutex

	memberID  string
	sessionID string

	resolver    Resolver
	factory     AdapterFactory
	transcripts TranscriptSink
	logger      *slog.Logger
	now         func() time.Time

	inactivityTimeout time.Duration
	pollInterval      time.Duration

	// state guarded by mu
	state       State
	adapter     Adapter
	closed      bool
	loading     bool
	loadGen     uint64
	starting    bool
	startedAt   time.Time
	lastTouch   time.Time
	monitorStop chan struct{}

	// watcher dispatch; pending/publishing implement a re-entrancy-safe
	// notification queue so a watcher may invoke store actions.
	watchers   []func(State)
	pending    []State
	publishing bool
}

// NewStore creates a store for one member+tab pair.
func NewStore(cfg Config, resolver Resolver, factory AdapterFactory, transcripts TranscriptSink, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}

	return &Store{
		memberID:          cfg.MemberID,
		sessionID:         cfg.SessionID,
		resolver:          resolver,
		factory:           factory,
		transcripts:       transcripts,
		logger:            logger.With("member_id", cfg.MemberID, "session_id", cfg.SessionID),
		now:               time.Now,
		inactivityTimeout: cfg.InactivityTimeout,
		pollInterval:      cfg.PollInterval,
		state:             State{Messages: []domain.Message{}},
	}
}

// WithClock overrides the store clock. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	snap := s.state
	snap.Messages = make([]domain.Message, len(s.state.Messages))
	copy(snap.Messages, s.state.Messages)
	return snap
}

// Subscribe registers a watcher invoked with a snapshot after every
// mutation. The returned function unsubscribes it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	idx := len(s.watchers) - 1
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.watchers) {
			s.watchers[idx] = nil
		}
	}
}

// publish queues the current snapshot and drains the queue unless a drain is
// already running further up the stack. Watchers run without the lock held,
// so they may call back into store actions.
func (s *Store) publish() {
	s.mu.Lock()
	s.pending = append(s.pending, s.snapshotLocked())
	if s.publishing {
		s.mu.Unlock()
		return
	}
	s.publishing = true
	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		watchers := make([]func(State), len(s.watchers))
		copy(watchers, s.watchers)
		s.mu.Unlock()
		for _, w := range watchers {
			if w != nil {
				w(next)
			}
		}
		s.mu.Lock()
	}
	s.publishing = false
	s.mu.Unlock()
}

func (s *Store) setErrorLocked(err error) {
	s.state.Error = ""
	s.state.ErrorKind = ""
	if err == nil {
		return
	}
	s.state.Error = err.Error()
	s.state.ErrorKind = KindOf(err)
}

// LoadConfiguration resolves eligibility and adopts the record. Duplicate
// calls while a load is in flight are dropped. Two racing loads cannot
// corrupt the store: each load takes a generation number and a resolution is
// applied only if its generation is still the newest, so stale resolutions
// are discarded wholesale (newest-started-load wins).
func (s *Store) LoadConfiguration(ctx context.Context, memberID, planID, memberType string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.loading {
		// Rapid remounts fire duplicate loads; only the first proceeds.
		s.mu.Unlock()
		s.logger.Debug("Configuration load already in flight, dropping duplicate")
		return
	}
	s.loading = true
	s.loadGen++
	gen := s.loadGen
	s.state.IsLoading = true
	s.setErrorLocked(nil)
	s.state.Notice = ""
	s.mu.Unlock()
	s.publish()

	record, err := s.resolver.Load(ctx, memberID, planID, memberType)

	s.mu.Lock()
	s.loading = false
	if s.closed || gen != s.loadGen {
		// The store was torn down or a newer load superseded this one.
		s.mu.Unlock()
		s.logger.Debug("Discarding stale eligibility resolution", "generation", gen)
		return
	}

	if err != nil {
		s.state.IsLoading = false
		s.state.Eligibility = nil
		s.setErrorLocked(err)
		s.mu.Unlock()
		s.logger.Warn("Configuration load failed", "error", err)
		s.publish()
		return
	}

	transcript := s.adoptRecordLocked(record)
	s.mu.Unlock()
	s.persistTranscript(transcript)
	s.publish()
}

// adoptRecordLocked installs a freshly resolved record and rebinds the
// adapter. The previous adapter is torn down first: the widget surface is a
// shared resource and only one adapter may be bound at a time. A session
// still active at that point ends with it; the returned transcript, if any,
// must be persisted by the caller after unlocking.
func (s *Store) adoptRecordLocked(record *domain.EligibilityRecord) *domain.Transcript {
	var transcript *domain.Transcript
	if s.state.IsChatActive {
		s.state.IsChatActive = false
		s.stopMonitorLocked()
		transcript = s.transcriptLocked()
		s.logger.Info("Active chat session ended by configuration reload")
	}

	prev := s.adapter
	s.adapter = nil
	if prev != nil {
		prev.Shutdown()
	}

	s.state.Eligibility = record
	s.state.ChatMode = record.Mode()
	s.state.IsOOO = !record.BusinessHours.IsOpen
	s.state.IsLoading = false

	if !record.ChatAvailable {
		s.logger.Info("Chat unavailable after configuration load",
			"eligible", record.IsEligible, "ooo", s.state.IsOOO)
		return transcript
	}

	adapter, err := s.factory(record.Mode(), s)
	if err != nil {
		s.setErrorLocked(err)
		s.logger.Error("Failed to build widget adapter", "mode", record.Mode(), "error", err)
		return transcript
	}
	s.adapter = adapter
	s.logger.Info("Widget adapter bound", "mode", record.Mode())
	return transcript
}

// StartChat starts a widget session. Precondition: the member is eligible;
// otherwise the call is a no-op apart from recording an error, and the
// adapter is never invoked.
func (s *Store) StartChat(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.state.IsChatActive || s.starting {
		s.mu.Unlock()
		return
	}
	if s.state.Eligibility == nil || !s.state.Eligibility.IsEligible {
		s.setErrorLocked(NewError(KindChatStart, "member is not eligible for chat", nil))
		s.mu.Unlock()
		s.publish()
		return
	}
	adapter := s.adapter
	if adapter == nil {
		s.setErrorLocked(NewError(KindInitialization, "widget adapter is not initialized", nil))
		s.mu.Unlock()
		s.publish()
		return
	}
	payload := StartPayload{
		Member:    s.state.Eligibility.Member,
		ChatGroup: s.state.Eligibility.ChatGroup,
	}
	s.starting = true
	s.mu.Unlock()

	err := adapter.Start(ctx, payload)

	s.mu.Lock()
	s.starting = false
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.setErrorLocked(err)
		s.mu.Unlock()
		s.logger.Warn("Chat start failed", "error", err)
		s.publish()
		return
	}

	s.state.IsChatActive = true
	s.setErrorLocked(nil)
	s.startedAt = s.now()
	s.lastTouch = s.startedAt
	s.startMonitorLocked()
	s.mu.Unlock()
	s.logger.Info("Chat session started")
	s.publish()
}

// EndChat ends the session best-effort: adapter failures are recorded but
// the store still transitions to inactive. Messages are retained; only
// ClearMessages or CloseAndRedirect empties the transcript.
func (s *Store) EndChat(ctx context.Context) {
	s.mu.Lock()
	if s.closed || !s.state.IsChatActive {
		s.mu.Unlock()
		return
	}
	adapter := s.adapter
	s.mu.Unlock()

	var endErr error
	if adapter != nil {
		endErr = adapter.End(ctx)
	}

	s.mu.Lock()
	s.state.IsChatActive = false
	s.stopMonitorLocked()
	if endErr != nil {
		s.setErrorLocked(endErr)
		s.logger.Warn("Widget end command failed, session marked inactive anyway", "error", endErr)
	}
	transcript := s.transcriptLocked()
	s.mu.Unlock()

	s.persistTranscript(transcript)
	s.logger.Info("Chat session ended")
	s.publish()
}

// SendMessage forwards text to the widget and appends it to the transcript
// on success. Requires an active session.
func (s *Store) SendMessage(ctx context.Context, text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.state.IsChatActive {
		s.setErrorLocked(NewError(KindNoActiveSession, "no active chat session", nil))
		s.mu.Unlock()
		s.publish()
		return
	}
	adapter := s.adapter
	if adapter == nil {
		s.setErrorLocked(NewError(KindInitialization, "widget adapter is not initialized", nil))
		s.mu.Unlock()
		s.publish()
		return
	}
	s.lastTouch = s.now()
	s.mu.Unlock()

	err := adapter.SendMessage(ctx, text)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		// Message not marked sent.
		s.setErrorLocked(err)
		s.mu.Unlock()
		s.logger.Warn("Message send failed", "error", err)
		s.publish()
		return
	}
	s.appendMessageLocked(text, domain.SenderUser)
	s.mu.Unlock()
	s.publish()
}

// AddMessage appends a message to the ordered transcript. Agent messages
// arriving while the widget is minimized bump the unread counter.
func (s *Store) AddMessage(content string, sender domain.Sender) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.appendMessageLocked(content, sender)
	s.mu.Unlock()
	s.publish()
}

func (s *Store) appendMessageLocked(content string, sender domain.Sender) {
	s.state.Messages = append(s.state.Messages, domain.Message{
		ID:      uuid.NewString(),
		Content: content,
		Sender:  sender,
		SentAt:  s.now(),
	})
	if sender == domain.SenderAgent && s.state.IsMinimized {
		s.state.NewMessageCount++
	}
}

// ClearMessages empties the transcript.
func (s *Store) ClearMessages() {
	s.mu.Lock()
	s.state.Messages = []domain.Message{}
	s.mu.Unlock()
	s.publish()
}

// SetOpen sets the widget-open flag.
func (s *Store) SetOpen(open bool) {
	s.mu.Lock()
	s.state.IsOpen = open
	s.mu.Unlock()
	s.publish()
}

// SetMinimized sets the minimized flag.
func (s *Store) SetMinimized(minimized bool) {
	s.mu.Lock()
	s.state.IsMinimized = minimized
	s.mu.Unlock()
	s.publish()
}

// MinimizeChat minimizes the widget.
func (s *Store) MinimizeChat() {
	s.SetMinimized(true)
}

// MaximizeChat restores the widget and clears the unread counter.
func (s *Store) MaximizeChat() {
	s.mu.Lock()
	s.state.IsMinimized = false
	s.state.NewMessageCount = 0
	s.mu.Unlock()
	s.publish()
}

// IncrementMessageCount bumps the unread counter. Only meaningful while
// minimized; calls while maximized are ignored.
func (s *Store) IncrementMessageCount() {
	s.mu.Lock()
	if s.state.IsMinimized {
		s.state.NewMessageCount++
	}
	s.mu.Unlock()
	s.publish()
}

// ResetMessageCount zeroes the unread counter.
func (s *Store) ResetMessageCount() {
	s.mu.Lock()
	s.state.NewMessageCount = 0
	s.mu.Unlock()
	s.publish()
}

// CloseAndRedirect closes the widget, ends the session, clears the
// transcript, and unlocks the plan switcher in one atomic transition.
func (s *Store) CloseAndRedirect(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	wasActive := s.state.IsChatActive
	adapter := s.adapter
	transcript := s.transcriptLocked()

	s.state.IsOpen = false
	s.state.IsChatActive = false
	s.state.Messages = []domain.Message{}
	s.state.IsPlanSwitcherLocked = false
	s.state.PlanSwitcherTooltip = ""
	s.state.NewMessageCount = 0
	s.stopMonitorLocked()
	s.mu.Unlock()

	if wasActive && adapter != nil {
		if err := adapter.End(ctx); err != nil {
			s.logger.Warn("Widget end command failed during close", "error", err)
		}
		s.persistTranscript(transcript)
	}
	s.publish()
}

// SetPlanSwitcherLocked sets the lock flag; the tooltip is non-empty only
// while locked.
func (s *Store) SetPlanSwitcherLocked(locked bool) {
	s.mu.Lock()
	s.state.IsPlanSwitcherLocked = locked
	if locked {
		s.state.PlanSwitcherTooltip = PlanSwitcherLockedTooltip
	} else {
		s.state.PlanSwitcherTooltip = ""
	}
	s.mu.Unlock()
	s.publish()
}

// Touch records a qualifying user interaction for the inactivity monitor.
func (s *Store) Touch() {
	s.mu.Lock()
	s.lastTouch = s.now()
	s.mu.Unlock()
}

// Close tears the store down: monitor stopped, adapter shut down, all later
// actions and any in-flight resolution discarded.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.loadGen++ // invalidate any in-flight resolution
	adapter := s.adapter
	s.adapter = nil
	s.stopMonitorLocked()
	s.mu.Unlock()

	if adapter != nil {
		adapter.Shutdown()
	}
	s.logger.Info("Chat store closed")
}

// OnAgentMessage implements EventSink.
func (s *Store) OnAgentMessage(content string) {
	s.AddMessage(content, domain.SenderAgent)
}

// OnSessionEnded implements EventSink: the widget side terminated the
// session.
func (s *Store) OnSessionEnded() {
	s.mu.Lock()
	if s.closed || !s.state.IsChatActive {
		s.mu.Unlock()
		return
	}
	s.state.IsChatActive = false
	s.stopMonitorLocked()
	transcript := s.transcriptLocked()
	s.mu.Unlock()

	s.persistTranscript(transcript)
	s.logger.Info("Chat session ended by widget")
	s.publish()
}

// OnTransportLost implements EventSink.
func (s *Store) OnTransportLost(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.setErrorLocked(NewError(KindAPI, "chat transport lost", err))
	s.mu.Unlock()
	s.logger.Warn("Chat transport lost", "error", err)
	s.publish()
}

// OnTransportRestored implements EventSink.
func (s *Store) OnTransportRestored() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.state.ErrorKind == KindAPI {
		s.setErrorLocked(nil)
	}
	s.mu.Unlock()
	s.logger.Info("Chat transport restored")
	s.publish()
}

// transcriptLocked builds a persistable transcript from the current
// messages. Returns nil when there is nothing to persist.
func (s *Store) transcriptLocked() *domain.Transcript {
	if len(s.state.Messages) == 0 || s.transcripts == nil {
		return nil
	}
	raw, err := json.Marshal(s.state.Messages)
	if err != nil {
		s.logger.Error("Failed to serialize transcript", "error", err)
		return nil
	}

	t := &domain.Transcript{
		ID:           uuid.NewString(),
		MemberID:     s.memberID,
		SessionID:    s.sessionID,
		Mode:         s.state.ChatMode,
		MessagesJSON: string(raw),
		StartedAt:    s.startedAt,
		EndedAt:      s.now(),
		CreatedAt:    s.now(),
	}
	if s.state.Eligibility != nil {
		t.ChatGroup = s.state.Eligibility.ChatGroup
	}
	return t
}

func (s *Store) persistTranscript(t *domain.Transcript) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.transcripts.SaveTranscript(ctx, t); err != nil {
		s.logger.Warn("Failed to persist transcript", "error", err)
	}
}
