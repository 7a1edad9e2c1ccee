package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/membercare/chat-gateway/internal/domain"
)

type fakeResolver struct {
	mu     sync.Mutex
	record *domain.EligibilityRecord
	err    error
	calls  int

	entered chan struct{} // closed once Load is entered, if set
	release chan struct{} // Load blocks until closed, if set
}

func (f *fakeResolver) Load(ctx context.Context, memberID, planID, memberType string) (*domain.EligibilityRecord, error) {
	f.mu.Lock()
	f.calls++
	entered := f.entered
	release := f.release
	f.entered = nil
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec := *f.record
	return &rec, nil
}

func (f *fakeResolver) loadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAdapter struct {
	mu        sync.Mutex
	startErr  error
	endErr    error
	sendErr   error
	started   int
	ended     int
	sent      []string
	shutdowns int
}

func (a *fakeAdapter) Open(ctx context.Context) error  { return nil }
func (a *fakeAdapter) Close(ctx context.Context) error { return nil }

func (a *fakeAdapter) Start(ctx context.Context, payload StartPayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	a.started++
	return nil
}

func (a *fakeAdapter) End(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ended++
	return a.endErr
}

func (a *fakeAdapter) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, text)
	return nil
}

func (a *fakeAdapter) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdowns++
}

type fakeTranscriptSink struct {
	mu    sync.Mutex
	saved []*domain.Transcript
}

func (f *fakeTranscriptSink) SaveTranscript(ctx context.Context, t *domain.Transcript) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, t)
	return nil
}

func (f *fakeTranscriptSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func eligibleRecord() *domain.EligibilityRecord {
	return &domain.EligibilityRecord{
		IsEligible:    true,
		ChatAvailable: true,
		ChatGroup:     "medical",
		BusinessHours: domain.BusinessHours{IsOpen: true, Text: "Monday - Friday, 8:00 - 17:00"},
		Member:        domain.MemberProfile{FirstName: "Ada", LastName: "Member", SubscriberID: "S-1001"},
	}
}

type testEnv struct {
	store    *Store
	resolver *fakeResolver
	adapter  *fakeAdapter
	sink     *fakeTranscriptSink
	factory  *countingFactory
}

type countingFactory struct {
	mu      sync.Mutex
	adapter *fakeAdapter
	calls   int
}

func (c *countingFactory) build(mode domain.ChatMode, sink EventSink) (Adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.adapter, nil
}

func newTestEnv(cfg Config) *testEnv {
	resolver := &fakeResolver{record: eligibleRecord()}
	adapter := &fakeAdapter{}
	sink := &fakeTranscriptSink{}
	factory := &countingFactory{adapter: adapter}
	if cfg.MemberID == "" {
		cfg.MemberID = "anon_m1"
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "tab1"
	}
	s := NewStore(cfg, resolver, factory.build, sink, nil)
	return &testEnv{store: s, resolver: resolver, adapter: adapter, sink: sink, factory: factory}
}

func loadedStore(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(Config{})
	env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-a", "subscriber")
	if got := env.store.Snapshot(); got.Eligibility == nil {
		t.Fatalf("Expected eligibility after load, got nil")
	}
	return env
}

func TestLoadConfigurationBindsAdapter(t *testing.T) {
	env := newTestEnv(Config{})
	env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-a", "subscriber")

	state := env.store.Snapshot()
	if state.IsLoading {
		t.Errorf("Expected loading to settle")
	}
	if state.Eligibility == nil || !state.Eligibility.ChatAvailable {
		t.Fatalf("Expected available eligibility, got %+v", state.Eligibility)
	}
	if state.ChatMode != domain.ModeLegacy {
		t.Errorf("Expected legacy mode, got %q", state.ChatMode)
	}
	if state.IsOOO {
		t.Errorf("Expected in-hours state")
	}
	if env.factory.calls != 1 {
		t.Errorf("Expected one adapter build, got %d", env.factory.calls)
	}
}

func TestLoadConfigurationCloudMode(t *testing.T) {
	env := newTestEnv(Config{})
	env.resolver.record.CloudChatEligible = true
	env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-a", "subscriber")

	if got := env.store.Snapshot().ChatMode; got != domain.ModeCloud {
		t.Errorf("Expected cloud mode, got %q", got)
	}
}

func TestLoadConfigurationErrorSurfacesInState(t *testing.T) {
	env := newTestEnv(Config{})
	env.resolver.err = NewError(KindAPI, "eligibility request failed", errors.New("boom"))
	env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-a", "subscriber")

	state := env.store.Snapshot()
	if state.Eligibility != nil {
		t.Errorf("Expected no eligibility on failure")
	}
	if state.ErrorKind != KindAPI {
		t.Errorf("Expected %q error kind, got %q", KindAPI, state.ErrorKind)
	}
	if state.Error == "" {
		t.Errorf("Expected error message in state")
	}
}

func TestLoadConfigurationUnavailableSkipsAdapter(t *testing.T) {
	env := newTestEnv(Config{})
	env.resolver.record.ChatAvailable = false
	env.resolver.record.BusinessHours = domain.BusinessHours{IsOpen: false, Text: "Monday - Friday, 8:00 - 17:00"}
	env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-a", "subscriber")

	state := env.store.Snapshot()
	if !state.IsOOO {
		t.Errorf("Expected out-of-hours flag")
	}
	if env.factory.calls != 0 {
		t.Errorf("Expected no adapter build while unavailable, got %d", env.factory.calls)
	}
}

func TestReloadUnavailableEndsActiveSession(t *testing.T) {
	env := loadedStore(t)
	env.store.StartChat(context.Background())
	env.store.AddMessage("hello", domain.SenderUser)

	env.resolver.mu.Lock()
	env.resolver.record.ChatAvailable = false
	env.resolver.mu.Unlock()
	env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-b", "subscriber")

	state := env.store.Snapshot()
	if state.IsChatActive {
		t.Errorf("Expected session ended when chat became unavailable on reload")
	}
	if env.sink.count() != 1 {
		t.Errorf("Expected transcript persisted on reload teardown, got %d", env.sink.count())
	}

	// The old adapter is gone; sending must record an error, not crash.
	env.store.SendMessage(context.Background(), "late")
	state = env.store.Snapshot()
	if state.ErrorKind != KindNoActiveSession {
		t.Errorf("Expected %q error kind after send without session, got %q", KindNoActiveSession, state.ErrorKind)
	}
}

func TestReloadWhileActiveRebindsAdapter(t *testing.T) {
	env := loadedStore(t)
	env.store.StartChat(context.Background())

	replacement := &fakeAdapter{}
	env.factory.mu.Lock()
	env.factory.adapter = replacement
	env.factory.mu.Unlock()
	env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-b", "subscriber")

	state := env.store.Snapshot()
	if state.IsChatActive {
		t.Errorf("Expected session ended by reload before rebinding")
	}
	if env.adapter.shutdowns != 1 {
		t.Errorf("Expected previous adapter shut down, got %d", env.adapter.shutdowns)
	}

	env.store.StartChat(context.Background())
	env.store.SendMessage(context.Background(), "fresh start")
	replacement.mu.Lock()
	sent := len(replacement.sent)
	replacement.mu.Unlock()
	if sent != 1 {
		t.Errorf("Expected replacement adapter to carry the new session, got %d sends", sent)
	}
}

func TestLoadConfigurationDuplicateDropped(t *testing.T) {
	env := newTestEnv(Config{})
	env.resolver.entered = make(chan struct{})
	release := make(chan struct{})
	env.resolver.release = release
	entered := env.resolver.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-a", "subscriber")
	}()

	<-entered
	// Second call while the first is resolving must be dropped.
	env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-a", "subscriber")
	close(release)
	<-done

	if got := env.resolver.loadCalls(); got != 1 {
		t.Errorf("Expected one resolver call, got %d", got)
	}
}

func TestCloseDiscardsInFlightLoad(t *testing.T) {
	env := newTestEnv(Config{})
	env.resolver.entered = make(chan struct{})
	release := make(chan struct{})
	env.resolver.release = release
	entered := env.resolver.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-a", "subscriber")
	}()

	<-entered
	env.store.Close()
	close(release)
	<-done

	if state := env.store.Snapshot(); state.Eligibility != nil {
		t.Errorf("Expected stale resolution to be discarded, got %+v", state.Eligibility)
	}
	if env.factory.calls != 0 {
		t.Errorf("Expected no adapter build after close, got %d", env.factory.calls)
	}
}

func TestStartChatRequiresEligibility(t *testing.T) {
	env := newTestEnv(Config{})
	env.store.StartChat(context.Background())

	state := env.store.Snapshot()
	if state.IsChatActive {
		t.Errorf("Expected inactive session without eligibility")
	}
	if state.ErrorKind != KindChatStart {
		t.Errorf("Expected %q error kind, got %q", KindChatStart, state.ErrorKind)
	}
	if env.adapter.started != 0 {
		t.Errorf("Adapter must not be invoked for an ineligible member")
	}
}

func TestStartChatWithoutAdapter(t *testing.T) {
	env := newTestEnv(Config{})
	env.resolver.record.ChatAvailable = false
	env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-a", "subscriber")
	env.store.StartChat(context.Background())

	if got := env.store.Snapshot().ErrorKind; got != KindInitialization {
		t.Errorf("Expected %q error kind, got %q", KindInitialization, got)
	}
}

func TestStartChatActivatesSessionAndLocksPlanSwitcher(t *testing.T) {
	env := loadedStore(t)
	_, unsubscribe := WatchPlanSwitcher(env.store, nil)
	defer unsubscribe()

	env.store.StartChat(context.Background())

	state := env.store.Snapshot()
	if !state.IsChatActive {
		t.Fatalf("Expected active session")
	}
	if !state.IsPlanSwitcherLocked {
		t.Errorf("Expected plan switcher locked while session active")
	}
	if state.PlanSwitcherTooltip == "" {
		t.Errorf("Expected lock tooltip while locked")
	}

	env.store.EndChat(context.Background())

	state = env.store.Snapshot()
	if state.IsChatActive {
		t.Fatalf("Expected inactive session after end")
	}
	if state.IsPlanSwitcherLocked {
		t.Errorf("Expected plan switcher unlocked after session end")
	}
	if state.PlanSwitcherTooltip != "" {
		t.Errorf("Expected empty tooltip while unlocked, got %q", state.PlanSwitcherTooltip)
	}
}

func TestStartChatFailureKeepsSessionInactive(t *testing.T) {
	env := loadedStore(t)
	env.adapter.startErr = NewError(KindChatStart, "widget rejected start", nil)

	env.store.StartChat(context.Background())

	state := env.store.Snapshot()
	if state.IsChatActive {
		t.Errorf("Expected inactive session after start failure")
	}
	if state.ErrorKind != KindChatStart {
		t.Errorf("Expected %q error kind, got %q", KindChatStart, state.ErrorKind)
	}
}

func TestSendMessageRequiresActiveSession(t *testing.T) {
	env := loadedStore(t)
	env.store.SendMessage(context.Background(), "hello")

	state := env.store.Snapshot()
	if state.ErrorKind != KindNoActiveSession {
		t.Errorf("Expected %q error kind, got %q", KindNoActiveSession, state.ErrorKind)
	}
	if len(state.Messages) != 0 {
		t.Errorf("Expected no messages recorded, got %d", len(state.Messages))
	}
}

func TestSendMessageAppendsOnSuccess(t *testing.T) {
	env := loadedStore(t)
	env.store.StartChat(context.Background())
	env.store.SendMessage(context.Background(), "hello there")

	state := env.store.Snapshot()
	if len(state.Messages) != 1 {
		t.Fatalf("Expected one message, got %d", len(state.Messages))
	}
	msg := state.Messages[0]
	if msg.Sender != domain.SenderUser {
		t.Errorf("Expected user sender, got %q", msg.Sender)
	}
	if msg.Content != "hello there" {
		t.Errorf("Expected message content preserved, got %q", msg.Content)
	}
	if msg.ID == "" {
		t.Errorf("Expected generated message ID")
	}
	if len(env.adapter.sent) != 1 || env.adapter.sent[0] != "hello there" {
		t.Errorf("Expected message forwarded to adapter, got %v", env.adapter.sent)
	}
}

func TestSendMessageFailureNotRecorded(t *testing.T) {
	env := loadedStore(t)
	env.store.StartChat(context.Background())
	env.adapter.sendErr = NewError(KindMessage, "send failed", nil)

	env.store.SendMessage(context.Background(), "lost")

	state := env.store.Snapshot()
	if len(state.Messages) != 0 {
		t.Errorf("Failed sends must not appear in the transcript, got %d messages", len(state.Messages))
	}
	if state.ErrorKind != KindMessage {
		t.Errorf("Expected %q error kind, got %q", KindMessage, state.ErrorKind)
	}
}

func TestAgentMessagesWhileMinimizedBumpUnreadCount(t *testing.T) {
	env := loadedStore(t)
	env.store.StartChat(context.Background())
	env.store.MinimizeChat()

	for i := 0; i < 3; i++ {
		env.store.OnAgentMessage("agent reply")
	}

	state := env.store.Snapshot()
	if state.NewMessageCount != 3 {
		t.Errorf("Expected unread count 3, got %d", state.NewMessageCount)
	}
	if len(state.Messages) != 3 {
		t.Errorf("Expected 3 messages in transcript, got %d", len(state.Messages))
	}

	env.store.MaximizeChat()
	state = env.store.Snapshot()
	if state.NewMessageCount != 0 {
		t.Errorf("Expected unread count reset on maximize, got %d", state.NewMessageCount)
	}
	if state.IsMinimized {
		t.Errorf("Expected widget restored")
	}
}

func TestAgentMessageWhileMaximizedDoesNotBumpCount(t *testing.T) {
	env := loadedStore(t)
	env.store.StartChat(context.Background())
	env.store.OnAgentMessage("agent reply")

	if got := env.store.Snapshot().NewMessageCount; got != 0 {
		t.Errorf("Expected unread count 0 while maximized, got %d", got)
	}
}

func TestEndChatRetainsMessagesAndPersistsTranscript(t *testing.T) {
	env := loadedStore(t)
	env.store.StartChat(context.Background())
	env.store.SendMessage(context.Background(), "first")
	env.store.OnAgentMessage("second")

	env.store.EndChat(context.Background())

	state := env.store.Snapshot()
	if state.IsChatActive {
		t.Fatalf("Expected inactive session")
	}
	if len(state.Messages) != 2 {
		t.Errorf("Messages must survive session end, got %d", len(state.Messages))
	}
	if env.adapter.ended != 1 {
		t.Errorf("Expected one end command, got %d", env.adapter.ended)
	}
	if env.sink.count() != 1 {
		t.Fatalf("Expected one persisted transcript, got %d", env.sink.count())
	}

	saved := env.sink.saved[0]
	if saved.MemberID != "anon_m1" || saved.SessionID != "tab1" {
		t.Errorf("Transcript keyed to wrong owner: %s/%s", saved.MemberID, saved.SessionID)
	}
	var msgs []domain.Message
	if err := json.Unmarshal([]byte(saved.MessagesJSON), &msgs); err != nil {
		t.Fatalf("Failed to decode transcript messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("Transcript messages out of order or missing: %+v", msgs)
	}
}

func TestEndChatAdapterFailureStillDeactivates(t *testing.T) {
	env := loadedStore(t)
	env.store.StartChat(context.Background())
	env.adapter.endErr = NewError(KindChatEnd, "widget end failed", nil)

	env.store.EndChat(context.Background())

	state := env.store.Snapshot()
	if state.IsChatActive {
		t.Errorf("Session must deactivate even when the widget end command fails")
	}
	if state.ErrorKind != KindChatEnd {
		t.Errorf("Expected %q error kind, got %q", KindChatEnd, state.ErrorKind)
	}
}

func TestCloseAndRedirectClearsEverything(t *testing.T) {
	env := loadedStore(t)
	_, unsubscribe := WatchPlanSwitcher(env.store, nil)
	defer unsubscribe()

	env.store.SetOpen(true)
	env.store.StartChat(context.Background())
	env.store.SendMessage(context.Background(), "hello")
	env.store.MinimizeChat()
	env.store.OnAgentMessage("reply")

	env.store.CloseAndRedirect(context.Background())

	state := env.store.Snapshot()
	if state.IsOpen {
		t.Errorf("Expected closed widget")
	}
	if state.NewMessageCount != 0 {
		t.Errorf("Expected cleared unread count, got %d", state.NewMessageCount)
	}
	if state.IsChatActive {
		t.Errorf("Expected inactive session after close")
	}
	if len(state.Messages) != 0 {
		t.Errorf("Expected cleared transcript, got %d messages", len(state.Messages))
	}
	if state.IsPlanSwitcherLocked {
		t.Errorf("Expected plan switcher unlocked after close")
	}
	if env.adapter.ended != 1 {
		t.Errorf("Expected end command during close, got %d", env.adapter.ended)
	}
	if env.sink.count() != 1 {
		t.Errorf("Expected transcript persisted before clearing, got %d", env.sink.count())
	}
}

func TestWidgetEndedEventDeactivatesSession(t *testing.T) {
	env := loadedStore(t)
	env.store.StartChat(context.Background())

	env.store.OnSessionEnded()

	state := env.store.Snapshot()
	if state.IsChatActive {
		t.Errorf("Expected inactive session after widget-side end")
	}
	if len(state.Messages) != 0 && env.sink.count() != 1 {
		t.Errorf("Expected transcript persisted on widget-side end")
	}
}

func TestTransportLossAndRecovery(t *testing.T) {
	env := loadedStore(t)
	env.store.StartChat(context.Background())

	env.store.OnTransportLost(errors.New("feed closed"))
	state := env.store.Snapshot()
	if state.ErrorKind != KindAPI {
		t.Fatalf("Expected %q error kind after transport loss, got %q", KindAPI, state.ErrorKind)
	}
	if !state.IsChatActive {
		t.Errorf("Transport loss must not end the session")
	}

	env.store.OnTransportRestored()
	state = env.store.Snapshot()
	if state.Error != "" || state.ErrorKind != "" {
		t.Errorf("Expected error cleared after transport recovery, got %q/%q", state.Error, state.ErrorKind)
	}
}

func TestInactivityAutoEnd(t *testing.T) {
	env := newTestEnv(Config{
		InactivityTimeout: 30 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	})
	env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-a", "subscriber")
	env.store.StartChat(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !env.store.Snapshot().IsChatActive {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	state := env.store.Snapshot()
	if state.IsChatActive {
		t.Fatalf("Expected idle session to auto-end")
	}
	if state.Notice == "" {
		t.Errorf("Expected inactivity notice after auto-end")
	}
	if env.sink.count() != 0 {
		// No messages were exchanged, so there is nothing to persist.
		t.Errorf("Expected no transcript for an empty session, got %d", env.sink.count())
	}
}

func TestTouchDefersInactivityEnd(t *testing.T) {
	env := newTestEnv(Config{
		InactivityTimeout: 80 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	})
	env.store.LoadConfiguration(context.Background(), "anon_m1", "plan-a", "subscriber")
	env.store.StartChat(context.Background())

	// Keep touching for a while; the session must stay alive well past the
	// timeout measured from start.
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		env.store.Touch()
		if !env.store.Snapshot().IsChatActive {
			t.Fatalf("Session ended despite activity on iteration %d", i)
		}
	}
}

func TestCloseIsIdempotentAndShutsDownAdapter(t *testing.T) {
	env := loadedStore(t)
	env.store.StartChat(context.Background())

	env.store.Close()
	env.store.Close()

	if env.adapter.shutdowns != 1 {
		t.Errorf("Expected one adapter shutdown, got %d", env.adapter.shutdowns)
	}

	// Actions after close are no-ops.
	env.store.SendMessage(context.Background(), "late")
	env.store.StartChat(context.Background())
	if got := len(env.store.Snapshot().Messages); got != 0 {
		t.Errorf("Expected no messages after close, got %d", got)
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	env := newTestEnv(Config{})

	var mu sync.Mutex
	var seen []State
	unsubscribe := env.store.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	env.store.SetOpen(true)
	unsubscribe()
	env.store.SetOpen(false)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("Expected exactly one notification before unsubscribe, got %d", len(seen))
	}
	if !seen[0].IsOpen {
		t.Errorf("Expected snapshot with open widget")
	}
}

func TestWatcherMayInvokeStoreActions(t *testing.T) {
	env := newTestEnv(Config{})

	fired := false
	var unsubscribe func()
	unsubscribe = env.store.Subscribe(func(s State) {
		if !fired && s.IsOpen {
			fired = true
			// Re-entrant action from inside a watcher must not deadlock.
			env.store.MinimizeChat()
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		env.store.SetOpen(true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Re-entrant watcher action deadlocked")
	}

	if state := env.store.Snapshot(); !state.IsMinimized {
		t.Errorf("Expected re-entrant minimize to take effect")
	}
}
