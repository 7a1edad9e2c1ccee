package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/membercare/chat-gateway/internal/chat"
	"github.com/membercare/chat-gateway/internal/domain"
	"github.com/membercare/chat-gateway/internal/identity"
)

type fakeRepo struct {
	members      map[string]*domain.Member
	transcripts  []*domain.Transcript
	planBindings map[string]string
	pingErr      error
	listErr      error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		members:      make(map[string]*domain.Member),
		planBindings: make(map[string]string),
	}
}

func (f *fakeRepo) GetMember(ctx context.Context, memberID string) (*domain.Member, error) {
	return f.members[memberID], nil
}

func (f *fakeRepo) UpsertMember(ctx context.Context, m *domain.Member) error {
	f.members[m.MemberID] = m
	return nil
}

func (f *fakeRepo) UpdateLastSeen(ctx context.Context, memberID string, lastSeen time.Time) error {
	return nil
}

func (f *fakeRepo) UpdatePlanBinding(ctx context.Context, memberID, planID, memberType string) error {
	f.planBindings[memberID] = planID + "/" + memberType
	return nil
}

func (f *fakeRepo) SaveTranscript(ctx context.Context, t *domain.Transcript) error {
	f.transcripts = append(f.transcripts, t)
	return nil
}

func (f *fakeRepo) ListTranscripts(ctx context.Context, memberID string, limit int) ([]*domain.Transcript, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*domain.Transcript
	for _, t := range f.transcripts {
		if t.MemberID == memberID && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) DeleteTranscriptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeRepo) Close() error                   { return nil }

type stubResolver struct {
	record *domain.EligibilityRecord
	err    error
}

func (s *stubResolver) Load(ctx context.Context, memberID, planID, memberType string) (*domain.EligibilityRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	rec := *s.record
	return &rec, nil
}

type stubAdapter struct{}

func (stubAdapter) Open(ctx context.Context) error                       { return nil }
func (stubAdapter) Close(ctx context.Context) error                      { return nil }
func (stubAdapter) Start(ctx context.Context, p chat.StartPayload) error { return nil }
func (stubAdapter) End(ctx context.Context) error                        { return nil }
func (stubAdapter) SendMessage(ctx context.Context, text string) error   { return nil }
func (stubAdapter) Shutdown()                                            {}

type testServer struct {
	router   chi.Router
	repo     *fakeRepo
	registry *chat.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := newFakeRepo()
	resolver := &stubResolver{record: &domain.EligibilityRecord{
		IsEligible:    true,
		ChatAvailable: true,
		ChatGroup:     "medical",
		BusinessHours: domain.BusinessHours{IsOpen: true, Text: "Available 24/7"},
	}}
	factory := func(mode domain.ChatMode, sink chat.EventSink) (chat.Adapter, error) {
		return stubAdapter{}, nil
	}
	registry := chat.NewRegistry(func(memberID, sessionID string) *chat.Store {
		return chat.NewStore(chat.Config{MemberID: memberID, SessionID: sessionID}, resolver, factory, repo, nil)
	}, nil)
	t.Cleanup(registry.CloseAll)

	handler := NewChatHandler(registry, repo, "https://portal.example.com")
	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return &testServer{router: r, repo: repo, registry: registry}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	ctx := identity.WithIdentity(req.Context(), "anon_m1", "member-1", "tab1")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req.WithContext(ctx))
	return w
}

func decodeState(t *testing.T, w *httptest.ResponseRecorder) chat.State {
	t.Helper()
	var state chat.State
	if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	return state
}

func TestGetStateRequiresIdentity(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/state", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without identity, got %d", w.Code)
	}
}

func TestGetStateReturnsSnapshot(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/chat/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	state := decodeState(t, w)
	if state.IsChatActive || state.IsOpen {
		t.Errorf("Expected pristine initial state, got %+v", state)
	}
}

func TestLoadConfigurationEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/chat/configuration", `{"plan_id":"plan-a","member_type":"subscriber"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	state := decodeState(t, w)
	if state.Eligibility == nil || !state.Eligibility.ChatAvailable {
		t.Fatalf("Expected available eligibility in snapshot, got %+v", state.Eligibility)
	}
	if got := ts.repo.planBindings["anon_m1"]; got != "plan-a/subscriber" {
		t.Errorf("Expected plan binding recorded, got %q", got)
	}
}

func TestLoadConfigurationRequiresPlanID(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/chat/configuration", `{"member_type":"subscriber"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without plan_id, got %d", w.Code)
	}
}

func TestStartAndMessageFlow(t *testing.T) {
	ts := newTestServer(t)

	ts.do(http.MethodPost, "/api/chat/configuration", `{"plan_id":"plan-a"}`)

	w := ts.do(http.MethodPost, "/api/chat/start", "")
	state := decodeState(t, w)
	if !state.IsChatActive {
		t.Fatalf("Expected active session after start, got %+v", state)
	}

	w = ts.do(http.MethodPost, "/api/chat/message", `{"content":"hello"}`)
	state = decodeState(t, w)
	if len(state.Messages) != 1 || state.Messages[0].Content != "hello" {
		t.Errorf("Expected message in snapshot, got %+v", state.Messages)
	}

	w = ts.do(http.MethodPost, "/api/chat/end", "")
	state = decodeState(t, w)
	if state.IsChatActive {
		t.Errorf("Expected inactive session after end")
	}
	if len(state.Messages) != 1 {
		t.Errorf("Messages must survive session end, got %d", len(state.Messages))
	}
	if len(ts.repo.transcripts) != 1 {
		t.Errorf("Expected transcript persisted, got %d", len(ts.repo.transcripts))
	}
}

func TestSendMessageWithoutSession(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/chat/message", `{"content":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Store-level failures surface inside the snapshot, got %d", w.Code)
	}
	state := decodeState(t, w)
	if state.ErrorKind != chat.KindNoActiveSession {
		t.Errorf("Expected %q error kind, got %q", chat.KindNoActiveSession, state.ErrorKind)
	}
}

func TestSendMessageRequiresContent(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/chat/message", `{"content":"  "}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for blank content, got %d", w.Code)
	}
}

func TestCloseChatReturnsRedirect(t *testing.T) {
	ts := newTestServer(t)

	ts.do(http.MethodPost, "/api/chat/configuration", `{"plan_id":"plan-a"}`)
	ts.do(http.MethodPost, "/api/chat/start", "")
	ts.do(http.MethodPost, "/api/chat/message", `{"content":"hello"}`)

	w := ts.do(http.MethodPost, "/api/chat/close", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		State    chat.State `json:"state"`
		Redirect string     `json:"redirect"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode close response: %v", err)
	}
	if resp.Redirect != "https://portal.example.com" {
		t.Errorf("Expected redirect target, got %q", resp.Redirect)
	}
	if resp.State.IsChatActive || len(resp.State.Messages) != 0 {
		t.Errorf("Expected cleared state after close, got %+v", resp.State)
	}
}

func TestMinimizeMaximizeCounters(t *testing.T) {
	ts := newTestServer(t)

	ts.do(http.MethodPost, "/api/chat/configuration", `{"plan_id":"plan-a"}`)
	ts.do(http.MethodPost, "/api/chat/start", "")
	ts.do(http.MethodPost, "/api/chat/minimize", "")

	// Agent traffic arrives through the store while minimized.
	ts.registry.Get("anon_m1", "tab1").OnAgentMessage("reply")

	w := ts.do(http.MethodGet, "/api/chat/state", "")
	if state := decodeState(t, w); state.NewMessageCount != 1 {
		t.Errorf("Expected unread count 1, got %d", state.NewMessageCount)
	}

	w = ts.do(http.MethodPost, "/api/chat/maximize", "")
	if state := decodeState(t, w); state.NewMessageCount != 0 {
		t.Errorf("Expected unread count reset, got %d", state.NewMessageCount)
	}
}

func TestListTranscripts(t *testing.T) {
	ts := newTestServer(t)
	ts.repo.transcripts = []*domain.Transcript{
		{ID: "t1", MemberID: "anon_m1", SessionID: "tab1", MessagesJSON: "[]"},
		{ID: "t2", MemberID: "someone-else", SessionID: "tab9", MessagesJSON: "[]"},
	}

	w := ts.do(http.MethodGet, "/api/chat/transcripts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Transcripts []*domain.Transcript `json:"transcripts"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode transcripts: %v", err)
	}
	if len(resp.Transcripts) != 1 || resp.Transcripts[0].ID != "t1" {
		t.Errorf("Expected only the caller's transcripts, got %+v", resp.Transcripts)
	}
}

func TestListTranscriptsLimitValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/chat/transcripts?limit=0", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for limit=0, got %d", w.Code)
	}
	w = ts.do(http.MethodGet, "/api/chat/transcripts?limit=500", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for limit=500, got %d", w.Code)
	}
}

func TestGetMe(t *testing.T) {
	ts := newTestServer(t)
	ts.repo.members["anon_m1"] = &domain.Member{
		MemberID: "anon_m1",
		Username: "member-1",
		PlanID:   "plan-a",
	}

	w := ts.do(http.MethodGet, "/api/me", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["member_id"] != "anon_m1" || got["plan_id"] != "plan-a" {
		t.Errorf("Unexpected member payload: %v", got)
	}
}

func TestHealthDegradedOnDatabaseFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.pingErr = errors.New("disk gone")
	h := NewHealthHandler(repo)

	r := chi.NewRouter()
	h.RegisterHealth(r)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when the database is down, got %d", w.Code)
	}
}
