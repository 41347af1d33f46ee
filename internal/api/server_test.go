package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/aria/internal/buildinfo"
	"github.com/nugget/aria/internal/codemem"
	"github.com/nugget/aria/internal/connwatch"
	"github.com/nugget/aria/internal/conversation"
	"github.com/nugget/aria/internal/events"
	"github.com/nugget/aria/internal/kvstore"
	"github.com/nugget/aria/internal/orchestrator"
	"github.com/nugget/aria/internal/planner"
	"github.com/nugget/aria/internal/usage"
)

// fakeEngine implements Engine over a real conversation store.
type fakeEngine struct {
	mu     sync.Mutex
	convs  *conversation.Store
	bus    *events.Bus
	pinned planner.Override

	sendErr   error
	sends     []orchestrator.Input
	cancelled bool
}

func newFakeEngine(bus *events.Bus) *fakeEngine {
	return &fakeEngine{convs: conversation.NewStore(nil, nil), bus: bus}
}

func (f *fakeEngine) Status() orchestrator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return orchestrator.Status{
		State:              orchestrator.StateIdle,
		PinnedTool:         f.pinned,
		ActiveConversation: f.convs.Active(),
	}
}

func (f *fakeEngine) Send(ctx context.Context, in orchestrator.Input) (*orchestrator.Result, error) {
	f.mu.Lock()
	f.sends = append(f.sends, in)
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	id := in.ConversationID
	if id == "" {
		id = f.NewConversation().ID
	}
	f.bus.Emit(events.SourceOrchestrator, events.KindMessageUpdate, map[string]any{
		"conversation_id": id,
		"content":         "Hel",
	})
	f.bus.Emit(events.SourceEnrich, events.KindJobDone, map[string]any{"conversation_id": id})
	return &orchestrator.Result{
		TurnID:         "turn-1",
		ConversationID: id,
		Path:           planner.PathRespond,
		Content:        "Hello",
	}, nil
}

func (f *fakeEngine) Retry(ctx context.Context, id string) (*orchestrator.Result, error) {
	if _, ok := f.convs.Get(id); !ok {
		return nil, orchestrator.ErrConversationNotFound
	}
	return nil, orchestrator.ErrNothingToRetry
}

func (f *fakeEngine) EditAndResend(ctx context.Context, id, mid, text string) (*orchestrator.Result, error) {
	return &orchestrator.Result{ConversationID: id, MessageID: mid, Content: "edited: " + text}, nil
}

func (f *fakeEngine) GenerateImages(ctx context.Context, opts orchestrator.ImageOptions) (*orchestrator.Result, error) {
	return nil, orchestrator.ErrNoPendingImage
}

func (f *fakeEngine) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return false
}

func (f *fakeEngine) PinTool(ov planner.Override) {
	f.mu.Lock()
	f.pinned = ov
	f.mu.Unlock()
}

func (f *fakeEngine) NewConversation() *conversation.Conversation {
	c := f.convs.Create()
	f.convs.SetActive(c.ID)
	return c
}

func (f *fakeEngine) SelectConversation(id string) error {
	if err := f.convs.SetActive(id); err != nil {
		return orchestrator.ErrConversationNotFound
	}
	return nil
}

func (f *fakeEngine) DeleteConversation(id string) error {
	if err := f.convs.Delete(id); err != nil {
		return orchestrator.ErrConversationNotFound
	}
	return nil
}

func (f *fakeEngine) SetPinned(id string, pinned bool) (*conversation.Conversation, error) {
	c, err := f.convs.Update(id, func(c *conversation.Conversation) { c.Pinned = pinned })
	if err != nil {
		return nil, orchestrator.ErrConversationNotFound
	}
	return c, nil
}

type staticFacts []string

func (s staticFacts) All() []string { return s }

type staticSnippets []codemem.Snippet

func (s staticSnippets) All() []codemem.Snippet { return s }

type fixture struct {
	engine  *fakeEngine
	bus     *events.Bus
	handler http.Handler
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	bus := events.New()
	eng := newFakeEngine(bus)
	deps := Deps{
		Engine:        eng,
		Conversations: eng.convs,
		Bus:           bus,
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := NewServer("127.0.0.1", 0, deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{engine: eng, bus: bus, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("GET /health = %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/v1/version", "")
	info := decode[buildinfo.Info](t, rec)
	if info.Version == "" || info.Uptime == "" {
		t.Errorf("version missing from %v", info)
	}
}

type fakeHealth map[string]connwatch.ServiceStatus

func (h fakeHealth) Status() map[string]connwatch.ServiceStatus { return h }

func (h fakeHealth) Healthy() bool {
	for _, s := range h {
		if !s.Ready {
			return false
		}
	}
	return true
}

func TestHealth_Services(t *testing.T) {
	tests := []struct {
		name   string
		health fakeHealth
		want   string
	}{
		{
			name:   "all ready",
			health: fakeHealth{"database": {Name: "database", Ready: true}},
			want:   "healthy",
		},
		{
			name: "broker down",
			health: fakeHealth{
				"database": {Name: "database", Ready: true},
				"mqtt":     {Name: "mqtt", LastError: "not connected to broker", Failures: 3},
			},
			want: "degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(d *Deps) { d.Health = tt.health })
			rec := f.do(t, http.MethodGet, "/health", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("GET /health = %d", rec.Code)
			}
			got := decode[struct {
				Status   string                             `json:"status"`
				Services map[string]connwatch.ServiceStatus `json:"services"`
			}](t, rec)
			if got.Status != tt.want {
				t.Errorf("status = %q, want %q", got.Status, tt.want)
			}
			if len(got.Services) != len(tt.health) {
				t.Errorf("services = %v", got.Services)
			}
		})
	}
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/conversations", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d", rec.Code)
	}
	created := decode[conversation.Conversation](t, rec)

	rec = f.do(t, http.MethodGet, "/v1/conversations", "")
	list := decode[struct {
		Conversations []conversationSummary `json:"conversations"`
		Active        string                `json:"active"`
	}](t, rec)
	if len(list.Conversations) != 1 || !list.Conversations[0].Active || list.Active != created.ID {
		t.Errorf("list = %+v", list)
	}

	rec = f.do(t, http.MethodPost, "/v1/conversations/"+created.ID+"/pin", `{"pinned": true}`)
	if got := decode[conversation.Conversation](t, rec); !got.Pinned {
		t.Error("pin did not set Pinned")
	}
	rec = f.do(t, http.MethodPost, "/v1/conversations/"+created.ID+"/pin", `{"pinned": false}`)
	if got := decode[conversation.Conversation](t, rec); got.Pinned {
		t.Error("unpin left Pinned set")
	}

	if rec := f.do(t, http.MethodGet, "/v1/conversations/"+created.ID, ""); rec.Code != http.StatusOK {
		t.Errorf("get = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/v1/conversations/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/conversations/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/conversations/"+created.ID+"/select", ""); rec.Code != http.StatusNotFound {
		t.Errorf("select deleted = %d, want 404", rec.Code)
	}
}

func TestTurn_JSON(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/turns", `{"prompt":"hi","model":"gemini-2.5-pro"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn = %d %s", rec.Code, rec.Body)
	}
	res := decode[orchestrator.Result](t, rec)
	if res.Content != "Hello" || res.ConversationID == "" {
		t.Errorf("result = %+v", res)
	}
	if got := f.engine.sends[0]; got.Prompt != "hi" || got.Model != "gemini-2.5-pro" {
		t.Errorf("engine received %+v", got)
	}
}

func TestTurn_RejectionStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"empty", orchestrator.ErrEmptyPrompt, http.StatusBadRequest},
		{"busy", orchestrator.ErrBusy, http.StatusConflict},
		{"credential", orchestrator.ErrNoCredential, http.StatusServiceUnavailable},
		{"missing", orchestrator.ErrConversationNotFound, http.StatusNotFound},
		{"wrapped", fmt.Errorf("send: %w", orchestrator.ErrBusy), http.StatusConflict},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.engine.sendErr = tt.err
			rec := f.do(t, http.MethodPost, "/v1/turns", `{"prompt":"x"}`)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestTurn_BadBody(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodPost, "/v1/turns", `{"prompt":`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTurn_Stream(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/turns", `{"prompt":"hi","stream":true}`)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: message_update\n") {
		t.Errorf("stream missing message_update:\n%s", body)
	}
	if strings.Contains(body, "event: job_done") {
		t.Errorf("stream relayed a background job event:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "}") || !strings.Contains(body, "event: result\n") {
		t.Errorf("stream missing final result:\n%s", body)
	}
	if strings.Index(body, "event: message_update") > strings.Index(body, "event: result") {
		t.Error("result arrived before the turn's events")
	}
}

func TestTurn_StreamRejection(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.sendErr = orchestrator.ErrBusy

	rec := f.do(t, http.MethodPost, "/v1/turns?stream=true", `{"prompt":"hi"}`)
	body := rec.Body.String()
	if !strings.Contains(body, "event: error\n") || !strings.Contains(body, `"code":409`) {
		t.Errorf("stream body = %s", body)
	}
}

func TestRetryEditImagesCancel(t *testing.T) {
	f := newFixture(t, nil)
	c := f.engine.NewConversation()

	if rec := f.do(t, http.MethodPost, "/v1/conversations/nope/retry", ""); rec.Code != http.StatusNotFound {
		t.Errorf("retry unknown = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/conversations/"+c.ID+"/retry", ""); rec.Code != http.StatusConflict {
		t.Errorf("retry empty = %d, want 409", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/v1/conversations/"+c.ID+"/messages/m1/edit", `{"text":"fixed"}`)
	if res := decode[orchestrator.Result](t, rec); res.Content != "edited: fixed" || res.MessageID != "m1" {
		t.Errorf("edit result = %+v", res)
	}

	if rec := f.do(t, http.MethodPost, "/v1/images", `{"count":2}`); rec.Code != http.StatusConflict {
		t.Errorf("images without pending = %d, want 409", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/turns/cancel", "")
	if got := decode[map[string]bool](t, rec); got["cancelled"] || !f.engine.cancelled {
		t.Errorf("cancel = %v, engine cancelled = %v", got, f.engine.cancelled)
	}
}

func TestTool(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.do(t, http.MethodPost, "/v1/tool", `{"tool":"web_search"}`); rec.Code != http.StatusOK {
		t.Fatalf("pin = %d", rec.Code)
	}
	if f.engine.Status().PinnedTool != planner.OverrideWebSearch {
		t.Errorf("pinned = %q", f.engine.Status().PinnedTool)
	}
	if rec := f.do(t, http.MethodPost, "/v1/tool", `{"tool":"teleport"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown tool = %d, want 400", rec.Code)
	}
	f.do(t, http.MethodPost, "/v1/tool", `{"tool":"none"}`)
	if f.engine.Status().PinnedTool != planner.OverrideNone {
		t.Errorf("pin not cleared: %q", f.engine.Status().PinnedTool)
	}
}

func TestMemoryAndCode(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Facts = staticFacts{"User's name is Alex."}
		d.Snippets = staticSnippets{
			{ID: "a", Language: "go", Code: "fmt.Println()"},
			{ID: "b", Language: "js", Code: "console.log()"},
		}
	})

	rec := f.do(t, http.MethodGet, "/v1/memory", "")
	mem := decode[struct {
		Facts []string `json:"facts"`
		Count int      `json:"count"`
	}](t, rec)
	if mem.Count != 1 || mem.Facts[0] != "User's name is Alex." {
		t.Errorf("memory = %+v", mem)
	}

	rec = f.do(t, http.MethodGet, "/v1/code?language=js", "")
	code := decode[struct {
		Snippets []codemem.Snippet `json:"snippets"`
	}](t, rec)
	if len(code.Snippets) != 1 || code.Snippets[0].ID != "b" {
		t.Errorf("code = %+v", code)
	}
}

func TestOptionalEndpointsUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/v1/memory", "/v1/code", "/v1/usage", "/v1/planner/audit"} {
		if rec := f.do(t, http.MethodGet, path, ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", path, rec.Code)
		}
	}
}

func TestUsage(t *testing.T) {
	kv, err := kvstore.Open("sqlite3", filepath.Join(t.TempDir(), "aria.db"), nil)
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	store, err := usage.NewStore(kv.DB())
	if err != nil {
		t.Fatalf("usage.NewStore: %v", err)
	}
	for _, rec := range []usage.Record{
		{Model: "gemini-2.5-flash", Kind: usage.KindStream, InputTokens: 100, OutputTokens: 20},
		{Model: "imagen-4", Kind: usage.KindImageGeneration, Images: 2},
	} {
		rec.Timestamp = time.Now().Add(-time.Minute)
		if err := store.Record(context.Background(), rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	f := newFixture(t, func(d *Deps) { d.Usage = store })

	rec := f.do(t, http.MethodGet, "/v1/usage?group=kind", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("usage = %d %s", rec.Code, rec.Body)
	}
	got := decode[struct {
		Total  usage.Summary            `json:"total"`
		ByKind map[string]usage.Summary `json:"by_kind"`
	}](t, rec)
	if got.Total.TotalRecords != 2 || got.Total.TotalImages != 2 {
		t.Errorf("total = %+v", got.Total)
	}
	if got.ByKind[usage.KindStream].TotalInputTokens != 100 {
		t.Errorf("by_kind = %+v", got.ByKind)
	}

	if rec := f.do(t, http.MethodGet, "/v1/usage?group=planet", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad group = %d, want 400", rec.Code)
	}
}

func TestPlannerAudit(t *testing.T) {
	adapter := planner.NewAdapter(nil, nil, planner.Config{MaxAuditLog: 10})
	adapter.Plan(context.Background(), planner.Request{Prompt: "draw a cat"})

	f := newFixture(t, func(d *Deps) { d.Planner = adapter })
	rec := f.do(t, http.MethodGet, "/v1/planner/audit?limit=5", "")
	got := decode[struct {
		Decisions []planner.Decision `json:"decisions"`
		Stats     planner.Stats      `json:"stats"`
	}](t, rec)
	if len(got.Decisions) != 1 || got.Stats.TotalDecisions != 1 {
		t.Errorf("audit = %+v", got)
	}
}

func TestEventFeed(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?conversation_id=c1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.bus.Emit(events.SourceOrchestrator, events.KindTitle, map[string]any{"conversation_id": "other", "title": "Nope"})
	f.bus.Emit(events.SourceOrchestrator, events.KindTitle, map[string]any{"conversation_id": "c1", "title": "Trip"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if e.Kind != events.KindTitle || e.Data["title"] != "Trip" {
		t.Errorf("event = %+v, want the c1 title event", e)
	}
}

func TestDecodeBody_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/tool", bytes.NewReader(nil))
	var v struct{ Tool string }
	if err := decodeBody(req, &v); err != nil {
		t.Errorf("decodeBody(empty) error: %v", err)
	}
}
