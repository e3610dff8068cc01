package adminapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/capability"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/conversation"
	"github.com/hearthd/hearth/internal/curator"
	"github.com/hearthd/hearth/internal/semantic"
	"github.com/hearthd/hearth/internal/store"
	"github.com/hearthd/hearth/internal/window"
)

type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, req capability.GenerateRequest) (conversation.Turn, error) {
	last := req.Turns[len(req.Turns)-1]
	return conversation.NewTextTurn(conversation.RoleAssistant, "echo: "+last.Text()), nil
}

type fixture struct {
	server *httptest.Server
	store  *store.Store
	index  *semantic.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "facts.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	idx, err := semantic.NewIndex(db)
	if err != nil {
		t.Fatalf("NewIndex error: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Memory.Enabled = false
	ag, err := agent.New(agent.Options{
		Store:     st,
		Window:    window.NewManager(st, 40, 2, nil),
		Generator: echoGenerator{},
		Config:    cfg,
	})
	if err != nil {
		t.Fatalf("agent.New error: %v", err)
	}

	guideline := curator.NewGuidelineSource(config.DefaultGuideline())
	server := httptest.NewServer(New(st, idx, guideline, ag).Router())
	t.Cleanup(server.Close)

	return &fixture{server: server, store: st, index: idx}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHandleTurnEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := postJSON(t, f.server.URL+"/v1/turns", map[string]any{
		"userId": "alice",
		"text":   "hello",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Reply string `json:"reply"`
	}
	decodeBody(t, resp, &out)
	if out.Reply != "echo: hello" {
		t.Fatalf("reply = %q", out.Reply)
	}

	turns, err := f.store.Read(store.SessionIDFor("alice"), 0, true)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("history has %d turns, want 2", len(turns))
	}
}

func TestHandleTurnRequiresUserID(t *testing.T) {
	f := newFixture(t)
	resp := postJSON(t, f.server.URL+"/v1/turns", map[string]any{"text": "hi"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestClearSessionEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.store.GetOrCreateSession("alice")
	if _, err := f.store.Append(ctx, sess.ID, conversation.NewTextTurn(conversation.RoleUser, "hi")); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	resp := postJSON(t, f.server.URL+"/v1/sessions/"+sess.ID+"/clear", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, err := f.store.Read(sess.ID, 0, true); err == nil {
		t.Fatal("session survived clear")
	}
}

func TestClearAllEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.GetOrCreateSession("alice")
	if _, err := f.index.Insert(ctx, "alice", "fact", []float32{1, 0}, "", 0); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	resp := postJSON(t, f.server.URL+"/v1/clear-all", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	sessions, _ := f.store.ListSessions()
	if len(sessions) != 0 {
		t.Fatalf("sessions survived clear-all: %+v", sessions)
	}
	if f.index.Count() != 0 {
		t.Fatalf("facts survived clear-all: %d", f.index.Count())
	}
}

func TestUserStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.GetOrCreateSession("alice")
	if _, err := f.index.Insert(ctx, "alice", "likes jazz", []float32{1, 0}, "", 0); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	resp, err := http.Get(f.server.URL + "/v1/users/alice/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		UserID  string               `json:"userId"`
		Session *conversation.Session `json:"session"`
		Memory  semantic.Stats       `json:"memory"`
	}
	decodeBody(t, resp, &out)
	if out.Session == nil || out.Session.UserID != "alice" {
		t.Fatalf("session missing: %+v", out)
	}
	if out.Memory.RecordCount != 1 {
		t.Fatalf("memory stats = %+v", out.Memory)
	}
}

func TestUserStatsUnknownUser(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/v1/users/nobody/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]any
	decodeBody(t, resp, &out)
	if out["session"] != nil {
		t.Fatalf("expected null session, got %+v", out["session"])
	}
}

func TestGuidelineEndpoints(t *testing.T) {
	f := newFixture(t)

	resp := postJSON(t, f.server.URL+"/v1/guideline", map[string]any{"text": "Store birthdays only."})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var updated config.Guideline
	decodeBody(t, resp, &updated)
	if updated.Version != 2 || updated.Text != "Store birthdays only." {
		t.Fatalf("unexpected guideline: %+v", updated)
	}

	getResp, err := http.Get(f.server.URL + "/v1/guideline")
	if err != nil {
		t.Fatalf("GET guideline: %v", err)
	}
	var current config.Guideline
	decodeBody(t, getResp, &current)
	if current.Version != 2 {
		t.Fatalf("version = %d, want 2", current.Version)
	}

	bad := postJSON(t, f.server.URL+"/v1/guideline", map[string]any{"text": "  "})
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty guideline status = %d, want 400", bad.StatusCode)
	}
}

func TestRebuildEndpoint(t *testing.T) {
	f := newFixture(t)
	if _, err := f.index.Insert(context.Background(), "alice", "fact", []float32{1, 0}, "", 0); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	resp := postJSON(t, f.server.URL+"/v1/rebuild", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Records int `json:"records"`
	}
	decodeBody(t, resp, &out)
	if out.Records != 1 {
		t.Fatalf("records = %d, want 1", out.Records)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
