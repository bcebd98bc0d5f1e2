package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"garrison/internal/config"
	"garrison/internal/db"
	"garrison/internal/dispatch"
	"garrison/internal/domain"
	"garrison/internal/engine"
	"garrison/internal/events"
	"garrison/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus(8)
	e := engine.New(conn, config.Default(), bus)
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	orch := dispatch.New(e, bus, time.Second)
	handler, err := New(Config{
		Engine:       e,
		Orchestrator: orch,
		BasePath:     "/v0",
		Auth:         AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			orch.Stop()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func TestHealthOpen(t *testing.T) {
	ts := newTestServer(t)
	res, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/conscripts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/auth/dev/login",
		DevLoginRequest{ActorID: "dev"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token: %v %s", err, data)
	}
	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/conscripts", nil,
		map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer token should authenticate: %d %s", res.StatusCode, data)
	}
}

func TestConscriptFlow(t *testing.T) {
	ts := newTestServer(t)

	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/conscripts",
		CreateConscriptRequest{Name: "alpha"}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create conscript: %d %s", res.StatusCode, data)
	}
	var c domain.Conscript
	if err := json.Unmarshal(data, &c); err != nil || c.Status != domain.ConscriptIdle {
		t.Fatalf("unexpected conscript: %v %s", err, data)
	}

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/directives",
		map[string]any{"title": "Build thing", "status": "ready"}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create directive: %d %s", res.StatusCode, data)
	}
	var d domain.Directive
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("decode directive: %v", err)
	}

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/conscripts/"+c.ID+"/assign",
		AssignRequest{DirectiveID: d.ID}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &c); err != nil || c.Status != domain.ConscriptAssigned {
		t.Fatalf("expected assigned, got %s: %s", c.Status, data)
	}

	// approving an assigned conscript is an invalid transition
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/conscripts/"+c.ID+"/approve",
		nil, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, data)
	}
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %s", data)
	}
}

func TestUnknownConscriptIs404(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/conscripts/nope", nil, actorHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, data)
	}
}

func TestCanAssignEndpoint(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/conscripts",
		CreateConscriptRequest{Name: "alpha"}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create conscript: %d", res.StatusCode)
	}
	var c domain.Conscript
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/directives",
		map[string]any{"title": "Build"}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create directive: %d", res.StatusCode)
	}
	var d domain.Directive
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatal(err)
	}

	url := ts.URL + "/v0/assignments/check?source_kind=conscript&source_id=" + c.ID + "&target_kind=directive&target_id=" + d.ID
	res, data = doJSON(t, ts.client, http.MethodGet, url, nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, data)
	}
	var check CanAssignResponse
	if err := json.Unmarshal(data, &check); err != nil || !check.Allowed {
		t.Fatalf("expected allowed pairing: %v %s", err, data)
	}
}

func TestOrchestratorEndpoints(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/directives",
		map[string]any{"title": "Queue me"}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create directive: %d", res.StatusCode)
	}
	var d domain.Directive
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/orchestrator/load",
		LoadDirectivesRequest{DirectiveIDs: []string{d.ID}}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("load: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/orchestrator/start", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, data)
	}
	// loading while running conflicts
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/orchestrator/load",
		LoadDirectivesRequest{DirectiveIDs: []string{d.ID}}, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/orchestrator/status", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, data)
	}
	var status domain.OrchestratorStatus
	if err := json.Unmarshal(data, &status); err != nil || !status.Running || status.Total != 1 {
		t.Fatalf("unexpected status: %v %s", err, data)
	}
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/orchestrator/stop", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop: %d %s", res.StatusCode, data)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/settings", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get settings: %d %s", res.StatusCode, data)
	}
	var s config.Settings
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	s.AllowSharedCamps = true
	res, data = doJSON(t, ts.client, http.MethodPut, ts.URL+"/v0/settings", s, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put settings: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/settings", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reread settings: %d", res.StatusCode)
	}
	if err := json.Unmarshal(data, &s); err != nil || !s.AllowSharedCamps {
		t.Fatalf("settings update should persist: %s", data)
	}

	s.PollIntervalSec = 0
	res, data = doJSON(t, ts.client, http.MethodPut, ts.URL+"/v0/settings", s, actorHeaders())
	if res.StatusCode == http.StatusOK {
		t.Fatalf("invalid settings should be refused: %s", data)
	}
}
