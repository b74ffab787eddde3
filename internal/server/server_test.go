package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"botline/internal/app"
	"botline/internal/config"
	"botline/internal/db"
	"botline/internal/domain"
	"botline/internal/engine"
	"botline/internal/migrate"
)

type testServer struct {
	URL      string
	AdminKey string
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	res, err := app.Bootstrap(context.Background(), e.Repo, "admin")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: "test-secret"}})
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
		URL:      "http://" + ln.Addr().String(),
		AdminKey: res.APIKeyPlaintext,
		client:   &http.Client{},
		close: func() {
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

type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401: %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "unauthorized" {
		t.Fatalf("code %q, want unauthorized", env.Error.Code)
	}
}

func TestBadAPIKeyRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"X-Api-Key": "bl_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401: %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "invalid_credentials" {
		t.Fatalf("code %q, want invalid_credentials", env.Error.Code)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv := newTestServer(t)
	headers := map[string]string{"X-Api-Key": srv.AdminKey}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/no-such-id", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404: %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "not_found" {
		t.Fatalf("code %q, want not_found", env.Error.Code)
	}
}

func TestBotProtocolFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	admin := map[string]string{"X-Api-Key": srv.AdminKey}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/platforms", map[string]any{
		"name": "linux-x64",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create platform %d: %s", res.StatusCode, string(data))
	}
	var platform domain.Platform
	_ = json.Unmarshal(data, &platform)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/capabilities", map[string]any{
		"name": "scrape", "version": "1.0",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create capability %d: %s", res.StatusCode, string(data))
	}
	var capability domain.Capability
	_ = json.Unmarshal(data, &capability)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bots", map[string]any{
		"username": "worker-1", "platform_id": platform.ID, "capabilities": []string{capability.ID},
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register bot %d: %s", res.StatusCode, string(data))
	}
	var registered BotRegisteredResponse
	if err := json.Unmarshal(data, &registered); err != nil {
		t.Fatalf("unmarshal bot: %v", err)
	}
	bot := map[string]string{"X-Bot-Id": registered.Bot.BotID, "X-Bot-Token": registered.Token}

	// the protocol surface authenticates per request, not via the middleware
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocol/checkin", nil, bot)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("checkin %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"name": "scrape-once", "capability_id": capability.ID, "platform_id": platform.ID,
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	_ = json.Unmarshal(data, &task)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.TaskID+"/trigger", nil, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("trigger %d: %s", res.StatusCode, string(data))
	}
	var offers []domain.TaskExecution
	if err := json.Unmarshal(data, &offers); err != nil || len(offers) != 1 {
		t.Fatalf("expected one offer: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocol/executions/"+offers[0].ExecutionID+"/claim", nil, bot)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim %d: %s", res.StatusCode, string(data))
	}
	var claimed domain.TaskExecution
	_ = json.Unmarshal(data, &claimed)
	if claimed.Status != domain.StatusClaimed {
		t.Fatalf("status %s, want claimed", claimed.Status)
	}

	// second claim conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocol/executions/"+offers[0].ExecutionID+"/claim", nil, bot)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("repeat claim %d, want 409: %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "conflict" {
		t.Fatalf("code %q, want conflict", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocol/executions/"+offers[0].ExecutionID+"/progress", map[string]any{
		"results_json": `{"pages": 1}`,
	}, bot)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocol/executions/"+offers[0].ExecutionID+"/complete", map[string]any{
		"results_json": `{"pages": 3}`,
	}, bot)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete %d: %s", res.StatusCode, string(data))
	}
	var done domain.TaskExecution
	_ = json.Unmarshal(data, &done)
	if done.Status != domain.StatusCompleted {
		t.Fatalf("status %s, want completed", done.Status)
	}
}

func TestProtocolRejectsBadToken(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/protocol/checkin", nil, map[string]string{
		"X-Bot-Id": "ghost", "X-Bot-Token": "blt_bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401: %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Message != "authentication failed" {
		t.Fatalf("message %q should be constant", env.Error.Message)
	}
}

func TestOperatorCannotCreateUsers(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	admin := map[string]string{"X-Api-Key": srv.AdminKey}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{
		"username": "op", "role_name": "operator",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user %d: %s", res.StatusCode, string(data))
	}
	var op domain.User
	_ = json.Unmarshal(data, &op)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"user_id": op.UserID, "name": "op-key",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyCreatedResponse
	_ = json.Unmarshal(data, &key)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{
		"username": "intruder", "role_name": "operator",
	}, map[string]string{"X-Api-Key": key.Plaintext})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403: %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "forbidden" {
		t.Fatalf("code %q, want forbidden", env.Error.Code)
	}
}
