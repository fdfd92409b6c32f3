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

	"github.com/golang-jwt/jwt/v5"

	"solaros/internal/ahj"
	"solaros/internal/config"
	"solaros/internal/db"
	"solaros/internal/domain"
	"solaros/internal/engine"
	"solaros/internal/migrate"
	"solaros/internal/relay"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL      string
	Registry *ahj.Registry
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
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
	cfg := config.Default()
	e := engine.New(conn, cfg)
	rl := relay.New(e.Repo, cfg, nil)
	registry, err := ahj.NewRegistry(e.Repo)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		Relay:    rl,
		Registry: registry,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
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
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Registry: registry,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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
	if headers == nil {
		headers = map[string]string{"X-Actor-Id": "tester"}
	}
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

func signToken(t *testing.T, actorID string, roles []string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", string(data), err)
	}
	return envelope.Error.Code
}

func createTestProject(t *testing.T, srv *testServer) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"customer_name":  "Ada Lovelace",
		"address":        "12 Sunrise Ave, Austin, TX 78701",
		"financing_type": "cash",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func TestHealthBypassesAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthenticated" {
		t.Fatalf("expected unauthenticated code, got %q", code)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := signToken(t, "user-1", nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt request: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d %s", res.StatusCode, string(data))
	}
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createTestProject(t, srv)
	if p.Status != "intake" {
		t.Fatalf("new project status %q", p.Status)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transition", map[string]any{
		"status": "scheduling",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition: %d %s", res.StatusCode, string(data))
	}
	var moved domain.Project
	_ = json.Unmarshal(data, &moved)
	if moved.Status != "scheduling" {
		t.Fatalf("expected scheduling, got %q", moved.Status)
	}

	// backward proposal conflicts
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transition", map[string]any{
		"status": "intake",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "failed-precondition" {
		t.Fatalf("expected failed-precondition, got %q", code)
	}
}

func TestGetUnknownProjectIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not-found" {
		t.Fatalf("expected not-found, got %q", code)
	}
}

func TestClaimEmptyQueueIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/claim", map[string]any{
		"worker_id": "worker-1",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestTaskClaimCompleteOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createTestProject(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"project_id": p.ID,
		"type":       "cad_generate",
		"input":      map[string]any{"survey_id": "s-1"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue: %d %s", res.StatusCode, string(data))
	}
	var queued []domain.AiTask
	if err := json.Unmarshal(data, &queued); err != nil || len(queued) != 1 {
		t.Fatalf("unmarshal queued tasks: %v (%s)", err, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/claim", map[string]any{
		"type":      "cad_generate",
		"worker_id": "worker-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var claimed domain.AiTask
	_ = json.Unmarshal(data, &claimed)
	if claimed.Status != "in_progress" {
		t.Fatalf("claimed status %q", claimed.Status)
	}

	// completing twice conflicts
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+claimed.ID+"/complete", map[string]any{
		"output": map[string]any{"design_id": "d-1"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+claimed.ID+"/complete", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double complete, got %d %s", res.StatusCode, string(data))
	}
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := map[string]any{"log_id": "whatever"}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admin/retry-webhook", body, map[string]string{
		"Authorization": "Bearer " + signToken(t, "user-1", nil),
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "permission-denied" {
		t.Fatalf("expected permission-denied, got %q", code)
	}

	// admin passes the gate and hits the missing log instead
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admin/retry-webhook", body, map[string]string{
		"Authorization": "Bearer " + signToken(t, "admin-1", []string{"admin"}),
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing log, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := map[string]string{"Authorization": "Bearer " + signToken(t, "admin-1", []string{"admin"})}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admin/api-keys", map[string]any{
		"actor_id": "robot-7",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("unmarshal key: %v (%s)", err, string(data))
	}

	// the plaintext key authenticates subsequent requests
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": "bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthorityUpsertRefreshesZipResolution(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	admin := map[string]string{"Authorization": "Bearer " + signToken(t, "admin-1", []string{"admin"})}

	res, _ := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/ahj/tx-austin", map[string]any{
		"name": "City of Austin", "zip_codes": []string{"78701"},
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert: status %d", res.StatusCode)
	}
	if got, _ := srv.Registry.Resolve(ctx, "78701"); got != "tx-austin" {
		t.Fatalf("first resolve: %q", got)
	}

	// remap the zip over HTTP; the long-lived registry must not keep
	// serving the old authority
	res, _ = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/ahj/tx-austin", map[string]any{
		"name": "City of Austin", "zip_codes": []string{},
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remap austin: status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/ahj/tx-travis", map[string]any{
		"name": "Travis County", "zip_codes": []string{"78701"},
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remap travis: status %d", res.StatusCode)
	}
	if got, _ := srv.Registry.Resolve(ctx, "78701"); got != "tx-travis" {
		t.Fatalf("resolve after remap: got %q, want tx-travis", got)
	}
}

func TestEventsEndpointShowsAuditTrail(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createTestProject(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?project_id="+p.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) == 0 || events[0].Type != "project.created" {
		t.Fatalf("expected project.created event, got %+v", events)
	}
	if events[0].ActorID != "tester" {
		t.Fatalf("expected actor from auth header, got %q", events[0].ActorID)
	}
}
