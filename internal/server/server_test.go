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

	"loom/internal/config"
	"loom/internal/db"
	"loom/internal/domain"
	"loom/internal/engine"
	"loom/internal/identity"
	"loom/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret: "test-secret",
			TrustMode: cfg.Identity.TrustMode,
			Tolerance: cfg.Tolerance(),
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
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
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

var softActor = map[string]string{"X-Actor-Id": "tester"}

// elementResult mirrors ElementResponse for decoding in tests: the DTO's
// interface-typed Detail field is marshal-only, so shadow it with raw JSON
// (same shape sdk/go uses).
type elementResult struct {
	ElementResponse
	Detail json.RawMessage `json:"detail,omitempty"`
}

func TestElementLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/elements", map[string]any{
		"kind":  "task",
		"title": "ship feature",
	}, softActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created elementResult
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Status != "open" || created.CreatedBy != "tester" {
		t.Fatalf("unexpected element: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/elements/"+created.ID, nil, softActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/elements/"+created.ID, map[string]any{
		"title": "ship the feature",
	}, softActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/elements/"+created.ID, nil, softActor)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d %s", res.StatusCode, string(data))
	}
}

func TestConditionalUpdateConflictOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/elements", map[string]any{
		"kind": "task", "title": "contended",
	}, softActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created elementResult
	_ = json.Unmarshal(data, &created)
	token := created.UpdatedAt

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/elements/"+created.ID, map[string]any{
		"title": "writer A", "expected_updated_at": token,
	}, softActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first conditional update: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/elements/"+created.ID, map[string]any{
		"title": "writer B", "expected_updated_at": token,
	}, softActor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for stale token, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", envelope.Error.Code)
	}
	if envelope.Error.Details["expected"] != token {
		t.Fatalf("expected token in details, got %v", envelope.Error.Details)
	}
}

func TestDependencyCycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	create := func(title string) string {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/elements", map[string]any{
			"kind": "task", "title": title,
		}, softActor)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", title, res.StatusCode, string(data))
		}
		var el elementResult
		_ = json.Unmarshal(data, &el)
		return el.ID
	}
	a, b := create("a"), create("b")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/elements/"+b+"/deps", map[string]any{
		"blocker_id": a, "type": "parent-child",
	}, softActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add edge: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/elements/"+a+"/deps", map[string]any{
		"blocker_id": b, "type": "parent-child",
	}, softActor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for cycle, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "dependency_cycle" {
		t.Fatalf("expected dependency_cycle code, got %q", envelope.Error.Code)
	}
}

func TestCryptographicModeRequiresValidSignature(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.TrustMode = domain.TrustCryptographic
	srv := newTestServer(t, cfg)
	client := srv.Client()

	// Seed a keyed entity directly; in cryptographic mode the API itself
	// only admits signed requests.
	pub, privB64, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	system := domain.ActorContext{Actor: "system", Source: domain.SourceSystem}
	if _, err := srv.Engine.Create(context.Background(), system, domain.Element{
		Kind:   domain.KindEntity,
		Title:  "alice",
		Detail: domain.EntityDetail{PublicKey: pub},
	}); err != nil {
		t.Fatalf("seed entity: %v", err)
	}

	body := map[string]any{"kind": "task", "title": "signed work"}
	payload, _ := json.Marshal(body)

	// Unsigned request is rejected.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/elements", body, softActor)
	if res.StatusCode != http.StatusUnauthorized && res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected unsigned rejection, got %d %s", res.StatusCode, string(data))
	}

	// Signed request is admitted and the signature names the actor.
	priv, err := identity.ParsePrivateKey(privB64)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	signed, err := identity.Sign("alice", payload, priv, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/elements", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature-Actor", signed.Actor)
	req.Header.Set("X-Signed-At", signed.SignedAt)
	req.Header.Set("X-Request-Hash", signed.RequestHash)
	req.Header.Set("X-Signature", signed.Signature)
	res2, err := client.Do(req)
	if err != nil {
		t.Fatalf("do signed request: %v", err)
	}
	defer res2.Body.Close()
	data2, _ := io.ReadAll(res2.Body)
	if res2.StatusCode != http.StatusCreated {
		t.Fatalf("signed create: %d %s", res2.StatusCode, string(data2))
	}
	var created elementResult
	if err := json.Unmarshal(data2, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.CreatedBy != "alice" {
		t.Fatalf("expected signature actor as creator, got %q", created.CreatedBy)
	}

	// A tampered signature is rejected even with valid headers otherwise.
	req2, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/elements", bytes.NewReader(payload))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("X-Signature-Actor", signed.Actor)
	req2.Header.Set("X-Signed-At", signed.SignedAt)
	req2.Header.Set("X-Request-Hash", signed.RequestHash)
	req2.Header.Set("X-Signature", "AAAA"+signed.Signature[4:])
	res3, err := client.Do(req2)
	if err != nil {
		t.Fatalf("do tampered request: %v", err)
	}
	defer res3.Body.Close()
	if res3.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for bad signature, got %d", res3.StatusCode)
	}
}

func TestDoctorAndMigrationEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/doctor", nil, softActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("doctor: %d %s", res.StatusCode, string(data))
	}
	var report DoctorResponse
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("fresh store unhealthy: %+v", report)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/migrations", nil, softActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("migrations: %d %s", res.StatusCode, string(data))
	}
	var status MigrationStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !status.SchemaValid || len(status.Pending) != 0 {
		t.Fatalf("unexpected migration status: %+v", status)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}
