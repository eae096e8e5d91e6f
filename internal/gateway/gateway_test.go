package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wudi/portico/internal/config"
	"github.com/wudi/portico/internal/middleware"
	"go.uber.org/zap"
)

type stubForwarder struct {
	paths []string
}

func (f *stubForwarder) Forward(ctx context.Context, target *url.URL, r *http.Request) (*http.Response, error) {
	f.paths = append(f.paths, target.Path)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

const baseDoc = `
filters:
  - name: auth
    module: key-auth
  - name: limit
    module: ratelimit
    config:
      limit: 1
      period: 1h
      scope: provider_consumer
  - name: stamp
    module: headers
    config:
      set: {X-Gateway: portico}
postfilters: [stamp]
consumers:
  - id: alice
    key: alice-key
  - id: bob
    key: bob-key
overrides:
  - filter: limit
    consumer: bob
    config:
      limit: 3
providers:
  - id: api
    context: /api
    target: http://backend.test
    prefilters: [auth, limit]
`

func parseConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader().Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func newGateway(t *testing.T, doc string) (*Gateway, *stubForwarder) {
	t.Helper()
	fwd := &stubForwarder{}
	g, err := New(parseConfig(t, doc), WithForwarder(fwd), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { g.Close(context.Background()) })
	return g, fwd
}

func get(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGatewayPipeline(t *testing.T) {
	g, fwd := newGateway(t, baseDoc)

	rec := get(g, "/api/orders", "alice-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Gateway") != "portico" {
		t.Error("global postfilter did not run")
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("missing request id")
	}
	if len(fwd.paths) != 1 || fwd.paths[0] != "/orders" {
		t.Errorf("forwarded paths = %v", fwd.paths)
	}

	rec = get(g, "/api/orders", "alice-key")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second alice request: status %d, want 429", rec.Code)
	}
	var body struct {
		Status    int    `json:"status"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != 429 || body.RequestID != rec.Header().Get(middleware.RequestIDHeader) {
		t.Errorf("unexpected error body %+v", body)
	}

	// bob's override allows three requests.
	for i := 0; i < 3; i++ {
		if rec := get(g, "/api/orders", "bob-key"); rec.Code != http.StatusOK {
			t.Fatalf("bob request %d: status %d", i+1, rec.Code)
		}
	}
	if rec := get(g, "/api/orders", "bob-key"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("fourth bob request: status %d, want 429", rec.Code)
	}

	if rec := get(g, "/nowhere", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unrouted request: status %d, want 404", rec.Code)
	}
}

func TestGatewayRequestID(t *testing.T) {
	tests := []struct {
		name    string
		server  string
		inbound string
		keep    bool
	}{
		{"trusted by default", "", "trace-42", true},
		{"malformed", "", "trace 42", false},
		{"over configured length", "server:\n  request_id: {max_length: 4}\n", "trace-42", false},
		{"untrusted", "server:\n  request_id: {trust_inbound: false}\n", "trace-42", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newGateway(t, tt.server+baseDoc)
			req := httptest.NewRequest("GET", "/api/orders", nil)
			req.Header.Set("X-API-Key", "alice-key")
			req.Header.Set(middleware.RequestIDHeader, tt.inbound)
			rec := httptest.NewRecorder()
			g.ServeHTTP(rec, req)

			got := rec.Header().Get(middleware.RequestIDHeader)
			if tt.keep && got != tt.inbound {
				t.Errorf("request id = %q, want %q", got, tt.inbound)
			}
			if !tt.keep && (got == tt.inbound || len(got) != 36) {
				t.Errorf("request id = %q, want a generated UUID", got)
			}
		})
	}
}

func TestGatewayRejectsInvalidConfig(t *testing.T) {
	cfg := parseConfig(t, `
filters:
  - name: auth
    module: no-such-module
providers:
  - id: api
    context: /api
    target: http://backend.test
    prefilters: [auth]
`)
	if _, err := New(cfg, WithForwarder(&stubForwarder{}), WithLogger(zap.NewNop())); err == nil {
		t.Fatal("expected error for unknown module")
	}
}

func TestReload(t *testing.T) {
	g, _ := newGateway(t, baseDoc)
	before := g.Snapshot()

	result := g.Reload(parseConfig(t, `
providers:
  - id: api
    context: /api
    target: http://backend.test
  - id: admin
    context: /admin
    target: http://admin.test
`))
	if !result.Success || result.Version != before.Version()+1 {
		t.Fatalf("unexpected result %+v", result)
	}
	wantChanges := map[string]bool{
		"added provider admin":  true,
		"removed filter auth":   true,
		"removed filter limit":  true,
		"removed filter stamp":  true,
	}
	if len(result.Changes) != len(wantChanges) {
		t.Errorf("changes = %v", result.Changes)
	}
	for _, c := range result.Changes {
		if !wantChanges[c] {
			t.Errorf("unexpected change %q", c)
		}
	}

	// Authentication is gone with the new snapshot.
	if rec := get(g, "/api/x", ""); rec.Code != http.StatusOK {
		t.Errorf("status %d after reload, want 200", rec.Code)
	}
	if rec := get(g, "/admin/x", ""); rec.Code != http.StatusOK {
		t.Errorf("new provider not routed: status %d", rec.Code)
	}

	bad := parseConfig(t, `
filters:
  - name: broken
    module: ratelimit
    config: {limit: 0}
providers:
  - id: api
    context: /api
    target: http://backend.test
    prefilters: [broken]
`)
	active := g.Snapshot()
	if result := g.Reload(bad); result.Success || result.Error == "" {
		t.Fatalf("expected failed reload, got %+v", result)
	}
	if g.Snapshot() != active {
		t.Error("failed reload replaced the active snapshot")
	}
	if h := g.ReloadHistory(); len(h) != 2 || !h[0].Success || h[1].Success {
		t.Errorf("unexpected history %+v", h)
	}
}

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portico.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newServer(t *testing.T, doc string) (*Server, string) {
	t.Helper()
	path := writeConfig(t, doc)
	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewServer(cfg, path, WithForwarder(&stubForwarder{}), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { s.gateway.Close(context.Background()) })
	return s, path
}

func TestAdminAPI(t *testing.T) {
	s, _ := newServer(t, baseDoc)
	admin := s.AdminHandler()

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/health", 200, `"status":"healthy"`},
		{"/ready", 200, `"status":"ready"`},
		{"/providers", 200, `"prefilters":["auth","limit"]`},
		{"/providers/api", 200, `"postfilters":["stamp"]`},
		{"/providers/missing", 404, `"provider not found"`},
		{"/filters", 200, `"overrides":["bob"]`},
		{"/tracing", 200, `"enabled":false`},
		{"/config", 200, "[REDACTED]"},
		{"/metrics", 200, "portico_config_snapshot_version 1"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(admin, tt.path, "")
			if rec.Code != tt.status {
				t.Fatalf("status %d, want %d", rec.Code, tt.status)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body %s does not contain %s", rec.Body.String(), tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest("GET", "/reload", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /reload: status %d, want 405", rec.Code)
	}
}

func TestAdminRateLimits(t *testing.T) {
	s, _ := newServer(t, baseDoc)
	admin := s.AdminHandler()

	if rec := get(admin, "/ratelimits", ""); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected no buckets before traffic, got %s", rec.Body.String())
	}
	get(s.Gateway(), "/api/x", "alice-key")

	rec := get(admin, "/ratelimits", "")
	for _, want := range []string{`"filter":"limit"`, `"scope":"provider_consumer"`, `"provider":"api"`, `"consumer":"alice"`, `"capacity":1`} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("body %s does not contain %s", rec.Body.String(), want)
		}
	}
}

func TestAdminReload(t *testing.T) {
	s, path := newServer(t, baseDoc)
	admin := s.AdminHandler()

	next := strings.Replace(baseDoc, "context: /api", "context: /v2", 1)
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest("POST", "/reload", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reload: status %d body %s", rec.Code, rec.Body.String())
	}
	if rec := get(s.Gateway(), "/v2/x", "alice-key"); rec.Code != http.StatusOK {
		t.Errorf("new context not served: status %d", rec.Code)
	}

	if err := os.WriteFile(path, []byte("providers: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest("POST", "/reload", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("broken reload: status %d, want 422", rec.Code)
	}

	rec = get(admin, "/reload/status", "")
	var history []ReloadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || !history[0].Success || history[1].Success {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestReadyWithoutProviders(t *testing.T) {
	s, _ := newServer(t, "server: {address: ':0'}\n")
	if rec := get(s.AdminHandler(), "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", rec.Code)
	}
}
