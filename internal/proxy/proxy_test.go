package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/wudi/portico/internal/config"
	"github.com/wudi/portico/internal/errors"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestForward(t *testing.T) {
	var received *http.Request
	var body string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Connection", "close")
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	}))
	defer backend.Close()

	f := New(config.ProxyConfig{})
	defer f.CloseIdleConnections()

	req := httptest.NewRequest("POST", "/api/users/7?expand=1", strings.NewReader("payload"))
	req.RemoteAddr = "192.168.1.100:12345"
	req.Host = "api.example.com"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	req.Header.Set("Proxy-Authorization", "secret")
	req.Header.Set("X-Custom", "kept")

	target := TargetURL(mustURL(t, backend.URL+"/v2"), "/api", req.URL)
	resp, err := f.Forward(req.Context(), target, req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if got, _ := io.ReadAll(resp.Body); string(got) != "created" {
		t.Errorf("body = %q", got)
	}
	if resp.Header.Get("X-Backend") != "yes" {
		t.Error("backend headers should be passed through")
	}
	if resp.Header.Get("Connection") != "" {
		t.Error("hop-by-hop response headers should be removed")
	}

	if received.URL.Path != "/v2/users/7" {
		t.Errorf("backend path = %q, want /v2/users/7", received.URL.Path)
	}
	if received.URL.RawQuery != "expand=1" {
		t.Errorf("backend query = %q", received.URL.RawQuery)
	}
	if body != "payload" {
		t.Errorf("backend body = %q", body)
	}
	if got := received.Header.Get("X-Forwarded-For"); got != "10.0.0.1, 192.168.1.100" {
		t.Errorf("X-Forwarded-For = %q", got)
	}
	if received.Header.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q", received.Header.Get("X-Forwarded-Proto"))
	}
	if received.Header.Get("X-Forwarded-Host") != "api.example.com" {
		t.Errorf("X-Forwarded-Host = %q", received.Header.Get("X-Forwarded-Host"))
	}
	if received.Header.Get("Proxy-Authorization") != "" {
		t.Error("hop-by-hop request headers should be removed")
	}
	if received.Header.Get("X-Custom") != "kept" {
		t.Error("end-to-end request headers should be kept")
	}
}

func TestForwardBackendDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	addr := backend.URL
	backend.Close()

	req := httptest.NewRequest("GET", "/api/x", nil)
	_, err := New(config.ProxyConfig{}).Forward(req.Context(), mustURL(t, addr+"/x"), req)

	ge, ok := errors.As(err)
	if !ok {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if ge.Status != http.StatusBadGateway || ge.Kind != errors.KindTransportError {
		t.Errorf("got %d/%s, want 502/TransportError", ge.Status, ge.Kind)
	}

	rec := httptest.NewRecorder()
	ge.WriteJSON(rec)
	host := strings.TrimPrefix(addr, "http://")
	if strings.Contains(rec.Body.String(), host) {
		t.Errorf("client body leaks backend address: %s", rec.Body.String())
	}
	if !strings.Contains(ge.Error(), host) {
		t.Errorf("cause lost for logging: %v", ge)
	}
}

func TestForwardTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	f := New(config.ProxyConfig{ResponseHeaderTimeout: 50 * time.Millisecond})
	req := httptest.NewRequest("GET", "/x", nil)
	_, err := f.Forward(req.Context(), mustURL(t, backend.URL), req)

	ge, ok := errors.As(err)
	if !ok || ge.Status != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}
}

func TestForwardCancelled(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/x", nil).WithContext(ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := New(config.ProxyConfig{}).Forward(ctx, mustURL(t, backend.URL), req)
	ge, ok := errors.As(err)
	if !ok || ge.Kind != errors.KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		base    string
		context string
		in      string
		want    string
	}{
		{"http://b:1", "/api", "/api/x", "http://b:1/x"},
		{"http://b:1", "/api", "/api", "http://b:1/"},
		{"http://b:1", "/api", "/api/", "http://b:1/"},
		{"http://b:1/v1", "/api", "/api", "http://b:1/v1"},
		{"http://b:1/v1/", "/api", "/api/x/", "http://b:1/v1/x/"},
		{"http://b:1", "/", "/a/b?q=1", "http://b:1/a/b?q=1"},
		{"http://b:1", "/a/b", "/a/b/c", "http://b:1/c"},
	}
	for _, tt := range tests {
		in := mustURL(t, tt.in)
		got := TargetURL(mustURL(t, tt.base), tt.context, in).String()
		if got != tt.want {
			t.Errorf("TargetURL(%q, %q, %q) = %q, want %q", tt.base, tt.context, tt.in, got, tt.want)
		}
	}
}

func TestStripContext(t *testing.T) {
	tests := []struct {
		context string
		path    string
		want    string
	}{
		{"/api", "/api/x", "/x"},
		{"/api", "/api", ""},
		{"/api", "/api/", "/"},
		{"/api", "/apix", "/apix"},
		{"/api", "/other", "/other"},
		{"/a/b", "/a/b/c/d", "/c/d"},
		{"/", "/a", "/a"},
	}
	for _, tt := range tests {
		if got := StripContext(tt.context, tt.path); got != tt.want {
			t.Errorf("StripContext(%q, %q) = %q, want %q", tt.context, tt.path, got, tt.want)
		}
	}
}
