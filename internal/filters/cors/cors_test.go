package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/portico/internal/filter"
	"github.com/wudi/portico/internal/filter/filtertest"
)

func preflight(origin string) *http.Request {
	r := httptest.NewRequest("OPTIONS", "/api/x", nil)
	r.Header.Set("Origin", origin)
	r.Header.Set("Access-Control-Request-Method", "POST")
	return r
}

func TestCORSPreflight(t *testing.T) {
	f := filtertest.Create(NewSpec(), "cors", filter.Config{
		"allow_origins": []any{"https://example.com"},
		"allow_methods": []any{"GET", "POST"},
		"max_age":       3600,
	})

	ctx, w := filtertest.NewContext(preflight("https://example.com"), nil)
	if res := f.Apply(ctx); !res.IsServed() {
		t.Fatalf("preflight should be answered directly, got %s", res)
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("expected origin https://example.com, got %s", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("expected methods GET, POST, got %s", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "3600" {
		t.Errorf("expected max age 3600, got %s", got)
	}
}

func TestCORSPreflightDisallowedOrigin(t *testing.T) {
	f := filtertest.Create(NewSpec(), "cors", filter.Config{"allow_origins": []any{"https://example.com"}})

	ctx, w := filtertest.NewContext(preflight("https://evil.com"), nil)
	if res := f.Apply(ctx); !res.IsServed() {
		t.Fatalf("expected served, got %s", res)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("should not set allow origin for disallowed origin")
	}
}

func TestCORSSimpleRequest(t *testing.T) {
	f := filtertest.Create(NewSpec(), "cors", filter.Config{
		"allow_origins":     []any{"*.example.com"},
		"allow_credentials": true,
		"expose_headers":    []any{"X-Request-ID"},
	})

	r := httptest.NewRequest("GET", "/api/x", nil)
	r.Header.Set("Origin", "https://app.example.com")
	ctx, w := filtertest.NewContext(r, nil)

	if res := f.Apply(ctx); !res.IsNext() {
		t.Fatalf("simple requests continue, got %s", res)
	}
	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Error("prefilter must not commit the response")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected credentials header")
	}
	if w.Header().Get("Access-Control-Expose-Headers") != "X-Request-ID" {
		t.Error("expected expose headers")
	}
}

func TestCORSPostfilter(t *testing.T) {
	f := filtertest.Create(NewSpec(), "cors", nil)

	r := httptest.NewRequest("GET", "/api/x", nil)
	r.Header.Set("Origin", "https://anywhere.test")
	resp := &http.Response{StatusCode: 200, Header: http.Header{}}
	ctx, _ := filtertest.NewResponseContext(r, resp)

	if res := f.Apply(ctx); !res.IsNext() {
		t.Fatalf("expected next, got %s", res)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin = %q, want *", got)
	}
}

func TestCORSOriginPatterns(t *testing.T) {
	f := filtertest.Create(NewSpec(), "cors", filter.Config{
		"allow_origin_patterns": []any{`^https://[a-z]+\.internal$`},
	})

	for origin, want := range map[string]bool{
		"https://billing.internal": true,
		"https://evil.com":         false,
	} {
		r := httptest.NewRequest("GET", "/api/x", nil)
		r.Header.Set("Origin", origin)
		ctx, w := filtertest.NewContext(r, nil)
		f.Apply(ctx)
		if got := w.Header().Get("Access-Control-Allow-Origin") != ""; got != want {
			t.Errorf("%s allowed = %v, want %v", origin, got, want)
		}
	}
}

func TestCORSInvalidPattern(t *testing.T) {
	if _, err := NewSpec().CreateFilter("cors", filter.Config{"allow_origin_patterns": []any{"("}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
