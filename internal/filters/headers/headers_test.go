package headers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/portico/internal/filter"
	"github.com/wudi/portico/internal/filter/filtertest"
)

var cfg = filter.Config{
	"set":    map[string]any{"x-gateway": "portico"},
	"add":    map[string]any{"Via": "1.1 portico"},
	"remove": []any{"x-internal"},
}

func TestRequestHeaders(t *testing.T) {
	f := filtertest.Create(NewSpec(), "hdr", cfg)

	req := httptest.NewRequest("GET", "/api/x", nil)
	req.Header.Set("X-Internal", "secret")
	req.Header.Set("X-Gateway", "old")
	req.Header.Set("Via", "1.0 edge")
	ctx, w := filtertest.NewContext(req, nil)

	if res := f.Apply(ctx); !res.IsNext() {
		t.Fatalf("expected next, got %s", res)
	}
	h := ctx.Request().Header
	if h.Get("X-Internal") != "" {
		t.Error("X-Internal should be removed")
	}
	if h.Get("X-Gateway") != "portico" {
		t.Errorf("X-Gateway = %q", h.Get("X-Gateway"))
	}
	if got := h.Values("Via"); len(got) != 2 {
		t.Errorf("Via = %v, want two values", got)
	}
	if w.Header().Get("X-Gateway") != "" {
		t.Error("prefilter should not touch response headers")
	}
}

func TestResponseHeaders(t *testing.T) {
	f := filtertest.Create(NewSpec(), "hdr", cfg)

	resp := &http.Response{StatusCode: 200, Header: http.Header{"X-Internal": {"1"}}}
	ctx, _ := filtertest.NewResponseContext(httptest.NewRequest("GET", "/api/x", nil), resp)

	if res := f.Apply(ctx); !res.IsNext() {
		t.Fatalf("expected next, got %s", res)
	}
	if resp.Header.Get("X-Internal") != "" || resp.Header.Get("X-Gateway") != "portico" {
		t.Errorf("unexpected response headers %v", resp.Header)
	}
	if ctx.Request().Header.Get("X-Gateway") != "" {
		t.Error("postfilter should not touch request headers")
	}
}
