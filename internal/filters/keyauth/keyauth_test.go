package keyauth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/portico/internal/filter"
	"github.com/wudi/portico/internal/filter/filtertest"
)

var consumers = filtertest.NewConsumers(filter.Consumer{ID: "c1", Key: "K1", Secret: "s1"})

func TestKeyAuth(t *testing.T) {
	tests := []struct {
		name     string
		cfg      filter.Config
		target   string
		header   string
		wantNext bool
		wantID   string
	}{
		{"valid header", nil, "/api/r1", "K1", true, "c1"},
		{"missing key", nil, "/api/r1", "", false, ""},
		{"unknown key", nil, "/api/r1", "nope", false, ""},
		{"query param", filter.Config{"query": "apikey"}, "/api/r1?apikey=K1", "", true, "c1"},
		{"query ignored without config", nil, "/api/r1?apikey=K1", "", false, ""},
		{"anonymous without key", filter.Config{"anonymous": true}, "/api/r1", "", true, ""},
		{"anonymous with bad key", filter.Config{"anonymous": true}, "/api/r1", "nope", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := filtertest.Create(NewSpec(), "key", tt.cfg)
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			ctx, rec := filtertest.NewContext(req, consumers)

			res := f.Apply(ctx)
			if res.IsNext() != tt.wantNext {
				t.Fatalf("result = %s, want next=%v", res, tt.wantNext)
			}
			if !tt.wantNext {
				if !res.IsServed() {
					t.Fatalf("rejection should be served directly, got %s", res)
				}
				if rec.Code != http.StatusUnauthorized {
					t.Errorf("status = %d, want 401", rec.Code)
				}
				if rec.Header().Get("WWW-Authenticate") == "" {
					t.Error("missing WWW-Authenticate")
				}
				if !strings.Contains(rec.Body.String(), `"status":401`) {
					t.Errorf("unexpected body %s", rec.Body.String())
				}
				return
			}
			var gotID string
			if c := ctx.Consumer(); c != nil {
				gotID = c.ID
			}
			if gotID != tt.wantID {
				t.Errorf("consumer = %q, want %q", gotID, tt.wantID)
			}
		})
	}
}

func TestHideCredentials(t *testing.T) {
	f := filtertest.Create(NewSpec(), "key", filter.Config{
		"header":           "X-Key",
		"query":            "apikey",
		"hide_credentials": true,
	})

	req := httptest.NewRequest("GET", "/api/r1?apikey=K1&page=2", nil)
	req.Header.Set("X-Key", "K1")
	ctx, _ := filtertest.NewContext(req, consumers)

	if res := f.Apply(ctx); !res.IsNext() {
		t.Fatalf("expected next, got %s", res)
	}
	if ctx.Request().Header.Get("X-Key") != "" {
		t.Error("header should be removed")
	}
	if got := ctx.Request().URL.RawQuery; got != "page=2" {
		t.Errorf("query = %q, want page=2", got)
	}
}
