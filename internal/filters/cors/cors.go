// Package cors answers CORS preflight requests and decorates responses
// with CORS headers.
package cors

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/wudi/portico/internal/filter"
)

// Module is the name descriptors use to reference this filter.
const Module = "cors"

// Config is the filter's configuration document.
type Config struct {
	AllowOrigins        []string `yaml:"allow_origins"`
	AllowOriginPatterns []string `yaml:"allow_origin_patterns"`
	AllowMethods        []string `yaml:"allow_methods"`
	AllowHeaders        []string `yaml:"allow_headers"`
	ExposeHeaders       []string `yaml:"expose_headers"`
	AllowCredentials    bool     `yaml:"allow_credentials"`
	AllowPrivateNetwork bool     `yaml:"allow_private_network"`
	MaxAge              int      `yaml:"max_age"`
}

type Spec struct{}

// NewSpec returns the module.
func NewSpec() Spec { return Spec{} }

func (Spec) Name() string { return Module }

func (Spec) CreateFilter(_ string, cfg filter.Config) (filter.Filter, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	return newHandler(c)
}

// handler runs as a prefilter, where it answers preflights and stages
// headers for the response, or as a postfilter, where it writes them onto
// the backend response.
type handler struct {
	allowOrigins        []string
	allowOriginPatterns []*regexp.Regexp
	allowMethods        string
	allowHeaders        string
	exposeHeaders       string
	allowCredentials    bool
	allowPrivateNetwork bool
	maxAge              string
	allowAllOrigins     bool
}

func newHandler(cfg Config) (*handler, error) {
	h := &handler{
		allowOrigins:        cfg.AllowOrigins,
		allowCredentials:    cfg.AllowCredentials,
		allowPrivateNetwork: cfg.AllowPrivateNetwork,
	}

	for _, pattern := range cfg.AllowOriginPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		h.allowOriginPatterns = append(h.allowOriginPatterns, re)
	}

	if len(cfg.AllowMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}

	if len(cfg.AllowHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization, X-API-Key"
	}

	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}

	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		h.maxAge = "86400"
	}

	if len(cfg.AllowOrigins) == 0 && len(cfg.AllowOriginPatterns) == 0 {
		h.allowAllOrigins = true
	}
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	return h, nil
}

func (h *handler) Apply(ctx *filter.Context) filter.Result {
	r := ctx.Request()
	if ctx.Phase() == filter.PhaseResponse {
		if resp := ctx.Response(); resp != nil {
			h.applyHeaders(resp.Header, r)
		}
		return filter.Next()
	}

	if isPreflight(r) {
		h.handlePreflight(ctx.ResponseWriter(), r)
		return filter.Served()
	}
	h.applyHeaders(ctx.ResponseWriter().Header(), r)
	return filter.Next()
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Origin") != "" && r.Header.Get("Access-Control-Request-Method") != ""
}

// handlePreflight writes a 204. A disallowed origin gets no CORS headers,
// which the browser treats as a refusal.
func (h *handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.isOriginAllowed(origin) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	hdr.Set("Access-Control-Allow-Methods", h.allowMethods)
	hdr.Set("Access-Control-Allow-Headers", h.allowHeaders)
	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	if h.allowPrivateNetwork && r.Header.Get("Access-Control-Request-Private-Network") == "true" {
		hdr.Set("Access-Control-Allow-Private-Network", "true")
	}
	hdr.Set("Access-Control-Max-Age", h.maxAge)
	hdr.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) applyHeaders(hdr http.Header, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.isOriginAllowed(origin) {
		return
	}

	hdr.Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	if h.exposeHeaders != "" {
		hdr.Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	hdr.Set("Vary", "Origin")
}

func (h *handler) responseOrigin(origin string) string {
	if h.allowAllOrigins && !h.allowCredentials {
		return "*"
	}
	return origin
}

func (h *handler) isOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}

	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return true
		}
		// *.example.com
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}

	for _, re := range h.allowOriginPatterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}
