// Package accesslog writes one structured log line per proxied response.
package accesslog

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/portico/internal/filter"
	"go.uber.org/zap"
)

// Module is the name descriptors use to reference this filter.
const Module = "access-log"

// DefaultSensitiveHeaders are always masked when captured.
var DefaultSensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-API-Key"}

// Config is the filter's configuration document.
type Config struct {
	Message          string   `yaml:"message"`
	StatusCodes      []string `yaml:"status_codes"` // "4xx", "200", "500-504"
	Methods          []string `yaml:"methods"`
	SampleRate       float64  `yaml:"sample_rate"`
	RequestHeaders   []string `yaml:"request_headers"`
	ResponseHeaders  []string `yaml:"response_headers"`
	SensitiveHeaders []string `yaml:"sensitive_headers"`
}

// Spec is the access-log module. Lines go to the logger it was built with.
type Spec struct {
	logger *zap.Logger
}

// NewSpec returns the module writing to logger.
func NewSpec(logger *zap.Logger) Spec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Spec{logger: logger.Named("access")}
}

func (Spec) Name() string { return Module }

// SupportsPhase restricts the module to postfilters.
func (Spec) SupportsPhase(p filter.Phase) bool { return p == filter.PhaseResponse }

func (s Spec) CreateFilter(name string, cfg filter.Config) (filter.Filter, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return nil, fmt.Errorf("sample_rate must be between 0 and 1, got %v", c.SampleRate)
	}

	l := &logger{
		log:        s.logger.With(zap.String("filter", name)),
		message:    c.Message,
		sampleRate: c.SampleRate,
		sensitive:  make(map[string]bool),
	}
	if l.message == "" {
		l.message = "HTTP request"
	}
	for _, sc := range c.StatusCodes {
		sr, err := ParseStatusRange(sc)
		if err != nil {
			return nil, err
		}
		l.statusRanges = append(l.statusRanges, sr)
	}
	if len(c.Methods) > 0 {
		l.methods = make(map[string]bool, len(c.Methods))
		for _, m := range c.Methods {
			l.methods[strings.ToUpper(m)] = true
		}
	}
	for _, h := range c.RequestHeaders {
		l.reqHeaders = append(l.reqHeaders, http.CanonicalHeaderKey(h))
	}
	for _, h := range c.ResponseHeaders {
		l.respHeaders = append(l.respHeaders, http.CanonicalHeaderKey(h))
	}
	for _, h := range DefaultSensitiveHeaders {
		l.sensitive[http.CanonicalHeaderKey(h)] = true
	}
	for _, h := range c.SensitiveHeaders {
		l.sensitive[http.CanonicalHeaderKey(h)] = true
	}
	return l, nil
}

// StatusRange represents a contiguous range of HTTP status codes.
type StatusRange struct {
	Lo, Hi int
}

// ParseStatusRange parses "4xx", "200" or "200-299".
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		base := int(s[0]-'0') * 100
		if base < 100 || base > 500 {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{Lo: base, Hi: base + 99}, nil
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		l, err1 := strconv.Atoi(lo)
		h, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || l < 100 || h > 599 || l > h {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{Lo: l, Hi: h}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return StatusRange{}, fmt.Errorf("invalid status range %q", s)
	}
	return StatusRange{Lo: code, Hi: code}, nil
}

type logger struct {
	log          *zap.Logger
	message      string
	statusRanges []StatusRange
	methods      map[string]bool
	sampleRate   float64
	reqHeaders   []string
	respHeaders  []string
	sensitive    map[string]bool
}

func (l *logger) shouldLog(status int, method string) bool {
	if len(l.statusRanges) > 0 {
		matched := false
		for _, sr := range l.statusRanges {
			if status >= sr.Lo && status <= sr.Hi {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if l.methods != nil && !l.methods[method] {
		return false
	}
	if l.sampleRate > 0 && l.sampleRate < 1 && rand.Float64() >= l.sampleRate {
		return false
	}
	return true
}

func (l *logger) Apply(ctx *filter.Context) filter.Result {
	resp := ctx.Response()
	if resp == nil {
		return filter.Next()
	}
	r := ctx.Request()
	if !l.shouldLog(resp.StatusCode, r.Method) {
		return filter.Next()
	}

	route := ctx.Route()
	fields := make([]zap.Field, 0, 14)
	fields = append(fields,
		zap.String("request_id", ctx.RequestID()),
		zap.String("remote_addr", clientIP(r)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("response_time", time.Since(ctx.StartTime())),
		zap.String("provider", route.ProviderID),
	)
	if route.ResourceID != "" {
		fields = append(fields, zap.String("resource", route.ResourceID))
	}
	if r.URL.RawQuery != "" {
		fields = append(fields, zap.String("query", r.URL.RawQuery))
	}
	if resp.ContentLength >= 0 {
		fields = append(fields, zap.Int64("body_bytes", resp.ContentLength))
	}
	if c := ctx.Consumer(); c != nil {
		fields = append(fields, zap.String("consumer", c.ID))
	}
	if ua := r.UserAgent(); ua != "" {
		fields = append(fields, zap.String("user_agent", ua))
	}
	if h := l.capture(r.Header, l.reqHeaders); len(h) > 0 {
		fields = append(fields, zap.Any("request_headers", h))
	}
	if h := l.capture(resp.Header, l.respHeaders); len(h) > 0 {
		fields = append(fields, zap.Any("response_headers", h))
	}

	l.log.Info(l.message, fields...)
	return filter.Next()
}

func (l *logger) capture(h http.Header, names []string) map[string]string {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if l.sensitive[name] {
			v = "***"
		}
		out[name] = v
	}
	return out
}

// clientIP returns the first X-Forwarded-For entry, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
