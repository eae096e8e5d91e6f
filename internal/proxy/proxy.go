// Package proxy forwards requests that survived the prefilter chain to the
// provider's target and hands the backend response back to the engine.
package proxy

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/wudi/portico/internal/config"
	"github.com/wudi/portico/internal/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Forwarder performs one backend round trip per call. It never retries.
type Forwarder struct {
	transport http.RoundTripper
}

// New creates a forwarder with a transport built from cfg.
func New(cfg config.ProxyConfig) *Forwarder {
	return &Forwarder{transport: NewTransport(cfg)}
}

// NewWithTransport creates a forwarder over rt.
func NewWithTransport(rt http.RoundTripper) *Forwarder {
	return &Forwarder{transport: rt}
}

// Forward sends r to target, which must already carry the final path and
// query. The caller owns the returned response body. Errors are
// *errors.GatewayError of kind TransportError, or Cancelled when ctx ended
// because the client went away.
func (f *Forwarder) Forward(ctx context.Context, target *url.URL, r *http.Request) (*http.Response, error) {
	outReq := createProxyRequest(ctx, r, target)

	resp, err := f.transport.RoundTrip(outReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	removeHopHeaders(resp.Header)
	return resp, nil
}

// CloseIdleConnections releases pooled backend connections.
func (f *Forwarder) CloseIdleConnections() {
	if ci, ok := f.transport.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

// TargetURL builds the backend URL for a request: the provider context is
// removed from path and the remainder joined onto base's path.
func TargetURL(base *url.URL, providerContext string, in *url.URL) *url.URL {
	u := *base
	u.Path = joinPath(base.Path, StripContext(providerContext, in.Path))
	u.RawPath = ""
	u.RawQuery = in.RawQuery
	u.Fragment = ""
	return &u
}

func createProxyRequest(ctx context.Context, r *http.Request, target *url.URL) *http.Request {
	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	// +3 for X-Forwarded-For/Proto/Host added below
	proxyReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}
	removeHopHeaders(proxyReq.Header)

	if ip := clientIP(r); ip != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", ip)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(proxyReq.Header))

	return proxyReq
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return errors.ErrCancelled.WithCause(err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrGatewayTimeout.WithCause(err)
	}
	var nerr net.Error
	if stderrors.As(err, &nerr) && nerr.Timeout() {
		return errors.ErrGatewayTimeout.WithCause(err)
	}
	return errors.ErrBadGateway.WithCause(err)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// StripContext removes the provider context from path on segment
// boundaries, keeping the remainder's trailing slash. A path that does not
// start with the context is returned unchanged.
func StripContext(prefix, path string) string {
	i := 0
	for _, seg := range strings.Split(strings.Trim(prefix, "/"), "/") {
		if seg == "" {
			continue
		}
		for i < len(path) && path[i] == '/' {
			i++
		}
		if !strings.HasPrefix(path[i:], seg) {
			return path
		}
		end := i + len(seg)
		if end < len(path) && path[end] != '/' {
			return path
		}
		i = end
	}
	return path[i:]
}

func joinPath(base, rest string) string {
	if rest == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	return singleJoiningSlash(base, rest)
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
