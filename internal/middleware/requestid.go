package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the correlation id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// DefaultMaxRequestIDLength bounds inbound ids when no limit is configured.
const DefaultMaxRequestIDLength = 128

func init() {
	uuid.EnableRandPool()
}

// RequestIDOptions controls how the correlation id is chosen.
type RequestIDOptions struct {
	// TrustInbound keeps a well-formed id supplied by the client.
	TrustInbound bool
	// MaxLength is the longest inbound id kept. Zero means
	// DefaultMaxRequestIDLength.
	MaxLength int
	// NewID generates ids; defaults to random UUIDs.
	NewID func() string
}

// RequestID assigns every request a correlation id, stores it in the request
// context and echoes it on both the request and response headers. Inbound ids
// that are too long or contain anything other than visible ASCII are replaced,
// so they can be logged and returned verbatim.
func RequestID(opts RequestIDOptions) Middleware {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxRequestIDLength
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if opts.TrustInbound {
				id = r.Header.Get(RequestIDHeader)
				if !wellFormedID(id, opts.MaxLength) {
					id = ""
				}
			}
			if id == "" {
				id = opts.NewID()
			}

			r.Header.Set(RequestIDHeader, id)
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

func wellFormedID(id string, limit int) bool {
	if id == "" || len(id) > limit {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e || id[i] == '"' || id[i] == '\\' {
			return false
		}
	}
	return true
}

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id stored by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
