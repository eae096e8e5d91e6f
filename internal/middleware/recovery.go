package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/wudi/portico/internal/errors"
	"github.com/wudi/portico/internal/logging"
	"go.uber.org/zap"
)

// Recover turns a panic that escapes the dispatch engine into a 500
// InternalChainError. http.ErrAbortHandler is re-raised so the server drops
// the connection. When the handler already committed a response the panic
// is only logged.
func Recover(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = logging.Global()
	}
	logger = logger.Named("recover")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cw := &commitWriter{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				reqID := w.Header().Get(RequestIDHeader)
				logger.Error("panic escaped request handler",
					zap.String("request_id", reqID),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Bool("committed", cw.committed),
					zap.Any("panic", v),
					zap.ByteString("stack", debug.Stack()),
				)
				if cw.committed {
					return
				}

				ge := errors.ErrInternalChain.WithDetails(fmt.Sprintf("panic: %v", v))
				if reqID != "" {
					ge = ge.WithRequestID(reqID)
				}
				ge.WriteJSON(w)
			}()

			next.ServeHTTP(cw, r)
		})
	}
}

// commitWriter notes whether the status line has gone out.
type commitWriter struct {
	http.ResponseWriter
	committed bool
}

func (c *commitWriter) WriteHeader(code int) {
	c.committed = true
	c.ResponseWriter.WriteHeader(code)
}

func (c *commitWriter) Write(b []byte) (int, error) {
	c.committed = true
	return c.ResponseWriter.Write(b)
}

func (c *commitWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		c.committed = true
		f.Flush()
	}
}

func (c *commitWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}
