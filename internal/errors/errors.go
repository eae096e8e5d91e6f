package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for logging and metrics. The HTTP status is
// carried separately so a filter can reject with any status it likes.
type Kind string

const (
	KindNoProviderFound    Kind = "NoProviderFound"
	KindFilterRejected     Kind = "FilterRejected"
	KindRateLimitExceeded  Kind = "RateLimitExceeded"
	KindTransportError     Kind = "TransportError"
	KindInternalChainError Kind = "InternalChainError"
	KindCancelled          Kind = "Cancelled"
)

// GatewayError represents an error that can be returned to clients
type GatewayError struct {
	Status     int    `json:"status"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Kind       Kind   `json:"-"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// StatusCode reports the HTTP status of the error.
func (e *GatewayError) StatusCode() int {
	return e.Status
}

// WriteJSON writes the error as JSON to the response.
// Base errors use pre-serialized bodies.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNoProviderFound = &GatewayError{
		Status:  http.StatusNotFound,
		Message: "No provider found",
		Kind:    KindNoProviderFound,
	}

	ErrUnauthorized = &GatewayError{
		Status:  http.StatusUnauthorized,
		Message: "Unauthorized",
		Kind:    KindFilterRejected,
	}

	ErrForbidden = &GatewayError{
		Status:  http.StatusForbidden,
		Message: "Forbidden",
		Kind:    KindFilterRejected,
	}

	ErrBadRequest = &GatewayError{
		Status:  http.StatusBadRequest,
		Message: "Bad Request",
		Kind:    KindFilterRejected,
	}

	ErrRequestEntityTooLarge = &GatewayError{
		Status:  http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
		Kind:    KindFilterRejected,
	}

	ErrRateLimitExceeded = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Message: "Too Many Requests",
		Kind:    KindRateLimitExceeded,
	}

	ErrBadGateway = &GatewayError{
		Status:  http.StatusBadGateway,
		Message: "Bad Gateway",
		Kind:    KindTransportError,
	}

	ErrGatewayTimeout = &GatewayError{
		Status:  http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
		Kind:    KindTransportError,
	}

	ErrInternalChain = &GatewayError{
		Status:  http.StatusInternalServerError,
		Message: "Internal Server Error",
		Kind:    KindInternalChainError,
	}

	// ErrCancelled is never written to a client; the caller has gone away.
	ErrCancelled = &GatewayError{
		Status:  499,
		Message: "Client Closed Request",
		Kind:    KindCancelled,
	}
)

var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNoProviderFound, ErrUnauthorized, ErrForbidden, ErrBadRequest,
		ErrRequestEntityTooLarge, ErrRateLimitExceeded, ErrBadGateway,
		ErrGatewayTimeout, ErrInternalChain, ErrCancelled,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a FilterRejected error with the given status.
func New(status int, message string) *GatewayError {
	return &GatewayError{
		Status:  status,
		Message: message,
		Kind:    KindFilterRejected,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, status int, message string) *GatewayError {
	return &GatewayError{
		Status:     status,
		Message:    message,
		Kind:       KindFilterRejected,
		underlying: err,
	}
}

// WithKind returns a copy of e classified as k.
func (e *GatewayError) WithKind(k Kind) *GatewayError {
	c := *e
	c.Kind = k
	return &c
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	c := *e
	c.RequestID = requestID
	return &c
}

// WithCause attaches an underlying error.
func (e *GatewayError) WithCause(err error) *GatewayError {
	c := *e
	c.underlying = err
	return &c
}

// As finds the first GatewayError in err's chain.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

type statusCoder interface {
	StatusCode() int
}

// FromFilter converts an error returned by a filter into a GatewayError.
// The status comes from the error if it carries one, otherwise 500.
func FromFilter(err error) *GatewayError {
	if err == nil {
		return nil
	}
	if ge, ok := As(err); ok {
		if ge.Kind == "" {
			return ge.WithKind(KindFilterRejected)
		}
		return ge
	}
	var sc statusCoder
	if stderrors.As(err, &sc) {
		if code := sc.StatusCode(); code >= 400 && code <= 599 {
			return &GatewayError{
				Status:     code,
				Message:    http.StatusText(code),
				Details:    err.Error(),
				Kind:       KindFilterRejected,
				underlying: err,
			}
		}
	}
	return &GatewayError{
		Status:     http.StatusInternalServerError,
		Message:    http.StatusText(http.StatusInternalServerError),
		Kind:       KindFilterRejected,
		underlying: err,
	}
}
