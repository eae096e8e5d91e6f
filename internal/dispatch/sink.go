package dispatch

import (
	stderrors "errors"
	"net/http"
	"sync"
)

var errSealed = stderrors.New("response already sent")

// sink is the response writer filters see. It records whether the response
// was committed and refuses writes once the engine has sealed it. A filter
// that kept the writer past its own return can only race with the seal,
// so the state is guarded.
type sink struct {
	w http.ResponseWriter

	mu          sync.Mutex
	wroteHeader bool
	sealed      bool
	status      int
	bytes       int64
	owner       string
	onLate      func(owner, op string)
}

func newSink(w http.ResponseWriter, onLate func(owner, op string)) *sink {
	return &sink{w: w, onLate: onLate}
}

func (s *sink) Header() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return make(http.Header)
	}
	return s.w.Header()
}

func (s *sink) WriteHeader(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.sealed:
		s.late("WriteHeader")
	case s.wroteHeader:
		s.late("superfluous WriteHeader")
	default:
		s.writeHeaderLocked(code)
	}
}

func (s *sink) writeHeaderLocked(code int) {
	s.wroteHeader = true
	s.status = code
	s.w.WriteHeader(code)
}

func (s *sink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		s.late("Write")
		return 0, errSealed
	}
	if !s.wroteHeader {
		s.writeHeaderLocked(http.StatusOK)
	}
	n, err := s.w.Write(b)
	s.bytes += int64(n)
	return n, err
}

func (s *sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	if !s.wroteHeader {
		s.writeHeaderLocked(http.StatusOK)
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *sink) Unwrap() http.ResponseWriter {
	return s.w
}

// late must be called with mu held.
func (s *sink) late(op string) {
	if s.onLate != nil {
		s.onLate(s.owner, op)
	}
}

// setOwner names the filter currently holding the writer.
func (s *sink) setOwner(name string) {
	s.mu.Lock()
	s.owner = name
	s.mu.Unlock()
}

func (s *sink) committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wroteHeader
}

// seal ends the response. Later writes are dropped and reported.
func (s *sink) seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

func (s *sink) result() (status int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.bytes
}
