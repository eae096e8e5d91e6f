package errors

import (
	"fmt"
	"net/http/httptest"
	"testing"
)

func BenchmarkRejectPreSerialized(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		FromFilter(ErrRateLimitExceeded).WriteJSON(httptest.NewRecorder())
	}
}

func BenchmarkRejectWithRequestID(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ErrUnauthorized.WithRequestID("3f2a").WriteJSON(httptest.NewRecorder())
	}
}

func BenchmarkFromFilterPlainError(b *testing.B) {
	err := fmt.Errorf("lookup consumer: %w", ErrForbidden)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		FromFilter(err).WithRequestID("3f2a").WriteJSON(httptest.NewRecorder())
	}
}
