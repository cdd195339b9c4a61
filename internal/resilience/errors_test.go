package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"tagged 503", NewTransientError(eris.New("anthropic: unexpected status 503"), 503), true},
		{"tagged transport error", NewTransientError(eris.New("voyage: request failed"), 0), true},
		{"wrapped tagged", fmt.Errorf("pass 2: %w", NewTransientError(errors.New("bad gateway"), 502)), true},
		{"pass deadline", context.DeadlineExceeded, true},
		{"dns timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"connection reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"connection refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"anthropic overloaded body", errors.New(`{"type":"overloaded_error"}`), true},
		{"malformed response", eris.New("jsonx: malformed JSON"), false},
		{"missing quarter", eris.New("pipeline: cannot determine quarter/year"), false},
		// 429 is surfaced as a plain sentinel so the embedding worker applies
		// its own quota backoff instead of the transport retry.
		{"bare rate-limit sentinel", eris.New("voyage: rate limited"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientStringPatterns(t *testing.T) {
	for _, msg := range []string{
		"connection reset by peer",
		"broken pipe",
		"TLS handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		assert.True(t, IsTransient(errors.New(msg)), msg)
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 413, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
}

func TestTransientErrorUnwrap(t *testing.T) {
	inner := errors.New("upstream gone")
	te := NewTransientError(inner, 502)

	assert.ErrorIs(t, te, inner)
	assert.Equal(t, 502, te.StatusCode)
	assert.Equal(t, "upstream gone", te.Error())
}
