package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPChecker_Status(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		min, max int
		want     bool
	}{
		{"ok", http.StatusOK, 0, 0, true},
		{"redirect", http.StatusFound, 0, 0, true},
		{"server error", http.StatusInternalServerError, 0, 0, false},
		{"not found outside default range", http.StatusNotFound, 0, 0, false},
		{"not found inside custom range", http.StatusNotFound, 200, 499, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := statusServer(t, tt.status)

			checker := NewHTTPChecker(server.URL)
			if tt.min != 0 {
				checker.WithStatusRange(tt.min, tt.max)
			}

			result := checker.Check(context.Background())
			assert.Equal(t, tt.want, result.Healthy, result.Message)
			assert.Positive(t, result.Duration)
		})
	}
}

func TestHTTPChecker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestHTTPChecker_ContextCancellation(t *testing.T) {
	server := statusServer(t, http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewHTTPChecker(server.URL).Check(ctx)
	assert.False(t, result.Healthy)
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	checker := NewTCPChecker(addr)
	assert.Equal(t, CheckTypeTCP, checker.Type())
	assert.True(t, checker.Check(context.Background()).Healthy)

	ln.Close()
	assert.False(t, checker.WithTimeout(100*time.Millisecond).Check(context.Background()).Healthy)
}

func TestWaitHealthy(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := WaitHealthy(ctx, NewHTTPChecker(server.URL), WaitConfig{Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitHealthy_GivesUp(t *testing.T) {
	server := statusServer(t, http.StatusServiceUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := WaitHealthy(ctx, NewHTTPChecker(server.URL), WaitConfig{Interval: 10 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, result.Healthy)
}
