package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbidca/dca-engine/internal/logger"
	"github.com/arbidca/dca-engine/internal/scheduler"
)

type fakeChain struct {
	block uint64
	err   error
}

func (f fakeChain) LatestBlock(ctx context.Context) (uint64, error) {
	return f.block, f.err
}

type fakeScheduler struct {
	status scheduler.Status
}

func (f fakeScheduler) Status() scheduler.Status { return f.status }

func TestHealthEndpointAlwaysOK(t *testing.T) {
	s := NewServer("0", fakeChain{block: 10}, fakeScheduler{}, "", &logger.EmptyLogger{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReflectsChainConnectivity(t *testing.T) {
	s := NewServer("0", fakeChain{block: 10}, fakeScheduler{}, "", &logger.EmptyLogger{})
	rec := httptest.NewRecorder()
	s.mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s2 := NewServer("0", fakeChain{err: fmt.Errorf("rpc down")}, fakeScheduler{}, "", &logger.EmptyLogger{})
	rec2 := httptest.NewRecorder()
	s2.mux().ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec2.Code)
}

func TestStatusReportsSchedulerSnapshot(t *testing.T) {
	s := NewServer("0", fakeChain{block: 99}, fakeScheduler{status: scheduler.Status{IsRunning: true, TotalExecutions: 5}}, "", &logger.EmptyLogger{})
	rec := httptest.NewRecorder()
	s.mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"totalExecutions":5`)
	assert.Contains(t, string(body), `"latestBlock":99`)
}

func TestMetricsRequiresAPIKeyWhenConfigured(t *testing.T) {
	s := NewServer("0", fakeChain{}, fakeScheduler{}, "secret", &logger.EmptyLogger{})

	rec := httptest.NewRecorder()
	s.mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	s.mux().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestServerStartStop(t *testing.T) {
	s := NewServer("0", fakeChain{block: 1}, fakeScheduler{}, "", &logger.EmptyLogger{})
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
