package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCBConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      50 * time.Millisecond,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

func TestCircuitBreaker_PassesSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cb := NewCircuitBreakerClient(New(fastConfig(0)), testCBConfig("test-success"), testLogger())

	req, _ := http.NewRequest(http.MethodGet, server.URL, http.NoBody)
	resp, err := cb.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cb := NewCircuitBreakerClient(New(fastConfig(0)), testCBConfig("test-trip"), testLogger())
	get := func() error {
		req, _ := http.NewRequest(http.MethodGet, server.URL, http.NoBody)
		resp, err := cb.Do(context.Background(), req)
		if err == nil {
			_ = resp.Body.Close()
		}
		return err
	}

	for i := 0; i < 3; i++ {
		require.Error(t, get())
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	err := get()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.True(t, IsUnreachable(err))
	assert.Equal(t, int32(3), calls.Load(), "open breaker must not reach the server")

	healthy.Store(true)
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, get())
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
