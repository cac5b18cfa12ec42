package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhook-rules/internal/apiclient"
	apperrors "webhook-rules/internal/common/errors"
	"webhook-rules/internal/common/logging"
)

type statusCaller struct {
	status int
	err    error
	calls  int
}

func (s *statusCaller) Call(context.Context, string, string, []byte) (*apiclient.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &apiclient.Response{StatusCode: s.status}, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{MaxFailures: 3, OpenTimeout: 50 * time.Millisecond, HalfOpenRequests: 1}, logging.NewNopLogger())
	require.NoError(t, err)
	return m
}

func TestGuardedCaller_OpensOnTransientFailures(t *testing.T) {
	m := newTestManager(t)
	upstream := &statusCaller{status: http.StatusServiceUnavailable}
	caller := m.Wrap("api.example.com", upstream)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, err := caller.Call(ctx, http.MethodGet, "/x", nil)
		require.NoError(t, err, "transient responses pass through while closed")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}

	_, err := caller.Call(ctx, http.MethodGet, "/x", nil)
	assert.ErrorIs(t, err, ErrOpen)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeTransient))
	assert.True(t, apiclient.IsRetryable(err), "an open breaker is a transient failure")
	assert.Equal(t, 3, upstream.calls)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "open", stats[0].State)
}

func TestGuardedCaller_HalfOpenRecovery(t *testing.T) {
	m := newTestManager(t)
	upstream := &statusCaller{err: apperrors.TransientError("connection refused", errors.New("dial"))}
	caller := m.Wrap("api.example.com", upstream)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = caller.Call(ctx, http.MethodGet, "/x", nil)
	}
	_, err := caller.Call(ctx, http.MethodGet, "/x", nil)
	require.ErrorIs(t, err, ErrOpen)

	time.Sleep(80 * time.Millisecond)
	upstream.err = nil
	upstream.status = http.StatusOK

	resp, err := caller.Call(ctx, http.MethodGet, "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", m.Stats()[0].State)
}

func TestGuardedCaller_ClientErrorsDoNotTrip(t *testing.T) {
	m := newTestManager(t)
	upstream := &statusCaller{status: http.StatusNotFound}
	caller := m.Wrap("api.example.com", upstream)

	for i := 0; i < 10; i++ {
		resp, err := caller.Call(context.Background(), http.MethodGet, "/x", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	assert.Equal(t, "closed", m.Stats()[0].State)
}

func TestManager_BreakersArePerName(t *testing.T) {
	m := newTestManager(t)
	failing := m.Wrap("a.example.com", &statusCaller{status: http.StatusBadGateway})
	healthy := m.Wrap("b.example.com", &statusCaller{status: http.StatusOK})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = failing.Call(ctx, http.MethodGet, "/", nil)
	}
	_, err := healthy.Call(ctx, http.MethodGet, "/", nil)
	assert.NoError(t, err)

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a.example.com", stats[0].Name)
	assert.Equal(t, "open", stats[0].State)
	assert.Equal(t, "closed", stats[1].State)
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "api.clockify.me", HostKey("https://API.clockify.me/api/v1"))
	assert.Equal(t, "eu.example.com:8443", HostKey("https://eu.example.com:8443/api"))
	assert.Equal(t, "not a url", HostKey("not a url"))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	_, err := NewManager(Config{}, nil)
	assert.Error(t, err)
}
