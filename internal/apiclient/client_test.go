package apiclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhook-rules/internal/common/logging"
)

func TestWorkspaceClient_Call(t *testing.T) {
	var gotMethod, gotPath, gotToken, gotContentType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		gotToken = r.Header.Get(TokenHeader)
		gotContentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"te1"}`))
	}))
	defer server.Close()

	client := New(Config{RateLimit: 100}, logging.NewNopLogger())
	caller := client.ForWorkspace("ws1", server.URL+"/api/v1/", "token-a")

	resp, err := caller.Call(context.Background(), http.MethodPut, "/workspaces/ws1/time-entries/te%2F1", []byte(`{"billable":true}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"te1"}`, string(resp.Body))
	assert.NoError(t, resp.Err())

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/api/v1/workspaces/ws1/time-entries/te%2F1", gotPath)
	assert.Equal(t, "token-a", gotToken)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, `{"billable":true}`, gotBody)
}

func TestWorkspaceClient_StatusErrors(t *testing.T) {
	longBody := strings.Repeat("x", 2000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limited":
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(longBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	caller := New(DefaultConfig(), logging.NewNopLogger()).ForWorkspace("ws1", server.URL, "t")
	ctx := context.Background()

	resp, err := caller.Call(ctx, http.MethodGet, "/limited", nil)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, resp.RetryAfter)
	statusErr := resp.Err()
	assert.True(t, IsRetryable(statusErr))
	var hinted interface{ RetryAfter() time.Duration }
	require.ErrorAs(t, statusErr, &hinted)
	assert.Equal(t, 3*time.Second, hinted.RetryAfter())

	resp, err = caller.Call(ctx, http.MethodGet, "/broken", nil)
	require.NoError(t, err)
	var se *StatusError
	require.ErrorAs(t, resp.Err(), &se)
	assert.Len(t, se.Body, 512)
	assert.True(t, IsRetryable(se))

	resp, err = caller.Call(ctx, http.MethodGet, "missing", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, IsRetryable(resp.Err()))
}

func TestWorkspaceClient_TransportErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	caller := New(DefaultConfig(), logging.NewNopLogger()).ForWorkspace("ws1", url, "t")
	_, err := caller.Call(context.Background(), http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestWorkspaceClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	caller := New(Config{Timeout: 20 * time.Millisecond}, logging.NewNopLogger()).ForWorkspace("ws1", server.URL, "t")
	_, err := caller.Call(context.Background(), http.MethodGet, "/slow", nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClient_SharesLimiterPerWorkspace(t *testing.T) {
	client := New(Config{RateLimit: 1, Burst: 1}, logging.NewNopLogger())

	a := client.ForWorkspace("ws1", "http://x", "t")
	b := client.ForWorkspace("ws1", "http://x", "t")
	c := client.ForWorkspace("ws2", "http://x", "t")

	assert.Same(t, a.limiter, b.limiter)
	assert.NotSame(t, a.limiter, c.limiter)

	unpaced := New(Config{}, logging.NewNopLogger()).ForWorkspace("ws1", "http://x", "t")
	assert.Nil(t, unpaced.limiter)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 2*time.Second, ParseRetryAfter("2", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-1", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}
