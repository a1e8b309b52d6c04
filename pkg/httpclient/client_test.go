package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	assert.Equal(t, 5, c.maxRetries)
	assert.Equal(t, 2*time.Second, c.baseDelay)
	assert.Equal(t, 30*time.Second, c.client.Timeout)
	assert.NotNil(t, c.strategyFunc)
}

func TestNewOptions(t *testing.T) {
	c := New(
		WithMaxRetries(2),
		WithBaseDelay(time.Second),
		WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
		WithHeaderParser(ParseSlackHeaders),
	)
	assert.Equal(t, 2, c.maxRetries)
	assert.Equal(t, time.Second, c.baseDelay)
	assert.Equal(t, 10*time.Second, c.client.Timeout)
	assert.NotNil(t, c.headerParser)
}

func TestDefaultRetryStrategy(t *testing.T) {
	tests := []struct {
		status int
		want   RetryStrategy
	}{
		{http.StatusTooManyRequests, SmartRetry},
		{http.StatusServiceUnavailable, SmartRetry},
		{http.StatusInternalServerError, ConservativeRetry},
		{http.StatusBadGateway, ConservativeRetry},
		{http.StatusGatewayTimeout, ConservativeRetry},
		{http.StatusRequestTimeout, ConservativeRetry},
		{http.StatusBadRequest, NoRetry},
		{http.StatusNotFound, NoRetry},
		{http.StatusGone, NoRetry},
		{http.StatusUnauthorized, NoRetry},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultRetryStrategy(tt.status), "status %d", tt.status)
	}
}

func TestCalculateDelay(t *testing.T) {
	c := New(WithBaseDelay(time.Second))

	// Backend guidance wins.
	d := c.calculateDelay(SmartRetry, 0, RateLimitInfo{RetryAfter: 7 * time.Second})
	assert.Equal(t, 7*time.Second, d)

	// Reset time in the future is honored.
	d = c.calculateDelay(SmartRetry, 0, RateLimitInfo{ResetTime: time.Now().Add(5 * time.Second).Unix()})
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 5*time.Second)

	// Without guidance, exponential with jitter.
	d = c.calculateDelay(SmartRetry, 2, RateLimitInfo{})
	assert.GreaterOrEqual(t, d, 4*time.Second)

	// Conservative retries are short and give up after two attempts.
	assert.Equal(t, 2*time.Second, c.calculateDelay(ConservativeRetry, 0, RateLimitInfo{}))
	assert.Equal(t, 3*time.Second, c.calculateDelay(ConservativeRetry, 1, RateLimitInfo{}))
	assert.Equal(t, time.Duration(0), c.calculateDelay(ConservativeRetry, 2, RateLimitInfo{}))

	assert.Equal(t, time.Duration(0), c.calculateDelay(NoRetry, 0, RateLimitInfo{}))
}

func TestDoRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	c := New(WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDoClientErrorSurfacesStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"no such sync token"}`)
	}))
	defer server.Close()

	c := New(WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	require.Error(t, err)
	assert.True(t, HasStatus(err, http.StatusNotFound))
	assert.Equal(t, http.StatusNotFound, StatusOf(err))
	assert.Contains(t, err.Error(), "no such sync token")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "client errors must not retry")
}

func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"magpie","count":3}`)
	}))
	defer server.Close()

	var out struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer tok")

	c := New()
	err := c.GetJSON(context.Background(), server.URL, header, &out)
	require.NoError(t, err)
	assert.Equal(t, "magpie", out.Name)
	assert.Equal(t, 3, out.Count)
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "search", in["action"])
		fmt.Fprint(w, `{"accepted":true}`)
	}))
	defer server.Close()

	var out struct {
		Accepted bool `json:"accepted"`
	}
	c := New()
	err := c.PostJSON(context.Background(), server.URL, nil, map[string]string{"action": "search"}, &out)
	require.NoError(t, err)
	assert.True(t, out.Accepted)
}

func TestParseAtlassianHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	h.Set("X-RateLimit-Reset", "2026-01-02T15:04:05Z")
	h.Set("X-RateLimit-Remaining", "41")

	info := ParseAtlassianHeaders(h)
	assert.Equal(t, 12*time.Second, info.RetryAfter)
	assert.Equal(t, int64(1767366245), info.ResetTime)
	assert.Equal(t, 41, info.RequestsRemaining)
}

func TestParseSlackHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	info := ParseSlackHeaders(h)
	assert.Equal(t, 30*time.Second, info.RetryAfter)

	assert.Zero(t, ParseSlackHeaders(http.Header{}).RetryAfter)
}

func TestHasStatusUnwrapsRetryable(t *testing.T) {
	err := &RetryableError{StatusCode: 429, Message: "max HTTP retries (5) exceeded"}
	assert.True(t, HasStatus(err, 429))
	assert.False(t, HasStatus(err, 500))
	assert.False(t, HasStatus(fmt.Errorf("plain"), 429))
	assert.Equal(t, 0, StatusOf(fmt.Errorf("plain")))
}
