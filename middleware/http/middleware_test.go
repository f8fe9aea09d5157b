package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmledger/llmledger/pkg/llmledger"
	"github.com/llmledger/llmledger/storage/memory"
)

func strp(s string) *string { return &s }

func newTestAccounting(t *testing.T) *llmledger.Accounting {
	t.Helper()
	acc, err := llmledger.New(context.Background(), llmledger.Config{Backend: memory.New()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })
	return acc
}

func extractFromHeaders(r *http.Request) (llmledger.Request, error) {
	req := llmledger.Request{Model: r.Header.Get("X-Model")}
	if u := r.Header.Get("X-User"); u != "" {
		req.Username = strp(u)
	}
	return req, nil
}

func TestMiddlewareAllows(t *testing.T) {
	acc := newTestAccounting(t)

	called := false
	handler := Middleware(Config{
		Accounting:     acc,
		ExtractRequest: extractFromHeaders,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	r.Header.Set("X-Model", "gpt-4")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareDeniesWithRetryAfter(t *testing.T) {
	acc := newTestAccounting(t)
	ctx := context.Background()

	require.NoError(t, acc.SetUsageLimit(ctx, &llmledger.UsageLimit{
		Scope:         llmledger.ScopeGlobal,
		LimitType:     llmledger.LimitRequests,
		MaxValue:      1,
		IntervalUnit:  llmledger.IntervalHour,
		IntervalValue: 1,
	}))
	require.NoError(t, acc.TrackUsage(ctx, llmledger.TrackOptions{Model: "gpt-4"}))

	handler := Middleware(Config{
		Accounting:     acc,
		ExtractRequest: extractFromHeaders,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run on denial")
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	r.Header.Set("X-Model", "gpt-4")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "GLOBAL")
}

func TestMiddlewareRejectsUnknownUser(t *testing.T) {
	backend := memory.New()
	acc, err := llmledger.New(context.Background(), llmledger.Config{
		Backend:          backend,
		EnforceUserNames: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })

	handler := Middleware(Config{
		Accounting:     acc,
		ExtractRequest: extractFromHeaders,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	r.Header.Set("X-Model", "gpt-4")
	r.Header.Set("X-User", "ghost")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMiddlewareTracksUsage(t *testing.T) {
	acc := newTestAccounting(t)

	handler := Middleware(Config{
		Accounting:     acc,
		ExtractRequest: extractFromHeaders,
		ExtractUsage: func(r *http.Request, status int) *llmledger.TrackOptions {
			if status != http.StatusOK {
				return nil
			}
			return &llmledger.TrackOptions{Model: r.Header.Get("X-Model"), PromptTokens: 7}
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	r.Header.Set("X-Model", "gpt-4")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	entries, err := acc.Tail(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].PromptTokens)
	assert.WithinDuration(t, time.Now().UTC(), entries[0].Timestamp, time.Minute)
}
