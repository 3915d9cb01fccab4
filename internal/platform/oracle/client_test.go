package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]string{"role": "assistant", "content": content},
		}},
	})
}

// writeStatus answers with an API error and asks for an immediate retry.
func writeStatus(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After-Ms", "1")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, `{"error":{"message":"upstream said no","type":"server_error"}}`)
}

func newTestClient(url string, retries int) *Client {
	return New(Config{
		BaseURL:    url,
		APIKey:     "sk-test",
		Model:      "test-model",
		MaxRetries: retries,
	}, nil, discardLogger())
}

func TestCompleteSendsChatRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "system", req.Messages[0].Role)
			assert.Equal(t, "sys", req.Messages[0].Content)
			assert.Equal(t, "user", req.Messages[1].Role)
		}
		writeCompletion(w, `{"ok":true}`)
	}))
	defer srv.Close()

	var out struct{ OK bool }
	require.NoError(t, newTestClient(srv.URL+"/v1", 0).CompleteJSON(context.Background(), "sys", "user", &out))
	assert.True(t, out.OK)
}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeStatus(w, http.StatusServiceUnavailable)
			return
		}
		writeCompletion(w, "fine")
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL, 2).Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "fine", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteGivesUpAfterBoundedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeStatus(w, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).Complete(context.Background(), "s", "u")
	assert.True(t, errors.Is(err, domain.ErrOracleUnavailable))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeStatus(w, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 5).Complete(context.Background(), "s", "u")
	assert.ErrorIs(t, err, domain.ErrOracleUnavailable)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteJSONMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "I cannot answer that")
	}))
	defer srv.Close()

	var out map[string]any
	err := newTestClient(srv.URL, 0).CompleteJSON(context.Background(), "s", "u", &out)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.NotErrorIs(t, err, domain.ErrOracleUnavailable)
}

type stubLimiter struct{ waits atomic.Int32 }

func (s *stubLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (s *stubLimiter) Wait(context.Context, string, int, time.Duration) error {
	s.waits.Add(1)
	return errors.New("redis down")
}

func TestCompleteSurvivesBrokenLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "x")
	}))
	defer srv.Close()

	lim := &stubLimiter{}
	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", RateLimit: 10, RateWindow: time.Minute}, lim, discardLogger())
	out, err := c.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "x", out)
	assert.Equal(t, int32(1), lim.waits.Load())
}

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\": {\"b\": 2}}\n```", want: `{"a": {"b": 2}}`},
		{name: "prose", in: `Sure! {"a":"}"} hope that helps`, want: `{"a":"}"}`},
		{name: "none", in: "no json here", wantErr: true},
		{name: "two objects", in: `{"a":1} and {"b":2}`, wantErr: true},
		{name: "broken", in: `{"a":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractObject(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, got)
		})
	}
}

type countingLimiter struct{ waits atomic.Int32 }

func (c *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (c *countingLimiter) Wait(context.Context, string, int, time.Duration) error {
	c.waits.Add(1)
	return nil
}

func TestCompleteThrottlesEveryAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeStatus(w, http.StatusBadGateway)
			return
		}
		writeCompletion(w, "ok")
	}))
	defer srv.Close()

	lim := &countingLimiter{}
	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", MaxRetries: 2, RateLimit: 5, RateWindow: time.Minute}, lim, discardLogger())
	_, err := c.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, int32(3), lim.waits.Load())
}

func TestCompleteWithoutChoicesIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","choices":[]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 0).Complete(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrMalformed)
}
