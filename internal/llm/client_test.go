package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatBody(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"content":%q},"finish_reason":"stop"}],"usage":{"total_tokens":10}}`, content)
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		BaseURL:    url,
		APIKey:     "test-key",
		Model:      "test-model",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	}, zerolog.Nop())
}

func TestCompleteReturnsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		fmt.Fprint(w, chatBody(`{"conditions":[]}`))
	}))
	defer srv.Close()

	content, err := newTestClient(srv.URL).Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"conditions":[]}`, content)
}

func TestCompleteRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, chatBody("ok"))
	}))
	defer srv.Close()

	content, err := newTestClient(srv.URL).Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCompleteDoesNotRetryBadRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response choices")
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(fmt.Errorf("API request failed with status 503: busy")))
	assert.True(t, isRetryableError(fmt.Errorf("context deadline exceeded")))
	assert.True(t, isRetryableError(fmt.Errorf("unexpected EOF")))
	assert.False(t, isRetryableError(fmt.Errorf("API request failed with status 401: bad key")))
	assert.False(t, isRetryableError(nil))
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, false},
		{"fenced json", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"fenced plain", "```\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose wrapped", `Here you go: {"a":1} hope that helps`, `{"a":1}`, false},
		{"no json", "I cannot help with that", "", true},
		{"broken json", `{"a":`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
