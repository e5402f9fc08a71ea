// ABOUTME: Tests for the OpenAI-compatible chat model client
// ABOUTME: Runs against an httptest server that records the request and returns canned completions

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newCompletionServer(t *testing.T, status int, body string, got *recordedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if got != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(got))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChat_SendsHistoryThenPrompt(t *testing.T) {
	var got recordedRequest
	srv := newCompletionServer(t, http.StatusOK, `{
		"id": "c1", "object": "chat.completion", "model": "m",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "Halo!"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
	}`, &got)

	m := NewOpenAIModel(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "gemini-1.5-flash"}, nil)

	answer, err := m.Chat(context.Background(), []Turn{
		{Role: RoleUser, Content: "rules"},
		{Role: RoleAssistant, Content: "ok"},
	}, "hi")
	require.NoError(t, err)
	assert.Equal(t, "Halo!", answer)

	assert.Equal(t, "gemini-1.5-flash", got.Model)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Equal(t, "user", got.Messages[2].Role)
	assert.Equal(t, "hi", got.Messages[2].Content)
}

func TestChat_EmptyChoices(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK, `{"id":"c1","choices":[]}`, nil)
	m := NewOpenAIModel(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "m"}, nil)

	_, err := m.Chat(context.Background(), nil, "hi")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestChat_ProviderError(t *testing.T) {
	srv := newCompletionServer(t, http.StatusInternalServerError,
		`{"error":{"message":"boom","type":"server_error"}}`, nil)
	m := NewOpenAIModel(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "m"}, nil)

	_, err := m.Chat(context.Background(), nil, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating chat completion")
}
