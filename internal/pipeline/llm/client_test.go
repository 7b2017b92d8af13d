package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type answer struct {
	Risk  string  `json:"risk"`
	Score float64 `json:"score"`
}

func completion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 11, "completion_tokens": 7, "total_tokens": 18},
	})
	return string(body)
}

func TestChat(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion(`{"risk":"Low","score":0.72}`))
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "key", BaseURL: srv.URL, Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, "test-model", c.Model())

	var got answer
	resp, err := c.Chat(context.Background(), Request{
		SystemPrompt: "sys",
		UserPrompt:   "user",
		SchemaName:   "answer",
		Schema:       GenerateSchema[answer](),
		Temperature:  Temp(0.7),
	}, &got)
	require.NoError(t, err)
	assert.Equal(t, answer{Risk: "Low", Score: 0.72}, got)
	assert.Equal(t, 11, resp.PromptTokens)
	assert.Equal(t, 7, resp.CompletionTokens)

	assert.Equal(t, "test-model", captured["model"])
	assert.EqualValues(t, DefaultMaxTokens, captured["max_tokens"])
	assert.InDelta(t, 0.7, captured["temperature"], 1e-9)
	format, ok := captured["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
}

func TestChatServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)
	var got answer
	_, err = c.Chat(context.Background(), Request{SchemaName: "answer", Schema: GenerateSchema[answer]()}, &got)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestChatMalformedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion(`not json`))
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)
	var got answer
	_, err = c.Chat(context.Background(), Request{SchemaName: "answer", Schema: GenerateSchema[answer]()}, &got)
	require.Error(t, err)
	assert.False(t, IsUnavailable(err))
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestIsUnavailable(t *testing.T) {
	assert.False(t, IsUnavailable(nil))
	assert.False(t, IsUnavailable(context.Canceled))
	assert.False(t, IsUnavailable(ErrEmptyResponse))
	assert.True(t, IsUnavailable(errors.New("dial tcp: connection refused")))
}

func TestGenerateSchemaIsStrict(t *testing.T) {
	raw, err := json.Marshal(GenerateSchema[answer]())
	require.NoError(t, err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, false, schema["additionalProperties"])
	assert.ElementsMatch(t, []any{"risk", "score"}, schema["required"])
}
