package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"email-intake-go/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*QwenClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewQwenClient(&config.LLMConfig{
		APIKey:    "sk-test",
		Model:     "qwen-plus",
		APIURL:    server.URL,
		MaxTokens: 512,
	})
	require.NoError(t, err)
	return client, server
}

func TestNewQwenClientValidation(t *testing.T) {
	_, err := NewQwenClient(nil)
	assert.Error(t, err)

	_, err = NewQwenClient(&config.LLMConfig{APIKey: "  "})
	assert.Error(t, err)

	// 模型名与URL留空时取默认值
	client, err := NewQwenClient(&config.LLMConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, defaultModelName, client.modelName)
	assert.Equal(t, defaultChatCompletionsURL, client.apiURL)
}

func TestCompleteSuccess(t *testing.T) {
	var gotReq ChatCompletionRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "chatcmpl-1",
			"model": "qwen-plus",
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": "true"},
					"finish_reason": "stop",
				},
			},
		})
	})

	got, err := client.Complete(context.Background(), "Is this a job application?")
	require.NoError(t, err)
	assert.Equal(t, "true", got)

	// 请求体是单条user消息
	assert.Equal(t, "qwen-plus", gotReq.Model)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "Is this a job application?", gotReq.Messages[0].Content)
	assert.Equal(t, 512, gotReq.MaxTokens)
}

func TestCompleteNon200(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	})

	_, err := client.Complete(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestCompleteErrorBody(t *testing.T) {
	// HTTP 200但响应体携带error字段时同样视为失败
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "invalid api key", "code": "401"},
		})
	})

	_, err := client.Complete(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestCompleteEmptyChoices(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "chatcmpl-2", "choices": []interface{}{}})
	})

	_, err := client.Complete(context.Background(), "prompt")
	assert.Error(t, err)
}

func TestCompleteContextCancelled(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, "prompt")
	assert.Error(t, err)
}
