package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mama/internal/llm"
)

func TestModelForSelection(t *testing.T) {
	c := New(Config{
		DefaultModel:   "llama3.1:8b",
		SmartModel:     "qwen2.5:32b",
		FastModel:      "llama3.2:3b",
		EmbeddingModel: "nomic-embed-text",
	}, nil)

	assert.Equal(t, "qwen2.5:32b", c.ModelFor(llm.TaskComplexReasoning))
	assert.Equal(t, "qwen2.5:32b", c.ModelFor(llm.TaskMemoryConsolidation))
	assert.Equal(t, "llama3.2:3b", c.ModelFor(llm.TaskSimple))
	assert.Equal(t, "llama3.2:3b", c.ModelFor(llm.TaskPrivateContent))
	assert.Equal(t, "nomic-embed-text", c.ModelFor(llm.TaskEmbeddings))
	assert.Equal(t, "llama3.1:8b", c.ModelFor(llm.TaskGeneral))
}

func TestModelForFallsBackToDefault(t *testing.T) {
	c := New(Config{DefaultModel: "llama3.1:8b"}, nil)
	assert.Equal(t, "llama3.1:8b", c.ModelFor(llm.TaskComplexReasoning))
	assert.Equal(t, "llama3.1:8b", c.ModelFor(llm.TaskEmbeddings))
}

func TestCompleteSendsChatRequest(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"model": "llama3.1:8b", "message": {"role": "assistant", "content": "hi there"},
			"done": true, "done_reason": "stop", "prompt_eval_count": 12, "eval_count": 7}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, DefaultModel: "llama3.1:8b"}, nil)
	temp := 0.2
	resp, err := c.Complete(context.Background(), llm.Request{
		SystemPrompt: "be brief",
		Messages:     []llm.Message{{Role: "user", Content: "hello"}},
		Temperature:  &temp,
		MaxTokens:    256,
	})
	require.NoError(t, err)

	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "ollama", resp.Provider)
	assert.Equal(t, "llama3.1:8b", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 7, resp.Usage.OutputTokens)

	assert.Equal(t, "llama3.1:8b", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be brief", got.Messages[0].Content)
	assert.Equal(t, 0.2, got.Options["temperature"])
	assert.Equal(t, float64(256), got.Options["num_predict"])
}

func TestCompleteParsesToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model": "m", "message": {"role": "assistant", "content": "",
			"tool_calls": [{"function": {"name": "read_file", "arguments": {"path": "/tmp/x"}}}]},
			"done": true}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, DefaultModel: "m"}, nil)
	resp, err := c.Complete(context.Background(), llm.Request{})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_0", resp.ToolCalls[0].ID)
	assert.Equal(t, "read_file", resp.ToolCalls[0].Name)
	assert.Equal(t, "/tmp/x", resp.ToolCalls[0].Arguments["path"])
}

func TestCompleteRequiresModel(t *testing.T) {
	c := New(Config{}, nil)
	_, err := c.Complete(context.Background(), llm.Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model configured")
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "model not found"}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, DefaultModel: "missing"}, nil)
	_, err := c.Complete(context.Background(), llm.Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestCompleteHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, DefaultModel: "m"}, nil)
	_, err := c.Complete(context.Background(), llm.Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, "some text", req.Prompt)
		w.Write([]byte(`{"embedding": [0.1, 0.2, 0.3]}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, EmbeddingModel: "nomic-embed-text"}, nil)
	vec, err := c.Embed(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vec)
}

func TestEmbedEmptyVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embedding": []}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, EmbeddingModel: "e"}, nil)
	_, err := c.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embedding")
}

func TestAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/version" {
			w.Write([]byte(`{"version": "0.5.0"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL}, nil)
	assert.True(t, c.Available(context.Background()))

	server.Close()
	assert.False(t, c.Available(context.Background()))
}
