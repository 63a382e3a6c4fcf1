// Package openai implements the cloud LLM provider over an OpenAI-compatible
// chat completions and embeddings API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mama/internal/llm"
	"mama/internal/logging"
)

// Config configures the client.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
}

// Client speaks the OpenAI-compatible wire format.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// New creates an OpenAI-compatible client.
func New(cfg Config, logger logging.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "openai" }

// ModelFor always returns the configured default; the cloud provider does
// not switch models by task type.
func (c *Client) ModelFor(task llm.TaskType) string {
	if task == llm.TaskEmbeddings && c.cfg.EmbeddingModel != "" {
		return c.cfg.EmbeddingModel
	}
	return c.cfg.Model
}

// Available reports whether the client is configured with credentials.
func (c *Client) Available(_ context.Context) bool {
	return c.cfg.APIKey != ""
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string              `json:"name"`
		Description string              `json:"description"`
		Parameters  llm.ParameterSchema `json:"parameters"`
	} `json:"function"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: missing API key")
	}
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	payload := completionRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, wireMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msg := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolResultID}
		for _, tc := range m.ToolCalls {
			var call wireToolCall
			call.ID = tc.ID
			call.Type = "function"
			call.Function.Name = tc.Name
			if args, err := json.Marshal(tc.Arguments); err == nil {
				call.Function.Arguments = string(args)
			}
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		payload.Messages = append(payload.Messages, msg)
	}
	for _, t := range req.Tools {
		var tool wireTool
		tool.Type = "function"
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Parameters
		payload.Tools = append(payload.Tools, tool)
	}

	var response completionResponse
	if err := c.post(ctx, "/chat/completions", payload, &response); err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("openai error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	choice := response.Choices[0]
	out := &llm.Response{
		Content:      choice.Message.Content,
		Model:        response.Model,
		Provider:     c.Name(),
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed implements llm.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: missing API key")
	}
	model := c.cfg.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}

	var response embeddingResponse
	if err := c.post(ctx, "/embeddings", embeddingRequest{Model: model, Input: []string{text}}, &response); err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("openai embed error: %s", response.Error.Message)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embedding")
	}
	return response.Data[0].Embedding, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("openai request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode openai response: %w", err)
	}
	return nil
}
