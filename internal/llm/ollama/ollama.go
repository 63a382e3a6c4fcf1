// Package ollama implements the local LLM provider over the Ollama HTTP API.
package ollama

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
	BaseURL        string
	DefaultModel   string
	SmartModel     string
	FastModel      string
	EmbeddingModel string
	Timeout        time.Duration
}

// Client speaks the Ollama chat and embeddings API.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// New creates an Ollama client.
func New(cfg Config, logger logging.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
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
func (c *Client) Name() string { return "ollama" }

// ModelFor picks smart/fast/embedding models by task type, falling back to
// the default model.
func (c *Client) ModelFor(task llm.TaskType) string {
	pick := func(model string) string {
		if model != "" {
			return model
		}
		return c.cfg.DefaultModel
	}
	switch task {
	case llm.TaskComplexReasoning, llm.TaskCodeGeneration, llm.TaskMemoryConsolidation:
		return pick(c.cfg.SmartModel)
	case llm.TaskSimple, llm.TaskPrivateContent:
		return pick(c.cfg.FastModel)
	case llm.TaskEmbeddings:
		return pick(c.cfg.EmbeddingModel)
	default:
		return c.cfg.DefaultModel
	}
}

// Available probes the server version endpoint.
func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []chatTool     `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string              `json:"name"`
		Description string              `json:"description"`
		Parameters  llm.ParameterSchema `json:"parameters"`
	} `json:"function"`
}

type chatResponse struct {
	Model      string      `json:"model"`
	Message    chatMessage `json:"message"`
	Done       bool        `json:"done"`
	DoneReason string      `json:"done_reason"`
	PromptEval int         `json:"prompt_eval_count"`
	EvalCount  int         `json:"eval_count"`
	Error      string      `json:"error"`
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.ModelFor(req.TaskType)
	}
	if model == "" {
		return nil, fmt.Errorf("ollama: no model configured")
	}

	payload := chatRequest{Model: model, Stream: false}
	if req.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msg := chatMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var call chatToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		payload.Messages = append(payload.Messages, msg)
	}
	for _, t := range req.Tools {
		var tool chatTool
		tool.Type = "function"
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Parameters
		payload.Tools = append(payload.Tools, tool)
	}
	if req.Temperature != nil {
		payload.Options = map[string]any{"temperature": *req.Temperature}
	}
	if req.MaxTokens > 0 {
		if payload.Options == nil {
			payload.Options = map[string]any{}
		}
		payload.Options["num_predict"] = req.MaxTokens
	}

	var response chatResponse
	if err := c.post(ctx, "/api/chat", payload, &response); err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", response.Error)
	}

	out := &llm.Response{
		Content:      response.Message.Content,
		Model:        response.Model,
		Provider:     c.Name(),
		FinishReason: response.DoneReason,
		Usage: llm.Usage{
			InputTokens:  response.PromptEval,
			OutputTokens: response.EvalCount,
		},
	}
	for i, tc := range response.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error"`
}

// Embed implements llm.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	model := c.cfg.EmbeddingModel
	if model == "" {
		model = c.cfg.DefaultModel
	}
	var response embedResponse
	if err := c.post(ctx, "/api/embeddings", embedRequest{Model: model, Prompt: text}, &response); err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, fmt.Errorf("ollama embed error: %s", response.Error)
	}
	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding")
	}
	return response.Embedding, nil
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

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ollama response: %w", err)
	}
	return nil
}
