// Package llm defines the provider contract, request/response types shared
// by the agent and memory engine, and the task-type router with provider
// fallback and cost tracking.
package llm

import "context"

// TaskType labels a request so the router can pick the right provider/model.
type TaskType string

const (
	TaskComplexReasoning    TaskType = "complex_reasoning"
	TaskCodeGeneration      TaskType = "code_generation"
	TaskSimple              TaskType = "simple_tasks"
	TaskEmbeddings          TaskType = "embeddings"
	TaskMemoryConsolidation TaskType = "memory_consolidation"
	TaskPrivateContent      TaskType = "private_content"
	TaskGeneral             TaskType = "general"
)

// Message is one turn of a conversation.
type Message struct {
	Role         string     `json:"role"` // system | user | assistant | tool
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	ToolResultID string     `json:"tool_result_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a tool for the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ParameterSchema is a JSON-schema object describing tool parameters.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes a single tool parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
}

// Request carries all parameters for a completion.
type Request struct {
	Messages     []Message        `json:"messages"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	TaskType     TaskType         `json:"task_type"`
	Model        string           `json:"model,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the model's reply.
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	Model        string     `json:"model"`
	Provider     string     `json:"provider"`
	FinishReason string     `json:"finish_reason"`
}

// Provider is an opaque LLM backend.
type Provider interface {
	// Name identifies the provider in routing configuration.
	Name() string

	// Complete sends a non-streaming completion request.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Available reports whether the provider can currently serve requests.
	Available(ctx context.Context) bool

	// ModelFor selects the model this provider uses for a task type.
	ModelFor(task TaskType) string
}

// Embedder is implemented by providers that can produce embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}
