// Package tools is the static registry of tools the agent may invoke.
// Every side-effecting tool routes through the sandbox; parameters are
// validated against each tool's schema before execution.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mama/internal/llm"
	"mama/internal/sandbox"
)

// JobSummary is the read view of a scheduled job exposed to tools.
type JobSummary struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Task     string     `json:"task"`
	Enabled  bool       `json:"enabled"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	RunCount int        `json:"run_count"`
}

// JobService is the scheduler surface the job tools bind to. Implemented by
// the scheduler and injected from the composition root.
type JobService interface {
	CreateJob(ctx context.Context, name, schedule, task, jobType string) (JobSummary, error)
	ListJobs(ctx context.Context) ([]JobSummary, error)
	EnableJob(ctx context.Context, id string) error
	DisableJob(ctx context.Context, id string) error
	DeleteJob(ctx context.Context, id string) error
	RunJobNow(ctx context.Context, id string) (string, error)
}

// Context carries the per-invocation bindings of a tool call.
type Context struct {
	Sandbox     *sandbox.Sandbox
	Jobs        JobService
	RequestedBy string
}

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string
	Parameters  llm.ParameterSchema
	Execute     func(ctx context.Context, params map[string]any, tc Context) sandbox.Result
}

// Registry holds the tool set, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Execute validates params against the tool's schema and runs it.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, tc Context) sandbox.Result {
	tool, ok := r.Get(name)
	if !ok {
		return sandbox.Result{Success: false, Error: fmt.Sprintf("Unknown tool: %s", name)}
	}
	if err := validateParams(tool.Parameters, params); err != nil {
		return sandbox.Result{Success: false, Error: fmt.Sprintf("Invalid tool parameters: %v", err)}
	}
	return tool.Execute(ctx, params, tc)
}

// Definitions exports the tool set for the LLM router, sorted by name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// validateParams checks required fields and primitive types against the
// schema. Unknown fields pass through untouched.
func validateParams(schema llm.ParameterSchema, params map[string]any) error {
	for _, required := range schema.Required {
		if _, ok := params[required]; !ok {
			return fmt.Errorf("missing required parameter %q", required)
		}
	}
	for name, value := range params {
		if strings.HasPrefix(name, "__") {
			continue
		}
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if !typeMatches(prop.Type, value) {
			return fmt.Errorf("parameter %q must be of type %s", name, prop.Type)
		}
		if len(prop.Enum) > 0 && !enumContains(prop.Enum, value) {
			return fmt.Errorf("parameter %q must be one of %v", name, prop.Enum)
		}
	}
	return nil
}

func typeMatches(schemaType string, value any) bool {
	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return true
}

func enumContains(enum []any, value any) bool {
	for _, e := range enum {
		if e == value {
			return true
		}
	}
	return false
}
