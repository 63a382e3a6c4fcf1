package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"mama/internal/jsonx"
	"mama/internal/llm"
	"mama/internal/logging"
	"mama/internal/tools"
)

// maxPlanSteps caps how many steps a plan may carry.
const maxPlanSteps = 8

// PlanStep is one step of a multi-step plan.
type PlanStep struct {
	ID          int            `json:"id"`
	Description string         `json:"description"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	DependsOn   []int          `json:"dependsOn,omitempty"`
	CanFail     bool           `json:"canFail,omitempty"`
	Fallback    string         `json:"fallback,omitempty"`
}

// Plan is a structured multi-step intent produced by the model.
type Plan struct {
	Goal              string     `json:"goal"`
	Steps             []PlanStep `json:"steps"`
	HasSideEffects    bool       `json:"hasSideEffects"`
	EstimatedDuration string     `json:"estimatedDuration,omitempty"`
	Risks             []string   `json:"risks,omitempty"`

	// Model, Provider, and Usage describe the LLM call that produced the
	// plan so the final response can report them.
	Model    string    `json:"-"`
	Provider string    `json:"-"`
	Usage    llm.Usage `json:"-"`
}

// Planner turns a user request into a plan via a low-temperature LLM call.
type Planner struct {
	llm      Completer
	registry *tools.Registry
	logger   logging.Logger
}

// Completer is the LLM surface planning and the agent loop need.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// NewPlanner creates the planner.
func NewPlanner(completer Completer, registry *tools.Registry, logger logging.Logger) *Planner {
	return &Planner{llm: completer, registry: registry, logger: logging.OrNop(logger)}
}

// CreatePlan asks the model for a plan. A parse failure returns an error so
// the caller can fall back to the reactive path.
func (p *Planner) CreatePlan(ctx context.Context, input string) (*Plan, error) {
	temperature := 0.0
	resp, err := p.llm.Complete(ctx, llm.Request{
		SystemPrompt: p.planningPrompt(),
		Messages:     []llm.Message{{Role: "user", Content: input}},
		TaskType:     llm.TaskComplexReasoning,
		Temperature:  &temperature,
		MaxTokens:    2048,
	})
	if err != nil {
		return nil, fmt.Errorf("planning call failed: %w", err)
	}

	// The model's step ids arrive as JSON numbers, strings, or are missing
	// entirely; they are normalized to positional integers below.
	var raw struct {
		Goal              string   `json:"goal"`
		HasSideEffects    bool     `json:"hasSideEffects"`
		EstimatedDuration string   `json:"estimatedDuration"`
		Risks             []string `json:"risks"`
		Steps             []struct {
			ID          any            `json:"id"`
			Description string         `json:"description"`
			Tool        string         `json:"tool"`
			Params      map[string]any `json:"params"`
			DependsOn   []any          `json:"dependsOn"`
			CanFail     bool           `json:"canFail"`
			Fallback    string         `json:"fallback"`
		} `json:"steps"`
	}
	if err := jsonx.Decode(resp.Content, &raw); err != nil {
		return nil, fmt.Errorf("plan parse failed: %w", err)
	}

	plan := &Plan{
		Goal:              raw.Goal,
		HasSideEffects:    raw.HasSideEffects,
		EstimatedDuration: raw.EstimatedDuration,
		Risks:             raw.Risks,
		Model:             resp.Model,
		Provider:          resp.Provider,
		Usage:             resp.Usage,
	}
	for i, s := range raw.Steps {
		step := PlanStep{
			ID:          coerceID(s.ID, i+1),
			Description: s.Description,
			Tool:        s.Tool,
			Params:      s.Params,
			CanFail:     s.CanFail,
			Fallback:    s.Fallback,
		}
		for _, dep := range s.DependsOn {
			if id := coerceID(dep, 0); id > 0 {
				step.DependsOn = append(step.DependsOn, id)
			}
		}
		plan.Steps = append(plan.Steps, step)
	}

	sort.SliceStable(plan.Steps, func(i, j int) bool { return plan.Steps[i].ID < plan.Steps[j].ID })
	if len(plan.Steps) > maxPlanSteps {
		p.logger.Warn("Plan truncated from %d to %d steps", len(plan.Steps), maxPlanSteps)
		plan.Steps = plan.Steps[:maxPlanSteps]
	}
	for _, step := range plan.Steps {
		if tools.SideEffecting(step.Tool) {
			plan.HasSideEffects = true
		}
	}
	return plan, nil
}

func (p *Planner) planningPrompt() string {
	var toolList strings.Builder
	for _, def := range p.registry.Definitions() {
		fmt.Fprintf(&toolList, "- %s: %s\n", def.Name, def.Description)
	}
	return `You are a task planner. Break the user's request into concrete tool invocations.

Available tools:
` + toolList.String() + `
Respond with STRICT JSON only:
{"goal": "...", "steps": [{"id": 1, "description": "...", "tool": "tool_name", "params": {}, "dependsOn": [], "canFail": false, "fallback": "tool_name {\"param\": \"value\"}"}], "hasSideEffects": false, "estimatedDuration": "...", "risks": ["..."]}

Rules: steps run in id order; dependsOn lists ids that must have completed first; canFail marks optional steps; fallback is an alternative tool invocation tried if the step fails. Use at most 8 steps.`
}

// coerceID accepts number or numeric-string ids and substitutes fallback for
// anything invalid.
func coerceID(v any, fallback int) int {
	switch id := v.(type) {
	case float64:
		if id > 0 && id == float64(int(id)) {
			return int(id)
		}
	case int:
		if id > 0 {
			return id
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(id, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
