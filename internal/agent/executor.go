package agent

import (
	"context"
	"fmt"
	"math"
	"strings"

	"mama/internal/jsonx"
	"mama/internal/logging"
	"mama/internal/sandbox"
	"mama/internal/tools"
)

// StepStatus is the terminal state of one plan step.
type StepStatus string

const (
	StepSuccess          StepStatus = "success"
	StepFallback         StepStatus = "fallback"
	StepFailedAcceptable StepStatus = "failed-acceptable"
	StepFailedCritical   StepStatus = "failed-critical"
	StepSkipped          StepStatus = "skipped"
)

// StepResult records the outcome of one plan step.
type StepResult struct {
	StepID int        `json:"step_id"`
	Tool   string     `json:"tool"`
	Status StepStatus `json:"status"`
	Output string     `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// PlanExecution is the executor's report for a whole plan.
type PlanExecution struct {
	Aborted        bool         `json:"aborted"`
	CompletedSteps int          `json:"completed_steps"`
	TotalSteps     int          `json:"total_steps"`
	Results        []StepResult `json:"results"`
}

// Event is a progress notification emitted during agent work.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventFunc receives progress events. May be nil.
type EventFunc func(Event)

// Executor runs a plan's steps in id order against the tool registry.
type Executor struct {
	registry   *tools.Registry
	maxRetries int
	logger     logging.Logger
}

// NewExecutor creates an executor. maxRetries is additional attempts after
// the first; default 1 (two attempts total).
func NewExecutor(registry *tools.Registry, maxRetries int, logger logging.Logger) *Executor {
	if maxRetries < 0 {
		maxRetries = 1
	}
	return &Executor{registry: registry, maxRetries: maxRetries, logger: logging.OrNop(logger)}
}

// Execute runs the plan. Steps whose dependencies did not complete are
// skipped; a critical failure aborts the remainder.
func (e *Executor) Execute(ctx context.Context, plan *Plan, tc tools.Context, onEvent EventFunc) PlanExecution {
	exec := PlanExecution{TotalSteps: len(plan.Steps)}
	completed := make(map[int]bool)

	for i, step := range plan.Steps {
		if !depsMet(step, completed) {
			exec.Results = append(exec.Results, StepResult{
				StepID: step.ID,
				Tool:   step.Tool,
				Status: StepSkipped,
				Error:  "Dependencies not met",
			})
			continue
		}

		emit(onEvent, "plan_step_started", map[string]any{
			"step_id": step.ID, "tool": step.Tool, "description": step.Description,
		})

		result := e.runStep(ctx, step, tc)
		if result.Status == StepSuccess || result.Status == StepFallback || result.Status == StepFailedAcceptable {
			completed[step.ID] = true
			exec.CompletedSteps++
		}
		exec.Results = append(exec.Results, result)

		emit(onEvent, "plan_step_finished", map[string]any{
			"step_id":         step.ID,
			"status":          string(result.Status),
			"percentComplete": int(math.Round(float64(i+1) / float64(len(plan.Steps)) * 100)),
		})

		if result.Status == StepFailedCritical {
			exec.Aborted = true
			break
		}
	}
	return exec
}

func (e *Executor) runStep(ctx context.Context, step PlanStep, tc tools.Context) StepResult {
	result := StepResult{StepID: step.ID, Tool: step.Tool}

	var last sandbox.Result
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		last = e.registry.Execute(ctx, step.Tool, copyParams(step.Params), tc)
		if last.Success {
			result.Status = StepSuccess
			result.Output = last.Output
			return result
		}
		e.logger.Debug("Plan step %d attempt %d failed: %s", step.ID, attempt+1, last.Error)
	}

	if step.CanFail {
		result.Status = StepFailedAcceptable
	} else {
		result.Status = StepFailedCritical
	}
	result.Error = last.Error

	if step.Fallback != "" {
		name, params, err := parseFallback(step.Fallback)
		if err != nil {
			result.Error = fmt.Sprintf("%s (fallback invalid: %v)", result.Error, err)
			return result
		}
		fb := e.registry.Execute(ctx, name, params, tc)
		if fb.Success {
			result.Status = StepFallback
			result.Output = fb.Output
			result.Error = ""
		} else {
			result.Error = fmt.Sprintf("%s (fallback failed: %s)", result.Error, fb.Error)
		}
	}
	return result
}

// parseFallback splits a "tool_name {json params}" fallback expression.
func parseFallback(fallback string) (string, map[string]any, error) {
	fallback = strings.TrimSpace(fallback)
	name := fallback
	params := map[string]any{}
	if idx := strings.IndexByte(fallback, ' '); idx > 0 {
		name = fallback[:idx]
		rest := strings.TrimSpace(fallback[idx+1:])
		if rest != "" {
			if err := jsonx.Decode(rest, &params); err != nil {
				return "", nil, fmt.Errorf("fallback params: %w", err)
			}
		}
	}
	if name == "" {
		return "", nil, fmt.Errorf("empty fallback tool name")
	}
	return name, params, nil
}

func depsMet(step PlanStep, completed map[int]bool) bool {
	for _, dep := range step.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func emit(onEvent EventFunc, eventType string, payload map[string]any) {
	if onEvent != nil {
		onEvent(Event{Type: eventType, Payload: payload})
	}
}
