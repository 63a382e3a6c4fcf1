// Package agent turns a single user message into a final assistant
// response, orchestrating LLM calls, tool use, optional planning, memory
// writes, and retrieval.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"mama/internal/llm"
	"mama/internal/logging"
	"mama/internal/memory"
	"mama/internal/sandbox"
	"mama/internal/tools"
)

// defaultMaxIterations caps the reactive tool loop.
const defaultMaxIterations = 10

// defaultRetrievalBudget is the context token budget per message.
const defaultRetrievalBudget = 1200

// multiStepPatterns gate the planning path. Any match on the lowercased
// input triggers planning when a sandbox is present.
var multiStepPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bthen\b`),
	regexp.MustCompile(`\band then\b`),
	regexp.MustCompile(`\bafter that\b`),
	regexp.MustCompile(`\bfirst\b.*\bthen\b`),
	regexp.MustCompile(`\bcreate\b.*\b(write|list|read|move|run)\b`),
	regexp.MustCompile(`\bmulti[- ]step\b`),
}

// PlanApprovalFunc resolves whether a side-effecting plan may run.
type PlanApprovalFunc func(ctx context.Context, plan *Plan) bool

// Callbacks carries the optional per-message hooks.
type Callbacks struct {
	OnEvent        EventFunc
	OnPlanApproval PlanApprovalFunc
}

// Response is the result of processing one message.
type Response struct {
	Content           string         `json:"content"`
	Model             string         `json:"model"`
	Provider          string         `json:"provider"`
	TokenUsage        llm.Usage      `json:"token_usage"`
	Iterations        int            `json:"iterations"`
	ToolCallsExecuted int            `json:"tool_calls_executed"`
	PlanExecution     *PlanExecution `json:"plan_execution,omitempty"`
}

// Config tunes the agent loop.
type Config struct {
	MaxIterations   int
	RetrievalBudget int
}

// Agent is the per-daemon conversational core. One agent serves all
// channels; Busy reports whether a message is currently in flight.
type Agent struct {
	llm       Completer
	working   *memory.WorkingMemory
	soul      *memory.SoulManager
	sandbox   *sandbox.Sandbox
	registry  *tools.Registry
	jobs      tools.JobService
	retriever *memory.Retriever
	episodes  *memory.EpisodicStore
	planner   *Planner
	executor  *Executor
	config    Config
	logger    logging.Logger

	busy atomic.Int32
}

// Options are the dependencies of the agent; sandbox, jobs, retriever, and
// episodes may be nil for reduced modes (tests, one-shot sessions).
type Options struct {
	LLM       Completer
	Working   *memory.WorkingMemory
	Soul      *memory.SoulManager
	Sandbox   *sandbox.Sandbox
	Registry  *tools.Registry
	Jobs      tools.JobService
	Retriever *memory.Retriever
	Episodes  *memory.EpisodicStore
	Config    Config
	Logger    logging.Logger
}

// New wires an agent.
func New(opts Options) *Agent {
	if opts.Config.MaxIterations <= 0 {
		opts.Config.MaxIterations = defaultMaxIterations
	}
	if opts.Config.RetrievalBudget <= 0 {
		opts.Config.RetrievalBudget = defaultRetrievalBudget
	}
	if opts.Working == nil {
		opts.Working = memory.NewWorkingMemory(0, opts.Logger)
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	logger := logging.OrNop(opts.Logger)
	return &Agent{
		llm:       opts.LLM,
		working:   opts.Working,
		soul:      opts.Soul,
		sandbox:   opts.Sandbox,
		registry:  opts.Registry,
		jobs:      opts.Jobs,
		retriever: opts.Retriever,
		episodes:  opts.Episodes,
		planner:   NewPlanner(opts.LLM, opts.Registry, logger),
		executor:  NewExecutor(opts.Registry, 1, logger),
		config:    opts.Config,
		logger:    logger,
	}
}

// Busy reports whether a message is being processed. The consolidation
// scheduler uses this as its idle check.
func (a *Agent) Busy() bool {
	return a.busy.Load() > 0
}

// ProcessMessage handles one user message end to end.
func (a *Agent) ProcessMessage(ctx context.Context, channel, input string, cb Callbacks) (*Response, error) {
	a.busy.Add(1)
	defer a.busy.Add(-1)

	a.working.AddMessage(llm.Message{Role: "user", Content: input})
	a.recordEpisode(ctx, channel, "user", input)

	a.refreshInjection(ctx, input)

	if a.sandbox != nil && needsPlanning(input) {
		if resp, handled := a.tryPlannedPath(ctx, channel, input, cb); handled {
			return resp, nil
		}
	}
	return a.reactiveLoop(ctx, channel, cb)
}

// refreshInjection runs retrieval and seeds the working-memory system
// injection. Retrieval errors clear the injection and the message proceeds.
func (a *Agent) refreshInjection(ctx context.Context, input string) {
	if a.retriever == nil {
		return
	}
	result, err := a.retriever.Retrieve(ctx, input, a.config.RetrievalBudget)
	if err != nil {
		a.logger.Warn("Retrieval failed, continuing without context: %v", err)
		a.working.SetSystemInjection(nil)
		return
	}
	a.working.SetSystemInjection(result.Entries)
}

// tryPlannedPath attempts the planning route. The bool result is false when
// planning failed and the caller should fall through to the reactive loop.
func (a *Agent) tryPlannedPath(ctx context.Context, channel, input string, cb Callbacks) (*Response, bool) {
	plan, err := a.planner.CreatePlan(ctx, input)
	if err != nil || len(plan.Steps) == 0 {
		if err != nil {
			a.logger.Debug("Planning failed, using reactive path: %v", err)
		}
		return nil, false
	}

	emit(cb.OnEvent, "plan_created", map[string]any{
		"goal": plan.Goal, "steps": len(plan.Steps), "hasSideEffects": plan.HasSideEffects,
	})

	if plan.HasSideEffects {
		emit(cb.OnEvent, "plan_approval_requested", map[string]any{"goal": plan.Goal})
		approved := cb.OnPlanApproval != nil && cb.OnPlanApproval(ctx, plan)
		if !approved {
			summary := fmt.Sprintf("I planned %d steps toward %q but the plan was not approved, so I stopped.",
				len(plan.Steps), plan.Goal)
			a.working.AddMessage(llm.Message{Role: "assistant", Content: summary})
			a.recordEpisode(ctx, channel, "assistant", "plan_cancelled: "+plan.Goal)
			return &Response{
				Content:    summary,
				Model:      plan.Model,
				Provider:   plan.Provider,
				TokenUsage: plan.Usage,
			}, true
		}
	}

	exec := a.executor.Execute(ctx, plan, tools.Context{
		Sandbox:     a.sandbox,
		Jobs:        a.jobs,
		RequestedBy: channel,
	}, cb.OnEvent)

	summary := summarizePlan(plan, exec)
	a.working.AddMessage(llm.Message{Role: "assistant", Content: summary})
	a.recordEpisode(ctx, channel, "assistant", "plan_executed: "+summary)

	toolCalls := 0
	for _, r := range exec.Results {
		if r.Status != StepSkipped {
			toolCalls++
		}
	}
	return &Response{
		Content:           summary,
		Model:             plan.Model,
		Provider:          plan.Provider,
		TokenUsage:        plan.Usage,
		ToolCallsExecuted: toolCalls,
		PlanExecution:     &exec,
	}, true
}

// reactiveLoop is the standard tool-calling conversation loop.
func (a *Agent) reactiveLoop(ctx context.Context, channel string, cb Callbacks) (*Response, error) {
	resp := &Response{}
	systemPrompt := a.buildSystemPrompt()

	var toolDefs []llm.ToolDefinition
	if a.sandbox != nil {
		toolDefs = a.registry.Definitions()
	}

	for iteration := 0; iteration < a.config.MaxIterations; iteration++ {
		resp.Iterations = iteration + 1

		completion, err := a.llm.Complete(ctx, llm.Request{
			Messages:     a.working.Messages(),
			SystemPrompt: systemPrompt,
			TaskType:     llm.TaskGeneral,
			MaxTokens:    4096,
			Tools:        toolDefs,
		})
		if err != nil {
			return nil, fmt.Errorf("completion failed: %w", err)
		}
		resp.Model = completion.Model
		resp.Provider = completion.Provider
		resp.TokenUsage.InputTokens += completion.Usage.InputTokens
		resp.TokenUsage.OutputTokens += completion.Usage.OutputTokens

		if len(completion.ToolCalls) == 0 {
			resp.Content = completion.Content
			a.working.AddMessage(llm.Message{Role: "assistant", Content: completion.Content})
			a.recordEpisode(ctx, channel, "assistant", completion.Content)
			return resp, nil
		}

		if a.sandbox == nil {
			resp.Content = "I wanted to use tools for this, but no sandbox is available in this session."
			a.working.AddMessage(llm.Message{Role: "assistant", Content: resp.Content})
			a.recordEpisode(ctx, channel, "assistant", resp.Content)
			return resp, nil
		}

		a.working.AddMessage(llm.Message{
			Role:      "assistant",
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})
		if strings.TrimSpace(completion.Content) != "" {
			a.recordEpisode(ctx, channel, "assistant", "assistant_tool_request: "+completion.Content)
		}

		for _, call := range completion.ToolCalls {
			emit(cb.OnEvent, "tool_call_started", map[string]any{"tool": call.Name, "id": call.ID})
			result := a.registry.Execute(ctx, call.Name, call.Arguments, tools.Context{
				Sandbox:     a.sandbox,
				Jobs:        a.jobs,
				RequestedBy: channel,
			})
			emit(cb.OnEvent, "tool_call_finished", map[string]any{
				"tool": call.Name, "id": call.ID, "success": result.Success,
			})
			resp.ToolCallsExecuted++

			payload, _ := json.Marshal(result)
			a.working.AddMessage(llm.Message{
				Role:         "tool",
				Content:      string(payload),
				ToolResultID: call.ID,
			})
			a.recordEpisode(ctx, channel, "tool", fmt.Sprintf("tool_result %s: %s", call.Name, string(payload)))
		}
	}

	resp.Content = "Maximum tool iterations reached. I stopped before finishing; tell me to continue if you want me to keep going."
	a.working.AddMessage(llm.Message{Role: "assistant", Content: resp.Content})
	a.recordEpisode(ctx, channel, "assistant", resp.Content)
	return resp, nil
}

// buildSystemPrompt composes soul text, the retrieval injection, and the
// fixed guidelines.
func (a *Agent) buildSystemPrompt() string {
	var b strings.Builder
	if a.soul != nil {
		b.WriteString(a.soul.Text())
	}
	if entries := a.working.SystemInjection(); len(entries) > 0 {
		b.WriteString("\n\n## Relevant Memories\n")
		for _, entry := range entries {
			b.WriteString("- " + entry.Text + "\n")
		}
	}
	b.WriteString(`
## Guidelines
- Be concise; respect the user's time.
- Explain your intent before side-effecting actions.
- Admit uncertainty rather than guessing.`)
	return b.String()
}

func (a *Agent) recordEpisode(ctx context.Context, channel, role, content string) {
	if a.episodes == nil || strings.TrimSpace(content) == "" {
		return
	}
	if _, err := a.episodes.StoreEpisode(ctx, memory.NewEpisode{
		Channel: channel,
		Role:    role,
		Content: content,
	}); err != nil {
		a.logger.Warn("Episode recording failed: %v", err)
	}
}

func needsPlanning(input string) bool {
	lower := strings.ToLower(input)
	for _, pattern := range multiStepPatterns {
		if pattern.MatchString(lower) {
			return true
		}
	}
	return false
}

func summarizePlan(plan *Plan, exec PlanExecution) string {
	var b strings.Builder
	if exec.Aborted {
		fmt.Fprintf(&b, "Execution aborted partway through %q: %d of %d steps completed.\n",
			plan.Goal, exec.CompletedSteps, exec.TotalSteps)
	} else {
		fmt.Fprintf(&b, "Plan executed: %q, %d of %d steps completed.\n",
			plan.Goal, exec.CompletedSteps, exec.TotalSteps)
	}
	for _, r := range exec.Results {
		switch r.Status {
		case StepSuccess, StepFallback:
			fmt.Fprintf(&b, "- step %d (%s): ok\n", r.StepID, r.Tool)
		case StepSkipped:
			fmt.Fprintf(&b, "- step %d (%s): skipped (%s)\n", r.StepID, r.Tool, r.Error)
		default:
			fmt.Fprintf(&b, "- step %d (%s): failed (%s)\n", r.StepID, r.Tool, r.Error)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
