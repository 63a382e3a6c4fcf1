package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mama/internal/llm/costs"
	"mama/internal/logging"
)

// Route is a routing decision.
type Route struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Reason   string `json:"reason"`
}

// Router dispatches requests to providers by task type, with a single
// fallback attempt and usage recording for the provider that succeeded.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	routing   map[TaskType]string // task type -> provider name
	tracker   *costs.Tracker
	logger    logging.Logger
}

// NewRouter creates a router. routing maps task types to provider names;
// tracker may be nil when cost tracking is disabled (tests).
func NewRouter(routing map[string]string, tracker *costs.Tracker, logger logging.Logger) *Router {
	typed := make(map[TaskType]string, len(routing))
	for k, v := range routing {
		typed[TaskType(k)] = v
	}
	return &Router{
		providers: make(map[string]Provider),
		routing:   typed,
		tracker:   tracker,
		logger:    logging.OrNop(logger),
	}
}

// RegisterProvider adds a provider. A later registration with the same name
// replaces the earlier one.
func (r *Router) RegisterProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// CostTracker returns the tracker used for usage recording.
func (r *Router) CostTracker() *costs.Tracker {
	return r.tracker
}

// Route returns the provider/model pair the router would use for taskType.
func (r *Router) Route(taskType TaskType) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	primary, _, err := r.pickLocked(taskType)
	if err != nil {
		return Route{}, err
	}
	return Route{
		Provider: primary.Name(),
		Model:    primary.ModelFor(taskType),
		Reason:   fmt.Sprintf("task type %s routed by configuration", taskType),
	}, nil
}

// pickLocked resolves the primary provider for the task type and one
// fallback (any other registered provider). Caller holds r.mu.
func (r *Router) pickLocked(taskType TaskType) (Provider, Provider, error) {
	if len(r.providers) == 0 {
		return nil, nil, errors.New("No LLM providers available")
	}

	name, ok := r.routing[taskType]
	if !ok {
		name = r.routing[TaskGeneral]
	}

	primary := r.providers[name]
	var fallback Provider
	for pname, p := range r.providers {
		if pname != name {
			fallback = p
			break
		}
	}

	if primary == nil {
		if fallback == nil {
			return nil, nil, errors.New("No LLM providers available")
		}
		primary, fallback = fallback, nil
	}
	return primary, fallback, nil
}

// Complete routes the request to the primary provider, falling back once on
// failure. A usage entry is recorded only for the provider that succeeded.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.TaskType == "" {
		req.TaskType = TaskGeneral
	}

	r.mu.RLock()
	primary, fallback, err := r.pickLocked(req.TaskType)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	resp, primaryErr := r.completeWith(ctx, primary, req)
	if primaryErr == nil {
		return resp, nil
	}

	if fallback == nil {
		return nil, fmt.Errorf("provider %s failed: %w", primary.Name(), primaryErr)
	}

	r.logger.Warn("Router: provider %s failed (%v), falling back to %s",
		primary.Name(), primaryErr, fallback.Name())

	resp, fallbackErr := r.completeWith(ctx, fallback, req)
	if fallbackErr != nil {
		return nil, fmt.Errorf("all providers failed: %s: %v; %s: %v",
			primary.Name(), primaryErr, fallback.Name(), fallbackErr)
	}
	return resp, nil
}

func (r *Router) completeWith(ctx context.Context, p Provider, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = p.ModelFor(req.TaskType)
	}
	start := time.Now()
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Provider = p.Name()
	if resp.Model == "" {
		resp.Model = req.Model
	}

	if r.tracker != nil {
		rec := costs.Record{
			Provider:     resp.Provider,
			Model:        resp.Model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TaskType:     string(req.TaskType),
			LatencyMs:    time.Since(start).Milliseconds(),
		}
		if err := r.tracker.Record(ctx, rec); err != nil {
			r.logger.Warn("Router: usage recording failed: %v", err)
		}
	}
	return resp, nil
}

// Embed produces an embedding using the provider routed for embeddings.
// Providers that do not implement Embedder are skipped in favor of any
// registered provider that does.
func (r *Router) Embed(ctx context.Context, text string) ([]float64, error) {
	r.mu.RLock()
	primary, fallback, err := r.pickLocked(TaskEmbeddings)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	for _, p := range []Provider{primary, fallback} {
		if p == nil {
			continue
		}
		if embedder, ok := p.(Embedder); ok {
			vec, err := embedder.Embed(ctx, text)
			if err != nil {
				r.logger.Warn("Router: embedding via %s failed: %v", p.Name(), err)
				continue
			}
			return vec, nil
		}
	}
	return nil, errors.New("no embedding-capable provider available")
}
