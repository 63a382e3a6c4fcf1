// Package sandbox is the sole path from a tool invocation to a side effect.
// It composes permission-bounded capabilities with an append-only audit log
// and an optional user-approval callback.
package sandbox

import (
	"context"
	"sync"
	"time"

	"mama/internal/audit"
	"mama/internal/logging"
	"mama/internal/security/redaction"
)

// Level is the permission level a capability assigns to an action.
type Level string

const (
	LevelAuto Level = "auto"
	LevelAsk  Level = "ask"
	LevelDeny Level = "deny"
)

// Decision is the outcome of a pure permission query.
type Decision struct {
	Allowed bool
	Level   Level
	Reason  string
}

// Result is the outcome of a capability execution.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Capability is a permission-bounded side-effect facility.
type Capability interface {
	// Name identifies the capability (filesystem, shell, network).
	Name() string

	// CheckPermission decides whether action on resource is allowed and at
	// which level. It must be side-effect free.
	CheckPermission(ctx context.Context, action, resource string, params map[string]any) Decision

	// Execute performs the action. Permission has already been granted;
	// params carry the approval token when the decision required it.
	Execute(ctx context.Context, action string, params map[string]any) Result
}

// ApprovalRequest is handed to the approval handler for ask-level actions.
type ApprovalRequest struct {
	Capability  string
	Action      string
	Resource    string
	Params      map[string]any
	RequestedBy string
}

// ApprovalHandler resolves an ask-level decision. Returning false denies.
type ApprovalHandler func(ctx context.Context, req ApprovalRequest) bool

// ApprovedParamKey marks params that passed user approval.
const ApprovedParamKey = "__approvedByUser"

// Sandbox mediates every tool invocation.
type Sandbox struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	auditStore   audit.Store
	approval     ApprovalHandler
	logger       logging.Logger
}

// New creates a sandbox writing to the given audit store.
func New(auditStore audit.Store, logger logging.Logger) *Sandbox {
	return &Sandbox{
		capabilities: make(map[string]Capability),
		auditStore:   auditStore,
		logger:       logging.OrNop(logger),
	}
}

// Register installs a capability. Registration is idempotent by name; a
// later registration replaces the earlier one.
func (s *Sandbox) Register(cap Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities[cap.Name()] = cap
}

// SetApprovalHandler installs the user-approval callback used for ask-level
// decisions. The handler is a single slot; passing nil clears it.
func (s *Sandbox) SetApprovalHandler(fn ApprovalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approval = fn
}

// Check performs a pure permission query without executing anything.
func (s *Sandbox) Check(ctx context.Context, capName, action, resource, requestedBy string) Decision {
	s.mu.RLock()
	cap, ok := s.capabilities[capName]
	s.mu.RUnlock()
	if !ok {
		return Decision{Allowed: false, Level: LevelDeny, Reason: "Unknown capability"}
	}
	return cap.CheckPermission(ctx, action, resource, map[string]any{"requestedBy": requestedBy})
}

// Execute runs the full permission pipeline and, on allow, the capability.
// Exactly one audit entry is written per call regardless of outcome.
func (s *Sandbox) Execute(ctx context.Context, capName, action string, params map[string]any, requestedBy string) Result {
	start := time.Now()
	resource := deriveResource(params)

	s.mu.RLock()
	cap, ok := s.capabilities[capName]
	approval := s.approval
	s.mu.RUnlock()

	if !ok {
		s.logEntry(ctx, capName, action, resource, params, audit.DecisionRuleDenied, audit.ResultDenied,
			"", "Unknown capability", start, requestedBy)
		return Result{Success: false, Error: "Unknown capability"}
	}

	decision := cap.CheckPermission(ctx, action, resource, params)
	if !decision.Allowed {
		s.logEntry(ctx, capName, action, resource, params, audit.DecisionRuleDenied, audit.ResultDenied,
			"", decision.Reason, start, requestedBy)
		return Result{Success: false, Error: decision.Reason}
	}

	auditDecision := audit.DecisionAutoApproved
	if decision.Level == LevelAsk {
		if approval != nil {
			approved := approval(ctx, ApprovalRequest{
				Capability:  capName,
				Action:      action,
				Resource:    resource,
				Params:      redaction.RedactMap(params),
				RequestedBy: requestedBy,
			})
			if !approved {
				s.logEntry(ctx, capName, action, resource, params, audit.DecisionUserDenied, audit.ResultDenied,
					"", "User denied the action", start, requestedBy)
				return Result{Success: false, Error: "User denied the action"}
			}
			auditDecision = audit.DecisionUserApproved
			// Copy before injecting the approval token so callers never see it.
			approved2 := make(map[string]any, len(params)+1)
			for k, v := range params {
				approved2[k] = v
			}
			approved2[ApprovedParamKey] = true
			params = approved2
		}
	}

	result := cap.Execute(ctx, action, params)

	auditResult := audit.ResultSuccess
	if !result.Success {
		auditResult = audit.ResultError
	}
	s.logEntry(ctx, capName, action, resource, params, auditDecision, auditResult,
		result.Output, result.Error, start, requestedBy)
	return result
}

func (s *Sandbox) logEntry(ctx context.Context, capName, action, resource string, params map[string]any,
	decision audit.Decision, result audit.Result, output, errMsg string, start time.Time, requestedBy string) {

	sanitized := redaction.RedactMap(params)
	delete(sanitized, ApprovedParamKey)
	if content, ok := sanitized["content"].(string); ok {
		sanitized["contentLength"] = len(content)
		delete(sanitized, "content")
	}

	entry := audit.Entry{
		Timestamp:   time.Now().UTC(),
		Capability:  capName,
		Action:      action,
		Resource:    redaction.RedactStringValue("resource", resource),
		Params:      sanitized,
		Decision:    decision,
		Result:      result,
		Output:      audit.TruncateOutput(redaction.Sanitize(output, nil)),
		Error:       redaction.Sanitize(errMsg, nil),
		DurationMs:  time.Since(start).Milliseconds(),
		RequestedBy: requestedBy,
	}
	if err := s.auditStore.Log(ctx, entry); err != nil {
		s.logger.Error("Sandbox: audit write failed: %v", err)
	}
}

// deriveResource extracts the resource string from params: the first present
// of path, command, url.
func deriveResource(params map[string]any) string {
	for _, key := range []string{"path", "command", "url"} {
		if v, ok := params[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
