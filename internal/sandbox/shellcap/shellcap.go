// Package shellcap implements the shell capability. Commands are tokenized
// and classified against safe/ask/denied policy before ever reaching a
// shell; execution goes through /bin/sh -c with a timeout and output cap.
package shellcap

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"mama/internal/logging"
	"mama/internal/sandbox"
	"mama/internal/security/redaction"
)

const (
	defaultTimeout = 30 * time.Second
	maxTimeout     = 300 * time.Second
	maxOutputBytes = 1024 * 1024
)

// classification is the static risk class of a command.
type classification int

const (
	classSafe classification = iota
	classAsk
	classUnknown
	classDenied
)

// Config configures the capability.
type Config struct {
	SafeCommands   []string
	AskCommands    []string
	DeniedPatterns []string
	Timeout        time.Duration
	// Secrets lists values that must never appear in output or audit records.
	Secrets []string
}

// Capability is the shell capability.
type Capability struct {
	safe    [][]string
	ask     [][]string
	denied  [][]string
	timeout time.Duration
	secrets []string
	logger  logging.Logger
}

// New creates the shell capability.
func New(cfg Config, logger logging.Logger) *Capability {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	return &Capability{
		safe:    tokenizeAll(cfg.SafeCommands),
		ask:     tokenizeAll(cfg.AskCommands),
		denied:  tokenizeAll(cfg.DeniedPatterns),
		timeout: timeout,
		secrets: cfg.Secrets,
		logger:  logging.OrNop(logger),
	}
}

func tokenizeAll(commands []string) [][]string {
	out := make([][]string, 0, len(commands))
	for _, c := range commands {
		if toks := tokenize(c); len(toks) > 0 {
			out = append(out, toks)
		}
	}
	return out
}

// Name implements sandbox.Capability.
func (c *Capability) Name() string { return "shell" }

// CheckPermission classifies the command and maps the class to a decision.
func (c *Capability) CheckPermission(_ context.Context, _ string, resource string, params map[string]any) sandbox.Decision {
	command := resource
	if command == "" {
		command, _ = params["command"].(string)
	}
	switch c.classify(command) {
	case classSafe:
		return sandbox.Decision{Allowed: true, Level: sandbox.LevelAuto}
	case classAsk, classUnknown:
		return sandbox.Decision{Allowed: true, Level: sandbox.LevelAsk}
	default:
		return sandbox.Decision{Allowed: false, Level: sandbox.LevelDeny, Reason: "Command is denied by policy"}
	}
}

// classify runs the static pipeline: tokenize, match denied patterns over
// the full stream, then classify each pipe/logic segment.
func (c *Capability) classify(command string) classification {
	tokens := tokenize(command)
	if len(tokens) == 0 {
		return classDenied
	}

	for _, pattern := range c.denied {
		if containsPattern(tokens, pattern) {
			return classDenied
		}
	}

	segments := splitSegments(tokens)
	if len(segments) == 0 {
		return classDenied
	}

	worst := classSafe
	for _, seg := range segments {
		cls := c.classifySegment(seg)
		if cls > worst {
			worst = cls
		}
	}

	// Compound commands always need at least a look from the user.
	if len(segments) > 1 && worst < classAsk {
		worst = classAsk
	}
	return worst
}

func (c *Capability) classifySegment(segment []string) classification {
	if len(segment) == 0 {
		return classDenied
	}
	if hasExpansion(segment) || hasRedirection(segment) {
		return classAsk
	}
	for _, safe := range c.safe {
		if startsWith(segment, safe) {
			return classSafe
		}
	}
	for _, ask := range c.ask {
		if startsWith(segment, ask) {
			return classAsk
		}
	}
	return classUnknown
}

// Execute runs the command through /bin/sh -c.
func (c *Capability) Execute(ctx context.Context, _ string, params map[string]any) sandbox.Result {
	command, _ := params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return sandbox.Result{Success: false, Error: "Missing command"}
	}

	// Re-derive the decision so ask-level commands cannot bypass approval.
	decision := c.CheckPermission(ctx, "execute", command, params)
	if !decision.Allowed {
		return sandbox.Result{Success: false, Error: decision.Reason}
	}
	if decision.Level == sandbox.LevelAsk {
		if approved, _ := params[sandbox.ApprovedParamKey].(bool); !approved {
			return sandbox.Result{Success: false, Error: "Command requires user approval"}
		}
	}

	timeout := c.timeout
	if secs, ok := params["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > maxTimeout {
			timeout = maxTimeout
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)

	if dir, ok := params["workdir"].(string); ok && dir != "" {
		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return sandbox.Result{Success: false, Error: fmt.Sprintf("Invalid working directory: %v", err)}
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			return sandbox.Result{Success: false, Error: "Working directory does not exist"}
		}
		cmd.Dir = resolved
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &cappedWriter{buf: &stdout, limit: maxOutputBytes}
	cmd.Stderr = &cappedWriter{buf: &stderr, limit: maxOutputBytes}

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}
	output = redaction.Sanitize(output, c.secrets)

	if runCtx.Err() == context.DeadlineExceeded {
		return sandbox.Result{Success: false, Output: output, Error: fmt.Sprintf("Command timed out after %s", timeout)}
	}
	if err != nil {
		return sandbox.Result{Success: false, Output: output, Error: redaction.Sanitize(err.Error(), c.secrets)}
	}
	return sandbox.Result{Success: true, Output: output}
}

// cappedWriter discards bytes beyond limit while reporting full writes.
type cappedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
