// Package fscap implements the filesystem capability: path-rule gated read,
// write, list, delete, search, and move operations rooted in a workspace.
package fscap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mama/internal/logging"
	"mama/internal/sandbox"
)

// maxReadBytes caps file reads at 256 KiB.
const maxReadBytes = 256 * 1024

// maxSearchResults caps a search walk.
const maxSearchResults = 5000

// Rule grants actions on a path glob at a permission level.
type Rule struct {
	Glob    string
	Actions []string // read | write | list | delete | search
	Level   string   // auto | ask | deny
}

// Config configures the capability.
type Config struct {
	Workspace    string
	AllowedPaths []Rule
	DeniedPaths  []string
}

// Capability is the filesystem capability.
type Capability struct {
	workspace string // symlink-resolved workspace root
	rules     []Rule
	denied    []string
	logger    logging.Logger
}

// New creates the filesystem capability. The workspace directory is created
// and symlink-resolved eagerly so later containment checks are lexical.
func New(cfg Config, logger logging.Logger) (*Capability, error) {
	logger = logging.OrNop(logger)
	ws, err := expandPath(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(ws)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace symlinks: %w", err)
	}
	return &Capability{
		workspace: resolved,
		rules:     cfg.AllowedPaths,
		denied:    cfg.DeniedPaths,
		logger:    logger,
	}, nil
}

// Name implements sandbox.Capability.
func (c *Capability) Name() string { return "filesystem" }

// CheckPermission decides whether action on resource is allowed.
func (c *Capability) CheckPermission(_ context.Context, action, resource string, params map[string]any) sandbox.Decision {
	if action == "move" {
		dest, _ := params["destination"].(string)
		return c.checkMove(resource, dest)
	}
	return c.decide(action, resource)
}

// checkMove requires delete on the source and write on the destination, each
// path resolved independently.
func (c *Capability) checkMove(source, dest string) sandbox.Decision {
	if dest == "" {
		return sandbox.Decision{Allowed: false, Level: sandbox.LevelDeny, Reason: "Missing destination path"}
	}
	srcDecision := c.decide("delete", source)
	if !srcDecision.Allowed {
		return srcDecision
	}
	dstDecision := c.decide("write", dest)
	if !dstDecision.Allowed {
		return dstDecision
	}
	level := srcDecision.Level
	if dstDecision.Level == sandbox.LevelAsk {
		level = sandbox.LevelAsk
	}
	return sandbox.Decision{Allowed: true, Level: level}
}

func (c *Capability) decide(action, raw string) sandbox.Decision {
	deny := func(reason string) sandbox.Decision {
		return sandbox.Decision{Allowed: false, Level: sandbox.LevelDeny, Reason: reason}
	}

	if raw == "" {
		return deny("Missing path")
	}
	if strings.ContainsRune(raw, 0) {
		return deny("Path contains NUL byte")
	}

	abs, err := expandPath(raw)
	if err != nil {
		return deny("Cannot resolve path")
	}

	resolved, err := resolveSymlinks(abs)
	if err != nil {
		return deny("Cannot resolve path")
	}

	if hasTraversal(raw, abs, resolved) {
		return deny("Path traversal detected")
	}

	// Denied globs win absolutely.
	for _, g := range c.denied {
		if matchGlob(g, resolved) || matchGlob(g, abs) {
			return deny("Path is denied by policy")
		}
	}

	// Workspace paths are always auto-approved.
	if isUnder(resolved, c.workspace) {
		return sandbox.Decision{Allowed: true, Level: sandbox.LevelAuto}
	}

	// First matching allow rule by (glob, action) decides.
	for _, rule := range c.rules {
		if !containsAction(rule.Actions, action) {
			continue
		}
		if !matchGlob(rule.Glob, resolved) && !matchGlob(rule.Glob, abs) {
			continue
		}
		switch rule.Level {
		case "auto":
			return sandbox.Decision{Allowed: true, Level: sandbox.LevelAuto}
		case "ask":
			return sandbox.Decision{Allowed: true, Level: sandbox.LevelAsk}
		default:
			return deny("Path is denied by policy")
		}
	}

	return deny(fmt.Sprintf("No rule allows %s on %s", action, raw))
}

// Execute performs the granted action.
func (c *Capability) Execute(_ context.Context, action string, params map[string]any) sandbox.Result {
	path, _ := params["path"].(string)

	// Mutating actions at ask level must carry the approval token.
	if action == "write" || action == "delete" || action == "move" {
		decision := c.CheckPermission(context.Background(), action, path, params)
		if !decision.Allowed {
			return sandbox.Result{Success: false, Error: decision.Reason}
		}
		if decision.Level == sandbox.LevelAsk {
			if approved, _ := params[sandbox.ApprovedParamKey].(bool); !approved {
				return sandbox.Result{Success: false, Error: "Action requires user approval"}
			}
		}
	}

	switch action {
	case "read":
		return c.read(path)
	case "write":
		content, _ := params["content"].(string)
		return c.write(path, content)
	case "list":
		return c.list(path)
	case "delete":
		return c.delete(path)
	case "search":
		pattern, _ := params["pattern"].(string)
		return c.search(path, pattern)
	case "move":
		dest, _ := params["destination"].(string)
		return c.move(path, dest)
	default:
		return sandbox.Result{Success: false, Error: fmt.Sprintf("Unknown filesystem action: %s", action)}
	}
}

func (c *Capability) read(path string) sandbox.Result {
	abs, err := expandPath(path)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	if info.Size() > maxReadBytes {
		return sandbox.Result{Success: false, Error: fmt.Sprintf("File too large: %d bytes (max %d)", info.Size(), maxReadBytes)}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	return sandbox.Result{Success: true, Output: string(data)}
}

func (c *Capability) write(path, content string) sandbox.Result {
	abs, err := expandPath(path)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	return sandbox.Result{Success: true, Output: fmt.Sprintf("Wrote %d bytes to %s", len(content), abs)}
}

func (c *Capability) list(path string) sandbox.Result {
	abs, err := expandPath(path)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return sandbox.Result{Success: true, Output: strings.Join(names, "\n")}
}

func (c *Capability) delete(path string) sandbox.Result {
	abs, err := expandPath(path)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	if info.IsDir() {
		return sandbox.Result{Success: false, Error: "Refusing to delete a directory"}
	}
	if err := os.Remove(abs); err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	return sandbox.Result{Success: true, Output: fmt.Sprintf("Deleted %s", abs)}
}

// search walks root breadth-first, matching base names against pattern. It
// does not follow symlinks and stops at maxSearchResults.
func (c *Capability) search(root, pattern string) sandbox.Result {
	abs, err := expandPath(root)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	if pattern == "" {
		pattern = "*"
	}

	var matches []string
	truncated := false
	queue := []string{abs}
	for len(queue) > 0 && !truncated {
		dir := queue[0]
		queue = queue[1:]
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if ok, _ := filepath.Match(pattern, e.Name()); ok {
				matches = append(matches, full)
				if len(matches) >= maxSearchResults {
					truncated = true
					break
				}
			}
			if e.IsDir() && e.Type()&os.ModeSymlink == 0 {
				queue = append(queue, full)
			}
		}
	}

	out := strings.Join(matches, "\n")
	if truncated {
		out += "\n[results truncated at 5000]"
	}
	if len(matches) == 0 {
		out = "No matches"
	}
	return sandbox.Result{Success: true, Output: out}
}

func (c *Capability) move(source, dest string) sandbox.Result {
	srcAbs, err := expandPath(source)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	dstAbs, err := expandPath(dest)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	if err := os.Rename(srcAbs, dstAbs); err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	return sandbox.Result{Success: true, Output: fmt.Sprintf("Moved %s to %s", srcAbs, dstAbs)}
}

// expandPath expands ~ and resolves the path to an absolute, cleaned form.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return filepath.Abs(path)
}

// resolveSymlinks resolves symlinks in path. For targets that do not exist
// yet (new writes) the parent is resolved and the base recomposed.
func resolveSymlinks(abs string) (string, error) {
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		if os.IsNotExist(err) {
			// Deeper missing ancestors: fall back to the lexical form.
			return abs, nil
		}
		return "", err
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

// hasTraversal reports a `..` escape: the raw path contains a `..` segment
// and the resolved path is not under the lexical parent of the pre-`..`
// prefix.
func hasTraversal(raw, abs, resolved string) bool {
	segments := strings.Split(filepath.ToSlash(raw), "/")
	idx := -1
	for i, seg := range segments {
		if seg == ".." {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	prefix := strings.Join(segments[:idx], "/")
	if prefix == "" {
		prefix = "/"
	}
	prefixAbs, err := filepath.Abs(filepath.FromSlash(prefix))
	if err != nil {
		return true
	}
	parent := filepath.Dir(prefixAbs)
	return !isUnder(resolved, parent) && !isUnder(abs, parent)
}

// isUnder reports whether path equals root or lies beneath it.
func isUnder(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}

// matchGlob matches pattern against a full path. Patterns ending in "/**"
// match the prefix and everything beneath it; otherwise filepath.Match
// semantics apply to the whole path, then to the base name.
func matchGlob(pattern, path string) bool {
	if pattern == "" {
		return false
	}
	if strings.HasSuffix(pattern, "/**") {
		root := strings.TrimSuffix(pattern, "/**")
		expanded, err := expandPath(root)
		if err == nil {
			return isUnder(path, expanded)
		}
		return isUnder(path, root)
	}
	expanded, err := expandPath(pattern)
	if err == nil {
		if ok, _ := filepath.Match(expanded, path); ok {
			return true
		}
		if expanded == path {
			return true
		}
	}
	if ok, _ := filepath.Match(pattern, path); ok {
		return true
	}
	ok, _ := filepath.Match(pattern, filepath.Base(path))
	return ok
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}
