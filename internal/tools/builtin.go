package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mama/internal/llm"
	"mama/internal/sandbox"
)

// SideEffecting reports whether a tool mutates the world. Used by planning
// to decide whether a plan needs user approval.
func SideEffecting(toolName string) bool {
	switch toolName {
	case "write_file", "move_file", "execute_command", "http_request":
		return true
	}
	return false
}

// RegisterBuiltins installs the built-in tool set.
func RegisterBuiltins(r *Registry) {
	for _, t := range builtins() {
		r.Register(t)
	}
}

func builtins() []Tool {
	return []Tool{
		{
			Name:        "read_file",
			Description: "Read the contents of a file.",
			Parameters: objectSchema(map[string]prop{
				"path": {"string", "Path of the file to read", nil},
			}, "path"),
			Execute: capabilityTool("filesystem", "read"),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file, creating it if needed.",
			Parameters: objectSchema(map[string]prop{
				"path":    {"string", "Path of the file to write", nil},
				"content": {"string", "Content to write", nil},
			}, "path", "content"),
			Execute: capabilityTool("filesystem", "write"),
		},
		{
			Name:        "list_directory",
			Description: "List the entries of a directory.",
			Parameters: objectSchema(map[string]prop{
				"path": {"string", "Directory to list", nil},
			}, "path"),
			Execute: capabilityTool("filesystem", "list"),
		},
		{
			Name:        "search_files",
			Description: "Search for files by name pattern under a directory.",
			Parameters: objectSchema(map[string]prop{
				"path":    {"string", "Directory to search under", nil},
				"pattern": {"string", "Filename glob pattern", nil},
			}, "path", "pattern"),
			Execute: capabilityTool("filesystem", "search"),
		},
		{
			Name:        "move_file",
			Description: "Move or rename a file.",
			Parameters: objectSchema(map[string]prop{
				"path":        {"string", "Source path", nil},
				"destination": {"string", "Destination path", nil},
			}, "path", "destination"),
			Execute: capabilityTool("filesystem", "move"),
		},
		{
			Name:        "execute_command",
			Description: "Run a shell command and return its output.",
			Parameters: objectSchema(map[string]prop{
				"command": {"string", "Shell command to run", nil},
				"workdir": {"string", "Working directory", nil},
				"timeout": {"number", "Timeout in seconds", nil},
			}, "command"),
			Execute: capabilityTool("shell", "execute"),
		},
		{
			Name:        "http_request",
			Description: "Make an HTTP request to an external service.",
			Parameters: objectSchema(map[string]prop{
				"url":    {"string", "Request URL", nil},
				"method": {"string", "HTTP method", []any{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}},
				"body":   {"string", "Request body", nil},
			}, "url"),
			Execute: capabilityTool("network", "request"),
		},
		{
			Name:        "create_scheduled_job",
			Description: "Create a recurring or one-shot scheduled job. The schedule may be a cron expression or a natural phrase like 'every day at 9:00'.",
			Parameters: objectSchema(map[string]prop{
				"name":     {"string", "Short job name", nil},
				"schedule": {"string", "Cron expression or natural-language schedule", nil},
				"task":     {"string", "What the job should do, in plain language", nil},
			}, "schedule", "task"),
			Execute: createJobTool,
		},
		{
			Name:        "list_scheduled_jobs",
			Description: "List all scheduled jobs with their next run times.",
			Parameters:  objectSchema(nil),
			Execute:     listJobsTool,
		},
		{
			Name:        "manage_job",
			Description: "Enable, disable, delete, or immediately run a scheduled job.",
			Parameters: objectSchema(map[string]prop{
				"job_id": {"string", "Id of the job", nil},
				"action": {"string", "Operation to perform", []any{"enable", "disable", "delete", "run_now"}},
			}, "job_id", "action"),
			Execute: manageJobTool,
		},
		{
			Name:        "ask_user",
			Description: "Ask the user a clarifying question before continuing.",
			Parameters: objectSchema(map[string]prop{
				"question": {"string", "Question to ask", nil},
			}, "question"),
			Execute: envelopeTool("ask_user", "question"),
		},
		{
			Name:        "report_progress",
			Description: "Report progress on a long-running task.",
			Parameters: objectSchema(map[string]prop{
				"message": {"string", "Progress update", nil},
			}, "message"),
			Execute: envelopeTool("report_progress", "message"),
		},
	}
}

// capabilityTool binds a tool to a sandbox capability action.
func capabilityTool(capability, action string) func(context.Context, map[string]any, Context) sandbox.Result {
	return func(ctx context.Context, params map[string]any, tc Context) sandbox.Result {
		if tc.Sandbox == nil {
			return sandbox.Result{Success: false, Error: "No sandbox available"}
		}
		return tc.Sandbox.Execute(ctx, capability, action, params, tc.RequestedBy)
	}
}

// envelopeTool returns a structured no-side-effect envelope for meta tools.
func envelopeTool(kind, field string) func(context.Context, map[string]any, Context) sandbox.Result {
	return func(_ context.Context, params map[string]any, _ Context) sandbox.Result {
		text, _ := params[field].(string)
		payload, _ := json.Marshal(map[string]string{"type": kind, field: text})
		return sandbox.Result{Success: true, Output: string(payload)}
	}
}

func createJobTool(ctx context.Context, params map[string]any, tc Context) sandbox.Result {
	if tc.Jobs == nil {
		return sandbox.Result{Success: false, Error: "Scheduler not available"}
	}
	name, _ := params["name"].(string)
	schedule, _ := params["schedule"].(string)
	task, _ := params["task"].(string)
	job, err := tc.Jobs.CreateJob(ctx, name, schedule, task, "cron")
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	next := "unscheduled"
	if job.NextRun != nil {
		next = job.NextRun.Format("2006-01-02 15:04")
	}
	return sandbox.Result{
		Success: true,
		Output:  fmt.Sprintf("Created job %s (%s), next run %s", job.ID, job.Schedule, next),
	}
}

func listJobsTool(ctx context.Context, _ map[string]any, tc Context) sandbox.Result {
	if tc.Jobs == nil {
		return sandbox.Result{Success: false, Error: "Scheduler not available"}
	}
	jobs, err := tc.Jobs.ListJobs(ctx)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	if len(jobs) == 0 {
		return sandbox.Result{Success: true, Output: "No scheduled jobs"}
	}
	var b strings.Builder
	for _, job := range jobs {
		state := "disabled"
		next := ""
		if job.Enabled {
			state = "enabled"
			if job.NextRun != nil {
				next = ", next " + job.NextRun.Format("2006-01-02 15:04")
			}
		}
		fmt.Fprintf(&b, "%s [%s] %q (%s%s): %s\n", job.ID, state, job.Name, job.Schedule, next, job.Task)
	}
	return sandbox.Result{Success: true, Output: strings.TrimRight(b.String(), "\n")}
}

func manageJobTool(ctx context.Context, params map[string]any, tc Context) sandbox.Result {
	if tc.Jobs == nil {
		return sandbox.Result{Success: false, Error: "Scheduler not available"}
	}
	id, _ := params["job_id"].(string)
	action, _ := params["action"].(string)

	var err error
	output := fmt.Sprintf("Job %s: %s", id, action)
	switch action {
	case "enable":
		err = tc.Jobs.EnableJob(ctx, id)
	case "disable":
		err = tc.Jobs.DisableJob(ctx, id)
	case "delete":
		err = tc.Jobs.DeleteJob(ctx, id)
	case "run_now":
		var result string
		result, err = tc.Jobs.RunJobNow(ctx, id)
		if err == nil {
			output = result
		}
	default:
		return sandbox.Result{Success: false, Error: fmt.Sprintf("Unknown job action: %s", action)}
	}
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	return sandbox.Result{Success: true, Output: output}
}

type prop struct {
	typ         string
	description string
	enum        []any
}

func objectSchema(props map[string]prop, required ...string) llm.ParameterSchema {
	schema := llm.ParameterSchema{Type: "object", Properties: map[string]llm.Property{}}
	for name, p := range props {
		schema.Properties[name] = llm.Property{Type: p.typ, Description: p.description, Enum: p.enum}
	}
	schema.Required = required
	return schema
}
