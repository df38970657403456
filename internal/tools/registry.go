// Package tools defines the tools the model may call and the registry
// that executes them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/concierge-agent/concierge/internal/llm"
)

// Handler executes one tool call. args is the decoded JSON arguments
// object; a missing arguments payload yields a nil map.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one callable capability.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	// Suggestion is user-facing advice shown when the tool fails or is
	// disabled (e.g. "check the CalDAV credentials in config.yaml").
	Suggestion string
	Handler    Handler
}

// ErrToolUnavailable is returned when a call targets a tool that is
// not registered or has been disabled. It signals a capability
// mismatch, not a transient failure; callers should not retry.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ExecError wraps a tool handler failure together with the tool's
// recovery suggestion, so the orchestrator can feed both back to the
// model.
type ExecError struct {
	ToolName   string
	Suggestion string
	Err        error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.ToolName, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Registry holds the available tools.
type Registry struct {
	tools    map[string]*Tool
	order    []string
	disabled map[string]bool
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. disabled lists tool names to
// withhold from the model while keeping their descriptions available
// for the "disabled features" prompt section.
func NewRegistry(disabled []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:    make(map[string]*Tool),
		disabled: make(map[string]bool),
		logger:   logger.With("component", "tools"),
	}
	for _, name := range disabled {
		r.disabled[name] = true
	}
	return r
}

// Register adds a tool. Registering the same name twice replaces the
// earlier tool.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Has reports whether an enabled tool with this name exists.
func (r *Registry) Has(name string) bool {
	return r.tools[name] != nil && !r.disabled[name]
}

// Execute runs a tool by name with raw JSON arguments. Unknown or
// disabled tools return *ErrToolUnavailable; handler failures return
// *ExecError.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	tool := r.tools[name]
	if tool == nil || r.disabled[name] {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	var args map[string]any
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", &ExecError{
				ToolName:   name,
				Suggestion: "pass arguments as a JSON object",
				Err:        fmt.Errorf("invalid arguments: %w", err),
			}
		}
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return "", &ExecError{ToolName: name, Suggestion: tool.Suggestion, Err: err}
	}
	return result, nil
}

// Definitions returns definitions for every enabled tool, in
// registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	return r.DefinitionsLimited(0)
}

// DefinitionsLimited returns at most n enabled tool definitions in
// registration order. n <= 0 means no limit.
func (r *Registry) DefinitionsLimited(n int) []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
		if n > 0 && len(defs) >= n {
			break
		}
	}
	return defs
}

// DisabledToolDescriptions returns a prompt-ready summary of disabled
// tools so the model can tell the user why a capability is off,
// instead of hallucinating that it worked.
func (r *Registry) DisabledToolDescriptions() string {
	var names []string
	for name := range r.disabled {
		if r.tools[name] != nil {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("The following features are currently disabled:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, r.tools[name].Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
