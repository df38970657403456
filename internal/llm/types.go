// Package llm defines the model provider interface and wire types
// shared by the orchestrator and provider implementations.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message roles. Index 0 of a conversation is the system message when
// present; all other ordering matches insertion order.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single chat message.
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool use.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool-result messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// Attachment is an optional file path or URL associated with the
	// message. Carried for the UI; never sent to the model.
	Attachment string `json:"attachment,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(role, content string) Message {
	id, _ := uuid.NewV7()
	return Message{
		ID:        id.String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// ToolCall is a model-issued request to run a tool. Arguments is the
// raw JSON text exactly as produced by the model, so call signatures
// compare stably across iterations.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Signature returns the loop-detection signature for this call.
func (tc ToolCall) Signature() string {
	return tc.Name + ":" + tc.Arguments
}

// ToolExecution reports a completed tool run. Produced either by the
// orchestrator's manual execution or by a provider that runs tools
// inside its own session (native handling).
type ToolExecution struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
	Success   bool   `json:"success"`
}

// StreamChunk is one element of a model response stream. A stream is
// lazy, finite, and non-restartable; exactly one chunk has Done set.
type StreamChunk struct {
	// Content is incremental response text, possibly empty.
	Content string
	// ToolCalls is the finalized set of requested calls. Only set on
	// the final chunk.
	ToolCalls []ToolCall
	// ToolExecutions reports tool runs the provider executed natively,
	// in execution order. Only set on the final chunk.
	ToolExecutions []ToolExecution
	// Done marks the final chunk.
	Done bool
}

// ToolDefinition describes a tool advertised to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StreamFunc receives stream chunks in order. The tool set passed to
// the provider is fixed before streaming begins and never mutated
// mid-stream.
type StreamFunc func(chunk StreamChunk)

// Provider is a model backend.
type Provider interface {
	// StreamComplete runs one model call, delivering chunks to fn in
	// order. Cancelling ctx aborts the stream immediately.
	StreamComplete(ctx context.Context, messages []Message, tools []ToolDefinition, fn StreamFunc) error

	// ResetSession tells the backend to drop any cached session state.
	ResetSession()

	// MaxTools is the provider's cap on advertised tool definitions.
	// Zero means no limit.
	MaxTools() int

	// HandlesToolsNatively reports whether the backend executes tools
	// inside its own session and reports them as ToolExecutions. A
	// provider that cannot guarantee in-order execution reporting must
	// not set this; the orchestrator trusts the reported order.
	HandlesToolsNatively() bool
}

// APIError is a non-2xx response from a provider's HTTP API.
type APIError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error %d: %s", e.Status, e.Body)
}
