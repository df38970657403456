package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/concierge-agent/concierge/internal/config"
	"github.com/concierge-agent/concierge/internal/httpkit"
)

// OllamaClient is a Provider backed by an Ollama-compatible chat API.
type OllamaClient struct {
	baseURL    string
	model      string
	maxTools   int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates an Ollama provider.
func NewOllamaClient(baseURL, model string, maxTools int, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Responses can take a long time before headers arrive (model
	// load, long prompts). Use a generous header timeout and rely on
	// ctx for overall cancellation.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OllamaClient{
		baseURL:  baseURL,
		model:    model,
		maxTools: maxTools,
		logger:   logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0), // streaming responses are long-lived
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// MaxTools implements Provider.
func (c *OllamaClient) MaxTools() int { return c.maxTools }

// HandlesToolsNatively implements Provider. Ollama never executes
// tools itself; the orchestrator runs them.
func (c *OllamaClient) HandlesToolsNatively() bool { return false }

// ResetSession implements Provider. The chat API is stateless per
// request, so there is no cached session to drop.
func (c *OllamaClient) ResetSession() {
	c.logger.Debug("session reset requested (stateless backend, no-op)")
}

// Wire types for the Ollama chat API.

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaChunk struct {
	Model     string        `json:"model"`
	CreatedAt string        `json:"created_at"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`
}

// StreamComplete implements Provider using newline-delimited JSON
// streaming.
func (c *OllamaClient) StreamComplete(ctx context.Context, messages []Message, tools []ToolDefinition, fn StreamFunc) error {
	req := ollamaRequest{
		Model:    c.model,
		Messages: toWire(messages),
		Stream:   true,
		Tools:    toWireTools(tools),
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", c.model,
		"messages", len(messages),
		"tools", len(tools),
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return &APIError{Status: resp.StatusCode, Body: errBody}
	}

	var (
		contentBuilder strings.Builder
		toolCalls      []ToolCall
	)

	decoder := json.NewDecoder(resp.Body)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var chunk ollamaChunk
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			contentBuilder.WriteString(chunk.Message.Content)
			fn(StreamChunk{Content: chunk.Message.Content})
		}

		// Tool calls arrive on the final message.
		if len(chunk.Message.ToolCalls) > 0 {
			toolCalls = fromWireCalls(chunk.Message.ToolCalls)
		}

		if chunk.Done {
			break
		}
	}

	content := contentBuilder.String()

	// Some models emit tool calls as JSON in the content rather than
	// using the native tool_calls field.
	if len(toolCalls) == 0 && content != "" {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			toolCalls = parsed
			content = ""
		}
	}

	c.logger.Debug("stream complete",
		"model", c.model,
		"content_len", len(content),
		"tool_calls", len(toolCalls),
	)
	c.logger.Log(ctx, config.LevelTrace, "stream final content", "content", content)

	fn(StreamChunk{ToolCalls: toolCalls, Done: true})
	return nil
}

// Ping checks if the backend is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode}
	}
	return nil
}

// toWire converts internal messages to the Ollama wire format.
// Arguments travel as JSON text internally but the wire wants objects.
func toWire(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		wm := ollamaMessage{Role: m.Role, Content: m.Content}
		if m.Role == RoleTool {
			wm.ToolName = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			var wc ollamaToolCall
			wc.Function.Name = tc.Name
			if tc.Arguments != "" {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err == nil {
					wc.Function.Arguments = args
				}
			}
			if wc.Function.Arguments == nil {
				wc.Function.Arguments = map[string]any{}
			}
			wm.ToolCalls = append(wm.ToolCalls, wc)
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []ToolDefinition) []ollamaTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ollamaTool, 0, len(tools))
	for _, t := range tools {
		var wt ollamaTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		if wt.Function.Parameters == nil {
			wt.Function.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, wt)
	}
	return out
}

func fromWireCalls(calls []ollamaToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for _, wc := range calls {
		args := "{}"
		if wc.Function.Arguments != nil {
			if data, err := json.Marshal(wc.Function.Arguments); err == nil {
				args = string(data)
			}
		}
		out = append(out, ToolCall{Name: wc.Function.Name, Arguments: args})
	}
	return out
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Handles common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			// No closing tag, take the rest of the content.
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	marshalArgs := func(args map[string]any) string {
		if args == nil {
			return "{}"
		}
		data, err := json.Marshal(args)
		if err != nil {
			return "{}"
		}
		return string(data)
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, len(calls))
		for i, c := range calls {
			result[i] = ToolCall{Name: c.Name, Arguments: marshalArgs(c.Arguments)}
		}
		return result
	}

	var single textCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{{Name: single.Name, Arguments: marshalArgs(single.Arguments)}}
	}

	return nil
}
