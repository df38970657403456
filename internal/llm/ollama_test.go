package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantName string
		wantArgs string // substring of the JSON arguments
		wantNone bool
	}{
		{
			name:     "raw object",
			content:  `{"name": "weather_forecast", "arguments": {"day": "today"}}`,
			wantName: "weather_forecast",
			wantArgs: `"day":"today"`,
		},
		{
			name:     "array",
			content:  `[{"name": "calculator", "arguments": {"expression": "2+2"}}]`,
			wantName: "calculator",
			wantArgs: `"expression":"2+2"`,
		},
		{
			name:     "tagged",
			content:  `<tool_call>{"name": "list_reminders", "arguments": {}}</tool_call>`,
			wantName: "list_reminders",
			wantArgs: `{}`,
		},
		{
			name:     "unclosed tag",
			content:  `<tool_call>{"name": "calculator", "arguments": {"expression": "9*8"}}`,
			wantName: "calculator",
			wantArgs: `9*8`,
		},
		{name: "plain text", content: "The answer is 42.", wantNone: true},
		{name: "empty", content: "", wantNone: true},
		{name: "json without name", content: `{"foo": "bar"}`, wantNone: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := parseTextToolCalls(tt.content)
			if tt.wantNone {
				if len(calls) != 0 {
					t.Fatalf("expected no calls, got %v", calls)
				}
				return
			}
			if len(calls) != 1 {
				t.Fatalf("expected 1 call, got %d", len(calls))
			}
			if calls[0].Name != tt.wantName {
				t.Errorf("name = %q, want %q", calls[0].Name, tt.wantName)
			}
			if !strings.Contains(calls[0].Arguments, tt.wantArgs) {
				t.Errorf("arguments %q missing %q", calls[0].Arguments, tt.wantArgs)
			}
		})
	}
}

func TestToolCallSignature(t *testing.T) {
	tc := ToolCall{Name: "calculator", Arguments: `{"expression":"2+2"}`}
	want := `calculator:{"expression":"2+2"}`
	if got := tc.Signature(); got != want {
		t.Errorf("Signature() = %q, want %q", got, want)
	}
}

func TestStreamComplete_TextAndToolCalls(t *testing.T) {
	// NDJSON stream: two content chunks, then a final chunk carrying a
	// tool call.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected streaming request")
		}

		chunks := []string{
			`{"message":{"role":"assistant","content":"Let me "},"done":false}`,
			`{"message":{"role":"assistant","content":"check."},"done":false}`,
			`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"calculator","arguments":{"expression":"9*8"}}}]},"done":true}`,
		}
		for _, c := range chunks {
			fmt.Fprintln(w, c)
		}
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "test-model", 0, nil)

	var content strings.Builder
	var calls []ToolCall
	done := false

	err := client.StreamComplete(context.Background(), []Message{NewMessage(RoleUser, "what is 9*8")}, nil, func(chunk StreamChunk) {
		content.WriteString(chunk.Content)
		if chunk.Done {
			done = true
			calls = chunk.ToolCalls
		}
	})
	if err != nil {
		t.Fatalf("StreamComplete error: %v", err)
	}

	if content.String() != "Let me check." {
		t.Errorf("content = %q, want %q", content.String(), "Let me check.")
	}
	if !done {
		t.Error("never received final chunk")
	}
	if len(calls) != 1 || calls[0].Name != "calculator" {
		t.Fatalf("tool calls = %v, want one calculator call", calls)
	}
	if !strings.Contains(calls[0].Arguments, "9*8") {
		t.Errorf("arguments = %q, want expression 9*8", calls[0].Arguments)
	}
}

func TestStreamComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "test-model", 0, nil)
	err := client.StreamComplete(context.Background(), []Message{NewMessage(RoleUser, "hi")}, nil, func(StreamChunk) {})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", apiErr.Status)
	}
}

func TestStreamComplete_Cancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewOllamaClient(srv.URL, "test-model", 0, nil)

	err := client.StreamComplete(ctx, []Message{NewMessage(RoleUser, "hi")}, nil, func(chunk StreamChunk) {
		if chunk.Content != "" {
			cancel()
		}
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestToWire_ToolResultCarriesName(t *testing.T) {
	msgs := []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{Name: "calculator", Arguments: `{"expression":"1+1"}`}}},
		{Role: RoleTool, ToolName: "calculator", Content: "2"},
	}
	wire := toWire(msgs)
	if len(wire) != 2 {
		t.Fatalf("len = %d, want 2", len(wire))
	}
	if len(wire[0].ToolCalls) != 1 || wire[0].ToolCalls[0].Function.Name != "calculator" {
		t.Errorf("assistant tool call not converted: %+v", wire[0])
	}
	if wire[0].ToolCalls[0].Function.Arguments["expression"] != "1+1" {
		t.Errorf("arguments not decoded to object: %+v", wire[0].ToolCalls[0].Function.Arguments)
	}
	if wire[1].ToolName != "calculator" {
		t.Errorf("tool result missing tool name: %+v", wire[1])
	}
}
