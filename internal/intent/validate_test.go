package intent

import (
	"strings"
	"testing"

	"github.com/concierge-agent/concierge/internal/llm"
)

func TestRestrictedToolName(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"What is 9*8?", "calculator"},
		{"what's 20% of 85", "calculator"},
		{"calculate the square root of 49", "calculator"},
		{"What's on my calendar tomorrow?", "calendar"},
		{"am I free this afternoon", "calendar"},
		{"Will it rain today?", "weather"},
		{"do I need an umbrella", "weather"},
		{"remind me to call mom at 5", "reminders"},
		{"what's on my to-do list", "reminders"},

		// No single family: no restriction.
		{"Hi there", ""},
		{"tell me about the roman empire", ""},
		// Two families match: ambiguous, no restriction.
		{"remind me about the weather forecast", ""},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := RestrictedToolName(tt.text); got != tt.want {
				t.Errorf("RestrictedToolName(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestIsConversational(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"hi", true},
		{"Hey there!", true},
		{"good morning", true},
		{"what can you do?", true},
		{"thanks!", true},
		{"how are you", true},
		{"ok cool", true}, // short, no tool intent

		{"what is 9*8", false},
		{"9*8", false}, // short but matches math
		{"will it rain tomorrow in Utrecht", false},
		{"summarize this article for me please", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := IsConversational(tt.text); got != tt.want {
				t.Errorf("IsConversational(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestIsCreativeWriting(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Tell me a story", true},
		{"write a poem about autumn", true},
		{"can you make up a song for my daughter", true},
		{"imagine you are a pirate", true},
		{"pretend to be my grandmother", true},

		{"write down 9*8", false},
		{"tell me the weather", false},
		{"what's the story with my schedule today", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := IsCreativeWriting(tt.text); got != tt.want {
				t.Errorf("IsCreativeWriting(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestDetectMismatch(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		tool     string
		mismatch bool
	}{
		{"math via calculator", "what is 9*8", "calculator", false},
		{"math via calendar", "what is 9*8", "calendar", true},
		{"weather via reminders", "will it rain tomorrow", "reminders", true},
		{"math via auxiliary tool", "what is 9*8", "web_fetch", false},
		{"ambiguous request", "remind me about the weather", "weather", false},
		{"no intent", "tell me about turtles", "calendar", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectMismatch(tt.text, tt.tool)
			if (got != "") != tt.mismatch {
				t.Errorf("DetectMismatch(%q, %q) = %q, want mismatch=%v", tt.text, tt.tool, got, tt.mismatch)
			}
		})
	}
}

func TestCheckCoherence_MathRecomputesLocally(t *testing.T) {
	calcRan := []llm.ToolExecution{{Name: "calculator", Arguments: `{"expression":"9*8"}`, Result: "72", Success: true}}

	tests := []struct {
		name     string
		response string
		executed []llm.ToolExecution
		wantEnd  string // "" means the response stands
	}{
		{"good answer stands", "9 * 8 = 72", calcRan, ""},
		{"drifted into scheduling", "I can schedule a meeting to discuss 9*8.", calcRan, "= 72"},
		{"calculator never ran", "The answer is 72.", nil, "= 72"},
		{"no numeral in answer", "The answer is seventy-two.", calcRan, "= 72"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckCoherence("what is 9*8", tt.response, tt.executed)
			if tt.wantEnd == "" {
				if got != "" {
					t.Errorf("response replaced with %q, want it to stand", got)
				}
				return
			}
			if !strings.HasSuffix(got, tt.wantEnd) {
				t.Errorf("replacement = %q, want suffix %q", got, tt.wantEnd)
			}
		})
	}
}

func TestCheckCoherence_ClaimedActionWithoutTool(t *testing.T) {
	got := CheckCoherence("set up a meeting with Anna", "I've scheduled the meeting for 3pm.", nil)
	if got == "" {
		t.Fatal("claimed action without any tool execution should be replaced")
	}
	if !strings.Contains(got, "wasn't able") {
		t.Errorf("replacement %q should admit the failure", got)
	}

	executed := []llm.ToolExecution{{Name: "calendar", Success: true}}
	if got := CheckCoherence("set up a meeting with Anna", "I've scheduled the meeting for 3pm.", executed); got != "" {
		t.Errorf("claim backed by a tool execution replaced with %q, want it to stand", got)
	}
}

func TestAttemptMathFallback(t *testing.T) {
	tests := []struct {
		text    string
		want    string // suffix; "" means ok=false expected
		wantOK  bool
	}{
		{"what is 9*8", "= 72", true},
		{"what is 9 * 8?", "= 72", true},
		{"100 / 4", "= 25", true},
		{"7 × 6", "= 42", true},
		{"10 - 4.5", "= 5.5", true},
		{"2+2", "= 4", true},
		{"what's 20% of 85", "= 17", true},
		{"9/0", "is undefined (division by zero)", true},
		{"what is the meaning of life", "", false},
		{"add milk to my list", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := AttemptMathFallback(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("AttemptMathFallback(%q) ok = %v, want %v (got %q)", tt.text, ok, tt.wantOK, got)
			}
			if ok && !strings.HasSuffix(got, tt.want) {
				t.Errorf("AttemptMathFallback(%q) = %q, want suffix %q", tt.text, got, tt.want)
			}
		})
	}
}
