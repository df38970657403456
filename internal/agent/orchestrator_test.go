package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/concierge-agent/concierge/internal/config"
	"github.com/concierge-agent/concierge/internal/convstore"
	"github.com/concierge-agent/concierge/internal/history"
	"github.com/concierge-agent/concierge/internal/intent"
	"github.com/concierge-agent/concierge/internal/llm"
	"github.com/concierge-agent/concierge/internal/tools"
)

// scriptedTurn is one model response in a fakeProvider script.
type scriptedTurn struct {
	content string
	calls   []llm.ToolCall
	execs   []llm.ToolExecution
	err     error
}

type fakeProvider struct {
	turns       []scriptedTurn
	idx         int
	native      bool
	maxTools    int
	invocations int
	resets      int
	toolsSeen   [][]llm.ToolDefinition
	msgsSeen    [][]llm.Message
}

func (f *fakeProvider) StreamComplete(ctx context.Context, msgs []llm.Message, defs []llm.ToolDefinition, fn llm.StreamFunc) error {
	f.invocations++
	f.toolsSeen = append(f.toolsSeen, defs)
	f.msgsSeen = append(f.msgsSeen, msgs)
	if f.idx >= len(f.turns) {
		return fmt.Errorf("unscripted model call %d", f.invocations)
	}
	turn := f.turns[f.idx]
	f.idx++
	if turn.err != nil {
		return turn.err
	}
	if turn.content != "" {
		half := len(turn.content) / 2
		fn(llm.StreamChunk{Content: turn.content[:half]})
		fn(llm.StreamChunk{Content: turn.content[half:]})
	}
	fn(llm.StreamChunk{Done: true, ToolCalls: turn.calls, ToolExecutions: turn.execs})
	return nil
}

func (f *fakeProvider) ResetSession()              { f.resets++ }
func (f *fakeProvider) MaxTools() int              { return f.maxTools }
func (f *fakeProvider) HandlesToolsNatively() bool { return f.native }

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil, slog.Default())
	reg.Register(tools.Calculator())
	reg.Register(&tools.Tool{
		Name:        "web_fetch",
		Description: "fetch a web page",
		Parameters:  map[string]any{"type": "object"},
		Suggestion:  "check the URL and try again",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("connection refused")
		},
	})
	return reg
}

func testConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxIterations:      5,
		MaxRetries:         3,
		BaseRetryDelay:     time.Millisecond,
		PromptBudget:       2000,
		HistoryBudget:      4000,
		SummarizeThreshold: 0.8,
	}
}

func newTestOrchestrator(t *testing.T, provider llm.Provider, reg *tools.Registry, opts Options) *Orchestrator {
	t.Helper()
	if reg == nil {
		reg = testRegistry(t)
	}
	trimmer := history.New(4000, 0.8, nil, nil, slog.Default())
	o := New(provider, reg, trimmer, testConfig(), opts)
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return o
}

func TestRun_ArithmeticRestrictsToolSet(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{calls: []llm.ToolCall{{ID: "c1", Name: "calculator", Arguments: `{"expression": "20% of 85"}`}}},
		{content: "20% of 85 is 17."},
	}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	res, err := o.Run(context.Background(), "What's 20% of 85?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Text, "17") {
		t.Errorf("answer = %q, want the number 17", res.Text)
	}
	if len(provider.toolsSeen[0]) != 1 || provider.toolsSeen[0][0].Name != "calculator" {
		t.Errorf("tool set = %+v, want only calculator", provider.toolsSeen[0])
	}
	if len(res.ToolExecutions) != 1 || !res.ToolExecutions[0].Success {
		t.Errorf("executions = %+v", res.ToolExecutions)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
}

func TestRun_CreativeWritingNeverInvokesModel(t *testing.T) {
	provider := &fakeProvider{}
	o := newTestOrchestrator(t, provider, nil, Options{})

	res, err := o.Run(context.Background(), "Tell me a story about a brave dragon")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != intent.CreativeRedirect {
		t.Errorf("text = %q, want the creative redirect", res.Text)
	}
	if provider.invocations != 0 {
		t.Errorf("model invoked %d times, want 0", provider.invocations)
	}
}

func TestRun_ConversationalGetsNoTools(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{{content: "Hello! How can I help?"}}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	if _, err := o.Run(context.Background(), "Hi there!"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(provider.toolsSeen[0]) != 0 {
		t.Errorf("tool set = %+v, want none for small talk", provider.toolsSeen[0])
	}
}

func TestRun_NoProvider(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil, Options{})
	if _, err := o.Run(context.Background(), "hello"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestRun_LoopDetection(t *testing.T) {
	call := llm.ToolCall{Name: "calculator", Arguments: `{"expression": "9*8"}`}
	provider := &fakeProvider{turns: []scriptedTurn{
		{calls: []llm.ToolCall{call}},
		{calls: []llm.ToolCall{call}},
		{calls: []llm.ToolCall{call}},
	}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	res, err := o.Run(context.Background(), "What is 9*8?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != loopApology {
		t.Errorf("text = %q, want the loop apology", res.Text)
	}
	if res.WasAborted {
		t.Error("loop detection must not mark the run aborted")
	}
	if provider.invocations != 3 {
		t.Errorf("model invoked %d times, want exactly 3", provider.invocations)
	}
}

func TestRun_ToolFailureFedBackAsJSON(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{calls: []llm.ToolCall{{ID: "c1", Name: "web_fetch", Arguments: `{"url": "example.com"}`}}},
		{content: "That site is not reachable right now."},
	}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	res, err := o.Run(context.Background(), "Look up the example.com homepage for me")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ToolExecutions) != 1 || res.ToolExecutions[0].Success {
		t.Fatalf("executions = %+v, want one failed", res.ToolExecutions)
	}

	var toolMsg string
	for _, m := range o.History() {
		if m.Role == llm.RoleTool {
			toolMsg = m.Content
		}
	}
	if !strings.Contains(toolMsg, `"error"`) || !strings.Contains(toolMsg, "check the URL and try again") {
		t.Errorf("tool feedback = %q, want JSON with error and suggestion", toolMsg)
	}
}

func TestRun_UnknownToolFedBack(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{calls: []llm.ToolCall{{Name: "time_machine", Arguments: `{}`}}},
		{content: "I cannot do that."},
	}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	res, err := o.Run(context.Background(), "Take me back to last Tuesday's meeting notes")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ToolExecutions) != 1 || res.ToolExecutions[0].Success {
		t.Fatalf("executions = %+v, want one failed", res.ToolExecutions)
	}
	if !strings.Contains(res.ToolExecutions[0].Result, "not available") {
		t.Errorf("result = %q", res.ToolExecutions[0].Result)
	}
}

func TestRun_MismatchedToolCallCorrectedNotExecuted(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{calls: []llm.ToolCall{{Name: "calendar", Arguments: `{"action": "create"}`}}},
		{calls: []llm.ToolCall{{Name: "calculator", Arguments: `{"expression": "9*8"}`}}},
		{content: "9 * 8 = 72"},
	}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	res, err := o.Run(context.Background(), "What is 9*8?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The calendar call must be answered with corrective feedback, not
	// recorded as an execution.
	if len(res.ToolExecutions) != 1 || res.ToolExecutions[0].Name != "calculator" {
		t.Fatalf("executions = %+v, want only the calculator", res.ToolExecutions)
	}

	var correction string
	for _, m := range o.History() {
		if m.Role == llm.RoleTool && m.ToolName == "calendar" {
			correction = m.Content
		}
	}
	if !strings.Contains(correction, "does not apply") {
		t.Errorf("correction = %q", correction)
	}
	if !strings.Contains(res.Text, "72") {
		t.Errorf("final answer = %q", res.Text)
	}
}

func TestRun_RetriesTransientFailure(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{err: &llm.APIError{Status: 503, Body: "overloaded"}},
		{content: "Hello!"},
	}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	res, err := o.Run(context.Background(), "Good morning, assistant, how are you today?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.invocations != 2 {
		t.Errorf("invocations = %d, want 2", provider.invocations)
	}
	if res.Text != "Hello!" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestRun_PermanentFailureNotRetried(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{err: &llm.APIError{Status: 400, Body: "bad request"}},
	}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	if _, err := o.Run(context.Background(), "Good morning, assistant, how are you today?"); err == nil {
		t.Fatal("want error")
	}
	if provider.invocations != 1 {
		t.Errorf("invocations = %d, want 1 (no retry)", provider.invocations)
	}
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	overloaded := scriptedTurn{err: &llm.APIError{Status: 429, Body: "rate limited"}}
	provider := &fakeProvider{turns: []scriptedTurn{overloaded, overloaded, overloaded, overloaded}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	_, err := o.Run(context.Background(), "Good morning, assistant, how are you today?")
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("err = %v", err)
	}
	if provider.invocations != 3 {
		t.Errorf("invocations = %d, want 3", provider.invocations)
	}
}

func TestRun_CancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	provider := &fakeProvider{turns: []scriptedTurn{{err: context.Canceled}}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	res, err := o.Run(ctx, "Good morning, assistant, how are you today?")
	if err == nil {
		t.Fatal("want error")
	}
	if res == nil || !res.WasAborted {
		t.Errorf("result = %+v, want WasAborted", res)
	}
	if provider.invocations != 1 {
		t.Errorf("invocations = %d, want 1 (cancellation never retried)", provider.invocations)
	}
}

func TestRun_MaxIterations(t *testing.T) {
	// Distinct arguments each turn, so loop detection never fires.
	var turns []scriptedTurn
	for i := 0; i < 6; i++ {
		turns = append(turns, scriptedTurn{calls: []llm.ToolCall{
			{Name: "calculator", Arguments: fmt.Sprintf(`{"expression": "%d+1"}`, i)},
		}})
	}
	provider := &fakeProvider{turns: turns}
	o := newTestOrchestrator(t, provider, nil, Options{})

	_, err := o.Run(context.Background(), "What is 1+1?")
	if !errors.Is(err, ErrMaxIterations) {
		t.Errorf("err = %v, want ErrMaxIterations", err)
	}
	if provider.invocations != testConfig().MaxIterations {
		t.Errorf("invocations = %d, want %d", provider.invocations, testConfig().MaxIterations)
	}
}

func TestRun_SystemPromptLeadsConversation(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{{content: "Hi!"}}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	if _, err := o.Run(context.Background(), "Hello there my friend, lovely day"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sent := provider.msgsSeen[0]
	if len(sent) == 0 || sent[0].Role != llm.RoleSystem {
		t.Fatalf("first message role = %q, want system", sent[0].Role)
	}
	if !strings.Contains(sent[0].Content, "personal assistant") {
		t.Errorf("system prompt missing core instructions:\n%s", sent[0].Content)
	}
}

func TestRun_ActionClaimWithoutToolReplaced(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{
		{content: "I've added milk to your shopping list."},
	}}
	o := newTestOrchestrator(t, provider, nil, Options{})

	res, err := o.Run(context.Background(), "Please add milk to my shopping list")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Text, "wasn't able to complete") {
		t.Errorf("text = %q, want honest failure", res.Text)
	}
	// Transcript must match what the user saw.
	hist := o.History()
	if last := hist[len(hist)-1]; last.Content != res.Text {
		t.Errorf("stored assistant message = %q", last.Content)
	}
}

func TestRun_NativeToolHandlingOrder(t *testing.T) {
	provider := &fakeProvider{
		native: true,
		turns: []scriptedTurn{{
			content: "9 times 8 is 72.",
			execs: []llm.ToolExecution{
				{Name: "calculator", Arguments: `{"expression": "9*8"}`, Result: "9*8 = 72", Success: true},
			},
		}},
	}
	o := newTestOrchestrator(t, provider, nil, Options{})

	res, err := o.Run(context.Background(), "What is 9*8?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ToolExecutions) != 1 {
		t.Fatalf("executions = %+v", res.ToolExecutions)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}

	// Tool results precede the assistant message in the transcript.
	hist := o.History()
	toolIdx, assistantIdx := -1, -1
	for i, m := range hist {
		switch m.Role {
		case llm.RoleTool:
			toolIdx = i
		case llm.RoleAssistant:
			assistantIdx = i
		}
	}
	if toolIdx == -1 || assistantIdx == -1 || toolIdx > assistantIdx {
		t.Errorf("tool message at %d, assistant at %d; want tool first", toolIdx, assistantIdx)
	}
}

func TestRun_RestrictedToolMissingFallsBackLocally(t *testing.T) {
	reg := tools.NewRegistry(nil, slog.Default()) // no calculator registered
	provider := &fakeProvider{}
	o := newTestOrchestrator(t, provider, reg, Options{})

	res, err := o.Run(context.Background(), "What is 9*8?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasSuffix(res.Text, "= 72") {
		t.Errorf("text = %q, want local arithmetic answer", res.Text)
	}
	if provider.invocations != 0 {
		t.Errorf("model invoked %d times, want 0", provider.invocations)
	}
}

func TestRun_PersistsConversation(t *testing.T) {
	store, err := convstore.NewStore(filepath.Join(t.TempDir(), "conv.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	provider := &fakeProvider{turns: []scriptedTurn{{content: "Hello!"}}}
	o := newTestOrchestrator(t, provider, nil, Options{Store: store, Conversation: "kitchen"})
	if _, err := o.Run(context.Background(), "Good morning, assistant, how are you today?"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	o2 := newTestOrchestrator(t, provider, nil, Options{Store: store, Conversation: "kitchen"})
	if err := o2.LoadConversation(); err != nil {
		t.Fatal(err)
	}
	var foundUser bool
	for _, m := range o2.History() {
		if m.Role == llm.RoleUser && strings.Contains(m.Content, "Good morning") {
			foundUser = true
		}
	}
	if !foundUser {
		t.Error("persisted conversation missing the user turn")
	}
}

func TestRun_LongConversationTrimmed(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{{content: "Noted."}}}
	reg := testRegistry(t)
	// Tight budget, threshold above 1 so no summarizer is needed.
	trimmer := history.New(400, 2.0, nil, nil, slog.Default())
	o := New(provider, reg, trimmer, testConfig(), Options{})
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	filler := strings.Repeat("errands and plans ", 10)
	for i := 0; i < 50; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		o.messages = append(o.messages, llm.NewMessage(role, fmt.Sprintf("%s #%d", filler, i)))
	}

	if _, err := o.Run(context.Background(), "Please make a note that the plumber comes Friday"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if trimmer.TrimmedTotal() == 0 {
		t.Error("expected messages to be trimmed")
	}
	if got := len(provider.msgsSeen[0]); got >= 51 {
		t.Errorf("model saw %d messages, want far fewer", got)
	}
}

func TestRun_Callbacks(t *testing.T) {
	var chunks, toolCalls, responses int
	provider := &fakeProvider{turns: []scriptedTurn{
		{calls: []llm.ToolCall{{Name: "calculator", Arguments: `{"expression": "9*8"}`}}},
		{content: "9 * 8 = 72"},
	}}
	o := newTestOrchestrator(t, provider, nil, Options{Callbacks: Callbacks{
		OnStreamChunk: func(string) { chunks++ },
		OnToolCall:    func(string, string) { toolCalls++ },
		OnResponse:    func(string) { responses++ },
	}})

	if _, err := o.Run(context.Background(), "What is 9*8?"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if chunks == 0 || toolCalls != 1 || responses != 1 {
		t.Errorf("chunks=%d toolCalls=%d responses=%d", chunks, toolCalls, responses)
	}
}

func TestReset(t *testing.T) {
	provider := &fakeProvider{turns: []scriptedTurn{{content: "Hello!"}}}
	trimmer := history.New(4000, 0.8, nil, nil, slog.Default())
	o := New(provider, testRegistry(t), trimmer, testConfig(), Options{})
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	for i := 0; i < 8; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		o.messages = append(o.messages, llm.NewMessage(role, fmt.Sprintf("the heirloom tomato seeds #%d", i)))
	}
	o.CompactHistory(context.Background())
	if trimmer.Summary() == "" || trimmer.TrimmedTotal() == 0 {
		t.Fatal("setup failed: compaction should leave a summary and a trimmed count")
	}

	o.Reset()
	if len(o.History()) != 0 {
		t.Error("history not cleared")
	}
	if provider.resets != 2 { // once from compaction, once from reset
		t.Errorf("resets = %d, want 2", provider.resets)
	}
	if got := trimmer.Summary(); got != "" {
		t.Errorf("summary = %q after reset, want empty", got)
	}
	if got := trimmer.TrimmedTotal(); got != 0 {
		t.Errorf("trimmed counter = %d after reset, want 0", got)
	}

	// A fresh conversation must not inherit the old one's recap.
	if _, err := o.Run(context.Background(), "Good morning, assistant, how are you today?"); err != nil {
		t.Fatal(err)
	}
	if sys := provider.msgsSeen[0][0]; sys.Role != llm.RoleSystem || strings.Contains(sys.Content, "heirloom") {
		t.Errorf("system prompt carries prior-conversation content: %q", sys.Content)
	}
}

func TestPrefetchToolData(t *testing.T) {
	reg := tools.NewRegistry(nil, slog.Default())
	reg.Register(tools.Calculator())
	reg.Register(&tools.Tool{
		Name:       "stuck",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	provider := &fakeProvider{turns: []scriptedTurn{{content: "Hello!"}}}
	o := newTestOrchestrator(t, provider, reg, Options{Prefetch: []PrefetchCall{
		{Label: "Quick sum", Tool: "calculator", Arguments: `{"expression": "2+2"}`},
		{Label: "Never", Tool: "stuck", Arguments: `{}`},
	}})

	got := o.prefetchToolData(context.Background())
	if !strings.Contains(got, "Quick sum") || !strings.Contains(got, "4") {
		t.Errorf("prefetch data = %q", got)
	}
	if strings.Contains(got, "Never") {
		t.Errorf("timed-out tool leaked into prompt data: %q", got)
	}
}
