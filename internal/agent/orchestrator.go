// Package agent implements the orchestration loop: prompt assembly,
// intent routing, the reason/act/observe iteration cycle, and the
// guard rails that keep a small local model honest.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concierge-agent/concierge/internal/config"
	"github.com/concierge-agent/concierge/internal/convstore"
	"github.com/concierge-agent/concierge/internal/events"
	"github.com/concierge-agent/concierge/internal/facts"
	"github.com/concierge-agent/concierge/internal/history"
	"github.com/concierge-agent/concierge/internal/intent"
	"github.com/concierge-agent/concierge/internal/llm"
	"github.com/concierge-agent/concierge/internal/prompt"
	"github.com/concierge-agent/concierge/internal/retry"
	"github.com/concierge-agent/concierge/internal/tools"
)

// ErrNoProvider is returned by Run when no model backend is configured.
var ErrNoProvider = errors.New("no model provider configured")

// ErrMaxIterations is returned when a run exhausts its iteration
// budget without producing a final answer.
var ErrMaxIterations = errors.New("maximum iterations reached without a final answer")

// loopApology is the reply when the model repeats the same tool call
// three times in a row. The run ends normally; repeating the call a
// fourth time cannot produce new information.
const loopApology = "I seem to be going in circles trying to answer that. " +
	"Could you rephrase your request, or break it into smaller steps?"

const coreInstructions = `You are a concise personal assistant. You help with the user's calendar, reminders, weather, contacts, quick calculations, and looking things up.

Rules:
- Answer directly and briefly. No preamble, no restating the question.
- Use a tool when one applies; never invent tool results.
- If you cannot do something, say so plainly and suggest an alternative.
- Never claim to have completed an action you did not perform.`

// prefetchTimeout bounds each individual prefetch tool call. A slow
// tool is dropped from the prompt's data section rather than delaying
// the whole run.
const prefetchTimeout = 2500 * time.Millisecond

// PrefetchCall names a tool invocation whose result is injected into
// the system prompt's data section ahead of the model call.
type PrefetchCall struct {
	Label     string
	Tool      string
	Arguments string
}

// Result is the outcome of a completed run.
type Result struct {
	// Text is the final response shown to the user.
	Text string
	// Iterations is the number of model turns consumed.
	Iterations int
	// ToolExecutions lists every tool run during this request, in
	// execution order.
	ToolExecutions []llm.ToolExecution
	// WasAborted is true when the run ended due to cancellation rather
	// than reaching an answer.
	WasAborted bool
}

// Options carries the optional collaborators of an Orchestrator. All
// fields may be zero.
type Options struct {
	// Facts supplies user facts for the system prompt.
	Facts *facts.ContextProvider
	// Bus receives run lifecycle events.
	Bus *events.Bus
	// Store persists the conversation after each run.
	Store *convstore.Store
	// Conversation names the persisted conversation. Defaults to
	// "default".
	Conversation string
	// Prefetch lists tool calls whose results are gathered concurrently
	// at the start of each run and injected into the system prompt.
	Prefetch []PrefetchCall
	// Callbacks observe run progress.
	Callbacks Callbacks
	Logger    *slog.Logger
}

// Orchestrator drives one conversation against a model provider.
// Methods are not safe for concurrent use; serialize Run calls.
type Orchestrator struct {
	provider llm.Provider
	registry *tools.Registry
	trimmer  *history.Trimmer
	facts    *facts.ContextProvider
	bus      *events.Bus
	store    *convstore.Store
	logger   *slog.Logger
	cfg      config.AgentConfig

	callbacks    Callbacks
	conversation string
	messages     []llm.Message
	prefetch     []PrefetchCall

	// sigHistory holds the loop-detection signature of each tool-call
	// batch issued during the current run.
	sigHistory []string

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator. provider may be nil; Run then fails
// with ErrNoProvider. registry and trimmer are required.
func New(provider llm.Provider, registry *tools.Registry, trimmer *history.Trimmer,
	cfg config.AgentConfig, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conversation := opts.Conversation
	if conversation == "" {
		conversation = "default"
	}
	return &Orchestrator{
		provider:     provider,
		registry:     registry,
		trimmer:      trimmer,
		facts:        opts.Facts,
		bus:          opts.Bus,
		store:        opts.Store,
		logger:       logger.With("component", "agent"),
		cfg:          cfg,
		callbacks:    opts.Callbacks,
		conversation: conversation,
		prefetch:     opts.Prefetch,
		sleep:        sleepCtx,
	}
}

// LoadConversation restores persisted history for this conversation.
// Missing history is not an error.
func (o *Orchestrator) LoadConversation() error {
	if o.store == nil {
		return nil
	}
	msgs, err := o.store.Load(o.conversation)
	if err != nil {
		return fmt.Errorf("load conversation %q: %w", o.conversation, err)
	}
	o.messages = msgs
	return nil
}

// History returns a copy of the current conversation.
func (o *Orchestrator) History() []llm.Message {
	out := make([]llm.Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// Reset discards the conversation, the accumulated summary, and any
// provider session state.
func (o *Orchestrator) Reset() {
	o.messages = nil
	o.sigHistory = nil
	o.trimmer.Reset()
	if o.provider != nil {
		o.provider.ResetSession()
	}
	o.persist()
}

// CompactHistory synchronously shrinks the conversation to its last
// two turns, summarizing the rest. Used when the model's context
// window has overflowed and gradual trimming is not enough.
func (o *Orchestrator) CompactHistory(ctx context.Context) {
	o.messages = o.trimmer.TrimAggressive(ctx, o.messages, o.provider)
	o.persist()
}

// Run handles one user request to completion: routes the intent,
// assembles the prompt, and drives the model/tool loop until a final
// response, the iteration budget, or cancellation.
func (o *Orchestrator) Run(ctx context.Context, userText string) (*Result, error) {
	if o.provider == nil {
		return nil, ErrNoProvider
	}
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, errors.New("empty request")
	}

	runID := newRunID()
	started := time.Now()
	o.sigHistory = nil
	o.publish(events.KindRunStart, map[string]any{
		"run_id": runID, "message_len": len(userText),
	})
	o.logger.Info("run started", "run_id", runID, "conversation", o.conversation)

	// Creative-writing requests are answered with a fixed redirect; the
	// model is never invoked for them.
	if intent.IsCreativeWriting(userText) {
		o.appendMessage(llm.NewMessage(llm.RoleUser, userText))
		o.appendMessage(llm.NewMessage(llm.RoleAssistant, intent.CreativeRedirect))
		o.persist()
		o.callbacks.response(intent.CreativeRedirect)
		o.finish(runID, started, 0)
		return &Result{Text: intent.CreativeRedirect}, nil
	}

	restricted := intent.RestrictedToolName(userText)
	toolDefs, direct := o.resolveTools(userText, restricted)
	if direct != "" {
		// The restricted tool is unavailable but the answer could be
		// computed locally.
		o.appendMessage(llm.NewMessage(llm.RoleUser, userText))
		o.appendMessage(llm.NewMessage(llm.RoleAssistant, direct))
		o.persist()
		o.callbacks.response(direct)
		o.finish(runID, started, 0)
		return &Result{Text: direct}, nil
	}

	o.appendMessage(llm.NewMessage(llm.RoleUser, userText))
	o.setSystemPrompt(ctx, userText, restricted)
	o.messages = o.trimmer.Trim(ctx, o.messages)

	result, err := o.iterate(ctx, runID, userText, toolDefs)
	o.persist()
	if err != nil {
		o.callbacks.failure(err)
		o.publish(events.KindRunError, map[string]any{"run_id": runID, "error": err.Error()})
		o.logger.Error("run failed", "run_id", runID, "error", err)
		return result, err
	}
	o.callbacks.response(result.Text)
	o.finish(runID, started, result.Iterations)
	return result, nil
}

// iterate drives the reason/act/observe loop.
func (o *Orchestrator) iterate(ctx context.Context, runID, userText string, toolDefs []llm.ToolDefinition) (*Result, error) {
	var executions []llm.ToolExecution

	for iter := 1; iter <= o.cfg.MaxIterations; iter++ {
		o.callbacks.thinking()
		content, calls, nativeExecs, err := o.streamTurn(ctx, runID, toolDefs)
		if err != nil {
			if ctx.Err() != nil {
				return &Result{Iterations: iter, ToolExecutions: executions, WasAborted: true}, err
			}
			return nil, err
		}

		// A provider that runs tools inside its own session reports them
		// after the fact. Record the results ahead of the assistant
		// message so the transcript reads in execution order.
		if o.provider.HandlesToolsNatively() && len(nativeExecs) > 0 {
			for _, ex := range nativeExecs {
				o.callbacks.toolResult(ex.Name, ex.Result, nil)
				o.appendMessage(toolResultMessage("", ex.Name, ex.Result))
			}
			executions = append(executions, nativeExecs...)
			o.appendMessage(llm.NewMessage(llm.RoleAssistant, content))
			text := o.finalText(userText, content, executions)
			return &Result{Text: text, Iterations: iter, ToolExecutions: executions}, nil
		}

		assistant := llm.NewMessage(llm.RoleAssistant, content)
		assistant.ToolCalls = calls
		o.appendMessage(assistant)

		if len(calls) == 0 {
			text := o.finalText(userText, content, executions)
			return &Result{Text: text, Iterations: iter, ToolExecutions: executions}, nil
		}

		executions = append(executions, o.runToolCalls(ctx, runID, userText, calls)...)

		if o.loopDetected(calls) {
			o.logger.Warn("tool-call loop detected", "run_id", runID,
				"signature", o.sigHistory[len(o.sigHistory)-1])
			o.appendMessage(llm.NewMessage(llm.RoleAssistant, loopApology))
			return &Result{Text: loopApology, Iterations: iter, ToolExecutions: executions}, nil
		}
	}

	return nil, fmt.Errorf("%w (limit %d)", ErrMaxIterations, o.cfg.MaxIterations)
}

// streamTurn runs one model call with transient-failure retries.
// Cancellation is never retried.
func (o *Orchestrator) streamTurn(ctx context.Context, runID string, toolDefs []llm.ToolDefinition) (string, []llm.ToolCall, []llm.ToolExecution, error) {
	attempts := o.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retry.Delay(attempt-1, o.cfg.BaseRetryDelay)
			o.logger.Warn("model call failed, retrying",
				"run_id", runID, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := o.sleep(ctx, delay); err != nil {
				return "", nil, nil, err
			}
		}

		var (
			content strings.Builder
			calls   []llm.ToolCall
			execs   []llm.ToolExecution
		)
		err := o.provider.StreamComplete(ctx, o.messages, toolDefs, func(chunk llm.StreamChunk) {
			if chunk.Content != "" {
				content.WriteString(chunk.Content)
				o.callbacks.streamChunk(chunk.Content)
				o.publish(events.KindThinking, map[string]any{"run_id": runID, "token": chunk.Content})
			}
			if chunk.Done {
				calls = chunk.ToolCalls
				execs = chunk.ToolExecutions
			}
		})
		if err == nil {
			return strings.TrimSpace(content.String()), calls, execs, nil
		}
		if ctx.Err() != nil {
			return "", nil, nil, err
		}
		if !retry.IsRetryable(err) {
			return "", nil, nil, err
		}
		lastErr = err
	}
	return "", nil, nil, fmt.Errorf("model call failed after %d attempts: %w", attempts, lastErr)
}

// runToolCalls executes a batch of model-issued calls and appends a
// tool-result message for each. Calls that contradict the user's
// detected intent are answered with corrective feedback instead of
// being executed.
func (o *Orchestrator) runToolCalls(ctx context.Context, runID, userText string, calls []llm.ToolCall) []llm.ToolExecution {
	var executions []llm.ToolExecution
	for _, call := range calls {
		o.callbacks.toolCall(call.Name, call.Arguments)
		o.publish(events.KindToolCall, map[string]any{
			"run_id": runID, "tool": call.Name, "arguments": call.Arguments,
		})

		if correction := intent.DetectMismatch(userText, call.Name); correction != "" {
			o.logger.Info("tool call rejected as intent mismatch",
				"run_id", runID, "tool", call.Name)
			o.callbacks.toolResult(call.Name, correction, nil)
			o.appendMessage(toolResultMessage(call.ID, call.Name, correction))
			continue
		}

		result, err := o.registry.Execute(ctx, call.Name, call.Arguments)
		ok := err == nil
		if err != nil {
			// Failures go back to the model as structured feedback it can
			// act on, not as run-ending errors.
			result = toolFailurePayload(err)
			o.logger.Warn("tool execution failed",
				"run_id", runID, "tool", call.Name, "error", err)
		}
		o.callbacks.toolResult(call.Name, result, err)
		o.publish(events.KindToolResult, map[string]any{
			"run_id": runID, "tool": call.Name, "ok": ok,
		})
		o.appendMessage(toolResultMessage(call.ID, call.Name, result))
		executions = append(executions, llm.ToolExecution{
			Name:      call.Name,
			Arguments: call.Arguments,
			Result:    result,
			Success:   ok,
		})
	}
	return executions
}

// loopDetected records this batch's signature and reports whether the
// model has now issued the same batch three times in a row.
func (o *Orchestrator) loopDetected(calls []llm.ToolCall) bool {
	sigs := make([]string, len(calls))
	for i, c := range calls {
		sigs[i] = c.Signature()
	}
	o.sigHistory = append(o.sigHistory, strings.Join(sigs, ";"))

	n := len(o.sigHistory)
	if n < 3 {
		return false
	}
	return o.sigHistory[n-1] == o.sigHistory[n-2] && o.sigHistory[n-2] == o.sigHistory[n-3]
}

// resolveTools picks the tool definitions for this request. It returns
// a direct answer instead when the request is restricted to a tool
// that is unavailable but answerable locally.
func (o *Orchestrator) resolveTools(userText, restricted string) (defs []llm.ToolDefinition, direct string) {
	// Small talk gets no tools at all; small models hallucinate tool
	// calls when handed definitions for "hi".
	if intent.IsConversational(userText) {
		return nil, ""
	}

	if restricted != "" {
		if o.registry.Has(restricted) {
			for _, d := range o.registry.Definitions() {
				if d.Name == restricted {
					return []llm.ToolDefinition{d}, ""
				}
			}
		}
		if answer, ok := intent.AttemptMathFallback(userText); ok {
			return nil, answer
		}
		return nil, ""
	}

	return o.registry.DefinitionsLimited(o.provider.MaxTools()), ""
}

// finalText applies the coherence check to the model's final response.
func (o *Orchestrator) finalText(userText, response string, executions []llm.ToolExecution) string {
	if replacement := intent.CheckCoherence(userText, response, executions); replacement != "" {
		o.logger.Info("incoherent response replaced", "original_len", len(response))
		// Keep the transcript consistent with what the user saw.
		if n := len(o.messages); n > 0 && o.messages[n-1].Role == llm.RoleAssistant {
			o.messages[n-1].Content = replacement
		}
		return replacement
	}
	return response
}

// setSystemPrompt rebuilds the system message at index 0.
func (o *Orchestrator) setSystemPrompt(ctx context.Context, userText, restricted string) {
	sections := prompt.Sections{
		CoreInstructions: coreInstructions,
		Focus:            focusFor(restricted),
		Summary:          o.trimmer.Summary(),
		ToolData:         o.prefetchToolData(ctx),
		DisabledNotice:   o.registry.DisabledToolDescriptions(),
	}
	if o.facts != nil {
		sections.Facts = o.facts.FactsForPrompt(userText)
	}
	system := llm.NewMessage(llm.RoleSystem, prompt.Build(sections, o.cfg.PromptBudget, o.logger))

	if len(o.messages) > 0 && o.messages[0].Role == llm.RoleSystem {
		o.messages[0] = system
		return
	}
	o.messages = append([]llm.Message{system}, o.messages...)
}

// prefetchToolData runs the configured prefetch calls concurrently and
// joins their results. Calls that fail or exceed prefetchTimeout are
// omitted.
func (o *Orchestrator) prefetchToolData(ctx context.Context) string {
	if len(o.prefetch) == 0 {
		return ""
	}

	results := make([]string, len(o.prefetch))
	var wg sync.WaitGroup
	for i, pc := range o.prefetch {
		wg.Add(1)
		go func(i int, pc PrefetchCall) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, prefetchTimeout)
			defer cancel()
			out, err := o.registry.Execute(callCtx, pc.Tool, pc.Arguments)
			if err != nil {
				o.logger.Debug("prefetch skipped", "tool", pc.Tool, "error", err)
				return
			}
			results[i] = pc.Label + ":\n" + out
		}(i, pc)
	}
	wg.Wait()

	var kept []string
	for _, r := range results {
		if r != "" {
			kept = append(kept, r)
		}
	}
	return strings.Join(kept, "\n\n")
}

// focusFor returns a prompt hint for a restricted request.
func focusFor(restricted string) string {
	if restricted == "" {
		return ""
	}
	return fmt.Sprintf("The current request maps to the %s tool. Prefer it over other tools.", restricted)
}

// toolFailurePayload renders a tool failure as JSON feedback for the
// model, carrying the tool's recovery suggestion when it has one.
func toolFailurePayload(err error) string {
	payload := struct {
		Error      string `json:"error"`
		Suggestion string `json:"suggestion,omitempty"`
	}{Error: err.Error()}

	var unavailable *tools.ErrToolUnavailable
	var execErr *tools.ExecError
	switch {
	case errors.As(err, &unavailable):
		payload.Suggestion = "that tool does not exist here; use an available tool or answer directly"
	case errors.As(err, &execErr):
		payload.Suggestion = execErr.Suggestion
	}

	out, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(out)
}

func toolResultMessage(callID, toolName, content string) llm.Message {
	msg := llm.NewMessage(llm.RoleTool, content)
	msg.ToolCallID = callID
	msg.ToolName = toolName
	return msg
}

func (o *Orchestrator) appendMessage(msg llm.Message) {
	o.messages = append(o.messages, msg)
}

// persist saves the conversation; failures are logged, not fatal.
func (o *Orchestrator) persist() {
	if o.store == nil {
		return
	}
	if err := o.store.Save(o.conversation, o.messages); err != nil {
		o.logger.Error("conversation save failed",
			"conversation", o.conversation, "error", err)
	}
}

func (o *Orchestrator) publish(kind string, data map[string]any) {
	o.bus.Publish(events.Event{Source: events.SourceAgent, Kind: kind, Data: data})
}

func (o *Orchestrator) finish(runID string, started time.Time, iterations int) {
	elapsed := time.Since(started)
	o.publish(events.KindRunComplete, map[string]any{
		"run_id": runID, "iterations": iterations, "elapsed_ms": elapsed.Milliseconds(),
	})
	o.logger.Info("run complete", "run_id", runID,
		"iterations", iterations, "elapsed", elapsed)
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return id.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
