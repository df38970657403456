// Package history keeps conversation history inside a token budget.
// When usage crosses a threshold it requests a background summary;
// when the budget is exceeded it evicts low-priority messages oldest
// first. The system message and the most recent exchange are never
// touched.
package history

import (
	"context"
	"log/slog"
	"sync"

	"github.com/concierge-agent/concierge/internal/events"
	"github.com/concierge-agent/concierge/internal/llm"
	"github.com/concierge-agent/concierge/internal/summarizer"
	"github.com/concierge-agent/concierge/internal/tokens"
)

// SessionResetter lets aggressive trimming tell the model backend to
// drop cached session state after history has been rewritten.
type SessionResetter interface {
	ResetSession()
}

// Trimmer enforces the history token budget for one conversation.
// Trim is called from a single orchestrator goroutine; the mutex only
// covers the fields the background summarization goroutine shares.
type Trimmer struct {
	budget     int
	threshold  float64
	summarizer summarizer.Summarizer
	bus        *events.Bus
	logger     *slog.Logger

	mu          sync.Mutex
	summarizing bool
	discard     bool
	summary     string
	trimmed     int
}

// New creates a Trimmer. summ may be nil, which disables
// summarization and leaves only eviction. threshold is the usage
// ratio (cost/budget) at which a summary is requested.
func New(budget int, threshold float64, summ summarizer.Summarizer, bus *events.Bus, logger *slog.Logger) *Trimmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trimmer{
		budget:     budget,
		threshold:  threshold,
		summarizer: summ,
		bus:        bus,
		logger:     logger.With("component", "history"),
	}
}

// Summary returns the stored conversation summary, or "" when none
// has been produced yet.
func (t *Trimmer) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

// TrimmedTotal returns the cumulative number of evicted messages.
func (t *Trimmer) TrimmedTotal() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trimmed
}

// Reset clears the stored summary and the trimmed counter for a fresh
// conversation. A summarization already in flight may still complete;
// its result belongs to the old conversation and is discarded.
func (t *Trimmer) Reset() {
	t.mu.Lock()
	t.summary = ""
	t.trimmed = 0
	t.discard = t.summarizing
	t.mu.Unlock()
}

// Trim applies the history budget to msgs and returns the possibly
// shortened slice. Conversations of 2 messages or fewer pass through
// untouched. When usage crosses the summarization threshold a
// background summary of everything but the last 4 non-system messages
// is requested, guarded so at most one request is in flight.
func (t *Trimmer) Trim(ctx context.Context, msgs []llm.Message) []llm.Message {
	if len(msgs) <= 2 {
		return msgs
	}

	cost := historyCost(msgs)
	if t.budget > 0 && t.summarizer != nil {
		ratio := float64(cost) / float64(t.budget)
		if ratio >= t.threshold {
			t.maybeSummarize(ctx, msgs)
		}
	}

	removed := 0
	// The iteration cap guarantees termination even if a cost estimate
	// misbehaves.
	for iter := len(msgs); cost > t.budget && len(msgs) > 3 && iter > 0; iter-- {
		idx := evictionCandidate(msgs)
		if idx < 0 {
			break
		}
		cost -= messageCost(msgs[idx])
		t.logger.Debug("evicting message",
			"role", msgs[idx].Role, "index", idx, "cost_after", cost)
		msgs = append(msgs[:idx], msgs[idx+1:]...)
		removed++
	}

	if removed > 0 {
		t.mu.Lock()
		t.trimmed += removed
		total := t.trimmed
		t.mu.Unlock()
		t.logger.Info("history trimmed",
			"removed", removed, "total_trimmed", total, "remaining", len(msgs))
		t.bus.Publish(events.Event{
			Source: events.SourceHistory,
			Kind:   events.KindTrimmed,
			Data:   map[string]any{"removed": removed, "total_trimmed": total},
		})
	}
	return msgs
}

// TrimAggressive is the out-of-budget recovery path: it synchronously
// summarizes everything except the last 2 non-system messages,
// discards the rest, and resets the backend session. The returned
// slice holds the system message (if any) plus the last 2 non-system
// messages.
func (t *Trimmer) TrimAggressive(ctx context.Context, msgs []llm.Message, p SessionResetter) []llm.Message {
	if len(msgs) <= 2 {
		return msgs
	}

	protected := lastNonSystem(msgs, 2)
	var discard, keep []llm.Message
	for i, m := range msgs {
		if m.Role == llm.RoleSystem || protected[i] {
			keep = append(keep, m)
			continue
		}
		discard = append(discard, m)
	}

	if len(discard) > 0 {
		summary := t.summarizeNow(ctx, discard)
		t.mu.Lock()
		t.summary = summary
		t.trimmed += len(discard)
		t.mu.Unlock()
	}

	if p != nil {
		p.ResetSession()
	}
	t.logger.Warn("aggressive trim performed",
		"discarded", len(discard), "kept", len(keep))
	return keep
}

// Stats describes the current context usage of a conversation.
type Stats struct {
	Messages   int     `json:"messages"`
	Tokens     int     `json:"tokens"`
	Budget     int     `json:"budget"`
	UsageRatio float64 `json:"usage_ratio"`
	Trimmed    int     `json:"trimmed"`
	HasSummary bool    `json:"has_summary"`
}

// Stats reports usage for msgs against the trimmer's budget.
func (t *Trimmer) Stats(msgs []llm.Message) Stats {
	cost := historyCost(msgs)
	s := Stats{
		Messages: len(msgs),
		Tokens:   cost,
		Budget:   t.budget,
		Trimmed:  t.TrimmedTotal(),
	}
	if t.budget > 0 {
		s.UsageRatio = float64(cost) / float64(t.budget)
	}
	s.HasSummary = t.Summary() != ""
	return s
}

// maybeSummarize starts a background summarization unless a summary
// already exists or one is in flight.
func (t *Trimmer) maybeSummarize(ctx context.Context, msgs []llm.Message) {
	t.mu.Lock()
	if t.summary != "" || t.summarizing {
		t.mu.Unlock()
		return
	}
	t.summarizing = true
	t.mu.Unlock()

	// All but the last 4 non-system messages; the recent exchange
	// stays verbatim in history so it need not be summarized.
	protected := lastNonSystem(msgs, 4)
	var older []llm.Message
	for i, m := range msgs {
		if m.Role == llm.RoleSystem || protected[i] {
			continue
		}
		older = append(older, m)
	}
	if len(older) == 0 {
		t.mu.Lock()
		t.summarizing = false
		t.mu.Unlock()
		return
	}

	// The summary outlives the request that triggered it, so it must
	// not die with the request's context. The summarizer applies its
	// own timeout.
	bg := context.WithoutCancel(ctx)
	go func() {
		summary := t.summarizeNow(bg, older)
		t.mu.Lock()
		if t.discard {
			// Reset happened while we were summarizing; the result
			// describes a conversation that no longer exists.
			t.discard = false
			t.summarizing = false
			t.mu.Unlock()
			return
		}
		t.summary = summary
		t.summarizing = false
		t.mu.Unlock()
		if summary != "" {
			t.bus.Publish(events.Event{
				Source: events.SourceHistory,
				Kind:   events.KindSummarized,
				Data:   map[string]any{"summary_len": len(summary)},
			})
		}
	}()
}

// summarizeNow runs the summarizer synchronously, falling back to
// extractive summarization when the model path fails.
func (t *Trimmer) summarizeNow(ctx context.Context, msgs []llm.Message) string {
	if t.summarizer == nil {
		return summarizer.Extractive(msgs, 10)
	}
	s, err := t.summarizer.Summarize(ctx, msgs)
	if err != nil {
		t.logger.Warn("summarization failed, using extractive fallback", "error", err)
		return summarizer.Extractive(msgs, 10)
	}
	return s
}

// evictionCandidate returns the index of the lowest-priority evictable
// message, or -1 when nothing is eligible. Eviction prefers the
// oldest user message, then the oldest assistant message, then the
// oldest tool result. The system message and the last 2 non-system
// messages are never eligible.
func evictionCandidate(msgs []llm.Message) int {
	protected := lastNonSystem(msgs, 2)
	for _, role := range []string{llm.RoleUser, llm.RoleAssistant, llm.RoleTool} {
		for i, m := range msgs {
			if m.Role != role || protected[i] {
				continue
			}
			return i
		}
	}
	return -1
}

// lastNonSystem marks the indices of the last n non-system messages.
func lastNonSystem(msgs []llm.Message, n int) map[int]bool {
	protected := make(map[int]bool, n)
	for i := len(msgs) - 1; i >= 0 && n > 0; i-- {
		if msgs[i].Role == llm.RoleSystem {
			continue
		}
		protected[i] = true
		n--
	}
	return protected
}

// historyCost sums the token cost of all non-system messages.
func historyCost(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		total += messageCost(m)
	}
	return total
}

// messageCost estimates one message's token cost, including any tool
// call arguments it carries.
func messageCost(m llm.Message) int {
	cost := tokens.Estimate(m.Content)
	for _, tc := range m.ToolCalls {
		cost += tokens.Estimate(tc.Name) + tokens.Estimate(tc.Arguments)
	}
	return cost
}
