// Package summarizer condenses conversation history into short
// summaries so trimmed context is not simply lost. The primary path
// asks the model itself; an extractive fallback covers the case where
// the model is unavailable.
package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/concierge-agent/concierge/internal/llm"
)

// maxTranscriptBytes is the maximum transcript size sent to the model.
const maxTranscriptBytes = 8000

// defaultTimeout bounds a single summarization call.
const defaultTimeout = 60 * time.Second

// Summarizer condenses a slice of conversation messages into a short
// prose summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message) (string, error)
}

const summaryPrompt = `Summarize the conversation below in a short paragraph.
Keep every concrete fact, decision, preference, and unfinished task.
Drop greetings and filler. Reply with the summary only, no preamble.

%s`

// LLM summarizes by asking the model. It uses a dedicated short
// session so summarization never pollutes the live conversation.
type LLM struct {
	provider llm.Provider
	logger   *slog.Logger
	timeout  time.Duration
}

// NewLLM creates a model-backed summarizer.
func NewLLM(provider llm.Provider, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{
		provider: provider,
		logger:   logger.With("component", "summarizer"),
		timeout:  defaultTimeout,
	}
}

// Summarize sends a condensed transcript to the model and returns its
// summary. System messages are excluded from the transcript.
func (s *LLM) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	transcript := buildTranscript(messages)
	if transcript == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := []llm.Message{llm.NewMessage(llm.RoleUser, fmt.Sprintf(summaryPrompt, transcript))}

	var b strings.Builder
	err := s.provider.StreamComplete(ctx, req, nil, func(chunk llm.StreamChunk) {
		b.WriteString(chunk.Content)
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}

	summary := strings.TrimSpace(b.String())
	s.logger.Debug("conversation summarized",
		"messages", len(messages), "summary_len", len(summary))
	return summary, nil
}

// buildTranscript renders messages as "role: content" lines, skipping
// system messages and empty tool chatter, truncated at
// maxTranscriptBytes.
func buildTranscript(messages []llm.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role == llm.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		if b.Len() > maxTranscriptBytes {
			b.WriteString("... (truncated)\n")
			break
		}
	}
	return b.String()
}

// Extractive is the no-model fallback: it keeps the first sentence of
// each user message, oldest first, bounded to maxSentences. Crude, but
// it preserves what the user asked about.
func Extractive(messages []llm.Message, maxSentences int) string {
	if maxSentences <= 0 {
		maxSentences = 10
	}
	var lines []string
	for _, m := range messages {
		if m.Role != llm.RoleUser {
			continue
		}
		if s := firstSentence(m.Content); s != "" {
			lines = append(lines, s)
		}
		if len(lines) >= maxSentences {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "The user previously asked about: " + strings.Join(lines, " ")
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?\n"); i >= 0 {
		s = s[:i+1]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return strings.TrimRight(s, "\n")
}
