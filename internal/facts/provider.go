package facts

import (
	"fmt"
	"log/slog"
	"strings"
)

// Stopwords excluded from topic extraction. Matching "what" or "the"
// against the fact store would surface everything.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "what": true, "when": true, "where": true, "which": true,
	"have": true, "from": true, "about": true, "please": true, "could": true,
	"would": true, "should": true, "there": true, "their": true, "your": true,
	"you": true, "can": true, "tell": true, "know": true,
}

// ContextProvider selects facts for the system prompt.
type ContextProvider struct {
	store    *Store
	maxFacts int
	logger   *slog.Logger
}

// NewContextProvider creates a provider returning at most maxFacts
// facts per prompt build.
func NewContextProvider(store *Store, maxFacts int, logger *slog.Logger) *ContextProvider {
	if maxFacts <= 0 {
		maxFacts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextProvider{store: store, maxFacts: maxFacts, logger: logger}
}

// FactsForPrompt returns formatted fact lines for the system prompt.
// Facts relevant to the user message rank first; remaining slots are
// filled with the highest-confidence recently used facts. Errors are
// logged and swallowed: memory is a nice-to-have, never a run blocker.
func (p *ContextProvider) FactsForPrompt(userMessage string) []string {
	seen := make(map[string]bool)
	var lines []string

	relevant, err := p.store.GetRelevantForConversation(ExtractTopics(userMessage), p.maxFacts)
	if err != nil {
		p.logger.Warn("relevant fact lookup failed", "error", err)
	}
	for _, f := range relevant {
		key := string(f.Category) + "/" + f.Key
		if !seen[key] {
			seen[key] = true
			lines = append(lines, formatFact(f))
		}
	}

	if len(lines) < p.maxFacts {
		general, err := p.store.GetForPrompt(p.maxFacts)
		if err != nil {
			p.logger.Warn("fact lookup failed", "error", err)
		}
		for _, f := range general {
			if len(lines) >= p.maxFacts {
				break
			}
			key := string(f.Category) + "/" + f.Key
			if !seen[key] {
				seen[key] = true
				lines = append(lines, formatFact(f))
			}
		}
	}
	return lines
}

func formatFact(f *Fact) string {
	return fmt.Sprintf("%s: %s", f.Key, f.Value)
}

// ExtractTopics pulls candidate topic words from a user message:
// lowercased words of 4+ letters that are not stopwords.
func ExtractTopics(message string) []string {
	seen := make(map[string]bool)
	var topics []string
	for _, w := range strings.Fields(strings.ToLower(message)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) < 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		topics = append(topics, w)
	}
	return topics
}
