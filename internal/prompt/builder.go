// Package prompt assembles the system prompt under a hard token
// budget. Sections are added in priority order; when the budget runs
// out, later sections are truncated or dropped entirely rather than
// ever exceeding the budget.
package prompt

import (
	"log/slog"
	"strings"

	"github.com/concierge-agent/concierge/internal/tokens"
)

// Per-section token caps. A section never consumes more than its cap
// even when plenty of budget remains, so a huge fact store cannot
// starve the tool-data section behind it.
const (
	CapCoreInstructions = 600
	CapFocus            = 200
	CapSummary          = 400
	CapFacts            = 500
	CapToolData         = 400
	CapDisabledNotice   = 100
)

const ellipsis = "..."

// Builder accumulates prompt sections against a fixed token budget.
// Not safe for concurrent use; build one per request.
type Builder struct {
	budget int
	used   int
	parts  []string
	logger *slog.Logger
}

// NewBuilder creates a Builder with the given total token budget.
func NewBuilder(budget int, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{budget: budget, logger: logger}
}

// Add appends a section under its cap, truncating or omitting as the
// remaining budget dictates. Empty text is a no-op. Returns true if
// any part of the section was included.
func (b *Builder) Add(name, text string, limit int) bool {
	if text == "" {
		return false
	}
	remaining := b.budget - b.used
	if remaining <= 0 {
		b.logger.Debug("prompt section omitted, budget exhausted",
			"section", name, "used", b.used, "budget", b.budget)
		return false
	}

	effective := limit
	if remaining < effective {
		effective = remaining
	}

	cost := tokens.Estimate(text)
	if cost <= effective {
		b.parts = append(b.parts, text)
		b.used += cost
		return true
	}

	// Truncate to the character equivalent of the effective cap. The
	// full effective cap is charged: the estimate for the truncated
	// text can only be at or below it, so the budget invariant holds
	// without re-estimating.
	maxChars := effective*4 - len(ellipsis)
	if maxChars <= 0 {
		b.logger.Debug("prompt section omitted, no room to truncate",
			"section", name, "remaining", remaining)
		return false
	}
	if maxChars > len(text) {
		maxChars = len(text)
	}
	b.parts = append(b.parts, truncateAtRune(text, maxChars)+ellipsis)
	b.used += effective
	b.logger.Debug("prompt section truncated",
		"section", name, "cost", cost, "cap", effective)
	return true
}

// String joins the accumulated sections with blank lines.
func (b *Builder) String() string {
	return strings.Join(b.parts, "\n\n")
}

// Used returns the tokens charged so far.
func (b *Builder) Used() int { return b.used }

// Remaining returns the unspent budget, never negative.
func (b *Builder) Remaining() int {
	if r := b.budget - b.used; r > 0 {
		return r
	}
	return 0
}

// truncateAtRune cuts s to at most n bytes without splitting a
// multi-byte rune.
func truncateAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Sections carries the content for every system prompt section. Zero
// values mean "nothing to add" for that section.
type Sections struct {
	CoreInstructions string
	Focus            string
	Summary          string
	Facts            []string
	ToolData         string
	DisabledNotice   string
}

// Build assembles the system prompt from sections in priority order
// under the given budget. Core instructions come first so they are
// never the ones sacrificed.
func Build(s Sections, budget int, logger *slog.Logger) string {
	b := NewBuilder(budget, logger)
	b.Add("core", s.CoreInstructions, CapCoreInstructions)
	b.Add("focus", s.Focus, CapFocus)
	if s.Summary != "" {
		b.Add("summary", "Earlier in this conversation:\n"+s.Summary, CapSummary)
	}
	if len(s.Facts) > 0 {
		b.Add("facts", "Things you know about the user:\n- "+strings.Join(s.Facts, "\n- "), CapFacts)
	}
	if s.ToolData != "" {
		b.Add("tool_data", "Current data:\n"+s.ToolData, CapToolData)
	}
	b.Add("disabled", s.DisabledNotice, CapDisabledNotice)
	return b.String()
}
