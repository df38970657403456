package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/concierge-agent/concierge/internal/llm"
)

// CreativeRedirect is the fixed reply for creative-writing requests.
// It is returned without invoking the model at all.
const CreativeRedirect = "I'm a practical assistant focused on things like your calendar, " +
	"reminders, weather, and quick calculations. Creative writing isn't " +
	"something I do well, but I'm happy to help with anything day-to-day."

// IsConversational reports whether text is small talk: a greeting,
// capability question, thanks, or a very short utterance that matches
// no tool family. Conversational turns get no tool definitions, which
// keeps small models from hallucinating tool calls on "hi".
func IsConversational(text string) bool {
	for _, re := range conversationalPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	if len(strings.Fields(text)) <= 3 && len(matchedFamilies(text)) == 0 {
		return true
	}
	return false
}

// IsCreativeWriting reports whether text requests open-ended creative
// generation (stories, poems, role-play). Callers must answer such
// requests with CreativeRedirect instead of invoking the model.
func IsCreativeWriting(text string) bool {
	for _, re := range creativePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// RestrictedToolName returns the name of the single tool the request
// should be restricted to, or "" when no restriction applies. A
// restriction applies only when exactly one intent family matches:
// ambiguous requests keep the full tool set.
func RestrictedToolName(text string) string {
	fams := matchedFamilies(text)
	if len(fams) != 1 {
		return ""
	}
	return fams[0].ToolName()
}

// DetectMismatch checks a model-issued tool call against the user's
// detected intent. It returns a short correction for the model when
// the call contradicts the request (e.g. scheduling a meeting to
// answer "what is 9*8"), or "" when the call is plausible.
func DetectMismatch(userText, toolName string) string {
	fams := matchedFamilies(userText)
	if len(fams) != 1 {
		// Ambiguous or unclassified requests can justify any tool.
		return ""
	}
	want := fams[0].ToolName()
	if toolName == want {
		return ""
	}
	// Only flag calls that belong to a *different* family; auxiliary
	// tools like web fetch or contact lookup can legitimately support
	// any request.
	for _, f := range []Family{FamilyMath, FamilyCalendar, FamilyWeather, FamilyReminders} {
		if toolName == f.ToolName() {
			return fmt.Sprintf("The user asked a %s question; the %s tool does not apply here. Use the %s tool instead.",
				fams[0], toolName, want)
		}
	}
	return ""
}

// CheckCoherence validates a final response against the request it
// answers. It returns a replacement response when the original is
// incoherent, or "" when the response should stand.
//
// Two checks run. For arithmetic requests, the response must come
// from the calculator and contain a numeral, without wandering into
// unrelated domains; on failure the answer is recomputed locally.
// For any request, a response claiming a completed action (created,
// scheduled, sent) while no tool actually executed is replaced with
// an honest failure message.
func CheckCoherence(userText, response string, executed []llm.ToolExecution) string {
	if matchesFamily(userText, FamilyMath) {
		if r := checkMathCoherence(userText, response, executed); r != "" {
			return r
		}
	}
	if claimsAction(response) && len(executed) == 0 {
		return "I wasn't able to complete that action. Could you try asking again?"
	}
	return ""
}

func checkMathCoherence(userText, response string, executed []llm.ToolExecution) string {
	lower := strings.ToLower(response)
	suspect := false
	for _, phrase := range mathIrrelevantPhrases {
		if strings.Contains(lower, phrase) {
			suspect = true
			break
		}
	}
	if !suspect {
		calcRan := false
		for _, ex := range executed {
			if ex.Name == FamilyMath.ToolName() && ex.Success {
				calcRan = true
				break
			}
		}
		suspect = !calcRan
	}
	if !suspect && !strings.ContainsFunc(response, unicode.IsDigit) {
		suspect = true
	}
	if !suspect {
		return ""
	}
	if answer, ok := AttemptMathFallback(userText); ok {
		return answer
	}
	return "I wasn't able to work that out. Could you rephrase the calculation?"
}

var actionClaimPattern = regexp.MustCompile(
	`(?i)\bI('ve| have)? (just )?(created|scheduled|added|set|saved|sent|deleted|removed|cancell?ed|updated)\b`)

// claimsAction reports whether the response asserts a completed
// side-effecting action.
func claimsAction(response string) bool {
	return actionClaimPattern.MatchString(response)
}

var (
	binaryOpPattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*([-+*/×÷])\s*(-?\d+(?:\.\d+)?)`)
	percentPattern  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%\s*of\s*(-?\d+(?:\.\d+)?)`)
)

// AttemptMathFallback extracts a single arithmetic expression from
// text and evaluates it locally. It handles one binary operation
// (+ - * / × ÷) or a "N% of M" form; anything more complex returns
// ok=false. Division by zero produces an "undefined" answer with
// ok=true since the question itself was understood.
func AttemptMathFallback(text string) (answer string, ok bool) {
	if m := percentPattern.FindStringSubmatch(text); m != nil {
		pct, err1 := strconv.ParseFloat(m[1], 64)
		base, err2 := strconv.ParseFloat(m[2], 64)
		if err1 != nil || err2 != nil {
			return "", false
		}
		return fmt.Sprintf("%s%% of %s = %s", formatNumber(pct), formatNumber(base), formatNumber(pct/100*base)), true
	}

	m := binaryOpPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	a, err1 := strconv.ParseFloat(m[1], 64)
	b, err2 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil {
		return "", false
	}

	op := m[2]
	var result float64
	switch op {
	case "+":
		result = a + b
	case "-":
		result = a - b
	case "*", "×":
		result = a * b
		op = "*"
	case "/", "÷":
		if b == 0 {
			return fmt.Sprintf("%s / 0 is undefined (division by zero)", formatNumber(a)), true
		}
		result = a / b
		op = "/"
	default:
		return "", false
	}
	return fmt.Sprintf("%s %s %s = %s", formatNumber(a), op, formatNumber(b), formatNumber(result)), true
}

// formatNumber renders a float without trailing zeros: 72.0 → "72",
// 16.5 → "16.5".
func formatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if len(s) > 12 {
		// Long fractions (e.g. 1/3) get rounded for readability.
		s = strconv.FormatFloat(f, 'f', 4, 64)
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
