// Package intent classifies user requests into tool intent families
// and validates model behavior against them. All patterns are
// English-only by design; non-English input falls through to the
// model untouched.
package intent

import "regexp"

// Family identifies one cluster of request patterns that maps to a
// primary tool.
type Family string

// The four primary intent families. Conversational and creative
// requests are detected separately and never map to a tool.
const (
	FamilyMath      Family = "math"
	FamilyCalendar  Family = "calendar"
	FamilyWeather   Family = "weather"
	FamilyReminders Family = "reminders"
)

// toolForFamily maps each family to the tool that serves it. The
// names must match the registered tool names in the tools package.
var toolForFamily = map[Family]string{
	FamilyMath:      "calculator",
	FamilyCalendar:  "calendar",
	FamilyWeather:   "weather",
	FamilyReminders: "reminders",
}

// ToolName returns the tool that serves a family.
func (f Family) ToolName() string { return toolForFamily[f] }

var familyPatterns = map[Family][]*regexp.Regexp{
	FamilyMath: {
		regexp.MustCompile(`\d\s*[-+*/×÷]\s*\d`),
		regexp.MustCompile(`\d+(?:\.\d+)?\s*%\s*of\s*\d`),
		regexp.MustCompile(`(?i)\b(calculate|compute|arithmetic|square root)\b`),
		regexp.MustCompile(`(?i)\b(plus|minus|times|multiplied by|divided by)\b`),
		regexp.MustCompile(`(?i)\bsum of\b`),
	},
	FamilyCalendar: {
		regexp.MustCompile(`(?i)\b(calendar|meeting|appointment|agenda)\b`),
		regexp.MustCompile(`(?i)\b(schedule|reschedule)\b.*\b(meeting|call|event|appointment)\b`),
		regexp.MustCompile(`(?i)\bwhat('s| is) on\b.*\b(today|tomorrow|this week)\b`),
		regexp.MustCompile(`(?i)\bam i (free|busy)\b`),
	},
	FamilyWeather: {
		regexp.MustCompile(`(?i)\b(weather|forecast|temperature|humidity)\b`),
		regexp.MustCompile(`(?i)\b(rain|raining|snow|snowing|sunny|windy)\b`),
		regexp.MustCompile(`(?i)\b(umbrella|jacket)\b.*\b(need|bring|take)\b|\b(need|bring|take)\b.*\b(umbrella|jacket)\b`),
		regexp.MustCompile(`(?i)\bhow (hot|cold|warm)\b`),
	},
	FamilyReminders: {
		regexp.MustCompile(`(?i)\bremind(er)?s?\b`),
		regexp.MustCompile(`(?i)\bdon'?t let me forget\b`),
		regexp.MustCompile(`(?i)\b(to-?do|task) list\b`),
	},
}

// Conversational patterns: greetings, capability questions, thanks,
// farewells. These suppress tool advertisement for the turn.
var conversationalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(hi|hiya|hey|hello|howdy|yo)\b`),
	regexp.MustCompile(`(?i)^\s*good (morning|afternoon|evening|night)\b`),
	regexp.MustCompile(`(?i)\bhow are you\b`),
	regexp.MustCompile(`(?i)\bwhat can you (do|help( me)? with)\b`),
	regexp.MustCompile(`(?i)\bwho are you\b`),
	regexp.MustCompile(`(?i)^\s*(thanks|thank you|thx|cheers)\b`),
	regexp.MustCompile(`(?i)^\s*(bye|goodbye|good night|see you|later)\b`),
}

// Creative/open-ended generation patterns. These requests are
// intercepted before the model is ever invoked: some backends apply
// safety filtering to open-ended generation that can abort the whole
// session, so the bypass is a hard requirement, not a preference.
var creativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(write|tell|compose|make up|invent|create)\b.{0,40}\b(story|stories|poem|poetry|song|haiku|novel|fiction|tale|lyrics|essay|joke)\b`),
	regexp.MustCompile(`(?i)^\s*imagine (a|an|you|that)\b`),
	regexp.MustCompile(`(?i)\b(role-?play|pretend (to be|you are))\b`),
	regexp.MustCompile(`(?i)\bonce upon a time\b`),
}

// Phrases that have no business in an arithmetic answer. Seeing one in
// a math response means the model wandered into another domain.
var mathIrrelevantPhrases = []string{
	"schedule", "meeting", "appointment", "calendar",
	"weather", "forecast", "temperature",
	"contact", "phone number", "email address",
	"location", "address", "directions",
	"reminder", "remind you",
}

// matchesFamily reports whether text matches any pattern of the family.
func matchesFamily(text string, f Family) bool {
	for _, re := range familyPatterns[f] {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// matchedFamilies returns every family the text matches.
func matchedFamilies(text string) []Family {
	var out []Family
	for _, f := range []Family{FamilyMath, FamilyCalendar, FamilyWeather, FamilyReminders} {
		if matchesFamily(text, f) {
			out = append(out, f)
		}
	}
	return out
}
