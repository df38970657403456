// Package tokens provides heuristic token cost estimation for budget
// accounting. The estimates are a cheap character-based proxy for a
// model's context-window cost, not a tokenizer count. They only need to
// be consistent, since every budget in concierge is expressed in the
// same units.
package tokens

// Estimate returns the estimated token cost of a string.
//
// ASCII-majority text averages roughly four characters per token;
// dense scripts (CJK and similar) average closer to one token per
// character, so their cost is the full character count. Empty input
// costs 0; any non-empty ASCII input costs at least 1.
func Estimate(s string) int {
	if len(s) == 0 {
		return 0
	}

	ascii := 0
	for i := 0; i < len(s); i++ {
		if s[i] < 0x80 {
			ascii++
		}
	}

	if ascii*2 > len(s) {
		n := len(s) / 4
		if n < 1 {
			n = 1
		}
		return n
	}
	return len(s)
}

// EstimateAll sums the estimated cost of each string.
func EstimateAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}
