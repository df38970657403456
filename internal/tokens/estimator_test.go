package tokens

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{name: "empty", in: "", want: 0},
		{name: "single ascii char", in: "a", want: 1},
		{name: "three ascii chars round up to one", in: "hey", want: 1},
		{name: "ascii divides by four", in: "turn on the kitchen light", want: 6},
		{name: "cjk costs one per byte", in: "天気はどうですか", want: 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.in); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEstimate_DenseScriptCostsMore(t *testing.T) {
	// Equal byte lengths: ASCII-heavy input must estimate cheaper than
	// CJK-heavy input.
	ascii := strings.Repeat("a", 120)
	cjk := strings.Repeat("語", 40) // 40 runes, 120 bytes

	if ea, ec := Estimate(ascii), Estimate(cjk); ea >= ec {
		t.Errorf("ascii estimate %d should be less than cjk estimate %d", ea, ec)
	}
}

func TestEstimate_NonNegative(t *testing.T) {
	inputs := []string{"", "x", "hello world", "日本", strings.Repeat("mixed 混合 ", 50)}
	for _, in := range inputs {
		if got := Estimate(in); got < 0 {
			t.Errorf("Estimate(%q) = %d, want non-negative", in, got)
		}
	}
}

func TestEstimateAll(t *testing.T) {
	texts := []string{"what time is it", "", "remind me at noon"}
	want := Estimate(texts[0]) + Estimate(texts[2])
	if got := EstimateAll(texts); got != want {
		t.Errorf("EstimateAll = %d, want %d", got, want)
	}
}
