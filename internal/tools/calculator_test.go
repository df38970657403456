package tools

import (
	"context"
	"strings"
	"testing"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"9*8", 72},
		{"9 * 8", 72},
		{"2+3*4", 14},
		{"(2+3)*4", 20},
		{"100/4", 25},
		{"10-4.5", 5.5},
		{"-3 + 5", 2},
		{"7 × 6", 42},
		{"84 ÷ 2", 42},
		{"20% of 85", 17},
		{"2*(3+(4-1))", 12},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr)
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	for _, expr := range []string{"", "9/0", "2+", "(2+3", "hello", "2 2"} {
		t.Run(expr, func(t *testing.T) {
			if _, err := Evaluate(expr); err == nil {
				t.Errorf("Evaluate(%q) should fail", expr)
			}
		})
	}
}

func TestEvaluate_DivisionByZeroMessage(t *testing.T) {
	_, err := Evaluate("9/0")
	if err == nil || !strings.Contains(err.Error(), "undefined") {
		t.Errorf("err = %v, want an undefined message", err)
	}
}

func TestCalculatorTool(t *testing.T) {
	tool := Calculator()

	got, err := tool.Handler(context.Background(), map[string]any{"expression": "9*8"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.HasSuffix(got, "= 72") {
		t.Errorf("result = %q, want suffix '= 72'", got)
	}

	if _, err := tool.Handler(context.Background(), map[string]any{}); err == nil {
		t.Error("missing expression should fail")
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{72, "72"},
		{5.5, "5.5"},
		{1.0 / 3.0, "0.3333"},
	}
	for _, tt := range tests {
		if got := FormatNumber(tt.in); got != tt.want {
			t.Errorf("FormatNumber(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
