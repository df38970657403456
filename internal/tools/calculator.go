package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Calculator returns the arithmetic tool. It evaluates infix
// expressions with + - * / and parentheses, plus the "N% of M" form
// people actually type.
func Calculator() *Tool {
	return &Tool{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression. Supports +, -, *, /, parentheses, and percentages like '20% of 85'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "The expression to evaluate (e.g., '9*8', '(2+3)*4', '20% of 85')",
				},
			},
			"required": []string{"expression"},
		},
		Suggestion: "give the expression using numbers and + - * / only",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			expr, _ := args["expression"].(string)
			if strings.TrimSpace(expr) == "" {
				return "", fmt.Errorf("expression is required")
			}
			result, err := Evaluate(expr)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s = %s", strings.TrimSpace(expr), FormatNumber(result)), nil
		},
	}
}

// Evaluate computes an arithmetic expression.
func Evaluate(expr string) (float64, error) {
	expr = strings.TrimSpace(strings.ToLower(expr))

	// "20% of 85" reads as 20/100 * 85.
	if i := strings.Index(expr, "% of "); i > 0 {
		pct, err1 := strconv.ParseFloat(strings.TrimSpace(expr[:i]), 64)
		base, err2 := strconv.ParseFloat(strings.TrimSpace(expr[i+len("% of "):]), 64)
		if err1 == nil && err2 == nil {
			return pct / 100 * base, nil
		}
	}

	p := &exprParser{input: normalizeOperators(expr)}
	result, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("unexpected %q in expression", p.input[p.pos:])
	}
	return result, nil
}

// FormatNumber renders a result without trailing zeros.
func FormatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if len(s) > 12 {
		s = strconv.FormatFloat(f, 'f', 4, 64)
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

func normalizeOperators(expr string) string {
	r := strings.NewReplacer("×", "*", "÷", "/", "−", "-")
	return r.Replace(expr)
}

// exprParser is a small recursive-descent parser:
// expr   = term { (+|-) term }
// term   = factor { (*|/) factor }
// factor = number | ( expr ) | - factor
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		switch p.input[p.pos] {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		switch p.input[p.pos] {
		case '*':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero is undefined")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}

	switch p.input[p.pos] {
	case '(':
		p.pos++
		val, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return val, nil
	case '-':
		p.pos++
		val, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -val, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected a number at %q", p.input[start:])
	}
	val, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return val, nil
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
