// Package condition evaluates transition and success expressions against a
// completed request's outcome.
package condition

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/gatecrash/gatecrash/internal/variables"
)

// Condition represents a parsed expression that can pass or fail against an
// outcome.
type Condition struct {
	Subject  string // "status", "body", "header", "json", "var", "always"
	Selector string // header name, JSON path, or variable name
	Operator string // "==", "!=", "<", "<=", ">", ">=", "contains", "matches", "exists"
	Value    string // right-hand operand
	Raw      string // original expression for display
}

// Outcome is the response view a condition is evaluated against.
type Outcome struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Vars       variables.Store
}

// Supported expression forms:
//
//	status == 200
//	status != 429
//	body contains "out of stock"
//	body matches redeemed-[0-9]+
//	header X-Request-Id exists
//	header Content-Type contains json
//	json $.balance < 0
//	json $.token exists
//	var session == admin
//
// An empty string or the keyword "always" matches every outcome.
var exprPattern = regexp.MustCompile(`^(status|body|header|json|var)(?:\s+(\S+))?\s+(==|!=|<=|>=|<|>|contains|matches|exists)(?:\s+(.+))?$`)

// Parse parses an expression string into a Condition.
func Parse(s string) (Condition, error) {
	raw := s
	s = strings.TrimSpace(s)
	if s == "" || s == "always" || s == "true" {
		return Condition{Subject: "always", Raw: raw}, nil
	}

	matches := exprPattern.FindStringSubmatch(s)
	if matches == nil {
		return Condition{}, fmt.Errorf("invalid condition %q (expected forms like 'status == 200', 'body contains x', 'json $.path == value')", s)
	}

	cond := Condition{
		Subject:  matches[1],
		Selector: matches[2],
		Operator: matches[3],
		Value:    strings.Trim(strings.TrimSpace(matches[4]), `"`),
		Raw:      raw,
	}

	switch cond.Subject {
	case "status", "body":
		if cond.Selector != "" {
			// The selector slot actually holds nothing for these subjects;
			// the pattern can misfile the operator's operand there.
			return Condition{}, fmt.Errorf("condition %q: %s takes no selector", s, cond.Subject)
		}
	case "header", "json", "var":
		if cond.Selector == "" {
			return Condition{}, fmt.Errorf("condition %q: %s requires a selector", s, cond.Subject)
		}
	}

	if cond.Operator != "exists" && cond.Value == "" {
		return Condition{}, fmt.Errorf("condition %q: operator %q requires a value", s, cond.Operator)
	}

	if cond.Operator == "matches" {
		if _, err := regexp.Compile(cond.Value); err != nil {
			return Condition{}, fmt.Errorf("condition %q: invalid regex: %v", s, err)
		}
	}

	return cond, nil
}

// MustParse parses an expression and panics on error. Intended for tests and
// compile-time constant expressions.
func MustParse(s string) Condition {
	cond, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return cond
}

// Evaluate reports whether the condition holds for the outcome.
func (c Condition) Evaluate(out Outcome) bool {
	switch c.Subject {
	case "always", "":
		return true
	case "status":
		return compare(strconv.Itoa(out.StatusCode), c.Operator, c.Value)
	case "body":
		return compareText(string(out.Body), c.Operator, c.Value)
	case "header":
		val := ""
		if out.Header != nil {
			val = out.Header.Get(c.Selector)
		}
		if c.Operator == "exists" {
			return val != ""
		}
		return compareText(val, c.Operator, c.Value)
	case "json":
		path := c.Selector
		if strings.HasPrefix(path, "$.") {
			path = path[2:]
		}
		result := gjson.GetBytes(out.Body, path)
		if c.Operator == "exists" {
			return result.Exists()
		}
		if !result.Exists() {
			return false
		}
		return compare(result.String(), c.Operator, c.Value)
	case "var":
		val := ""
		if out.Vars != nil {
			val, _ = out.Vars.Get(c.Selector)
		}
		if c.Operator == "exists" {
			return val != ""
		}
		return compare(val, c.Operator, c.Value)
	default:
		return false
	}
}

// compare applies the operator, preferring numeric comparison when both
// operands parse as numbers.
func compare(actual, operator, expected string) bool {
	a, errA := strconv.ParseFloat(actual, 64)
	b, errB := strconv.ParseFloat(expected, 64)
	if errA == nil && errB == nil {
		switch operator {
		case "==":
			return a == b
		case "!=":
			return a != b
		case "<":
			return a < b
		case "<=":
			return a <= b
		case ">":
			return a > b
		case ">=":
			return a >= b
		}
	}
	return compareText(actual, operator, expected)
}

func compareText(actual, operator, expected string) bool {
	switch operator {
	case "==":
		return actual == expected
	case "!=":
		return actual != expected
	case "contains":
		return strings.Contains(actual, expected)
	case "matches":
		re, err := regexp.Compile(expected)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	case "<", "<=", ">", ">=":
		// Ordered comparison on non-numeric text is undefined; fail closed.
		return false
	default:
		return false
	}
}
