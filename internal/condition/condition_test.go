package condition_test

import (
	"net/http"
	"testing"

	"github.com/gatecrash/gatecrash/internal/condition"
	"github.com/gatecrash/gatecrash/internal/variables"
)

func TestParseRejectsMalformedExpressions(t *testing.T) {
	tests := []string{
		"status equals 200",
		"status ==",
		"header == json",
		"json == 1",
		"var == x",
		"body matches [unclosed",
		"nonsense",
	}
	for _, expr := range tests {
		if _, err := condition.Parse(expr); err == nil {
			t.Errorf("Parse(%q): expected error", expr)
		}
	}
}

func TestEvaluate(t *testing.T) {
	store := variables.NewStore()
	store.Set("session", "admin")

	out := condition.Outcome{
		StatusCode: 201,
		Header: http.Header{
			"Content-Type": []string{"application/json; charset=utf-8"},
			"X-Request-Id": []string{"abc123"},
		},
		Body: []byte(`{"balance": -3.5, "token": "redeemed-42", "user": {"role": "admin"}}`),
		Vars: store,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"always", true},
		{"status == 201", true},
		{"status != 201", false},
		{"status >= 200", true},
		{"status < 300", true},
		{"status == 200", false},
		{`body contains "redeemed-42"`, true},
		{"body contains refund", false},
		{"body matches redeemed-[0-9]+", true},
		{"header X-Request-Id exists", true},
		{"header X-Missing exists", false},
		{"header Content-Type contains json", true},
		{"json $.balance < 0", true},
		{"json $.balance >= 0", false},
		{"json $.token exists", true},
		{"json $.missing exists", false},
		{"json $.user.role == admin", true},
		{"json balance == -3.5", true},
		{"var session == admin", true},
		{"var session != admin", false},
		{"var missing exists", false},
	}
	for _, tt := range tests {
		cond, err := condition.Parse(tt.expr)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.expr, err)
		}
		if got := cond.Evaluate(out); got != tt.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

// Numeric operands compare numerically, not lexically.
func TestEvaluateNumericComparison(t *testing.T) {
	out := condition.Outcome{StatusCode: 99}
	cond := condition.MustParse("status < 100")
	if !cond.Evaluate(out) {
		t.Fatal("99 should be < 100 numerically")
	}
}

func TestEvaluateOrderedTextFailsClosed(t *testing.T) {
	store := variables.NewStore()
	store.Set("token", "abc")
	cond := condition.MustParse("var token > aaa")
	if cond.Evaluate(condition.Outcome{Vars: store}) {
		t.Fatal("ordered comparison on text must fail closed")
	}
}
