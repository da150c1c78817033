package symbols

import (
	"strings"
	"testing"
)

func TestValidatePattern(t *testing.T) {
	cases := []struct {
		pattern string
		ok      bool
	}{
		{"Widget.*", true},
		{"get_[a-z]+", true},
		{"(a+)+b", false},
		{"(a|aa)*", false},
		{"(x{2,})+", false},
		{strings.Repeat("a", 1001), false},
		{"((((a))))|b|c|d", false},
	}
	for _, tc := range cases {
		err := ValidatePattern(tc.pattern, 1000)
		if tc.ok && err != nil {
			t.Errorf("pattern %q: unexpected error %v", tc.pattern, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("pattern %q: expected rejection", tc.pattern)
		}
	}
}

func TestPatternComplexity(t *testing.T) {
	if got := PatternComplexity("abc"); got != 0 {
		t.Fatalf("expected 0 for a literal, got %d", got)
	}
	if got := PatternComplexity("(a+)+"); got < 50 {
		t.Fatalf("nested quantifier must be heavily penalised, got %d", got)
	}
}
