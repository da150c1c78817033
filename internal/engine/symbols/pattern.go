package symbols

import (
	"fmt"
	"regexp"
	"strings"

	domainerrors "symindex/internal/core/errors"
)

const maxPatternComplexity = 10

var (
	nestedQuantifier      = regexp.MustCompile(`\([^()]*[+*]\)[+*]`)
	quantifiedAlternation = regexp.MustCompile(`\([^()]*\|[^()]*\)[+*]`)
	quantifiedRepetition  = regexp.MustCompile(`\([^()]*[+*{][^()]*\)[+*{]`)
)

// ValidatePattern rejects patterns whose shape is prone to catastrophic backtracking.
// It is a static pre-check; the match budget in QueryByName applies regardless.
func ValidatePattern(pattern string, maxLength int) error {
	if maxLength > 0 && len(pattern) > maxLength {
		return unsafePattern(pattern, fmt.Sprintf("pattern too long (%d > %d)", len(pattern), maxLength))
	}
	switch {
	case nestedQuantifier.MatchString(pattern):
		return unsafePattern(pattern, "nested quantifiers")
	case quantifiedAlternation.MatchString(pattern):
		return unsafePattern(pattern, "alternation under a quantifier")
	case quantifiedRepetition.MatchString(pattern):
		return unsafePattern(pattern, "quantified group containing quantifiers")
	}
	if score := PatternComplexity(pattern); score > maxPatternComplexity {
		return unsafePattern(pattern, fmt.Sprintf("pattern too complex (score %d > %d)", score, maxPatternComplexity))
	}
	return nil
}

// PatternComplexity scores nesting depth, quantifiers and alternations.
func PatternComplexity(pattern string) int {
	depth, maxDepth := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')':
			depth--
		}
	}

	score := maxDepth * 2
	score += strings.Count(pattern, "+") + strings.Count(pattern, "*") + strings.Count(pattern, "{")
	score += strings.Count(pattern, "|")
	if nestedQuantifier.MatchString(pattern) {
		score += 50
	}
	if quantifiedAlternation.MatchString(pattern) {
		score += 30
	}
	return score
}

func unsafePattern(pattern, reason string) error {
	return domainerrors.AddContext(domainerrors.New(domainerrors.CodeValidationError, "unsafe pattern: "+reason),
		domainerrors.CtxPattern, pattern)
}
