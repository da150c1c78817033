package helpers

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

func HasWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[]{}")
}

// CompileGlobs compiles patterns with '/' as separator, naming the field on failure.
func CompileGlobs(field string, patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for i, pattern := range patterns {
		p := strings.TrimSpace(pattern)
		if p == "" {
			return nil, fmt.Errorf("%s[%d] must not be empty", field, i)
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("%s[%d] %q: %w", field, i, p, err)
		}
		out = append(out, g)
	}
	return out, nil
}
