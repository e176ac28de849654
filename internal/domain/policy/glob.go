package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// CompilePattern converts a tool glob into an anchored regular expression.
// "." is literal, "*" matches any run of characters and "?" exactly one.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	var b strings.Builder
	b.Grow(len(pattern) + 8)
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}
	return re, nil
}

// MatchPattern reports whether name matches the tool glob pattern.
// Invalid patterns never match.
func MatchPattern(pattern, name string) bool {
	re, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}
