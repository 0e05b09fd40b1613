package rules

import (
	"regexp"
	"unicode/utf8"
)

// maxEvidence bounds the slice of input reported with a match.
const maxEvidence = 64

// Matcher reports whether input contains a signature and, if so, the
// matched slice of input truncated to maxEvidence bytes.
type Matcher interface {
	Match(input string) (bool, string)
}

type regexMatcher struct {
	re *regexp.Regexp
}

// CompileRegex builds a matcher for a regular expression signature.
func CompileRegex(pattern string) (Matcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &regexMatcher{re: re}, nil
}

func (m *regexMatcher) Match(input string) (bool, string) {
	loc := m.re.FindStringIndex(input)
	if loc == nil {
		return false, ""
	}
	return true, evidence(input, loc[0], loc[1])
}

func evidence(input string, start, end int) string {
	if end-start > maxEvidence {
		end = start + maxEvidence
		for end > start && !utf8.RuneStart(input[end]) {
			end--
		}
	}
	return input[start:end]
}
