package helpers

import (
	"strings"
	"sync"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

// StrictHTMLPolicy returns a singleton bluemonday policy that strips
// every HTML element and attribute, leaving plain text.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// SanitizeQuery cleans a user-supplied search query: HTML is stripped,
// control characters removed, inner whitespace collapsed and the result
// trimmed. Queries arrive from chat transcripts and ticket bodies, so
// markup and pasted escape sequences are common.
func SanitizeQuery(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = StrictHTMLPolicy().Sanitize(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
