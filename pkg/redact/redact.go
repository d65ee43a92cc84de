// Package redact masks personal data before it reaches logs and artifacts.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

// Order matters: tokens contain dots that the email rule would otherwise
// half-match.
var rules = []struct {
	re   *regexp.Regexp
	mask string
}{
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
}

func SetEnabled(v bool) { enabled.Store(v) }

func Enabled() bool { return enabled.Load() }

// Text masks tokens, email addresses and phone numbers in a transcript
// line. It is a no-op unless redaction is enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	for _, r := range rules {
		in = r.re.ReplaceAllString(in, r.mask)
	}
	return in
}

// Token masks a credential whether or not redaction is enabled. The last
// four characters survive for correlation.
func Token(tok string) string {
	tok = strings.TrimSpace(tok)
	if len(tok) <= 8 {
		return strings.Repeat("*", len(tok))
	}
	return "****" + tok[len(tok)-4:]
}
