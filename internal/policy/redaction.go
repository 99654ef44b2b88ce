package policy

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Card before phone so card numbers are not classified as phone numbers.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactCredentials masks bearer tokens.
func RedactCredentials(input string) (redacted string, changed bool) {
	out := bearerPattern.ReplaceAllString(input, "Bearer [REDACTED]")
	return out, out != input
}

// Redact applies credential and PII masking.
func Redact(input string) string {
	out, _ := RedactCredentials(input)
	out, _ = RedactPII(out)
	return out
}

var secretQueryKeys = []string{"token", "access_token", "authorization", "key", "password"}

// RedactURL drops userinfo and masks secret-looking query parameters so a
// socket URL can be logged or persisted.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED_URL]"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	q := u.Query()
	changed := false
	for key := range q {
		for _, secret := range secretQueryKeys {
			if strings.EqualFold(key, secret) {
				q.Set(key, "redacted")
				changed = true
			}
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
