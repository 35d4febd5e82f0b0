package log

import (
	"regexp"
	"slices"
	"strings"
	"sync"
)

// MaskValue is the string used to replace sensitive values.
const MaskValue = "***REDACTED***"

// maskedKeys are attribute keys whose values are always masked.
var maskedKeys = map[string]struct{}{
	// Direct (unproxied) identity. Exit identities are logged as-is.
	"baseline":       {},
	"real_ip":        {},
	"direct_ip":      {},
	"direct_address": {},
	"local_ip":       {},
	"client_ip":      {},

	// Headers a fetch might carry.
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
	"api_key":             {},

	"password":    {},
	"secret":      {},
	"token":       {},
	"session":     {},
	"credentials": {},
}

// maskedKeyParts mask any key containing them. "key" alone is not listed:
// it would hit "resource_key" on every download log line.
var maskedKeyParts = []string{
	"baseline", "real_ip", "direct_ip",
	"password", "passwd", "secret", "token", "auth", "credential", "private",
}

// maskedValuePatterns mask string values regardless of their key.
var maskedValuePatterns = []*regexp.Regexp{
	// user:pass@ in a proxy or resource URL
	regexp.MustCompile(`^[a-z0-9+.-]+://[^/@\s]+:[^/@\s]+@`),
	regexp.MustCompile(`(?i)^(bearer|basic)\s+\S+`),
	regexp.MustCompile(`^eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*$`),
	regexp.MustCompile(`(?i)-----BEGIN.*(PRIVATE|SECRET).*KEY-----`),
}

// isMaskedKey reports whether values under key must never be printed.
func isMaskedKey(key string) bool {
	key = strings.ToLower(key)
	if _, ok := maskedKeys[key]; ok {
		return true
	}
	for _, part := range maskedKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

// isMaskedValue reports whether v looks like a credential.
func isMaskedValue(v string) bool {
	for _, p := range maskedValuePatterns {
		if p.MatchString(v) {
			return true
		}
	}
	return false
}

// Redactor is a set of literal strings, typically the direct IP address,
// that are replaced by MaskValue wherever they appear in a log message or
// a string attribute, including inside error texts. It is safe for
// concurrent use and may be filled after the logger has been created.
type Redactor struct {
	mu     sync.RWMutex
	values []string
}

// NewRedactor returns an empty Redactor.
func NewRedactor() *Redactor {
	return &Redactor{}
}

// Add registers values to mask. Empty strings are ignored.
func (r *Redactor) Add(values ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		if v != "" && !slices.Contains(r.values, v) {
			r.values = append(r.values, v)
		}
	}
}

// Len returns the number of registered values.
func (r *Redactor) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.values)
}

// Redact masks every registered value in s and reports whether anything
// was replaced.
func (r *Redactor) Redact(s string) (string, bool) {
	if r == nil {
		return s, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	changed := false
	for _, v := range r.values {
		if strings.Contains(s, v) {
			s = strings.ReplaceAll(s, v, MaskValue)
			changed = true
		}
	}
	return s, changed
}
