// Package audit records notable actions as immutable entries, masking PII
// before anything is persisted, and scans recent entries for suspicious
// activity patterns.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

// Strategy selects how a matched value is obscured.
type Strategy string

const (
	// StrategyPartial keeps the first and last two characters.
	StrategyPartial Strategy = "partial"
	// StrategyHash replaces the value with a SHA-256 prefix.
	StrategyHash Strategy = "hash"
	// StrategyRedact replaces the value with [REDACTED].
	StrategyRedact Strategy = "redact"
	// StrategyPreserveFormat turns digits into * keeping punctuation.
	StrategyPreserveFormat Strategy = "preserve_format"
)

const redacted = "[REDACTED]"

type pattern struct {
	name     string
	re       *regexp.Regexp
	strategy Strategy
}

var piiPatterns = []pattern{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), StrategyPartial},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), StrategyPreserveFormat},
	{"credit_card", regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`), StrategyPreserveFormat},
	{"phone", regexp.MustCompile(`\+?\d{1,3}[ \-.]?\(?\d{2,4}\)?[ \-.]?\d{3,4}[ \-.]?\d{3,4}\b`), StrategyPreserveFormat},
	{"ipv4", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), StrategyHash},
	{"api_key", regexp.MustCompile(`\b(?:sk|pk|api|key|tok)[_\-][A-Za-z0-9_\-]{8,}\b`), StrategyRedact},
	{"password_assignment", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*\S+`), StrategyRedact},
	{"webhook_secret", regexp.MustCompile(`(?i)(whsec|webhook[_\-]?secret)[_\-=:]\s*\S+`), StrategyRedact},
}

// sensitiveKeys are replaced wholesale regardless of what the value looks like.
var sensitiveKeys = []string{
	"password", "api_key", "secret", "token", "webhook_secret",
	"auth_token", "private_key", "ssn", "credit_card", "phone",
	"email", "personal_info",
}

// Masker applies the PII masking rules to strings and maps.
type Masker struct{}

func NewMasker() *Masker { return &Masker{} }

// MaskString runs every pattern over the input.
func (m *Masker) MaskString(s string) string {
	for _, p := range piiPatterns {
		s = p.re.ReplaceAllStringFunc(s, func(match string) string {
			return applyStrategy(match, p.strategy)
		})
	}
	return s
}

// MaskMap masks values and wholesale-redacts values under sensitive keys.
// The input map is not modified.
func (m *Masker) MaskMap(data map[string]string) map[string]string {
	if data == nil {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = m.MaskString(v)
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func applyStrategy(value string, s Strategy) string {
	switch s {
	case StrategyPartial:
		return partial(value)
	case StrategyHash:
		sum := sha256.Sum256([]byte(value))
		return "sha256:" + hex.EncodeToString(sum[:])[:12]
	case StrategyPreserveFormat:
		return preserveFormat(value)
	default:
		return redacted
	}
}

func partial(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
}

func preserveFormat(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if unicode.IsDigit(r) {
			b.WriteRune('*')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
