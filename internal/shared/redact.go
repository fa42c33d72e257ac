package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing fragments in log lines, decision
// context values and memory summaries.
var secretPatterns = []*regexp.Regexp{
	// key=value style credentials
	regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|access[_-]?key|auth[_-]?token|password)\s*[:=]\s*)"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// AWS access key ids
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// PEM private key headers
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

var sensitiveKeys = []string{"api_key", "apikey", "secret", "token", "password", "credential", "private_key"}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSensitiveKey reports whether a field name looks like it carries a secret.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// RedactValue returns [REDACTED] when key looks secret, else the value with
// inline secrets scrubbed.
func RedactValue(key, value string) string {
	if IsSensitiveKey(key) {
		return redactedPlaceholder
	}
	return Redact(value)
}

// RedactAttributes returns a copy of attrs with secret-looking keys masked and
// string values scrubbed. Nested maps are walked.
func RedactAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if IsSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		switch tv := v.(type) {
		case string:
			out[k] = Redact(tv)
		case map[string]any:
			out[k] = RedactAttributes(tv)
		default:
			out[k] = v
		}
	}
	return out
}
