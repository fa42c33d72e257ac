// Package safety screens memory content for leaked secrets and prompt
// injection before it becomes retrievable.
package safety

import (
	"regexp"
	"strings"
)

type Category string

const (
	CategorySecret    Category = "secret"
	CategoryInjection Category = "prompt_injection"
	CategoryMarker    Category = "injection_marker"
)

// Finding is one pattern match. Sample is truncated for logging.
type Finding struct {
	Category Category
	Reason   string
	Sample   string
	// Blocking findings make a record unsafe; the rest are advisory.
	Blocking bool
}

type pattern struct {
	re       *regexp.Regexp
	category Category
	reason   string
	blocking bool
}

var patterns = []pattern{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), CategorySecret, "API key", true},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), CategorySecret, "bearer token", true},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), CategorySecret, "AWS access key", true},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), CategorySecret, "Google API key", true},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), CategorySecret, "OpenAI API key", true},
	{regexp.MustCompile(`-----BEGIN\s+([A-Z]+\s+)?PRIVATE\s+KEY-----`), CategorySecret, "private key", true},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), CategorySecret, "password", true},

	{regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`), CategoryInjection, "ignore previous instructions", true},
	{regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`), CategoryInjection, "identity override", true},
	{regexp.MustCompile(`(?i)\b(override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`), CategoryInjection, "system prompt override", true},
	{regexp.MustCompile(`(?i)\b(forget\s+(everything|all|your)\s+(you|instructions?)?)`), CategoryInjection, "memory wipe", true},
	{regexp.MustCompile(`(?i)\b(reveal|print|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?)\b`), CategoryInjection, "system prompt extraction", true},

	{regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`), CategoryMarker, "[SYSTEM] tag", false},
	{regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`), CategoryMarker, "chat template tag", false},
}

// Scan returns every finding in text, at most three per pattern.
func Scan(text string) []Finding {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []Finding
	for _, p := range patterns {
		for _, match := range p.re.FindAllString(text, 3) {
			out = append(out, Finding{
				Category: p.category,
				Reason:   p.reason,
				Sample:   sample(match),
				Blocking: p.blocking,
			})
		}
	}
	return out
}

// UnsafeReason returns "<category>: <reason>" for the first blocking finding
// across parts, or "" when every part is clean.
func UnsafeReason(parts ...string) string {
	for _, part := range parts {
		for _, f := range Scan(part) {
			if f.Blocking {
				return string(f.Category) + ": " + f.Reason
			}
		}
	}
	return ""
}

func sample(match string) string {
	if len(match) <= 8 {
		return match
	}
	return match[:6] + "..."
}
