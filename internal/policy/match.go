package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basket/datafabric/internal/fabricerr"
)

// Verdict is the outcome of a check.
type Verdict string

const (
	VerdictAllow    Verdict = "allow"
	VerdictDeny     Verdict = "deny"
	VerdictEscalate Verdict = "escalate"
)

func (v Verdict) valid() bool {
	return v == VerdictAllow || v == VerdictDeny || v == VerdictEscalate
}

// Wildcard matches any value in a rule field.
const Wildcard = "*"

// Rule maps an (action, resource, actor) pattern to a verdict. Each pattern
// is either an exact value (case-insensitive) or "*". RiskLevel is a minimum
// risk gate; unset means any risk.
type Rule struct {
	ID              string    `json:"id" yaml:"id"`
	ActionPattern   string    `json:"action" yaml:"action"`
	ResourcePattern string    `json:"resource" yaml:"resource"`
	ActorPattern    string    `json:"actor" yaml:"actor"`
	RiskLevel       RiskLevel `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	Verdict         Verdict   `json:"verdict" yaml:"verdict"`
	Priority        int       `json:"priority" yaml:"priority"`
	Enabled         *bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Reason          string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// IsEnabled reports whether the rule participates in matching. Rules are
// enabled unless explicitly disabled.
func (r Rule) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// Wildcards counts the "*" fields; fewer is more specific.
func (r Rule) Wildcards() int {
	n := 0
	for _, p := range []string{r.ActionPattern, r.ResourcePattern, r.ActorPattern} {
		if normalize(p) == Wildcard {
			n++
		}
	}
	return n
}

func (r Rule) matches(action, resource, actor string, risk RiskLevel) bool {
	if !r.IsEnabled() {
		return false
	}
	if r.RiskLevel != RiskUnset && risk < r.RiskLevel {
		return false
	}
	return fieldMatch(r.ActionPattern, action) &&
		fieldMatch(r.ResourcePattern, resource) &&
		fieldMatch(r.ActorPattern, actor)
}

func (r Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fabricerr.Invalid("rule id is required")
	}
	if !r.Verdict.valid() {
		return fabricerr.Invalid("rule %q: unknown verdict %q", r.ID, r.Verdict)
	}
	for _, p := range []string{r.ActionPattern, r.ResourcePattern, r.ActorPattern} {
		if err := validatePattern(p); err != nil {
			return fabricerr.Invalid("rule %q: %v", r.ID, err)
		}
	}
	return nil
}

// Select returns the winning rule for the input, or nil. Among enabled
// matches whose risk gate passes: highest priority, then fewest wildcards,
// then lowest id.
func Select(rules []Rule, action, resource, actor string, risk RiskLevel) *Rule {
	action, resource, actor = normalize(action), normalize(resource), normalize(actor)
	var best *Rule
	for i := range rules {
		r := &rules[i]
		if !r.matches(action, resource, actor, risk) {
			continue
		}
		if best == nil || outranks(r, best) {
			best = r
		}
	}
	return best
}

func outranks(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if wa, wb := a.Wildcards(), b.Wildcards(); wa != wb {
		return wa < wb
	}
	return a.ID < b.ID
}

func fieldMatch(pattern, value string) bool {
	p := normalize(pattern)
	return p == Wildcard || p == value
}

// validatePattern rejects partial globs; a field is exact or "*".
func validatePattern(p string) error {
	p = normalize(p)
	if p == "" {
		return errors.New("empty pattern")
	}
	if p != Wildcard && strings.Contains(p, Wildcard) {
		return fmt.Errorf("pattern %q: only a bare \"*\" wildcard is supported", p)
	}
	return nil
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
