package policy

import (
	"fmt"
	"strings"
)

// RiskLevel is the ordered risk taxonomy. The zero value means "unset" and
// only appears as a rule gate.
type RiskLevel int

const (
	RiskUnset RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return ""
	}
}

// ParseRiskLevel accepts the lower-case names; "" yields RiskUnset.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return RiskUnset, nil
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	default:
		return RiskUnset, fmt.Errorf("unknown risk level %q", s)
	}
}

func (r RiskLevel) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

var (
	// Irreversible on any resource.
	irreversibleTerms = []string{"wipe", "destroy", "terminate", "root-key", "root_key", "irreversible", "hard-delete", "hard_delete", "purge"}
	// Destructive verbs; critical on production, high elsewhere.
	destructiveTerms = []string{"delete", "drop", "truncate", "revoke", "remove"}
	highTerms        = []string{"deploy", "credential", "secret", "merge-main", "push-main", "merge_main", "push_main", "rotate"}
	mutatingTerms    = []string{"create", "update", "write", "put", "patch", "commit", "index", "insert", "upsert"}
	readTerms        = []string{"read", "get", "list", "query", "search", "status", "health", "trace", "describe", "view"}
	// Production markers match whole tokens so "product" is not production.
	productionTokens = map[string]bool{"prod": true, "production": true, "prd": true}
)

// Classify maps (action, resource) onto the risk taxonomy. It is a pure
// function; rules never change its result.
func Classify(action, resource string) RiskLevel {
	hay := strings.ToLower(action + " " + resource)
	prod := hasProductionToken(hay)

	switch {
	case containsAny(hay, irreversibleTerms):
		return RiskCritical
	case containsAny(hay, destructiveTerms) && prod:
		return RiskCritical
	case containsAny(hay, destructiveTerms), containsAny(hay, highTerms), prod:
		return RiskHigh
	case containsAny(hay, mutatingTerms):
		return RiskMedium
	case containsAny(hay, readTerms):
		return RiskLow
	default:
		return RiskMedium
	}
}

// ActionClass buckets an action for rate limiting.
func ActionClass(action string, risk RiskLevel) string {
	a := strings.ToLower(action)
	switch {
	case strings.Contains(a, "deploy"):
		return "deploy"
	case strings.Contains(a, "delete"), strings.Contains(a, "drop"):
		return "delete"
	}
	switch risk {
	case RiskLow:
		return "read"
	case RiskHigh:
		return "high_risk"
	case RiskCritical:
		return "critical"
	default:
		return "write"
	}
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func hasProductionToken(s string) bool {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, tok := range tokens {
		if productionTokens[tok] {
			return true
		}
	}
	return false
}
