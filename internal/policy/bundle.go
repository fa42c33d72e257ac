package policy

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/basket/datafabric/internal/fabricerr"
)

// BuiltinVersion names the compiled-in fallback bundle.
const BuiltinVersion = "builtin-v1"

// RateLimit caps checks per actor and action class in a fixed window.
// ActionClass may be "*".
type RateLimit struct {
	ActionClass   string `json:"action_class" yaml:"action_class"`
	WindowSeconds int    `json:"window_seconds" yaml:"window_seconds"`
	MaxRequests   int    `json:"max_requests" yaml:"max_requests"`
}

// Bundle is an immutable, versioned rule set. Treat values as read-only once
// they are part of a Snapshot.
type Bundle struct {
	Version    string      `json:"version" yaml:"version"`
	Rules      []Rule      `json:"rules" yaml:"rules"`
	RateLimits []RateLimit `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"`
}

// Builtin is the conservative bundle used when nothing is active or the
// active bundle cannot be loaded. It has no broad allow rules, so the
// fail-closed defaults decide everything above low risk.
func Builtin() Bundle {
	return Bundle{
		Version: BuiltinVersion,
		Rules: []Rule{
			{
				ID: "builtin-deny-credential-export", ActionPattern: "export_credentials",
				ResourcePattern: Wildcard, ActorPattern: Wildcard, Verdict: VerdictDeny, Priority: 100,
				Reason: "credential operations require a dedicated secure channel",
			},
			{
				ID: "builtin-allow-health", ActionPattern: "health_check",
				ResourcePattern: Wildcard, ActorPattern: Wildcard, Verdict: VerdictAllow,
				Reason: "health checks are always permitted",
			},
		},
		RateLimits: []RateLimit{
			{ActionClass: "read", WindowSeconds: 60, MaxRequests: 240},
			{ActionClass: "write", WindowSeconds: 60, MaxRequests: 120},
			{ActionClass: "deploy", WindowSeconds: 60, MaxRequests: 30},
			{ActionClass: "delete", WindowSeconds: 60, MaxRequests: 20},
		},
	}
}

// DefaultLimit is the per-risk threshold used when a bundle has no entry for
// an action class.
func DefaultLimit(risk RiskLevel) RateLimit {
	switch risk {
	case RiskLow:
		return RateLimit{ActionClass: "read", WindowSeconds: 60, MaxRequests: 240}
	case RiskHigh:
		return RateLimit{ActionClass: "high_risk", WindowSeconds: 60, MaxRequests: 30}
	case RiskCritical:
		return RateLimit{ActionClass: "critical", WindowSeconds: 60, MaxRequests: 10}
	default:
		return RateLimit{ActionClass: "write", WindowSeconds: 60, MaxRequests: 120}
	}
}

// LimitFor returns the threshold for class: an exact entry, then a "*"
// entry, then the per-risk default.
func (b Bundle) LimitFor(class string, risk RiskLevel) RateLimit {
	class = normalize(class)
	var wildcard *RateLimit
	for i := range b.RateLimits {
		rl := &b.RateLimits[i]
		switch normalize(rl.ActionClass) {
		case class:
			out := *rl
			out.ActionClass = class
			return out
		case Wildcard:
			if wildcard == nil {
				wildcard = rl
			}
		}
	}
	if wildcard != nil {
		out := *wildcard
		out.ActionClass = class
		return out
	}
	out := DefaultLimit(risk)
	out.ActionClass = class
	return out
}

// Checksum is the hex BLAKE3 digest of the canonical JSON encoding.
func (b Bundle) Checksum() string {
	raw, _ := b.Encode()
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Encode returns the canonical JSON form stored in the key-value cache.
func (b Bundle) Encode() ([]byte, error) {
	if b.Rules == nil {
		b.Rules = []Rule{}
	}
	return json.Marshal(b)
}

// Validate checks rule and rate-limit semantics.
func (b Bundle) Validate() error {
	if strings.TrimSpace(b.Version) == "" {
		return fabricerr.Invalid("bundle version is required")
	}
	seen := make(map[string]bool, len(b.Rules))
	for _, r := range b.Rules {
		if err := r.validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fabricerr.Invalid("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	for _, rl := range b.RateLimits {
		if strings.TrimSpace(rl.ActionClass) == "" || rl.WindowSeconds <= 0 || rl.MaxRequests <= 0 {
			return fabricerr.Invalid("rate limit %q needs a class, a positive window and a positive max", rl.ActionClass)
		}
	}
	return nil
}

const bundleSchema = `{
	"type": "object",
	"required": ["rules"],
	"additionalProperties": false,
	"properties": {
		"version": {"type": "string"},
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "verdict"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"action": {"type": "string"},
					"resource": {"type": "string"},
					"actor": {"type": "string"},
					"risk_level": {"enum": ["", "low", "medium", "high", "critical"]},
					"verdict": {"enum": ["allow", "deny", "escalate"]},
					"priority": {"type": "integer"},
					"enabled": {"type": "boolean"},
					"reason": {"type": "string"}
				}
			}
		},
		"rate_limits": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["action_class", "window_seconds", "max_requests"],
				"additionalProperties": false,
				"properties": {
					"action_class": {"type": "string", "minLength": 1},
					"window_seconds": {"type": "integer", "minimum": 1},
					"max_requests": {"type": "integer", "minimum": 1}
				}
			}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func bundleValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(bundleSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal bundle schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("bundle.json", doc); err != nil {
			schemaErr = fmt.Errorf("add bundle schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("bundle.json")
	})
	return schema, schemaErr
}

// Parse decodes a YAML or JSON bundle, checks it against the bundle schema
// and fills defaults: empty patterns become "*". version overrides the
// document's own version when non-empty.
func Parse(data []byte, version string) (Bundle, error) {
	return parse(data, version, "")
}

// LoadFile parses a bundle file. A missing version is taken from the file
// name without its extension.
func LoadFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read bundle: %w", err)
	}
	base := filepath.Base(path)
	return parse(data, "", strings.TrimSuffix(base, filepath.Ext(base)))
}

func parse(data []byte, version, fallbackVersion string) (Bundle, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Bundle{}, fabricerr.Invalid("parse bundle: %v", err)
	}
	if doc == nil {
		return Bundle{}, fabricerr.Invalid("bundle is empty")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Bundle{}, fabricerr.Invalid("bundle is not representable as JSON: %v", err)
	}
	v, err := bundleValidator()
	if err != nil {
		return Bundle{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Bundle{}, fabricerr.Invalid("parse bundle: %v", err)
	}
	if err := v.Validate(inst); err != nil {
		return Bundle{}, fabricerr.Invalid("bundle schema: %v", err)
	}

	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return Bundle{}, fabricerr.Invalid("decode bundle: %v", err)
	}
	if version = strings.TrimSpace(version); version != "" {
		if b.Version != "" && b.Version != version {
			return Bundle{}, fabricerr.Invalid("bundle declares version %q but %q was requested", b.Version, version)
		}
		b.Version = version
	}
	if b.Version == "" {
		b.Version = fallbackVersion
	}
	for i := range b.Rules {
		r := &b.Rules[i]
		r.ActionPattern = defaultPattern(r.ActionPattern)
		r.ResourcePattern = defaultPattern(r.ResourcePattern)
		r.ActorPattern = defaultPattern(r.ActorPattern)
	}
	if err := b.Validate(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

func defaultPattern(p string) string {
	if strings.TrimSpace(p) == "" {
		return Wildcard
	}
	return strings.TrimSpace(p)
}
