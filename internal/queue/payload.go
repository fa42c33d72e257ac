package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/datafabric/internal/fabricerr"
)

// Known task kinds. Any other kind carries an Opaque payload.
const (
	KindToolCall      = "tool_call"
	KindPlanStep      = "plan_step"
	KindIndexArtifact = "index_artifact"
)

// Payload is the tagged union of task bodies. The tag is Kind.
type Payload interface {
	Kind() string
}

// ToolCall asks a worker to invoke a named tool.
type ToolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

func (ToolCall) Kind() string { return KindToolCall }

// PlanStep is one step of a multi-step plan.
type PlanStep struct {
	PlanID      string `json:"plan_id"`
	Step        int    `json:"step"`
	Description string `json:"description,omitempty"`
}

func (PlanStep) Kind() string { return KindPlanStep }

// IndexArtifact asks a worker to index a repository artifact into memory.
type IndexArtifact struct {
	Repo   string `json:"repo"`
	Path   string `json:"path"`
	Digest string `json:"digest,omitempty"`
}

func (IndexArtifact) Kind() string { return KindIndexArtifact }

// Opaque carries a payload whose shape the queue does not know.
type Opaque struct {
	Type  string
	Value any
}

func (o Opaque) Kind() string { return o.Type }

func (o Opaque) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(o.Value)
}

var payloadSchemas = map[string]string{
	KindToolCall: `{
		"type": "object",
		"required": ["tool"],
		"properties": {
			"tool": {"type": "string", "minLength": 1},
			"args": {"type": "object"}
		}
	}`,
	KindPlanStep: `{
		"type": "object",
		"required": ["plan_id", "step"],
		"properties": {
			"plan_id": {"type": "string", "minLength": 1},
			"step": {"type": "integer", "minimum": 0},
			"description": {"type": "string"}
		}
	}`,
	KindIndexArtifact: `{
		"type": "object",
		"required": ["repo", "path"],
		"properties": {
			"repo": {"type": "string", "minLength": 1},
			"path": {"type": "string", "minLength": 1},
			"digest": {"type": "string"}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(payloadSchemas))
		for kind, src := range payloadSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				compileErr = fmt.Errorf("unmarshal %s schema: %w", kind, err)
				return
			}
			url := kind + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("add %s schema: %w", kind, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			out[kind] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// EncodePayload validates p and returns its stored JSON form.
func EncodePayload(p Payload) (string, error) {
	if p == nil {
		return "", fabricerr.Invalid("payload is required")
	}
	if strings.TrimSpace(p.Kind()) == "" {
		return "", fabricerr.Invalid("payload kind is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fabricerr.Invalid("encode %s payload: %v", p.Kind(), err)
	}
	if err := validateRaw(p.Kind(), raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodePayload parses a stored payload back into its union member.
func DecodePayload(kind, raw string) (Payload, error) {
	if raw == "" {
		raw = "{}"
	}
	if err := validateRaw(kind, []byte(raw)); err != nil {
		return nil, err
	}
	switch kind {
	case KindToolCall:
		var p ToolCall
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fabricerr.Invalid("decode tool_call payload: %v", err)
		}
		return p, nil
	case KindPlanStep:
		var p PlanStep
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fabricerr.Invalid("decode plan_step payload: %v", err)
		}
		return p, nil
	case KindIndexArtifact:
		var p IndexArtifact
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fabricerr.Invalid("decode index_artifact payload: %v", err)
		}
		return p, nil
	default:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fabricerr.Invalid("decode %s payload: %v", kind, err)
		}
		return Opaque{Type: kind, Value: v}, nil
	}
}

func validateRaw(kind string, raw []byte) error {
	set, err := schemas()
	if err != nil {
		return err
	}
	schema, known := set[kind]
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fabricerr.Invalid("%s payload is not JSON: %v", kind, err)
	}
	if !known {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return fabricerr.Invalid("%s payload: %v", kind, err)
	}
	return nil
}
