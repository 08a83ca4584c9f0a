// Package schema decodes raw agent output against closed schemas.
// Every payload is validated before unmarshaling: unknown fields reject
// the whole payload, missing required fields reject, and types are never
// coerced (a number where a string is required is a failure, not a cast).
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
)

// ValidationError marks agent output that violated its closed schema.
// It is never retried: resending the same malformed payload would not
// change the outcome.
type ValidationError struct {
	Role   domain.StepRole
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s output: %s", e.Role, e.Reason)
}

const directiveSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"critique":     {"type": "string"},
		"instructions": {"type": "string"},
		"priority":     {"type": "string"},
		"verdict":      {"type": "string", "enum": ["approved", "changes_requested", "failed"]}
	},
	"required": ["critique", "instructions", "priority", "verdict"],
	"additionalProperties": false
}`

const workOutputSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"plan": {"type": "string", "minLength": 1},
		"work": {"type": "string", "minLength": 1}
	},
	"required": ["plan", "work"],
	"additionalProperties": false
}`

var (
	directiveCompiled  = jsonschema.MustCompileString("directive.json", directiveSchema)
	workOutputCompiled = jsonschema.MustCompileString("work_output.json", workOutputSchema)
)

// Directive is the closed-schema object produced by the bootstrap and
// verifier roles.
type Directive struct {
	Critique     string         `json:"critique"`
	Instructions string         `json:"instructions"`
	Priority     string         `json:"priority"`
	Verdict      domain.Verdict `json:"verdict"`
}

// WorkOutput is the closed-schema object produced by the worker role
type WorkOutput struct {
	Plan string `json:"plan"`
	Work string `json:"work"`
}

// DecodeDirective parses bootstrap/verifier output. Instructions must be
// non-empty after trimming unless the verdict is terminal.
func DecodeDirective(role domain.StepRole, raw string) (*Directive, error) {
	value, err := validate(role, raw, directiveCompiled)
	if err != nil {
		return nil, err
	}

	var d Directive
	if err := strictUnmarshal(value, &d); err != nil {
		return nil, &ValidationError{Role: role, Reason: err.Error()}
	}

	if d.Verdict == domain.VerdictChangesRequested && strings.TrimSpace(d.Instructions) == "" {
		return nil, &ValidationError{Role: role, Reason: "instructions must not be empty"}
	}
	return &d, nil
}

// DecodeBootstrap parses bootstrap output; instructions are always
// required non-empty since they seed the first round.
func DecodeBootstrap(raw string) (*Directive, error) {
	d, err := DecodeDirective(domain.RoleBootstrap, raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(d.Instructions) == "" {
		return nil, &ValidationError{Role: domain.RoleBootstrap, Reason: "instructions must not be empty"}
	}
	return d, nil
}

// DecodeWorkOutput parses worker output
func DecodeWorkOutput(raw string) (*WorkOutput, error) {
	value, err := validate(domain.RoleWorker, raw, workOutputCompiled)
	if err != nil {
		return nil, err
	}

	var w WorkOutput
	if err := strictUnmarshal(value, &w); err != nil {
		return nil, &ValidationError{Role: domain.RoleWorker, Reason: err.Error()}
	}

	if strings.TrimSpace(w.Plan) == "" || strings.TrimSpace(w.Work) == "" {
		return nil, &ValidationError{Role: domain.RoleWorker, Reason: "plan and work must not be empty"}
	}
	return &w, nil
}

// validate extracts the JSON object from raw agent text and checks it
// against the compiled schema.
func validate(role domain.StepRole, raw string, compiled *jsonschema.Schema) ([]byte, error) {
	text := ExtractJSON(raw)
	if text == "" {
		return nil, &ValidationError{Role: role, Reason: "no JSON object found"}
	}

	var value interface{}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, &ValidationError{Role: role, Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}

	// jsonschema validates on the decoded value; json.Number satisfies
	// the numeric types without losing the string/number distinction.
	if err := compiled.Validate(plainValue(value)); err != nil {
		return nil, &ValidationError{Role: role, Reason: err.Error()}
	}
	return []byte(text), nil
}

// strictUnmarshal decodes into the target rejecting unknown fields.
// The schema already forbids them; this keeps the struct decode honest
// if the two ever drift.
func strictUnmarshal(data []byte, target interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

// plainValue rewrites json.Number values into float64 so the validator
// sees standard Go JSON types.
func plainValue(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = plainValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = plainValue(val)
		}
		return out
	default:
		return v
	}
}

// ExtractJSON returns the JSON object embedded in agent text. Agents
// frequently wrap their answer in a markdown code fence; everything
// outside the outermost braces is ignored.
func ExtractJSON(raw string) string {
	text := strings.TrimSpace(raw)

	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return text[start : end+1]
}
