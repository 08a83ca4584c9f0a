package schema

import (
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/domain"
)

const reviewOutputSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"risk":    {"type": "string", "enum": ["low", "medium", "high"]},
		"findings": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"file_path":       {"type": "string", "minLength": 1},
					"diff_start_line": {"type": "integer"},
					"diff_end_line":   {"type": "integer"},
					"body":            {"type": "string", "minLength": 1},
					"suggested_patch": {"type": "string"}
				},
				"required": ["file_path", "diff_start_line", "diff_end_line", "body"],
				"additionalProperties": false
			}
		}
	},
	"required": ["summary", "risk", "findings"],
	"additionalProperties": false
}`

var reviewOutputCompiled = jsonschema.MustCompileString("review_output.json", reviewOutputSchema)

// ReviewOutput is the closed-schema object produced by the review agent.
type ReviewOutput struct {
	Summary  string           `json:"summary"`
	Risk     string           `json:"risk"`
	Findings []domain.Finding `json:"findings"`
}

// DecodeReviewOutput parses review agent output.
func DecodeReviewOutput(raw string) (*ReviewOutput, error) {
	value, err := validate(domain.RoleReview, raw, reviewOutputCompiled)
	if err != nil {
		return nil, err
	}

	var r ReviewOutput
	if err := strictUnmarshal(value, &r); err != nil {
		return nil, &ValidationError{Role: domain.RoleReview, Reason: err.Error()}
	}
	if r.Findings == nil {
		r.Findings = []domain.Finding{}
	}
	return &r, nil
}
