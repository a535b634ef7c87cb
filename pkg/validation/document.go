package validation

import (
	"encoding/json"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/services"
	"github.com/xeipuuv/gojsonschema"
)

// workflowSchema is the JSON schema a raw workflow document must satisfy
// before it is decoded.
var workflowSchema = map[string]any{
	"$schema":  "http://json-schema.org/draft-07/schema#",
	"type":     "object",
	"required": []any{"id", "name", "nodes"},
	"properties": map[string]any{
		"id":     map[string]any{"type": "string", "minLength": 1},
		"name":   map[string]any{"type": "string", "minLength": 1},
		"active": map[string]any{"type": "boolean"},
		"nodes": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"id", "name", "type"},
				"properties": map[string]any{
					"id":          map[string]any{"type": "string", "minLength": 1},
					"name":        map[string]any{"type": "string", "minLength": 1},
					"type":        map[string]any{"type": "string", "minLength": 1},
					"typeVersion": map[string]any{"type": "number"},
					"parameters":  map[string]any{"type": "object"},
					"credentials": map[string]any{
						"type": "object",
						"additionalProperties": map[string]any{
							"type":     "object",
							"required": []any{"id"},
							"properties": map[string]any{
								"id":   map[string]any{"type": "string"},
								"name": map[string]any{"type": "string"},
							},
						},
					},
					"disabled": map[string]any{"type": "boolean"},
				},
			},
		},
		"connections": map[string]any{"type": "object"},
		"settings":    map[string]any{"type": []any{"object", "null"}},
	},
}

// ValidateDocument checks a raw workflow JSON document against the workflow
// schema and decodes it.
func ValidateDocument(raw []byte) (*models.WorkflowDefinition, error) {
	const op = "validation.ValidateDocument"

	schemaLoader := gojsonschema.NewGoLoader(workflowSchema)
	dataLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return nil, ValidationFailed(op, CheckStructure, "workflow document is not valid JSON: %v", err)
	}

	if !result.Valid() {
		report := Report{Errors: []Issue{}, Warnings: []Issue{}}
		for _, desc := range result.Errors() {
			report.addError(CheckStructure, "", "%s", desc.String())
		}

		return nil, services.NewError(op, services.CodeValidationFailed, report.Summary(), nil).WithDetails(report)
	}

	var def models.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, ValidationFailed(op, CheckStructure, "workflow document cannot be decoded: %v", err)
	}

	return &def, nil
}
