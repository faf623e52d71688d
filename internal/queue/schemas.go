package queue

import (
	"github.com/xeipuuv/gojsonschema"

	apperrors "enrichment-workers/internal/common/errors"
	"enrichment-workers/internal/models"
)

// Payload schemas, one per job type. Validation happens at enqueue time so a
// malformed job is rejected before it ever hits the table.
var payloadSchemas = map[models.JobType]string{
	models.JobTypeEnrichLead: `{
		"type": "object",
		"required": ["providerId", "input"],
		"properties": {
			"leadId":      {"type": "string"},
			"providerId":  {"type": "string", "minLength": 1},
			"input":       {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`,
	models.JobTypeEnrichBatch: `{
		"type": "object",
		"required": ["requests"],
		"properties": {
			"requests": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["providerId", "input"],
					"properties": {
						"leadId":     {"type": "string"},
						"providerId": {"type": "string", "minLength": 1},
						"input":      {"type": "object", "additionalProperties": {"type": "string"}}
					}
				}
			},
			"stopOnError": {"type": "boolean"}
		}
	}`,
	models.JobTypeValidateEmail: `{
		"type": "object",
		"required": ["email"],
		"properties": {
			"email":      {"type": "string", "format": "email"},
			"providerId": {"type": "string"}
		}
	}`,
	models.JobTypeUpdateCompany: `{
		"type": "object",
		"required": ["domain"],
		"properties": {
			"domain":     {"type": "string", "minLength": 1},
			"leadId":     {"type": "string"},
			"providerId": {"type": "string"}
		}
	}`,
	models.JobTypeDiscoverSocial: `{
		"type": "object",
		"required": ["leadId", "input"],
		"properties": {
			"leadId":     {"type": "string", "minLength": 1},
			"providerId": {"type": "string"},
			"input":      {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`,
}

var compiledSchemas = map[models.JobType]*gojsonschema.Schema{}

func init() {
	for jobType, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic("queue: invalid payload schema for " + string(jobType) + ": " + err.Error())
		}
		compiledSchemas[jobType] = schema
	}
}

// ValidatePayload checks a payload document against its job type's schema.
func ValidatePayload(jobType models.JobType, payload []byte) error {
	schema, ok := compiledSchemas[jobType]
	if !ok {
		return apperrors.NewValidationFailedError("unknown job type: " + string(jobType))
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return apperrors.NewValidationFailedError(err.Error())
	}
	if !result.Valid() {
		detail := ""
		for _, desc := range result.Errors() {
			if detail != "" {
				detail += "; "
			}
			detail += desc.String()
		}
		return apperrors.NewValidationFailedError(detail)
	}
	return nil
}
