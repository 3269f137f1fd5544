// Copyright 2025 James Ross
package controlapi

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// admissionSchema is the gojsonschema document POST /tasks bodies are
// validated against before lifecycle.Submit ever sees them: type must be a
// non-empty string, priority (if present) must fall in job's [1,10] range,
// and data must be present. lifecycle.Submit still re-validates priority and
// queue-type membership itself; this is a cheap reject of malformed bodies
// before a store round-trip.
const admissionSchemaJSON = `{
	"type": "object",
	"required": ["type", "data"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"priority": {"type": "integer", "minimum": 1, "maximum": 10},
		"data": {}
	}
}`

var admissionSchema = gojsonschema.NewStringLoader(admissionSchemaJSON)

// validateAdmission checks raw against admissionSchema, returning a combined
// error message naming every violation.
func validateAdmission(raw []byte) error {
	result, err := gojsonschema.Validate(admissionSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("controlapi: schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msg := ""
	for i, e := range result.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += e.String()
	}
	return fmt.Errorf("%s", msg)
}
