package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// inputSpecSchemaDoc constrains a declared InputSpec.Type to the enum this
// engine's rule operators know how to evaluate: range_min/range_max need
// number/integer/date/datetime, eq accepts any of the six, non_membership
// needs a lhs whose declared type is a scalar a list can contain.
const inputSpecSchemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "properties": {
      "type": {
        "type": "string",
        "enum": ["string", "number", "integer", "boolean", "date", "datetime"]
      }
    },
    "required": ["type"],
    "additionalProperties": false
  }
}`

var (
	inputSpecSchema     *jsonschema.Schema
	inputSpecSchemaOnce sync.Once
	inputSpecSchemaErr  error
)

func compiledInputSpecSchema() (*jsonschema.Schema, error) {
	inputSpecSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		const resourceName = "inputs.json"
		if err := compiler.AddResource(resourceName, bytes.NewReader([]byte(inputSpecSchemaDoc))); err != nil {
			inputSpecSchemaErr = fmt.Errorf("policy: add inputs schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile(resourceName)
		if err != nil {
			inputSpecSchemaErr = fmt.Errorf("policy: compile inputs schema: %w", err)
			return
		}
		inputSpecSchema = schema
	})
	return inputSpecSchema, inputSpecSchemaErr
}

// validateInputSpecs checks src.Inputs against the declared-type enum
// schema, returning a single E1005 diagnostic that carries the whole
// jsonschema validation error when validation fails.
func validateInputSpecs(inputs map[string]InputSpec) ([]Diagnostic, error) {
	schema, err := compiledInputSpecSchema()
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("policy: marshal inputs for schema validation: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("policy: decode inputs for schema validation: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return []Diagnostic{{Code: "E1005", Level: "error", Message: fmt.Sprintf("inputs schema: %v", err)}}, nil
	}
	return nil, nil
}
