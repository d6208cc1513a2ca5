package flowgraph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/devicehub/flowengine/pkg/types"
)

// definitionSchema validates raw flow definitions before they are
// decoded. Structural defects caught here become CompileErrors, so the
// rest of compilation can assume well-shaped input.
var definitionSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("flow.json", strings.NewReader(flowSchemaJSON)); err != nil {
		panic(fmt.Sprintf("add flow schema: %v", err))
	}
	schema, err := compiler.Compile("flow.json")
	if err != nil {
		panic(fmt.Sprintf("compile flow schema: %v", err))
	}
	return schema
}

// ParseDefinition decodes and schema-validates a JSON flow definition.
func ParseDefinition(data []byte) (*types.Flow, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, compileErr(ErrBadDefinition, "", "invalid JSON: %v", err)
	}
	if err := definitionSchema.Validate(raw); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return nil, compileErr(ErrBadDefinition, "", "%s: %s", verr.InstanceLocation, verr.Message)
		}
		return nil, compileErr(ErrBadDefinition, "", "%v", err)
	}

	var flow types.Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, compileErr(ErrBadDefinition, "", "decode flow: %v", err)
	}
	return &flow, nil
}

const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "flow.json",
  "title": "Flow Definition",
  "type": "object",
  "required": ["id", "version", "nodes"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1,
      "description": "Flow identifier"
    },
    "version": {
      "type": "string",
      "minLength": 1,
      "description": "Flow version; graphs are compiled once per (id, version)"
    },
    "name": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id": {
            "type": "string",
            "pattern": "^[a-zA-Z][a-zA-Z0-9_-]*$"
          },
          "kind": {
            "type": "string",
            "enum": ["function", "integration"]
          },
          "script": {"type": "string"},
          "integration_id": {"type": "string"},
          "bindings": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "source"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "source": {"type": "string", "enum": ["event", "node"]},
                "field": {"type": "string"},
                "node_id": {"type": "string"}
              }
            }
          },
          "retry": {
            "type": "object",
            "properties": {
              "max_attempts": {"type": "integer", "minimum": 1, "maximum": 10},
              "initial_backoff": {"type": "integer", "minimum": 0},
              "backoff_cap": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string"},
          "to": {"type": "string"}
        }
      }
    },
    "trigger": {
      "type": "object",
      "properties": {
        "device_ids": {"type": "array", "items": {"type": "string"}},
        "labels": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`
