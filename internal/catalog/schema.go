package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// catalogSchema mirrors the Catalog document shape. Semantic rules that a
// schema cannot express (duplicate triggers, per-action required fields)
// live in Catalog.Validate.
const catalogSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["commands"],
  "properties": {
    "detection_mode": {"enum": ["isolation", "prefix"]},
    "prefix_word": {"type": "string", "minLength": 1},
    "default_language": {"type": "string", "pattern": "^[a-z]{2}(-[A-Za-z]{2})?$"},
    "commands": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "action", "triggers"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "action": {"enum": ["insert_text", "format_toggle", "format_block", "macro", "navigation"]},
          "insert": {"type": "string"},
          "format": {"type": "string"},
          "scope": {"enum": ["", "next_paragraph"]},
          "keys": {"type": "string"},
          "triggers": {"$ref": "#/$defs/phrase_map"},
          "end_triggers": {"$ref": "#/$defs/phrase_map"}
        }
      }
    }
  },
  "$defs": {
    "phrase_map": {
      "type": "object",
      "minProperties": 1,
      "patternProperties": {
        "^[a-z]{2}(-[A-Za-z]{2})?$": {
          "type": "array",
          "minItems": 1,
          "items": {"type": "string", "minLength": 1}
        }
      },
      "additionalProperties": false
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("catalog.schema.json", strings.NewReader(catalogSchema)); err != nil {
		panic(fmt.Sprintf("add catalog schema resource: %v", err))
	}
	schema, err := compiler.Compile("catalog.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile catalog schema: %v", err))
	}
	return schema
}

func validateAgainstSchema(raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return compiledSchema.Validate(payload)
}
