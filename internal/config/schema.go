package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema describes the current JSON config layout.
const configSchema = `{
  "type": "object",
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "filter": {
      "type": "object",
      "properties": {
        "chatter_threshold_ms": {"type": "integer", "minimum": 0, "maximum": 60000},
        "repeat_threshold_ms": {"type": "integer", "minimum": 0, "maximum": 60000},
        "updown_threshold_ms": {"type": "integer", "minimum": 0, "maximum": 60000},
        "ignore_repeat": {"type": "boolean"},
        "keyup_chatter": {"type": "boolean"},
        "allow_ime_ctrl_backspace": {"type": "boolean"},
        "layout": {"enum": ["auto", "windows", "evdev"]}
      },
      "additionalProperties": false
    },
    "hook": {
      "type": "object",
      "properties": {
        "backend": {"enum": ["auto", "windows", "evdev", "none"]},
        "devices": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "grab": {"type": "boolean"},
        "pass_injected": {"type": "boolean"},
        "virtual_device_name": {"type": "string", "maxLength": 79}
      },
      "additionalProperties": false
    },
    "logging": {"type": "object"},
    "journal": {"type": "object"},
    "status": {"type": "object"},
    "instance": {"type": "object"},
    "notify": {"type": "object"}
  },
  "additionalProperties": false
}`

// legacySchema describes the flat config.json of version 1.
const legacySchema = `{
  "type": "object",
  "properties": {
    "chatter_threshold": {"type": "integer", "minimum": 0},
    "repeat_threshold": {"type": "integer", "minimum": 0},
    "updown_threshold": {"type": "integer", "minimum": 0},
    "ignore_repeat": {"type": "boolean"},
    "keyup_chatter": {"type": "boolean"},
    "allow_ime_ctrl_backspace": {"type": "boolean"}
  },
  "required": [
    "chatter_threshold", "repeat_threshold", "updown_threshold",
    "ignore_repeat", "keyup_chatter", "allow_ime_ctrl_backspace"
  ]
}`

var (
	schemaOnce     sync.Once
	compiledConfig *jsonschema.Schema
	compiledLegacy *jsonschema.Schema
	schemaErr      error
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	resources := map[string]string{
		"config.schema.json": configSchema,
		"legacy.schema.json": legacySchema,
	}
	for url, src := range resources {
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			schemaErr = fmt.Errorf("add schema resource %s: %w", url, err)
			return
		}
	}
	if compiledConfig, schemaErr = compiler.Compile("config.schema.json"); schemaErr != nil {
		return
	}
	compiledLegacy, schemaErr = compiler.Compile("legacy.schema.json")
}

// decodeJSONDocument decodes data preserving number precision, as the
// schema validator expects.
func decodeJSONDocument(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// IsLegacyDocument reports whether doc uses the flat version 1 layout.
func IsLegacyDocument(doc map[string]interface{}) bool {
	if _, ok := doc["version"]; ok {
		return false
	}
	_, ok := doc["chatter_threshold"]
	return ok
}

// ValidateJSONSchema checks a JSON config document against the schema
// of its layout.
func ValidateJSONSchema(data []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}

	doc, err := decodeJSONDocument(data)
	if err != nil {
		return fmt.Errorf("decode JSON: %w", err)
	}

	schema := compiledConfig
	if IsLegacyDocument(doc) {
		schema = compiledLegacy
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
