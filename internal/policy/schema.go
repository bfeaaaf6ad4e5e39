package policy

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// schemaV1 is the JSON Schema for carepilot.policy.yaml configuration.
const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "carepilot.policy.yaml Configuration",
  "description": "CarePilot care policy configuration v1.0",
  "type": "object",
  "required": ["agent", "tools"],
  "additionalProperties": true,
  "properties": {
    "agent": {
      "type": "object",
      "required": ["name", "version"],
      "properties": {
        "name": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_-]+$"},
        "description": {"type": "string"},
        "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"}
      }
    },
    "tools": {
      "type": "object",
      "required": ["allowed"],
      "properties": {
        "allowed": {
          "type": "array",
          "minItems": 1,
          "items": {"type": "string", "pattern": "^[a-z0-9_]+$"}
        },
        "transactional": {
          "type": "array",
          "items": {"type": "string", "pattern": "^[a-z0-9_]+$"}
        }
      }
    },
    "consent": {
      "type": "object",
      "properties": {
        "default_ttl_seconds": {"type": "integer", "minimum": 30, "maximum": 3600}
      }
    },
    "emergency": {
      "type": "object",
      "properties": {
        "block_transactional": {"type": "boolean"},
        "extra_patterns": {"type": "array", "items": {"type": "string"}}
      }
    },
    "audit": {
      "type": "object",
      "properties": {
        "retention_days": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

// ValidateSchema validates YAML policy bytes against the v1.0 JSON schema.
// The YAML is first converted to JSON because gojsonschema operates on JSON.
// If strict is true, additional business-rule checks are applied.
func ValidateSchema(yamlBytes []byte, strict bool) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML for schema validation: %w", err)
	}

	// yaml.v3 unmarshals map keys as string, but we need to ensure
	// nested maps also use string keys for JSON marshalling.
	normalized := normalizeYAML(raw)

	jsonBytes, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(schemaV1)
	documentLoader := gojsonschema.NewBytesLoader(jsonBytes)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for _, verr := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", errMsg)
	}

	if strict {
		if err := strictValidation(jsonBytes); err != nil {
			return err
		}
	}

	return nil
}

// strictValidation applies additional business-rule checks beyond schema.
// Strict mode enforces a consent posture: every transactional tool must also
// be allowed, and an audit section must be present.
func strictValidation(jsonBytes []byte) error {
	var doc map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("parsing policy for strict validation: %w", err)
	}

	tools, ok := doc["tools"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("strict mode: tools section is invalid")
	}

	allowed := map[string]bool{}
	if list, ok := tools["allowed"].([]interface{}); ok {
		for _, t := range list {
			if s, ok := t.(string); ok {
				allowed[s] = true
			}
		}
	}
	if list, ok := tools["transactional"].([]interface{}); ok {
		for _, t := range list {
			s, ok := t.(string)
			if ok && !allowed[s] {
				return fmt.Errorf("strict mode: transactional tool %q is not in tools.allowed", s)
			}
		}
	}

	if _, ok := doc["audit"]; !ok {
		return fmt.Errorf("strict mode: 'audit' section is required for compliance")
	}

	return nil
}

// normalizeYAML recursively converts map[interface{}]interface{} to
// map[string]interface{} so that json.Marshal can handle it.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
