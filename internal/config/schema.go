package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchema constrains config.yaml before it is unmarshaled into Config.
// Unknown keys are rejected so a typo fails loudly instead of silently
// falling back to a default.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "db_path": {"type": "string"},
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "warning", "error"]},
    "sweep_interval_seconds": {"type": "integer", "minimum": 1},
    "prune_schedule": {"type": "string", "minLength": 1},
    "node_retention_days": {"type": "integer", "minimum": 0},
    "message_expires_after_seconds": {"type": "integer", "minimum": 1},
    "max_pull_limit": {"type": "integer", "minimum": 1},
    "otel": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string", "enum": ["otlp-http", "stdout", "none", ""]},
        "endpoint": {"type": "string"},
        "service_name": {"type": "string"},
        "sample_rate": {"type": "number", "minimum": 0, "maximum": 1},
        "metrics_enabled": {"type": "boolean"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compileSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add config schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("config.schema.json")
	})
	return compiledSchema, schemaErr
}

// ValidateSchema checks raw config.yaml bytes against the embedded schema.
func ValidateSchema(data []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config.yaml schema: %w", err)
	}
	return nil
}
