package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema bounds the numeric knobs so a typo'd config (negative TTL,
// zero fan-out) is rejected at startup instead of misbehaving at runtime.
const configSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"log_level": {"type": "string", "enum": ["debug", "info", "warn", "warning", "error"]},
		"default_ttl_ms": {"type": "integer", "minimum": 1},
		"cleanup_interval_ms": {"type": "integer", "minimum": 1},
		"orphan_threshold_ms": {"type": "integer", "minimum": 1},
		"max_depth": {"type": "integer", "minimum": 1, "maximum": 64},
		"max_children": {"type": "integer", "minimum": 1, "maximum": 1024},
		"max_cache_size": {"type": "integer", "minimum": 1},
		"child_timeout_ms": {"type": "integer", "minimum": 1},
		"max_retries": {"type": "integer", "minimum": 1, "maximum": 100},
		"backup_schedule": {"type": "string"},
		"otel": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"exporter": {"type": "string", "enum": ["otlp-http", "stdout", "none", ""]},
				"endpoint": {"type": "string"},
				"service_name": {"type": "string"},
				"sample_rate": {"type": "number", "minimum": 0, "maximum": 1}
			}
		}
	}
}`

// Validate checks a loaded Config against the embedded JSON Schema.
func Validate(cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config for validation: %w", err)
	}
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("unmarshal config instance: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("unmarshal config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
