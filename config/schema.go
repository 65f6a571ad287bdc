package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/iris/errors"
)

// fileSchema describes a configuration file layer. Every section is
// optional, but unknown keys are rejected so typos do not silently fall
// back to defaults. Durations are strings ("2s", "1d") or nanoseconds.
const fileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "duration": {"type": ["string", "integer"]}
  },
  "properties": {
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "addr": {"type": "string"},
        "shutdown_timeout": {"$ref": "#/definitions/duration"}
      }
    },
    "log": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string"},
        "format": {"type": "string", "enum": ["text", "json"]}
      }
    },
    "kernel": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "socket_path": {"type": "string"},
        "initial_delay": {"$ref": "#/definitions/duration"},
        "reconnect_delay": {"$ref": "#/definitions/duration"},
        "read_buffer_size": {"type": "integer", "minimum": 1},
        "output_buffer": {"type": "integer", "minimum": 1}
      }
    },
    "distributor": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "queue_size": {"type": "integer", "minimum": 1},
        "send_timeout": {"$ref": "#/definitions/duration"},
        "ping_interval": {"$ref": "#/definitions/duration"},
        "read_timeout": {"$ref": "#/definitions/duration"},
        "max_message_size": {"type": "integer", "minimum": 1}
      }
    },
    "nats": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "url": {"type": "string"},
        "subject_prefix": {"type": "string"},
        "format": {"type": "string", "enum": ["json", "cbor"]},
        "publish_timeout": {"$ref": "#/definitions/duration"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "token": {"type": "string"},
        "connect_timeout": {"$ref": "#/definitions/duration"},
        "max_reconnects": {"type": "integer", "minimum": -1},
        "reconnect_wait": {"$ref": "#/definitions/duration"},
        "ping_interval": {"$ref": "#/definitions/duration"},
        "drain_timeout": {"$ref": "#/definitions/duration"},
        "circuit_threshold": {"type": "integer", "minimum": 1},
        "circuit_max_open": {"$ref": "#/definitions/duration"}
      }
    },
    "engine": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "processor": {"type": "string"},
        "stats_interval": {"$ref": "#/definitions/duration"},
        "corruption_log_gap": {"$ref": "#/definitions/duration"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(fileSchema)

// ValidateDocument checks a decoded file layer against the configuration
// schema. Semantic checks such as positive durations are left to
// Config.Validate.
func ValidateDocument(doc map[string]any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.WrapInvalid(err, "config", "ValidateDocument", "run schema")
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
		"config", "ValidateDocument", "schema check")
}
