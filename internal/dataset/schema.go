package dataset

// datasetSchema is the JSON Schema every dataset document must satisfy
// before any rule is considered. Metadata is strict; rules may carry extra
// fields, which are preserved but ignored.
const datasetSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["metadata", "rules"],
  "additionalProperties": false,
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["name", "version", "source", "last_updated", "total_rules", "dataset_build_id"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string", "minLength": 1},
        "source": {"type": "string"},
        "last_updated": {"type": "string"},
        "total_rules": {"type": "integer", "minimum": 0},
        "dataset_build_id": {"type": "string", "minLength": 1},
        "hmac_signature": {"type": "string"}
      }
    },
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "pattern", "severity", "state", "enabled", "positive_tests", "negative_tests"],
        "additionalProperties": true,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "description": {"type": "string"},
          "pattern": {"type": "string", "minLength": 1},
          "severity": {"enum": ["critical", "high", "medium", "low"]},
          "state": {"enum": ["draft", "testing", "canary", "active", "deprecated", "quarantined"]},
          "enabled": {"type": "boolean"},
          "impact_score": {"type": "number", "minimum": 0, "maximum": 1},
          "tags": {"type": "array", "items": {"type": "string"}},
          "positive_tests": {"type": "array", "items": {"type": "string"}},
          "negative_tests": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`
