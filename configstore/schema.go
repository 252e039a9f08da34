package configstore

// settingsSchema validates a processor configuration's settings block
// before it is persisted. Filter fields are optional; source type,
// destinations and queue class are constrained to known values.
const settingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["source_type", "output_destination", "queue_class"],
  "properties": {
    "source_type": {
      "type": "string",
      "enum": ["asstructure", "filepath", "json", "ado"]
    },
    "jsonkey_filter": {
      "type": "array",
      "items": {"type": "string", "pattern": "^as:[a-z]+$"}
    },
    "ado_type_filter": {
      "type": "string"
    },
    "mime_type_filter": {
      "type": "array",
      "items": {"type": "string", "minLength": 3}
    },
    "output_destination": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "string",
        "enum": ["subkey", "ownkey", "file", "plugin", "searchapi"]
      }
    },
    "queue_class": {
      "type": "string",
      "enum": ["realtime", "background"]
    },
    "timeout_seconds": {
      "type": "integer",
      "minimum": 0,
      "maximum": 86400
    },
    "extra": {
      "type": "object"
    }
  },
  "additionalProperties": false
}`
