package event

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaJSON is the boundary schema for every envelope on the log. Each
// event type is a $def layering its required fields over the shared
// envelope def. The schema checks shape only; business rules (tier
// membership, referenced rows existing) belong to the workers.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$defs": {
    "envelope": {
      "type": "object",
      "required": ["_metadata", "type", "timestamp"],
      "properties": {
        "_metadata": {
          "type": "object",
          "required": ["eventId", "correlationId", "timestamp", "source", "version"],
          "properties": {
            "eventId": {"type": "string", "minLength": 1},
            "correlationId": {"type": "string", "minLength": 1},
            "timestamp": {"type": "number"},
            "source": {"type": "string"},
            "version": {"type": "string"}
          }
        },
        "type": {"type": "string", "minLength": 1},
        "timestamp": {"type": "number"},
        "userId": {"type": "string"},
        "role": {"enum": ["student", "trainer", "admin"]}
      }
    },
    "PURCHASE_CONFIRMED": {
      "allOf": [
        {"$ref": "#/$defs/envelope"},
        {
          "required": ["paymentId", "studentId", "courseId", "amountCents"],
          "properties": {
            "paymentId": {"type": "string", "minLength": 1},
            "studentId": {"type": "string", "minLength": 1},
            "courseId": {"type": "string", "minLength": 1},
            "amountCents": {"type": "integer", "minimum": 0},
            "metadata": {"type": "object"}
          }
        }
      ]
    },
    "PURCHASE_CREATED": {
      "allOf": [
        {"$ref": "#/$defs/envelope"},
        {
          "required": ["purchaseId", "studentId", "courseId", "purchaseTier"],
          "properties": {
            "purchaseId": {"type": "string", "minLength": 1},
            "studentId": {"type": "string", "minLength": 1},
            "courseId": {"type": "string", "minLength": 1},
            "purchaseTier": {"type": "integer", "minimum": 1},
            "metadata": {"type": "object"}
          }
        }
      ]
    },
    "TRAINER_ALLOCATED": {
      "allOf": [
        {"$ref": "#/$defs/envelope"},
        {
          "required": ["allocationId", "studentId", "courseId", "sessionCount"],
          "properties": {
            "allocationId": {"type": "string", "minLength": 1},
            "trainerId": {"type": ["string", "null"]},
            "studentId": {"type": "string", "minLength": 1},
            "courseId": {"type": "string", "minLength": 1},
            "sessionCount": {"type": "integer", "minimum": 0},
            "startDate": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
            "endDate": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
          }
        }
      ]
    },
    "SESSIONS_GENERATED": {
      "allOf": [
        {"$ref": "#/$defs/envelope"},
        {
          "required": ["allocationId", "trainerId", "studentId", "courseId", "sessionCount", "sessionIds"],
          "properties": {
            "allocationId": {"type": "string", "minLength": 1},
            "trainerId": {"type": "string"},
            "studentId": {"type": "string", "minLength": 1},
            "courseId": {"type": "string", "minLength": 1},
            "sessionCount": {"type": "integer", "minimum": 0},
            "sessionIds": {"type": "array", "items": {"type": "string"}},
            "startDate": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
          }
        }
      ]
    },
    "DEAD_LETTER": {
      "allOf": [
        {"$ref": "#/$defs/envelope"},
        {
          "required": ["originalTopic", "failureReason", "attempts"],
          "properties": {
            "originalEvent": {"type": ["string", "null"]},
            "originalType": {"type": "string"},
            "originalTopic": {"type": "string", "minLength": 1},
            "originalPartition": {"type": "integer"},
            "originalOffset": {"type": "integer"},
            "failureReason": {"type": "string", "minLength": 1},
            "failureTimestamp": {"type": "number"},
            "attempts": {"type": "integer", "minimum": 1},
            "correlationId": {"type": "string"},
            "eventId": {"type": "string"}
          }
        }
      ]
    }
  }
}`

var schemas = mustCompileSchemas()

func mustCompileSchemas() map[Type]*jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("event: unmarshal boundary schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("events.json", doc); err != nil {
		panic(fmt.Sprintf("event: add boundary schema: %v", err))
	}
	types := []Type{
		TypePurchaseConfirmed,
		TypePurchaseCreated,
		TypeTrainerAllocated,
		TypeSessionsGenerated,
		TypeDeadLetter,
	}
	out := make(map[Type]*jsonschema.Schema, len(types))
	for _, t := range types {
		s, err := c.Compile("events.json#/$defs/" + string(t))
		if err != nil {
			panic(fmt.Sprintf("event: compile %s schema: %v", t, err))
		}
		out[t] = s
	}
	return out
}

// Validate checks raw against the boundary schema for its declared type.
// A failure means the payload can never be handled and should go straight
// to the dead-letter topic rather than through retries.
func Validate(raw []byte) error {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("validate envelope: %w", err)
	}
	sch, ok := schemas[probe.Type]
	if !ok {
		return fmt.Errorf("validate envelope: unknown event type %q", probe.Type)
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return fmt.Errorf("validate envelope: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("validate %s: %w", probe.Type, err)
	}
	return nil
}
