package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const runtimeContextSchema = `{
  "type": "object",
  "required": ["sessionId", "threadId", "state", "messages", "entities", "execution"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "threadId": {"type": "string", "minLength": 1},
    "executionId": {"type": "string"},
    "state": {
      "type": "object",
      "required": ["phase"],
      "properties": {
        "phase": {"type": "string", "minLength": 1},
        "currentIteration": {"type": "integer", "minimum": 0},
        "totalIterations": {"type": "integer", "minimum": 0}
      }
    },
    "messages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"type": "string", "minLength": 1},
          "content": {"type": "string"}
        }
      }
    },
    "entities": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["id", "type"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "type": {"type": "string", "minLength": 1}
          }
        }
      }
    },
    "execution": {
      "type": "object",
      "required": ["completedSteps", "failedSteps", "stepsJournal"],
      "properties": {
        "completedSteps": {"type": "array", "items": {"type": "string"}},
        "failedSteps": {"type": "array", "items": {"type": "string"}},
        "skippedSteps": {"type": "array", "items": {"type": "string"}},
        "replanCount": {"type": "integer", "minimum": 0},
        "toolCallCount": {"type": "integer", "minimum": 0},
        "iterationCount": {"type": "integer", "minimum": 0},
        "stepsJournal": {"type": "array", "maxItems": 20},
        "lastToolsUsed": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func contextSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(runtimeContextSchema))
	})
	return schema, schemaErr
}

// ValidateRuntimeContext checks rc's structure. Failures wrap ErrInvalidRuntimeContext.
func ValidateRuntimeContext(rc *RuntimeContext) error {
	if rc == nil {
		return fmt.Errorf("%w: nil context", ErrInvalidRuntimeContext)
	}
	s, err := contextSchema()
	if err != nil {
		return fmt.Errorf("compile runtime context schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(rc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRuntimeContext, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidRuntimeContext, strings.Join(msgs, "; "))
	}
	return nil
}
