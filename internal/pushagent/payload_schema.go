package pushagent

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// pushPayloadSchema describes the backend's push payload contract. Every
// field is optional; validation is advisory and a violation never blocks
// notification display.
const pushPayloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"body": {"type": "string"},
		"message": {"type": "string"},
		"icon": {"type": "string"},
		"badge": {"type": "string"},
		"image": {"type": "string"},
		"data": {"type": "object"},
		"tag": {"type": "string"},
		"requireInteraction": {"type": "boolean"},
		"actions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"action": {"type": "string"},
					"title": {"type": "string"},
					"icon": {"type": "string"}
				}
			}
		},
		"message_id": {"type": "string"},
		"track_dismiss": {"type": "boolean"}
	}
}`

var pushSchema = struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}{}

func compiledPushSchema() (*jsonschema.Schema, error) {
	pushSchema.once.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushPayloadSchema))
		if err != nil {
			pushSchema.err = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("push-payload.json", doc); err != nil {
			pushSchema.err = err
			return
		}
		pushSchema.schema, pushSchema.err = compiler.Compile("push-payload.json")
	})
	return pushSchema.schema, pushSchema.err
}

// ValidatePushPayload checks a JSON payload against the push contract.
// Callers treat a non-nil result as advisory only.
func ValidatePushPayload(payload []byte) error {
	schema, err := compiledPushSchema()
	if err != nil {
		return fmt.Errorf("compile push payload schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode push payload: %w", err)
	}
	return schema.Validate(instance)
}
