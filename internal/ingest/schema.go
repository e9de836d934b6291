package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://relayreport.local/schemas/"

// Ids end up in dotted item paths, so they may not contain '.'.
const idSchema = `{"type": "string", "minLength": 1, "maxLength": 256, "pattern": "^[^.]+$"}`

const terminalStatusSchema = `{"enum": ["PASSED", "FAILED", "STOPPED", "SKIPPED", "INTERRUPTED", "CANCELLED"]}`

const envelopeSchema = `{
	"type": "object",
	"required": ["kind", "correlationId", "projectId", "payload"],
	"properties": {
		"kind": {"enum": ["start_launch", "finish_launch", "start_item", "finish_item", "append_log"]},
		"correlationId": {"type": "string", "format": "uuid"},
		"projectId": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	}
}`

var payloadSchemas = map[Kind]string{
	KindStartLaunch: `{
		"type": "object",
		"required": ["launchId", "name", "startTime"],
		"properties": {
			"launchId": ` + idSchema + `,
			"name": {"type": "string", "minLength": 1},
			"startTime": {"type": "string", "format": "date-time"},
			"mode": {"enum": ["DEFAULT", "DEBUG"]},
			"description": {"type": "string"},
			"attributes": {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`,
	KindFinishLaunch: `{
		"type": "object",
		"required": ["launchId", "endTime", "status"],
		"properties": {
			"launchId": ` + idSchema + `,
			"endTime": {"type": "string", "format": "date-time"},
			"status": ` + terminalStatusSchema + `
		}
	}`,
	KindStartItem: `{
		"type": "object",
		"required": ["itemId", "launchId", "name", "startTime"],
		"properties": {
			"itemId": ` + idSchema + `,
			"launchId": ` + idSchema + `,
			"parentId": ` + idSchema + `,
			"name": {"type": "string", "minLength": 1},
			"type": {"type": "string", "minLength": 1},
			"startTime": {"type": "string", "format": "date-time"}
		}
	}`,
	KindFinishItem: `{
		"type": "object",
		"required": ["itemId", "endTime", "status"],
		"properties": {
			"itemId": ` + idSchema + `,
			"endTime": {"type": "string", "format": "date-time"},
			"status": ` + terminalStatusSchema + `
		}
	}`,
	KindAppendLog: `{
		"type": "object",
		"required": ["launchId", "time", "message"],
		"properties": {
			"launchId": ` + idSchema + `,
			"itemId": ` + idSchema + `,
			"time": {"type": "string", "format": "date-time"},
			"level": {"enum": ["TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"]},
			"message": {"type": "string"}
		}
	}`,
}

// Decoder turns broker message bodies into envelopes, rejecting anything that
// does not match the envelope or per-kind payload schema.
type Decoder struct {
	envelope *jsonschema.Schema
	payloads map[Kind]*jsonschema.Schema
}

func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()

	envelope, err := compileSchema(compiler, "envelope", envelopeSchema)
	if err != nil {
		return nil, err
	}
	d := &Decoder{envelope: envelope, payloads: make(map[Kind]*jsonschema.Schema, len(payloadSchemas))}
	for kind, text := range payloadSchemas {
		schema, err := compileSchema(compiler, string(kind), text)
		if err != nil {
			return nil, err
		}
		d.payloads[kind] = schema
	}
	return d, nil
}

func compileSchema(compiler *jsonschema.Compiler, name, text string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", name, err)
	}
	url := schemaBaseURL + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return schema, nil
}

// Decode validates body and builds an Envelope carrying the broker's attempt.
// Every failure is a *DecodeError.
func (d *Decoder) Decode(body []byte, deliveryAttempt int) (Envelope, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "body is not JSON", Err: err}
	}
	if err := d.envelope.Validate(instance); err != nil {
		return Envelope{}, &DecodeError{Reason: "envelope schema", Err: err}
	}
	var wire wireEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		return Envelope{}, &DecodeError{Reason: "envelope", Err: err}
	}
	schema, ok := d.payloads[wire.Kind]
	if !ok {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("kind %q", wire.Kind), Err: ErrUnknownKind}
	}
	payload := instance.(map[string]any)["payload"]
	if err := schema.Validate(payload); err != nil {
		return Envelope{}, &DecodeError{Reason: string(wire.Kind) + " payload schema", Err: err}
	}
	return NewEnvelope(wire.Kind, wire.CorrelationID, wire.ProjectID, wire.Payload, deliveryAttempt)
}
