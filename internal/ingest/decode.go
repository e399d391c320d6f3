// Package ingest receives raw sensor signals over NATS and Kafka, validates
// their wire shape, and feeds them to the signal bus.
package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/bastionsec/bastion/internal/model"
)

// signalSchema is the wire contract for inbound signals. Structural problems
// are rejected here with a precise reason; semantic checks (confidence range,
// duplicate ids) stay in the bus.
const signalSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "source_entity", "kind", "timestamp", "confidence"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "source_entity": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string", "format": "date-time"},
    "attributes": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "confidence": {"type": "number"}
  }
}`

// Decoder validates raw signal payloads against the wire schema and decodes
// them into the internal signal type.
type Decoder struct {
	schema *gojsonschema.Schema
}

// NewDecoder compiles the signal wire schema.
func NewDecoder() (*Decoder, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(signalSchema))
	if err != nil {
		return nil, fmt.Errorf("compile signal schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode validates and unmarshals one raw signal payload.
func (d *Decoder) Decode(data []byte) (*model.Signal, error) {
	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validate signal: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return nil, fmt.Errorf("invalid signal: %s", errs[0].String())
		}
		return nil, fmt.Errorf("invalid signal")
	}

	var sig model.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("unmarshal signal: %w", err)
	}
	return &sig, nil
}
