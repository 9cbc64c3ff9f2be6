// Package fetch implements diagram backends: an HTTP service and a directory
// of snapshot files.
package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/timzifer/sldsync/diagram"
)

// ErrInvalidMetadata reports metadata that does not match the expected
// document shape.
var ErrInvalidMetadata = errors.New("invalid diagram metadata")

const metadataSchemaURL = "https://sldsync.local/schemas/metadata.json"

const metadataSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "nodes": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "equipmentId": {"type": "string"},
          "componentType": {"type": "string"},
          "open": {"type": ["boolean", "null"]},
          "nextVId": {"type": "string"}
        }
      }
    },
    "wires": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "nodeId1": {"type": "string"},
          "nodeId2": {"type": "string"}
        }
      }
    },
    "feederInfos": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["id", "componentType"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "componentType": {"type": "string"},
          "equipmentId": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func metadataValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(metadataSchema))
		if err != nil {
			schemaErr = fmt.Errorf("decode metadata schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(metadataSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add metadata schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(metadataSchemaURL)
	})
	return compiledSchema, schemaErr
}

// DecodeMetadata validates raw against the metadata schema and decodes it.
// Empty input and JSON null yield empty metadata.
func DecodeMetadata(raw []byte) (diagram.Metadata, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return diagram.Metadata{}, nil
	}
	schema, err := metadataValidator()
	if err != nil {
		return diagram.Metadata{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return diagram.Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := schema.Validate(inst); err != nil {
		return diagram.Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	meta, err := diagram.ParseMetadata(trimmed)
	if err != nil {
		return diagram.Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return meta, nil
}
