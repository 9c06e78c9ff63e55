package loop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema validates analysis payloads against a JSON schema document.
type Schema struct {
	compiled *jsonschema.Schema
}

// CompileSchema compiles a JSON schema document. name appears in error
// messages and must be unique per schema.
func CompileSchema(name, doc string) (*Schema, error) {
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, v); err != nil {
		return nil, fmt.Errorf("adding schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", name, err)
	}
	return &Schema{compiled: compiled}, nil
}

// MustSchema is CompileSchema for static schema literals; it panics on error.
func MustSchema(name, doc string) *Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a raw JSON payload against the schema.
func (s *Schema) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	return s.compiled.Validate(inst)
}

// parsePayload validates raw against schema when one is set and decodes the
// common payload envelope. The raw bytes ride along for task-specific apply
// logic.
func parsePayload(raw json.RawMessage, schema *Schema) (Payload, error) {
	if schema != nil {
		if err := schema.Validate(raw); err != nil {
			return Payload{}, err
		}
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decoding payload: %w", err)
	}
	p.Raw = raw
	return p, nil
}
