// Package schema provides JSON-schema backed validators for structured
// output. A compiled Schema satisfies core.Schema, so it can be attached
// to a chat request and drive the structured-output engine end to end.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/petal-labs/conduit/core"
)

// JSONSchema is a compiled JSON-schema document. It implements core.Schema.
type JSONSchema struct {
	doc      json.RawMessage
	compiled *jsonschema.Schema
}

var _ core.Schema = (*JSONSchema)(nil)

// Compile compiles a JSON-schema document. The document must be a valid
// schema object; compilation errors surface as validation errors.
func Compile(doc json.RawMessage) (*JSONSchema, error) {
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, core.NewValidationError("schema", "schema document is not valid JSON: "+err.Error())
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", parsed); err != nil {
		return nil, core.NewValidationError("schema", "add schema resource: "+err.Error())
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, core.NewValidationError("schema", "compile schema: "+err.Error())
	}

	return &JSONSchema{
		doc:      append(json.RawMessage(nil), doc...),
		compiled: compiled,
	}, nil
}

// MustCompile is Compile panicking on error, for package-level schemas.
func MustCompile(doc json.RawMessage) *JSONSchema {
	s, err := Compile(doc)
	if err != nil {
		panic(fmt.Sprintf("schema: %v", err))
	}
	return s
}

// FromValue compiles a schema expressed as a Go value (e.g. a
// map[string]any literal).
func FromValue(doc any) (*JSONSchema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, core.NewValidationError("schema", "encode schema document: "+err.Error())
	}
	return Compile(raw)
}

// JSONSchema returns the original schema document.
func (s *JSONSchema) JSONSchema() json.RawMessage {
	return s.doc
}

// Validate checks a decoded JSON value against the schema.
func (s *JSONSchema) Validate(v any) error {
	return s.compiled.Validate(v)
}

// Request builds a core.SchemaRequest for this schema in the given mode.
func (s *JSONSchema) Request(mode core.SchemaMode, name, description string) *core.SchemaRequest {
	return &core.SchemaRequest{
		Schema:      s,
		RawSchema:   s.doc,
		Mode:        mode,
		Name:        name,
		Description: description,
	}
}
