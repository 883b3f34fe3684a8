package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/conduit/core"
)

var personSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	},
	"required": ["name"]
}`)

func TestCompileAndValidate(t *testing.T) {
	s, err := Compile(personSchema)
	require.NoError(t, err)

	assert.NoError(t, s.Validate(map[string]any{"name": "Ada", "age": 36.0}))

	err = s.Validate(map[string]any{"age": 36.0})
	require.Error(t, err)

	err = s.Validate(map[string]any{"name": "Ada", "age": -1.0})
	require.Error(t, err)
}

func TestCompileRejectsBadDocuments(t *testing.T) {
	_, err := Compile(json.RawMessage(`{`))
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = Compile(json.RawMessage(`{"type":"no-such-type"}`))
	require.Error(t, err)
}

func TestFromValue(t *testing.T) {
	s, err := FromValue(map[string]any{
		"type":     "object",
		"required": []string{"id"},
	})
	require.NoError(t, err)
	assert.Error(t, s.Validate(map[string]any{}))
	assert.NoError(t, s.Validate(map[string]any{"id": "x"}))
}

func TestRequestCarriesDocument(t *testing.T) {
	s := MustCompile(personSchema)
	sr := s.Request(core.SchemaModeTools, "person", "extract a person")
	assert.Equal(t, core.SchemaModeTools, sr.Mode)
	assert.Equal(t, "person", sr.Name)
	assert.JSONEq(t, string(personSchema), string(sr.RawSchema))
	assert.NotNil(t, sr.Schema)
}
