package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSchema validates by delegating to a closure.
type fakeSchema struct {
	doc      json.RawMessage
	validate func(v any) error
}

func (s fakeSchema) JSONSchema() json.RawMessage { return s.doc }

func (s fakeSchema) Validate(v any) error {
	if s.validate == nil {
		return nil
	}
	return s.validate(v)
}

var objectSchema = json.RawMessage(`{"type":"object","required":["city"]}`)

func TestBuildStructuredRequestToolsMode(t *testing.T) {
	req := userRequest("where?")
	sr := &SchemaRequest{Mode: SchemaModeTools, RawSchema: objectSchema, Name: "locate", Description: "find the city"}

	out, err := buildStructuredRequest(req, sr)
	require.NoError(t, err)

	require.Len(t, out.Tools, 1)
	assert.Equal(t, "locate", out.Tools[0].Name)
	assert.Equal(t, "find the city", out.Tools[0].Description)
	assert.Equal(t, objectSchema, out.Tools[0].Parameters)
	require.NotNil(t, out.ToolChoice)
	assert.Equal(t, ToolChoice{Mode: ToolChoiceTool, Name: "locate"}, *out.ToolChoice)

	// Original untouched.
	assert.Empty(t, req.Tools)
}

func TestBuildStructuredRequestJSONMode(t *testing.T) {
	req := userRequest("where?")
	sr := &SchemaRequest{Mode: SchemaModeJSON, RawSchema: objectSchema}

	out, err := buildStructuredRequest(req, sr)
	require.NoError(t, err)

	require.Len(t, out.Messages, 2)
	assert.Equal(t, RoleSystem, out.Messages[0].Role)
	assert.Contains(t, out.Messages[0].Text(), string(objectSchema))

	require.NotNil(t, out.Parameters)
	require.NotNil(t, out.Parameters.Temperature)
	assert.Zero(t, *out.Parameters.Temperature)
}

func TestBuildStructuredRequestKeepsCallerTemperature(t *testing.T) {
	temp := 0.9
	req := userRequest("where?")
	req.Parameters = &Parameters{Temperature: &temp}
	sr := &SchemaRequest{Mode: SchemaModeJSON, RawSchema: objectSchema}

	out, err := buildStructuredRequest(req, sr)
	require.NoError(t, err)
	assert.Equal(t, 0.9, *out.Parameters.Temperature)
}

func TestBuildStructuredRequestJSONSchemaMode(t *testing.T) {
	req := userRequest("where?")
	sr := &SchemaRequest{Mode: SchemaModeJSONSchema, RawSchema: objectSchema, Name: "loc"}

	out, err := buildStructuredRequest(req, sr)
	require.NoError(t, err)

	rf, ok := out.Parameters.Custom["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", rf["type"])
}

func TestBuildStructuredRequestRejectsMissingSchema(t *testing.T) {
	_, err := buildStructuredRequest(userRequest("x"), &SchemaRequest{Mode: SchemaModeJSON})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestExtractStructuredJSONModeToleratesFences(t *testing.T) {
	sr := &SchemaRequest{Mode: SchemaModeJSON}
	resp := &ChatResponse{Message: TextMessage(RoleAssistant, "```json\n{\"city\":\"Oslo\"}\n```")}

	raw, err := extractStructured(resp, sr)
	require.NoError(t, err)
	assert.Equal(t, `{"city":"Oslo"}`, raw)
}

func TestExtractStructuredMarkdownMode(t *testing.T) {
	sr := &SchemaRequest{Mode: SchemaModeMarkdownJSON}

	t.Run("fenced block", func(t *testing.T) {
		resp := &ChatResponse{Message: TextMessage(RoleAssistant,
			"Here you go:\n```json\n{\"city\":\"Oslo\"}\n```\nEnjoy.")}
		raw, err := extractStructured(resp, sr)
		require.NoError(t, err)
		assert.Equal(t, `{"city":"Oslo"}`, raw)
	})

	t.Run("bare object fallback", func(t *testing.T) {
		resp := &ChatResponse{Message: TextMessage(RoleAssistant,
			`The answer is {"city":"Oslo"} as requested.`)}
		raw, err := extractStructured(resp, sr)
		require.NoError(t, err)
		assert.Equal(t, `{"city":"Oslo"}`, raw)
	})

	t.Run("no json at all", func(t *testing.T) {
		resp := &ChatResponse{Message: TextMessage(RoleAssistant, "I cannot help with that.")}
		_, err := extractStructured(resp, sr)
		require.Error(t, err)
	})
}

func TestExtractFencedJSONSkipsInvalidBlocks(t *testing.T) {
	text := "```\nnot json\n```\nthen\n```json\n{\"ok\":true}\n```"
	assert.Equal(t, `{"ok":true}`, extractFencedJSON(text))
}

func TestExtractBalancedObjectHonorsStrings(t *testing.T) {
	text := `prefix {"text":"braces } in \" strings","n":1} suffix`
	assert.Equal(t, `{"text":"braces } in \" strings","n":1}`, extractBalancedObject(text))
}

func TestParseStructuredValidation(t *testing.T) {
	t.Run("valid value passes", func(t *testing.T) {
		sr := &SchemaRequest{Schema: fakeSchema{doc: objectSchema}}
		v, warnings, err := parseStructured(`{"city":"Oslo"}`, sr)
		require.NoError(t, err)
		assert.Empty(t, warnings)
		assert.Equal(t, map[string]any{"city": "Oslo"}, v)
	})

	t.Run("validator failure is a validation error", func(t *testing.T) {
		sr := &SchemaRequest{Schema: fakeSchema{
			doc:      objectSchema,
			validate: func(v any) error { return errors.New("missing city") },
		}}
		_, _, err := parseStructured(`{}`, sr)
		require.Error(t, err)
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("no validator records a warning", func(t *testing.T) {
		sr := &SchemaRequest{RawSchema: objectSchema}
		_, warnings, err := parseStructured(`{"city":"Oslo"}`, sr)
		require.NoError(t, err)
		assert.Contains(t, warnings, "schema-validation-skipped: no validator attached")
	})

	t.Run("invalid json is a provider error", func(t *testing.T) {
		sr := &SchemaRequest{RawSchema: objectSchema}
		_, _, err := parseStructured(`nope`, sr)
		require.Error(t, err)
		assert.Equal(t, KindProvider, KindOf(err))
	})

	t.Run("numbers normalized for validator", func(t *testing.T) {
		var seen any
		sr := &SchemaRequest{Schema: fakeSchema{
			doc:      objectSchema,
			validate: func(v any) error { seen = v; return nil },
		}}
		_, _, err := parseStructured(`{"n":1.5}`, sr)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"n": 1.5}, seen)
	})
}
