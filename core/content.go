package core

import (
	"encoding/json"
	"fmt"
)

// ContentBlock represents one part of a message's content. Blocks are a
// closed set of tagged variants: text, image, tool_use and tool_result.
// Unknown block types arriving from the wire are preserved as RawBlock so
// they survive a round trip.
type ContentBlock interface {
	// BlockType returns the wire tag for this block.
	BlockType() string
}

// TextBlock is plain text content.
type TextBlock struct {
	Text string `json:"text"`
}

// BlockType returns "text".
func (TextBlock) BlockType() string { return "text" }

// ImageSourceKind identifies how image bytes are referenced.
type ImageSourceKind string

const (
	// ImageSourceURL references an image by HTTPS URL.
	ImageSourceURL ImageSourceKind = "url"
	// ImageSourceBase64 embeds base64-encoded image bytes.
	ImageSourceBase64 ImageSourceKind = "base64"
)

// ImageSource locates the bytes of an image block.
type ImageSource struct {
	Kind      ImageSourceKind `json:"kind"`
	URL       string          `json:"url,omitempty"`
	MediaType string          `json:"mediaType,omitempty"` // e.g. image/png, base64 only
	Data      string          `json:"data,omitempty"`      // base64 payload
}

// ImageBlock is image content.
type ImageBlock struct {
	Source ImageSource `json:"source"`
}

// BlockType returns "image".
func (ImageBlock) BlockType() string { return "image" }

// ToolUseBlock is a tool invocation requested by the model.
// Input MUST be valid JSON and MUST preserve raw JSON (no reformatting).
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// BlockType returns "tool_use".
func (ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock is the outcome of executing a tool, sent back to the
// model in a RoleTool message.
type ToolResultBlock struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

// BlockType returns "tool_result".
func (ToolResultBlock) BlockType() string { return "tool_result" }

// RawBlock preserves a content block whose type the engine does not
// recognize. It is passed through unchanged.
type RawBlock struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// BlockType returns the original wire tag.
func (b RawBlock) BlockType() string { return b.Type }

// taggedBlock is the wire envelope for a content block.
type taggedBlock struct {
	Type string `json:"type"`
}

// marshalBlocks encodes blocks as a JSON array of tagged objects.
func marshalBlocks(blocks []ContentBlock) (json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(blocks))
	for _, b := range blocks {
		enc, err := marshalBlock(b)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return json.Marshal(out)
}

func marshalBlock(b ContentBlock) (json.RawMessage, error) {
	if raw, ok := b.(RawBlock); ok {
		return raw.Data, nil
	}
	inner, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	// Splice the type tag into the encoded object.
	if string(inner) == "{}" {
		return json.RawMessage(fmt.Sprintf(`{"type":%q}`, b.BlockType())), nil
	}
	return json.RawMessage(fmt.Sprintf(`{"type":%q,%s`, b.BlockType(), inner[1:])), nil
}

// unmarshalBlocks decodes a JSON array of tagged content blocks.
func unmarshalBlocks(data json.RawMessage) ([]ContentBlock, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	blocks := make([]ContentBlock, 0, len(raws))
	for _, raw := range raws {
		b, err := UnmarshalContentBlock(raw)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// UnmarshalContentBlock decodes a single tagged content block. Unknown
// types decode to RawBlock.
func UnmarshalContentBlock(data json.RawMessage) (ContentBlock, error) {
	var tag taggedBlock
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}
	switch tag.Type {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "image":
		var b ImageBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_use":
		var b ToolUseBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_result":
		var b ToolResultBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return RawBlock{Type: tag.Type, Data: append(json.RawMessage(nil), data...)}, nil
	}
}

// TextMessage builds a plain text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: text}
}

// ToolResultMessage builds a RoleTool message answering the given call.
func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		ToolCallID: toolCallID,
		Parts: []ContentBlock{
			ToolResultBlock{ToolCallID: toolCallID, Content: content, IsError: isError},
		},
	}
}
