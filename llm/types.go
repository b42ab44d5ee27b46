// Package llm defines the content-generator capability the agent loop drives:
// a typed message model, a provider-agnostic ContentGenerator interface, an
// error taxonomy, and a retrying client with model fallback.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Role identifies who produced a content entry in a conversation.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
	RoleTool   Role = "tool"
)

// PartKind is the discriminator tag for Part.
type PartKind string

const (
	PartText             PartKind = "text"
	PartFunctionCall     PartKind = "function_call"
	PartFunctionResponse PartKind = "function_response"
	PartBlob             PartKind = "blob"
)

// FunctionCall is a model-initiated tool invocation.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse carries a tool's result back to the model.
type FunctionResponse struct {
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

// Blob holds inline binary content.
type Blob struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Part is a tagged union representing one part of a content entry. Text parts
// with Thought set carry model reasoning rather than user-visible output.
type Part struct {
	Kind             PartKind          `json:"kind"`
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
	Blob             *Blob             `json:"blob,omitempty"`
}

// TextPart creates a text Part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// ThoughtPart creates a reasoning text Part.
func ThoughtPart(text string) Part {
	return Part{Kind: PartText, Text: text, Thought: true}
}

// FunctionCallPart creates a function call Part.
func FunctionCallPart(id, name string, args json.RawMessage) Part {
	return Part{Kind: PartFunctionCall, FunctionCall: &FunctionCall{ID: id, Name: name, Args: args}}
}

// FunctionResponsePart creates a function response Part.
func FunctionResponsePart(id, name string, response map[string]interface{}) Part {
	return Part{Kind: PartFunctionResponse, FunctionResponse: &FunctionResponse{ID: id, Name: name, Response: response}}
}

// BlobPart creates an inline binary Part.
func BlobPart(mimeType string, data []byte) Part {
	return Part{Kind: PartBlob, Blob: &Blob{MIMEType: mimeType, Data: data}}
}

// Content is one entry in a conversation.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// UserContent creates a user Content with text.
func UserContent(text string) Content {
	return Content{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// ModelContent creates a model Content with text.
func ModelContent(text string) Content {
	return Content{Role: RoleModel, Parts: []Part{TextPart(text)}}
}

// TextContent returns the concatenation of all non-thought text parts.
func (c Content) TextContent() string {
	var sb strings.Builder
	for _, part := range c.Parts {
		if part.Kind == PartText && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// FunctionCalls extracts all function calls from the content.
func (c Content) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, part := range c.Parts {
		if part.Kind == PartFunctionCall && part.FunctionCall != nil {
			calls = append(calls, *part.FunctionCall)
		}
	}
	return calls
}

// ToolDeclaration describes a callable tool to the model.
type ToolDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// GenerationConfig tunes a single generation.
type GenerationConfig struct {
	Temperature      *float64               `json:"temperature,omitempty"`
	MaxOutputTokens  *int                   `json:"max_output_tokens,omitempty"`
	ResponseMIMEType string                 `json:"response_mime_type,omitempty"`
	ResponseSchema   map[string]interface{} `json:"response_schema,omitempty"`
}

// GenerateRequest is the input for GenerateContent and GenerateContentStream.
type GenerateRequest struct {
	Model             string            `json:"model,omitempty"`
	Contents          []Content         `json:"contents"`
	SystemInstruction string            `json:"system_instruction,omitempty"`
	Tools             []ToolDeclaration `json:"tools,omitempty"`
	Config            *GenerationConfig `json:"config,omitempty"`
}

// FinishReason describes why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishToolCalls FinishReason = "tool_calls"
	FinishSafety    FinishReason = "safety"
	FinishOther     FinishReason = "other"
)

// Usage tracks token consumption for one generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// GenerateResponse is one chunk of model output. A blocking call returns a
// single complete response; a stream delivers a sequence of partial ones,
// the last of which carries the finish reason and usage.
type GenerateResponse struct {
	ID           string       `json:"id,omitempty"`
	Model        string       `json:"model,omitempty"`
	Content      Content      `json:"content"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
}

// Text returns the concatenated non-thought text of the response.
func (r *GenerateResponse) Text() string {
	return r.Content.TextContent()
}

// FunctionCalls extracts function calls from the response.
func (r *GenerateResponse) FunctionCalls() []FunctionCall {
	return r.Content.FunctionCalls()
}

// StreamItem is one element of a response stream. Exactly one of Resp or Err
// is set; an Err item terminates the stream.
type StreamItem struct {
	Resp *GenerateResponse
	Err  error
}

// CountTokensResponse is the result of a CountTokens call.
type CountTokensResponse struct {
	TotalTokens int `json:"total_tokens"`
}

// ContentGenerator is the model backend capability consumed by the agent
// loop. Implementations translate to a concrete provider API.
type ContentGenerator interface {
	// GenerateContent sends a blocking request and returns the full response.
	GenerateContent(ctx context.Context, req GenerateRequest, promptID string) (*GenerateResponse, error)

	// GenerateContentStream sends a request and returns a channel of response
	// chunks. The channel is closed when the stream ends.
	GenerateContentStream(ctx context.Context, req GenerateRequest, promptID string) (<-chan StreamItem, error)

	// CountTokens reports the token footprint of a request.
	CountTokens(ctx context.Context, req GenerateRequest) (*CountTokensResponse, error)
}
