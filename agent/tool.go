package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/martinemde/helmsman/llm"
)

// ToolResult is what a tool execution produces. LLMContent is what goes back
// to the model: a string, or []llm.Part for tools that return rich content.
// ReturnDisplay is the host-facing rendering (markdown or a diff).
type ToolResult struct {
	LLMContent    interface{}
	ReturnDisplay string
	Error         error
}

// Tool is the capability the scheduler drives. Implementations must be safe
// for concurrent Execute calls.
type Tool interface {
	// Name returns the tool's registered name.
	Name() string

	// Description returns the tool's description for the model.
	Description() string

	// Schema returns the JSON schema for the tool's parameters.
	Schema() map[string]interface{}

	// ValidateParams checks arguments beyond what the schema expresses.
	ValidateParams(args json.RawMessage) error

	// ShouldConfirmExecute returns confirmation details when the call needs
	// host approval, or nil when it can run unprompted.
	ShouldConfirmExecute(ctx context.Context, args json.RawMessage) (*ConfirmationDetails, error)

	// Execute runs the tool. onOutput, when non-nil, receives live output
	// chunks as they are produced.
	Execute(ctx context.Context, args json.RawMessage, onOutput func(string)) (*ToolResult, error)
}

// ModifyContext is the result of a host-side modification during approval.
type ModifyContext struct {
	UpdatedArgs json.RawMessage
	UpdatedDiff string
}

// ModifiableTool is implemented by tools whose pending arguments the host can
// rewrite in an editor before approving (file edits, typically).
type ModifiableTool interface {
	Tool
	ModifyContext(ctx context.Context, args json.RawMessage, payload *ConfirmationPayload) (*ModifyContext, error)
}

// ToolRegistry holds the tools available to a session.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns the named tool, or nil if not registered.
func (r *ToolRegistry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations returns the tool declarations to advertise to the model.
func (r *ToolRegistry) Declarations() []llm.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	decls := make([]llm.ToolDeclaration, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		decls = append(decls, llm.ToolDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return decls
}

// ValidateAgainstSchema checks raw arguments against a JSON schema.
func ValidateAgainstSchema(schema map[string]interface{}, args json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewBytesLoader(args),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// ParseToolArguments decodes raw tool arguments into a map.
func ParseToolArguments(args json.RawMessage) (map[string]interface{}, error) {
	if len(args) == 0 {
		return map[string]interface{}{}, nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return parsed, nil
}

// GetStringArg extracts a string argument, with ok reporting presence.
func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument, tolerating JSON's float decoding.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// successMarker prefixes rich tool results so the model sees an explicit
// completion signal before inline content.
const successMarker = "Tool execution succeeded."

// buildFunctionResponseParts converts a tool's LLMContent into the function
// response parts the model expects.
func buildFunctionResponseParts(callID, name string, content interface{}) []llm.Part {
	switch v := content.(type) {
	case nil:
		return []llm.Part{llm.FunctionResponsePart(callID, name, map[string]interface{}{"output": ""})}
	case string:
		return []llm.Part{llm.FunctionResponsePart(callID, name, map[string]interface{}{"output": v})}
	case []llm.Part:
		return splitRichParts(callID, name, v)
	case llm.Part:
		return splitRichParts(callID, name, []llm.Part{v})
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return []llm.Part{llm.FunctionResponsePart(callID, name, map[string]interface{}{"output": fmt.Sprintf("%v", v)})}
		}
		var asMap map[string]interface{}
		if err := json.Unmarshal(raw, &asMap); err != nil {
			return []llm.Part{llm.FunctionResponsePart(callID, name, map[string]interface{}{"output": string(raw)})}
		}
		return []llm.Part{llm.FunctionResponsePart(callID, name, asMap)}
	}
}

// splitRichParts handles tools that return parts directly. Function response
// parts pass through; inline content rides alongside a marker response so the
// model can associate it with the call.
func splitRichParts(callID, name string, parts []llm.Part) []llm.Part {
	var out []llm.Part
	var inline []llm.Part
	for _, part := range parts {
		switch {
		case part.FunctionResponse != nil:
			fr := *part.FunctionResponse
			if fr.ID == "" {
				fr.ID = callID
			}
			if fr.Name == "" {
				fr.Name = name
			}
			out = append(out, llm.Part{Kind: llm.PartFunctionResponse, FunctionResponse: &fr})
		default:
			inline = append(inline, part)
		}
	}
	if len(inline) > 0 {
		out = append(out,
			llm.FunctionResponsePart(callID, name, map[string]interface{}{"output": successMarker}))
		out = append(out, inline...)
	}
	if len(out) == 0 {
		out = []llm.Part{llm.FunctionResponsePart(callID, name, map[string]interface{}{"output": ""})}
	}
	return out
}

// errorFunctionResponseParts builds the response parts for a failed or
// cancelled call.
func errorFunctionResponseParts(callID, name, message string) []llm.Part {
	return []llm.Part{llm.FunctionResponsePart(callID, name, map[string]interface{}{"error": message})}
}
