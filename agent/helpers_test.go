package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/martinemde/helmsman/llm"
)

// scriptedGenerator plays back pre-scripted responses and streams, recording
// every request it receives.
type scriptedGenerator struct {
	mu        sync.Mutex
	responses []*llm.GenerateResponse
	genErrs   []error
	streams   [][]llm.StreamItem
	tokens    int

	requests       []llm.GenerateRequest
	streamRequests []llm.GenerateRequest
}

func (g *scriptedGenerator) GenerateContent(ctx context.Context, req llm.GenerateRequest, promptID string) (*llm.GenerateResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.genErrs) > 0 {
		err := g.genErrs[0]
		g.genErrs = g.genErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(g.responses) == 0 {
		return &llm.GenerateResponse{Content: llm.ModelContent("")}, nil
	}
	resp := g.responses[0]
	g.responses = g.responses[1:]
	return resp, nil
}

func (g *scriptedGenerator) GenerateContentStream(ctx context.Context, req llm.GenerateRequest, promptID string) (<-chan llm.StreamItem, error) {
	g.mu.Lock()
	g.streamRequests = append(g.streamRequests, req)
	var items []llm.StreamItem
	if len(g.streams) > 0 {
		items = g.streams[0]
		g.streams = g.streams[1:]
	}
	g.mu.Unlock()

	ch := make(chan llm.StreamItem, len(items)+1)
	for _, item := range items {
		ch <- item
	}
	close(ch)
	return ch, nil
}

func (g *scriptedGenerator) CountTokens(ctx context.Context, req llm.GenerateRequest) (*llm.CountTokensResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &llm.CountTokensResponse{TotalTokens: g.tokens}, nil
}

func (g *scriptedGenerator) streamCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.streamRequests)
}

func jsonResponse(v interface{}) *llm.GenerateResponse {
	raw, _ := json.Marshal(v)
	return &llm.GenerateResponse{
		Content:      llm.ModelContent(string(raw)),
		FinishReason: llm.FinishStop,
	}
}

func contentChunk(text string) llm.StreamItem {
	return llm.StreamItem{Resp: &llm.GenerateResponse{
		Content: llm.Content{Role: llm.RoleModel, Parts: []llm.Part{llm.TextPart(text)}},
	}}
}

func finishChunk(reason llm.FinishReason) llm.StreamItem {
	return llm.StreamItem{Resp: &llm.GenerateResponse{
		Content:      llm.Content{Role: llm.RoleModel},
		FinishReason: reason,
	}}
}

func functionCallChunk(id, name, args string) llm.StreamItem {
	return llm.StreamItem{Resp: &llm.GenerateResponse{
		Content: llm.Content{
			Role:  llm.RoleModel,
			Parts: []llm.Part{llm.FunctionCallPart(id, name, json.RawMessage(args))},
		},
		FinishReason: llm.FinishToolCalls,
	}}
}

// fakeTool is a scriptable Tool implementation.
type fakeTool struct {
	name        string
	schema      map[string]interface{}
	validateErr error
	confirm     *ConfirmationDetails
	confirmErr  error
	result      *ToolResult
	execErr     error
	execute     func(ctx context.Context, args json.RawMessage, onOutput func(string)) (*ToolResult, error)

	mu        sync.Mutex
	execCount int
	lastArgs  json.RawMessage
}

func (f *fakeTool) Name() string                   { return f.name }
func (f *fakeTool) Description() string            { return "fake tool for tests" }
func (f *fakeTool) Schema() map[string]interface{} { return f.schema }

func (f *fakeTool) ValidateParams(args json.RawMessage) error {
	return f.validateErr
}

func (f *fakeTool) ShouldConfirmExecute(ctx context.Context, args json.RawMessage) (*ConfirmationDetails, error) {
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return f.confirm, nil
}

func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage, onOutput func(string)) (*ToolResult, error) {
	f.mu.Lock()
	f.execCount++
	f.lastArgs = args
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, args, onOutput)
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ToolResult{LLMContent: "ok", ReturnDisplay: "ok"}, nil
}

func (f *fakeTool) executions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCount
}

func (f *fakeTool) lastExecArgs() json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastArgs
}

// fakeModifiableTool adds host-side argument rewriting.
type fakeModifiableTool struct {
	fakeTool
	modified *ModifyContext
}

func (f *fakeModifiableTool) ModifyContext(ctx context.Context, args json.RawMessage, payload *ConfirmationPayload) (*ModifyContext, error) {
	if f.modified != nil {
		return f.modified, nil
	}
	return &ModifyContext{UpdatedArgs: payload.UpdatedArgs, UpdatedDiff: "updated diff"}, nil
}
