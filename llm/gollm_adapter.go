package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter implements ContentGenerator over a gollm.LLM instance,
// translating between the agent's typed content model and gollm's prompt API.
type GollmAdapter struct {
	provider string
	model    string
	llm      gollm.LLM
}

// GollmOption configures a GollmAdapter.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default max output tokens.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmOption {
	return func(c *gollmConfig) { c.temperature = t }
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmAdapter creates an adapter for the given provider. If apiKey is
// empty, gollm reads it from the provider's environment variable.
func NewGollmAdapter(provider string, opts ...GollmOption) (*GollmAdapter, error) {
	cfg := &gollmConfig{
		maxTokens:   8192,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5"
		case "gemini":
			model = "gemini-3-flash-preview"
		default:
			model = "gpt-5.2-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to the Client's policy
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{provider: provider, model: model, llm: llm}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// GenerateContent sends a blocking request and returns the full response.
func (a *GollmAdapter) GenerateContent(ctx context.Context, req GenerateRequest, promptID string) (*GenerateResponse, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// GenerateContentStream streams a response. When the underlying LLM cannot
// stream, the full response is delivered as a single chunk.
func (a *GollmAdapter) GenerateContentStream(ctx context.Context, req GenerateRequest, promptID string) (<-chan StreamItem, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	ch := make(chan StreamItem, 16)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamItem{Err: a.translateError(err)}
				return
			}
			ch <- StreamItem{Resp: a.buildResponse(req, text)}
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		var fullText strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamItem{Err: a.translateError(err)}
				return
			}
			if token == nil {
				continue
			}
			fullText.WriteString(token.Text)
			ch <- StreamItem{Resp: &GenerateResponse{
				Model:   a.model,
				Content: Content{Role: RoleModel, Parts: []Part{TextPart(token.Text)}},
			}}
		}

		// Final chunk carries parsed function calls, finish reason and usage.
		final := a.buildResponse(req, fullText.String())
		var parts []Part
		for _, part := range final.Content.Parts {
			if part.Kind == PartFunctionCall {
				parts = append(parts, part)
			}
		}
		final.Content.Parts = parts
		ch <- StreamItem{Resp: final}
	}()

	return ch, nil
}

// CountTokens estimates the request's token footprint. gollm exposes no
// native token endpoint, so this uses the local tiktoken estimator.
func (a *GollmAdapter) CountTokens(_ context.Context, req GenerateRequest) (*CountTokensResponse, error) {
	return &CountTokensResponse{TotalTokens: EstimateTokens(req)}, nil
}

// translateRequest converts a GenerateRequest into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req GenerateRequest) *gollm.Prompt {
	var userParts []string

	for _, content := range req.Contents {
		switch content.Role {
		case RoleUser:
			text := content.TextContent()
			if text != "" {
				userParts = append(userParts, text)
			}
			// Function responses travel inside user content.
			for _, part := range content.Parts {
				if part.FunctionResponse != nil {
					raw, _ := json.Marshal(part.FunctionResponse.Response)
					userParts = append(userParts,
						fmt.Sprintf("[Tool Result %s]: %s", part.FunctionResponse.Name, string(raw)))
				}
			}
		case RoleModel:
			text := content.TextContent()
			if text != "" {
				userParts = append(userParts, "[Assistant]: "+text)
			}
			for _, fc := range content.FunctionCalls() {
				userParts = append(userParts,
					fmt.Sprintf("[Assistant called %s]: %s", fc.Name, string(fc.Args)))
			}
		case RoleTool:
			for _, part := range content.Parts {
				if part.FunctionResponse != nil {
					raw, _ := json.Marshal(part.FunctionResponse.Response)
					userParts = append(userParts,
						fmt.Sprintf("[Tool Result %s]: %s", part.FunctionResponse.Name, string(raw)))
				}
			}
		}
	}

	promptText := strings.Join(userParts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}

	system := req.SystemInstruction
	if req.Config != nil && req.Config.ResponseSchema != nil {
		raw, _ := json.Marshal(req.Config.ResponseSchema)
		system += "\n\nRespond with a single JSON object matching this schema, and nothing else:\n" + string(raw)
	}
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(system), gollm.CacheTypeEphemeral))
	}

	if req.Config != nil && req.Config.MaxOutputTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.Config.MaxOutputTokens))
	}

	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		promptOpts = append(promptOpts, gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req GenerateRequest) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Config == nil {
		return
	}
	if req.Config.Temperature != nil {
		a.llm.SetOption("temperature", *req.Config.Temperature)
	}
	if req.Config.MaxOutputTokens != nil {
		a.llm.SetOption("max_tokens", *req.Config.MaxOutputTokens)
	}
}

// buildResponse constructs a GenerateResponse from generated text, parsing
// any embedded tool-call JSON into function call parts.
func (a *GollmAdapter) buildResponse(req GenerateRequest, text string) *GenerateResponse {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var parts []Part
	calls := a.parseFunctionCalls(text)

	cleaned := a.removeFunctionCallJSON(text, calls)
	if cleaned != "" {
		parts = append(parts, TextPart(cleaned))
	}
	for _, fc := range calls {
		call := fc
		parts = append(parts, Part{Kind: PartFunctionCall, FunctionCall: &call})
	}
	if len(parts) == 0 {
		parts = []Part{TextPart(text)}
	}

	finish := FinishStop
	if len(calls) > 0 {
		finish = FinishToolCalls
	}

	inputTokens := EstimateTokens(req)
	outputTokens := countText(text)

	return &GenerateResponse{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Content:      Content{Role: RoleModel, Parts: parts},
		FinishReason: finish,
		Usage: &Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			TotalTokens:  inputTokens + outputTokens,
		},
	}
}

// parseFunctionCalls extracts tool calls that gollm returns embedded in the
// response text.
func (a *GollmAdapter) parseFunctionCalls(text string) []FunctionCall {
	type rawCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var rawCalls []rawCall

	if start := strings.Index(text, `{"tool_calls"`); start != -1 {
		var wrapper struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := json.Unmarshal([]byte(text[start:]), &wrapper); err != nil {
			return nil
		}
		rawCalls = wrapper.ToolCalls
	} else if start := strings.Index(text, `[{"name"`); start != -1 {
		if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err != nil {
			return nil
		}
	} else {
		return nil
	}

	calls := make([]FunctionCall, 0, len(rawCalls))
	for _, rc := range rawCalls {
		calls = append(calls, FunctionCall{
			ID:   "call_" + uuid.New().String()[:8],
			Name: rc.Name,
			Args: rc.Arguments,
		})
	}
	return calls
}

// removeFunctionCallJSON strips parsed tool call JSON from the text.
func (a *GollmAdapter) removeFunctionCallJSON(text string, calls []FunctionCall) string {
	if len(calls) == 0 {
		return text
	}
	result := text
	for _, pattern := range []string{`{"tool_calls"`, `[{"name"`} {
		if idx := strings.Index(result, pattern); idx != -1 {
			result = strings.TrimSpace(result[:idx])
		}
	}
	return result
}

// translateError converts a gollm error into the error taxonomy. gollm
// flattens provider responses into message strings, so classification is by
// content.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	base := GeneratorError{Message: msg, Cause: err}

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "invalid api key") || strings.Contains(lower, "invalid key"):
		base.Status = 401
		return &AuthError{base}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		base.Status = 403
		return &AuthError{base}
	case strings.Contains(lower, "insufficient_quota") || strings.Contains(lower, "billing"):
		base.Status = 429
		return &QuotaError{GeneratorError: base, Tier: QuotaTierAPIKey}
	case strings.Contains(lower, "quota exceeded") || strings.Contains(lower, "quota_exceeded"):
		base.Status = 429
		tier := QuotaTierGeneric
		if strings.Contains(lower, "pro") {
			tier = QuotaTierPro
		}
		return &QuotaError{GeneratorError: base, Tier: tier}
	case strings.Contains(lower, "throttl"):
		base.Status = 429
		return &ThrottleError{base}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		base.Status = 429
		return &RateLimitError{GeneratorError: base, RetryAfter: parseRetryAfter(lower)}
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") || strings.Contains(lower, "internal server") ||
		strings.Contains(lower, "overloaded"):
		base.Status = 500
		return &ServerError{base}
	case strings.Contains(lower, "context cancel"):
		return &CancelledError{base}
	default:
		// Unknown provider errors default to retryable.
		return &base
	}
}

// parseRetryAfter extracts a "retry after Ns" hint when present.
func parseRetryAfter(lower string) *time.Duration {
	idx := strings.Index(lower, "retry after ")
	if idx == -1 {
		return nil
	}
	rest := lower[idx+len("retry after "):]
	var seconds float64
	if _, err := fmt.Sscanf(rest, "%f", &seconds); err != nil || seconds <= 0 {
		return nil
	}
	d := time.Duration(seconds * float64(time.Second))
	return &d
}
