package agent

import (
	"context"
	"sync"

	"github.com/martinemde/helmsman/llm"
)

// Chat holds the conversation history and mediates streaming requests to the
// model. History is only extended when a stream completes cleanly, so a
// failed or cancelled stream leaves no partial model turn behind.
type Chat struct {
	client            llm.ContentGenerator
	systemInstruction string

	mu      sync.Mutex
	history []llm.Content
	tools   []llm.ToolDeclaration
}

// NewChat creates a chat over the given generator.
func NewChat(client llm.ContentGenerator, systemInstruction string, tools []llm.ToolDeclaration) *Chat {
	return &Chat{
		client:            client,
		systemInstruction: systemInstruction,
		tools:             tools,
	}
}

// History returns a copy of the conversation. When curated is true, model
// entries with no parts (dropped or empty turns) are filtered out.
func (c *Chat) History(curated bool) []llm.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Content, 0, len(c.history))
	for _, content := range c.history {
		if curated && content.Role == llm.RoleModel && len(content.Parts) == 0 {
			continue
		}
		out = append(out, content)
	}
	return out
}

// AddHistory appends an entry to the conversation.
func (c *Chat) AddHistory(content llm.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, content)
}

// SetHistory replaces the conversation, typically after compression.
func (c *Chat) SetHistory(history []llm.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append([]llm.Content(nil), history...)
}

// SetTools replaces the advertised tool declarations.
func (c *Chat) SetTools(tools []llm.ToolDeclaration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

// SendMessageStream sends the user parts with full history attached and
// returns the model's response stream. The user parts and the assembled
// model response are recorded in history only after the stream ends without
// error.
func (c *Chat) SendMessageStream(ctx context.Context, parts []llm.Part, promptID string) (<-chan llm.StreamItem, error) {
	userContent := llm.Content{Role: llm.RoleUser, Parts: parts}

	c.mu.Lock()
	contents := make([]llm.Content, 0, len(c.history)+1)
	contents = append(contents, c.history...)
	contents = append(contents, userContent)
	req := llm.GenerateRequest{
		Contents:          contents,
		SystemInstruction: c.systemInstruction,
		Tools:             c.tools,
	}
	c.mu.Unlock()

	stream, err := c.client.GenerateContentStream(ctx, req, promptID)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamItem, 16)
	go func() {
		defer close(out)
		var modelParts []llm.Part
		for item := range stream {
			if item.Err != nil {
				out <- item
				return
			}
			if item.Resp != nil {
				modelParts = append(modelParts, item.Resp.Content.Parts...)
			}
			out <- item
		}
		c.mu.Lock()
		c.history = append(c.history, userContent)
		c.history = append(c.history, llm.Content{Role: llm.RoleModel, Parts: modelParts})
		c.mu.Unlock()
	}()
	return out, nil
}

// CountTokens reports the token footprint of the current history plus the
// system instruction.
func (c *Chat) CountTokens(ctx context.Context) (int, error) {
	c.mu.Lock()
	req := llm.GenerateRequest{
		Contents:          append([]llm.Content(nil), c.history...),
		SystemInstruction: c.systemInstruction,
	}
	c.mu.Unlock()

	resp, err := c.client.CountTokens(ctx, req)
	if err != nil {
		return 0, err
	}
	return resp.TotalTokens, nil
}
