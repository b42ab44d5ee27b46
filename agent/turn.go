package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/helmsman/llm"
)

// Turn converts one streamed model response into typed agent events. It owns
// no conversation state beyond the pending tool calls it collects; the Chat
// records history.
type Turn struct {
	chat     *Chat
	promptID string

	pending      []ToolCallRequest
	finishReason llm.FinishReason
	fatal        error
}

// NewTurn creates a turn bound to a chat and prompt.
func NewTurn(chat *Chat, promptID string) *Turn {
	return &Turn{chat: chat, promptID: promptID}
}

// Run sends the parts to the model and emits events as the response streams
// in. The returned channel closes when the response ends, errors, or the
// context is cancelled.
func (t *Turn) Run(ctx context.Context, parts []llm.Part) <-chan AgentEvent {
	out := make(chan AgentEvent, 16)
	go func() {
		defer close(out)

		stream, err := t.chat.SendMessageStream(ctx, parts, t.promptID)
		if err != nil {
			t.handleError(ctx, err, out)
			return
		}

		for item := range stream {
			if ctx.Err() != nil {
				out <- NewUserCancelledEvent()
				return
			}
			if item.Err != nil {
				t.handleError(ctx, item.Err, out)
				return
			}
			t.processResponse(item.Resp, out)
		}
	}()
	return out
}

// processResponse turns one response chunk into events.
func (t *Turn) processResponse(resp *llm.GenerateResponse, out chan<- AgentEvent) {
	if resp == nil {
		return
	}

	for _, part := range resp.Content.Parts {
		switch {
		case part.Kind == llm.PartText && part.Thought:
			subject, description := parseThought(part.Text)
			out <- NewThoughtEvent(subject, description)
		case part.Kind == llm.PartText:
			if part.Text != "" {
				out <- NewContentEvent(part.Text)
			}
		case part.FunctionCall != nil:
			req := t.requestFor(*part.FunctionCall)
			t.pending = append(t.pending, req)
			out <- NewToolCallRequestEvent(req)
		}
	}

	if resp.FinishReason != "" {
		t.finishReason = resp.FinishReason
		out <- NewFinishedEvent(resp.FinishReason)
	}
}

// requestFor builds a ToolCallRequest, synthesizing a call id when the
// provider supplies none.
func (t *Turn) requestFor(fc llm.FunctionCall) ToolCallRequest {
	callID := fc.ID
	if callID == "" {
		callID = fmt.Sprintf("%s-%d-%s", fc.Name, time.Now().UnixMilli(), uuid.NewString()[:8])
	}
	return ToolCallRequest{
		CallID:   callID,
		Name:     fc.Name,
		Args:     fc.Args,
		PromptID: t.promptID,
	}
}

// handleError translates a stream failure into an event, except auth
// failures, which are fatal to the session and surface via FatalError.
func (t *Turn) handleError(ctx context.Context, err error, out chan<- AgentEvent) {
	if ctx.Err() != nil || llm.IsCancellation(err) {
		out <- NewUserCancelledEvent()
		return
	}
	if llm.IsAuthError(err) {
		t.fatal = err
		return
	}
	msg, status := llm.Friendly(err)
	out <- NewErrorEvent(msg, status)
}

// PendingToolCalls returns the tool calls the model requested this turn.
func (t *Turn) PendingToolCalls() []ToolCallRequest {
	return t.pending
}

// FinishReason returns why the model stopped, if it finished cleanly.
func (t *Turn) FinishReason() llm.FinishReason {
	return t.finishReason
}

// FatalError returns a session-fatal error encountered during the turn, such
// as an authentication failure.
func (t *Turn) FatalError() error {
	return t.fatal
}

// parseThought splits a reasoning snippet into a bolded subject and the
// remaining description. Models emit subjects as a leading **...** span.
func parseThought(text string) (string, string) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "**") {
		if end := strings.Index(trimmed[2:], "**"); end != -1 {
			subject := strings.TrimSpace(trimmed[2 : 2+end])
			description := strings.TrimSpace(trimmed[2+end+2:])
			return subject, description
		}
	}
	return "", trimmed
}
