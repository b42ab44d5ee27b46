package agent

import (
	"sync"
	"time"

	"github.com/martinemde/helmsman/llm"
)

// EventKind identifies the type of event produced by a turn or session.
type EventKind string

const (
	EventContent                   EventKind = "content"
	EventThought                   EventKind = "thought"
	EventToolCallRequest           EventKind = "tool_call_request"
	EventToolCallResponse          EventKind = "tool_call_response"
	EventToolCallConfirmation      EventKind = "tool_call_confirmation"
	EventError                     EventKind = "error"
	EventChatCompressed            EventKind = "chat_compressed"
	EventMaxSessionTurns           EventKind = "max_session_turns"
	EventSessionTokenLimitExceeded EventKind = "session_token_limit_exceeded"
	EventFinished                  EventKind = "finished"
	EventLoopDetected              EventKind = "loop_detected"
	EventUserCancelled             EventKind = "user_cancelled"
)

// ThoughtSummary is a parsed model reasoning snippet. Subject is the bolded
// headline when the model provides one.
type ThoughtSummary struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
}

// ErrorDetail carries a user-presentable error through the event stream.
type ErrorDetail struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// CompressionInfo reports the outcome of a history compression.
type CompressionInfo struct {
	OriginalTokenCount int `json:"original_token_count"`
	NewTokenCount      int `json:"new_token_count"`
}

// AgentEvent is a tagged union; Kind selects which payload field is set.
type AgentEvent struct {
	Kind      EventKind        `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	Content      string               `json:"content,omitempty"`
	Thought      *ThoughtSummary      `json:"thought,omitempty"`
	Request      *ToolCallRequest     `json:"request,omitempty"`
	Response     *ToolCallResponse    `json:"response,omitempty"`
	Confirmation *ConfirmationRequest `json:"confirmation,omitempty"`
	Error        *ErrorDetail         `json:"error,omitempty"`
	Compression  *CompressionInfo     `json:"compression,omitempty"`
	FinishReason llm.FinishReason     `json:"finish_reason,omitempty"`
}

func newEvent(kind EventKind) AgentEvent {
	return AgentEvent{Kind: kind, Timestamp: time.Now()}
}

// NewContentEvent creates a content event carrying user-visible model text.
func NewContentEvent(text string) AgentEvent {
	ev := newEvent(EventContent)
	ev.Content = text
	return ev
}

// NewThoughtEvent creates a thought event from parsed model reasoning.
func NewThoughtEvent(subject, description string) AgentEvent {
	ev := newEvent(EventThought)
	ev.Thought = &ThoughtSummary{Subject: subject, Description: description}
	return ev
}

// NewToolCallRequestEvent creates an event for a model-requested tool call.
func NewToolCallRequestEvent(req ToolCallRequest) AgentEvent {
	ev := newEvent(EventToolCallRequest)
	ev.Request = &req
	return ev
}

// NewToolCallResponseEvent creates an event for a completed tool call.
func NewToolCallResponseEvent(resp ToolCallResponse) AgentEvent {
	ev := newEvent(EventToolCallResponse)
	ev.Response = &resp
	return ev
}

// NewToolCallConfirmationEvent creates an event asking the host to approve a
// tool call.
func NewToolCallConfirmationEvent(req ConfirmationRequest) AgentEvent {
	ev := newEvent(EventToolCallConfirmation)
	ev.Confirmation = &req
	return ev
}

// NewErrorEvent creates an error event.
func NewErrorEvent(message string, status int) AgentEvent {
	ev := newEvent(EventError)
	ev.Error = &ErrorDetail{Message: message, Status: status}
	return ev
}

// NewChatCompressedEvent reports a completed history compression.
func NewChatCompressedEvent(original, compressed int) AgentEvent {
	ev := newEvent(EventChatCompressed)
	ev.Compression = &CompressionInfo{OriginalTokenCount: original, NewTokenCount: compressed}
	return ev
}

// NewMaxSessionTurnsEvent reports the session stopping at its turn budget.
func NewMaxSessionTurnsEvent() AgentEvent {
	return newEvent(EventMaxSessionTurns)
}

// NewSessionTokenLimitExceededEvent reports the session stopping at its token
// budget.
func NewSessionTokenLimitExceededEvent() AgentEvent {
	return newEvent(EventSessionTokenLimitExceeded)
}

// NewFinishedEvent reports the model ending its response.
func NewFinishedEvent(reason llm.FinishReason) AgentEvent {
	ev := newEvent(EventFinished)
	ev.FinishReason = reason
	return ev
}

// NewLoopDetectedEvent reports the loop detector halting the session.
func NewLoopDetectedEvent() AgentEvent {
	return newEvent(EventLoopDetected)
}

// NewUserCancelledEvent reports the user cancelling the in-flight request.
func NewUserCancelledEvent() AgentEvent {
	return newEvent(EventUserCancelled)
}

// EventEmitter delivers agent events to the host application via a channel.
type EventEmitter struct {
	ch     chan AgentEvent
	closed bool
	mu     sync.Mutex
}

// NewEventEmitter creates an EventEmitter with a buffered channel.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{ch: make(chan AgentEvent, bufferSize)}
}

// Emit sends an event to the channel. If the emitter is closed, the event is
// silently dropped.
func (e *EventEmitter) Emit(event AgentEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- event:
	default:
		// Channel full; drop event to avoid blocking the agent loop.
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan AgentEvent {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
