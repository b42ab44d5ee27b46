package agent

import (
	"testing"
)

func TestEventEmitterDelivers(t *testing.T) {
	e := NewEventEmitter(4)
	e.Emit(NewContentEvent("hello"))
	e.Close()

	var events []AgentEvent
	for ev := range e.Events() {
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Content != "hello" {
		t.Errorf("events = %+v", events)
	}
}

func TestEventEmitterDropsWhenFull(t *testing.T) {
	e := NewEventEmitter(1)
	e.Emit(NewContentEvent("first"))
	e.Emit(NewContentEvent("second")) // dropped, buffer full
	e.Close()

	var events []AgentEvent
	for ev := range e.Events() {
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Content != "first" {
		t.Errorf("events = %+v", events)
	}
}

func TestEventEmitterCloseIdempotent(t *testing.T) {
	e := NewEventEmitter(1)
	e.Close()
	e.Close()
	e.Emit(NewContentEvent("after close")) // silently dropped

	if _, ok := <-e.Events(); ok {
		t.Error("channel should be closed and empty")
	}
}

func TestEventConstructors(t *testing.T) {
	ev := NewErrorEvent("boom", 500)
	if ev.Kind != EventError || ev.Error.Status != 500 || ev.Timestamp.IsZero() {
		t.Errorf("event = %+v", ev)
	}

	comp := NewChatCompressedEvent(1000, 400)
	if comp.Compression.OriginalTokenCount != 1000 || comp.Compression.NewTokenCount != 400 {
		t.Errorf("compression = %+v", comp.Compression)
	}

	th := NewThoughtEvent("Plan", "read files first")
	if th.Thought.Subject != "Plan" {
		t.Errorf("thought = %+v", th.Thought)
	}
}
