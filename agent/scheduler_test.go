package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, cfg SchedulerConfig) (*Scheduler, chan []ToolCall) {
	t.Helper()
	done := make(chan []ToolCall, 4)
	cfg.OnAllToolCallsComplete = func(calls []ToolCall) {
		done <- calls
	}
	return NewScheduler(cfg), done
}

func waitBatch(t *testing.T, done chan []ToolCall) []ToolCall {
	t.Helper()
	select {
	case calls := <-done:
		return calls
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for batch completion")
		return nil
	}
}

func req(id, name, args string) ToolCallRequest {
	return ToolCallRequest{CallID: id, Name: name, Args: json.RawMessage(args), PromptID: "p1"}
}

func TestScheduleUnknownTool(t *testing.T) {
	s, done := newTestScheduler(t, SchedulerConfig{Registry: NewToolRegistry()})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "nope", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	calls := waitBatch(t, done)
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	call := calls[0]
	if call.Status != StatusError || call.ErrorCode != ErrCodeToolNotRegistered {
		t.Errorf("status = %s, code = %s", call.Status, call.ErrorCode)
	}
	if call.DurationMs != 0 {
		t.Errorf("DurationMs = %d, want 0 for a call that never ran", call.DurationMs)
	}
	if call.Response == nil || call.Response.Err == nil {
		t.Error("expected error response")
	}
}

func TestScheduleInvalidParams(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{
		name: "read_file",
		schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"path"},
		},
	})
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "read_file", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	calls := waitBatch(t, done)
	if calls[0].Status != StatusError || calls[0].ErrorCode != ErrCodeInvalidParams {
		t.Errorf("status = %s, code = %s", calls[0].Status, calls[0].ErrorCode)
	}
}

func TestScheduleSuccessResponseShape(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{name: "echo", result: &ToolResult{LLMContent: "hello", ReturnDisplay: "hello"}})
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "echo", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	calls := waitBatch(t, done)
	call := calls[0]
	if call.Status != StatusSuccess {
		t.Fatalf("status = %s", call.Status)
	}
	if len(call.Response.Parts) != 1 {
		t.Fatalf("got %d parts", len(call.Response.Parts))
	}
	fr := call.Response.Parts[0].FunctionResponse
	if fr == nil || fr.ID != "c1" || fr.Name != "echo" {
		t.Fatalf("function response = %+v", fr)
	}
	if fr.Response["output"] != "hello" {
		t.Errorf(`Response["output"] = %v`, fr.Response["output"])
	}
	if call.DurationMs < 0 {
		t.Errorf("DurationMs = %d", call.DurationMs)
	}
	if len(s.Calls()) != 0 {
		t.Error("slate should be cleared after completion")
	}
}

func TestMixedBatchSingleCompletion(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{name: "echo", result: &ToolResult{LLMContent: "ok", ReturnDisplay: "ok"}})
	registry.Register(&fakeTool{name: "boom", execErr: errors.New("disk full")})
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry})

	requests := []ToolCallRequest{req("c1", "echo", `{}`), req("c2", "boom", `{}`)}
	if err := s.Schedule(context.Background(), requests); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	calls := waitBatch(t, done)
	if len(calls) != 2 {
		t.Fatalf("got %d calls", len(calls))
	}
	byID := map[string]ToolCall{}
	for _, call := range calls {
		byID[call.Request.CallID] = call
	}
	if byID["c1"].Status != StatusSuccess {
		t.Errorf("c1 status = %s", byID["c1"].Status)
	}
	if byID["c2"].Status != StatusError || byID["c2"].ErrorCode != ErrCodeExecutionFailed {
		t.Errorf("c2 status = %s, code = %s", byID["c2"].Status, byID["c2"].ErrorCode)
	}

	select {
	case extra := <-done:
		t.Errorf("unexpected second completion: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	if len(s.Calls()) != 0 {
		t.Error("slate should be cleared after completion")
	}
}

func TestScheduleBusyWhileAwaitingApproval(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{
		name:    "edit_file",
		confirm: &ConfirmationDetails{Kind: ConfirmEdit, Title: "edit", FileName: "a.go"},
	})
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "edit_file", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c2", "edit_file", `{}`)}); !errors.Is(err, ErrSchedulerBusy) {
		t.Errorf("err = %v, want ErrSchedulerBusy", err)
	}

	if err := s.ResolveConfirmation(context.Background(), "c1", OutcomeCancel, nil); err != nil {
		t.Fatalf("ResolveConfirmation: %v", err)
	}
	waitBatch(t, done)
}

func TestYOLOSkipsConfirmation(t *testing.T) {
	tool := &fakeTool{
		name:    "shell",
		confirm: &ConfirmationDetails{Kind: ConfirmExec, Title: "run", Command: "rm -rf /tmp/x"},
	}
	registry := NewToolRegistry()
	registry.Register(tool)
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry, ApprovalMode: ApprovalYOLO})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "shell", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	calls := waitBatch(t, done)
	if calls[0].Status != StatusSuccess {
		t.Errorf("status = %s", calls[0].Status)
	}
	if tool.executions() != 1 {
		t.Errorf("executions = %d", tool.executions())
	}
}

func TestAutoEditApprovesEditsOnly(t *testing.T) {
	edit := &fakeTool{name: "edit_file", confirm: &ConfirmationDetails{Kind: ConfirmEdit, Title: "edit"}}
	registry := NewToolRegistry()
	registry.Register(edit)
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry, ApprovalMode: ApprovalAutoEdit})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "edit_file", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	calls := waitBatch(t, done)
	if calls[0].Status != StatusSuccess {
		t.Errorf("status = %s", calls[0].Status)
	}
	if calls[0].Outcome != OutcomeProceedOnce {
		t.Errorf("outcome = %s", calls[0].Outcome)
	}
}

func TestBatchGateBlocksSiblings(t *testing.T) {
	needsApproval := &fakeTool{
		name:    "edit_file",
		confirm: &ConfirmationDetails{Kind: ConfirmEdit, Title: "edit"},
	}
	noApproval := &fakeTool{name: "read_file"}
	registry := NewToolRegistry()
	registry.Register(needsApproval)
	registry.Register(noApproval)
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry})

	err := s.Schedule(context.Background(), []ToolCallRequest{
		req("c1", "edit_file", `{}`),
		req("c2", "read_file", `{}`),
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Nothing may run while a sibling awaits approval.
	if noApproval.executions() != 0 {
		t.Fatal("read_file executed before sibling confirmation resolved")
	}

	if err := s.ResolveConfirmation(context.Background(), "c1", OutcomeProceedOnce, nil); err != nil {
		t.Fatalf("ResolveConfirmation: %v", err)
	}
	calls := waitBatch(t, done)
	if len(calls) != 2 {
		t.Fatalf("got %d calls", len(calls))
	}
	for _, call := range calls {
		if call.Status != StatusSuccess {
			t.Errorf("call %s status = %s", call.Request.CallID, call.Status)
		}
	}
	if noApproval.executions() != 1 || needsApproval.executions() != 1 {
		t.Errorf("executions = %d, %d", noApproval.executions(), needsApproval.executions())
	}
}

func TestCancelPreservesConfirmationDetails(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{
		name:    "edit_file",
		confirm: &ConfirmationDetails{Kind: ConfirmEdit, Title: "edit", FileDiff: "-old\n+new"},
	})
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "edit_file", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.ResolveConfirmation(context.Background(), "c1", OutcomeCancel, nil); err != nil {
		t.Fatalf("ResolveConfirmation: %v", err)
	}
	calls := waitBatch(t, done)
	call := calls[0]
	if call.Status != StatusCancelled {
		t.Fatalf("status = %s", call.Status)
	}
	if call.Confirmation == nil || call.Confirmation.FileDiff != "-old\n+new" {
		t.Error("cancelled call should keep its confirmation details")
	}
	if !strings.Contains(call.Response.ResultDisplay, "[Operation Cancelled]") {
		t.Errorf("display = %q", call.Response.ResultDisplay)
	}
	fr := call.Response.Parts[0].FunctionResponse
	if fr.Response["error"] == nil {
		t.Error("cancellation should report an error response to the model")
	}
}

func TestProceedAlwaysToolSkipsFutureConfirmations(t *testing.T) {
	tool := &fakeTool{
		name:    "shell",
		confirm: &ConfirmationDetails{Kind: ConfirmExec, Title: "run", Command: "ls"},
	}
	registry := NewToolRegistry()
	registry.Register(tool)
	allowList := NewAllowList()
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry, AllowList: allowList})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "shell", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.ResolveConfirmation(context.Background(), "c1", OutcomeProceedAlwaysTool, nil); err != nil {
		t.Fatalf("ResolveConfirmation: %v", err)
	}
	waitBatch(t, done)

	if !allowList.ToolAllowed("shell") {
		t.Fatal("shell should be allowlisted")
	}

	// Second batch goes straight through.
	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c2", "shell", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	calls := waitBatch(t, done)
	if calls[0].Status != StatusSuccess {
		t.Errorf("status = %s", calls[0].Status)
	}
}

func TestProceedAlwaysServerAllowlistsServer(t *testing.T) {
	tool := &fakeTool{
		name:    "mcp_search",
		confirm: &ConfirmationDetails{Kind: ConfirmMCP, Title: "mcp", ServerName: "search-server", ToolName: "search"},
	}
	registry := NewToolRegistry()
	registry.Register(tool)
	allowList := NewAllowList()
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry, AllowList: allowList})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "mcp_search", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.ResolveConfirmation(context.Background(), "c1", OutcomeProceedAlwaysServer, nil); err != nil {
		t.Fatalf("ResolveConfirmation: %v", err)
	}
	waitBatch(t, done)

	if !allowList.ServerAllowed("search-server") {
		t.Fatal("server should be allowlisted")
	}
	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c2", "mcp_search", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	calls := waitBatch(t, done)
	if calls[0].Status != StatusSuccess {
		t.Errorf("status = %s", calls[0].Status)
	}
}

func TestModifyWithEditorUpdatesArgs(t *testing.T) {
	tool := &fakeModifiableTool{
		fakeTool: fakeTool{
			name:    "edit_file",
			confirm: &ConfirmationDetails{Kind: ConfirmEdit, Title: "edit", FileDiff: "original diff"},
		},
	}
	registry := NewToolRegistry()
	registry.Register(tool)
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "edit_file", `{"content":"a"}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	payload := &ConfirmationPayload{UpdatedArgs: json.RawMessage(`{"content":"b"}`)}
	if err := s.ResolveConfirmation(context.Background(), "c1", OutcomeModifyWithEditor, payload); err != nil {
		t.Fatalf("ResolveConfirmation(modify): %v", err)
	}

	calls := s.Calls()
	if calls[0].Status != StatusAwaitingApproval {
		t.Fatalf("status = %s, want still awaiting approval", calls[0].Status)
	}
	if calls[0].Confirmation.FileDiff != "updated diff" {
		t.Errorf("diff = %q", calls[0].Confirmation.FileDiff)
	}

	if err := s.ResolveConfirmation(context.Background(), "c1", OutcomeProceedOnce, nil); err != nil {
		t.Fatalf("ResolveConfirmation(proceed): %v", err)
	}
	waitBatch(t, done)
	if string(tool.lastExecArgs()) != `{"content":"b"}` {
		t.Errorf("executed args = %s", tool.lastExecArgs())
	}
}

func TestExecutionFailure(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{name: "shell", execErr: errors.New("command exited 1")})
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "shell", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	calls := waitBatch(t, done)
	call := calls[0]
	if call.Status != StatusError || call.ErrorCode != ErrCodeExecutionFailed {
		t.Errorf("status = %s, code = %s", call.Status, call.ErrorCode)
	}
	if !strings.Contains(call.Response.ResultDisplay, "command exited 1") {
		t.Errorf("display = %q", call.Response.ResultDisplay)
	}
}

func TestMidExecutionCancellation(t *testing.T) {
	started := make(chan struct{})
	registry := NewToolRegistry()
	registry.Register(&fakeTool{
		name: "shell",
		execute: func(ctx context.Context, args json.RawMessage, onOutput func(string)) (*ToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Schedule(ctx, []ToolCallRequest{req("c1", "shell", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	<-started
	cancel()

	calls := waitBatch(t, done)
	if calls[0].Status != StatusCancelled {
		t.Errorf("status = %s", calls[0].Status)
	}
}

func TestLiveOutputRelay(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{
		name: "shell",
		execute: func(ctx context.Context, args json.RawMessage, onOutput func(string)) (*ToolResult, error) {
			onOutput("line 1\n")
			onOutput("line 2\n")
			return &ToolResult{LLMContent: "done"}, nil
		},
	})

	var mu sync.Mutex
	var chunks []string
	done := make(chan []ToolCall, 1)
	s := NewScheduler(SchedulerConfig{
		Registry: registry,
		OnOutputUpdate: func(callID, chunk string) {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
		},
		OnAllToolCallsComplete: func(calls []ToolCall) { done <- calls },
	})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "shell", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitBatch(t, done)

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 2 || chunks[0] != "line 1\n" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestOutputTruncationApplied(t *testing.T) {
	long := strings.Repeat("x", 500)
	registry := NewToolRegistry()
	registry.Register(&fakeTool{name: "shell", result: &ToolResult{LLMContent: long}})
	s, done := newTestScheduler(t, SchedulerConfig{
		Registry:         registry,
		OutputCharLimits: map[string]int{"shell": 100},
	})

	if err := s.Schedule(context.Background(), []ToolCallRequest{req("c1", "shell", `{}`)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	calls := waitBatch(t, done)
	output, _ := calls[0].Response.Parts[0].FunctionResponse.Response["output"].(string)
	if !strings.Contains(output, "truncated") {
		t.Error("expected truncation marker in output")
	}
	if len(output) >= 500 {
		t.Errorf("output length = %d, should be truncated", len(output))
	}
}

func TestResponsesOfSkipsClientInitiated(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{name: "echo"})
	s, done := newTestScheduler(t, SchedulerConfig{Registry: registry})

	clientReq := req("c1", "echo", `{}`)
	clientReq.ClientInitiated = true
	modelReq := req("c2", "echo", `{}`)

	if err := s.Schedule(context.Background(), []ToolCallRequest{clientReq, modelReq}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	calls := waitBatch(t, done)
	parts := responsesOf(calls)
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want only the model-initiated response", len(parts))
	}
	if parts[0].FunctionResponse.ID != "c2" {
		t.Errorf("response id = %s", parts[0].FunctionResponse.ID)
	}
}
