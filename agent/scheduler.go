package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/martinemde/helmsman/llm"
)

// ErrSchedulerBusy is returned when a new batch is scheduled while calls from
// the previous batch are still executing or awaiting approval.
var ErrSchedulerBusy = errors.New("cannot schedule new tool calls while others are running or awaiting approval")

const cancelledByUserMessage = "[Operation Cancelled] Reason: User did not allow tool call"

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Registry     *ToolRegistry
	ApprovalMode ApprovalMode
	AllowList    *AllowList

	// OnOutputUpdate receives live output chunks from executing calls.
	OnOutputUpdate func(callID, output string)

	// OnToolCallsUpdate receives a snapshot of all tracked calls after every
	// state change.
	OnToolCallsUpdate func(calls []ToolCall)

	// OnAllToolCallsComplete receives the finished batch once every call has
	// reached a terminal state. The scheduler's slate is already cleared when
	// this fires.
	OnAllToolCallsComplete func(calls []ToolCall)

	// OutputCharLimits and OutputLineLimits override the default per-tool
	// truncation limits.
	OutputCharLimits map[string]int
	OutputLineLimits map[string]int

	Logger zerolog.Logger
}

// Scheduler drives tool calls through validation, confirmation, execution and
// completion. Calls in one batch execute together: nothing runs until every
// call in the batch has cleared validation and confirmation.
type Scheduler struct {
	cfg SchedulerConfig

	mu    sync.Mutex
	calls []ToolCall
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Registry == nil {
		cfg.Registry = NewToolRegistry()
	}
	if cfg.AllowList == nil {
		cfg.AllowList = NewAllowList()
	}
	if cfg.ApprovalMode == "" {
		cfg.ApprovalMode = ApprovalDefault
	}
	return &Scheduler{cfg: cfg}
}

func (s *Scheduler) lock()   { s.mu.Lock() }
func (s *Scheduler) unlock() { s.mu.Unlock() }

// Calls returns a snapshot of the currently tracked calls.
func (s *Scheduler) Calls() []ToolCall {
	s.lock()
	defer s.unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() []ToolCall {
	snapshot := make([]ToolCall, len(s.calls))
	copy(snapshot, s.calls)
	return snapshot
}

// Schedule validates and enqueues a batch of tool call requests. It returns
// ErrSchedulerBusy if the previous batch has not fully completed.
func (s *Scheduler) Schedule(ctx context.Context, requests []ToolCallRequest) error {
	if len(requests) == 0 {
		return nil
	}

	s.lock()
	for _, call := range s.calls {
		if call.Status == StatusExecuting || call.Status == StatusAwaitingApproval {
			s.unlock()
			return ErrSchedulerBusy
		}
	}

	start := len(s.calls)
	for _, req := range requests {
		tool := s.cfg.Registry.Get(req.Name)
		if tool == nil {
			msg := fmt.Sprintf("Tool %q not found in registry", req.Name)
			s.calls = append(s.calls, ToolCall{
				Status:    StatusError,
				Request:   req,
				ErrorCode: ErrCodeToolNotRegistered,
				Response: &ToolCallResponse{
					CallID:        req.CallID,
					Parts:         errorFunctionResponseParts(req.CallID, req.Name, msg),
					ResultDisplay: msg,
					Err:           errors.New(msg),
				},
			})
			continue
		}
		s.calls = append(s.calls, ToolCall{
			Status:  StatusValidating,
			Request: req,
			Tool:    tool,
		})
	}
	s.unlock()
	s.notifyUpdate()

	// Resolve each validating call to scheduled, awaiting approval or error.
	for i := start; i < start+len(requests); i++ {
		s.resolveValidation(ctx, i)
	}

	s.attemptExecution(ctx)
	s.checkCompletion()
	return nil
}

// resolveValidation moves one validating call forward. Index positions are
// stable because calls are only appended until the batch completes.
func (s *Scheduler) resolveValidation(ctx context.Context, idx int) {
	s.lock()
	call := s.calls[idx]
	s.unlock()
	if call.Status != StatusValidating {
		return
	}

	if err := s.validateArgs(call); err != nil {
		msg := fmt.Sprintf("Invalid arguments for tool %q: %v", call.Request.Name, err)
		s.setCall(idx, call.asError(ErrCodeInvalidParams, &ToolCallResponse{
			CallID:        call.Request.CallID,
			Parts:         errorFunctionResponseParts(call.Request.CallID, call.Request.Name, msg),
			ResultDisplay: msg,
			Err:           err,
		}))
		return
	}

	if s.cfg.ApprovalMode == ApprovalYOLO || s.cfg.AllowList.ToolAllowed(call.Request.Name) {
		s.setCall(idx, call.asScheduled())
		return
	}

	details, err := call.Tool.ShouldConfirmExecute(ctx, call.Request.Args)
	if err != nil {
		msg := fmt.Sprintf("Tool %q failed confirmation check: %v", call.Request.Name, err)
		s.setCall(idx, call.asError(ErrCodeExecutionFailed, &ToolCallResponse{
			CallID:        call.Request.CallID,
			Parts:         errorFunctionResponseParts(call.Request.CallID, call.Request.Name, msg),
			ResultDisplay: msg,
			Err:           err,
		}))
		return
	}
	if details == nil {
		s.setCall(idx, call.asScheduled())
		return
	}
	if details.Kind == ConfirmMCP && s.cfg.AllowList.ServerAllowed(details.ServerName) {
		s.setCall(idx, call.asScheduled())
		return
	}
	if s.cfg.ApprovalMode == ApprovalAutoEdit && details.Kind == ConfirmEdit {
		next := call.asScheduled()
		next.Outcome = OutcomeProceedOnce
		s.setCall(idx, next)
		return
	}

	s.setCall(idx, call.asAwaitingApproval(details))
}

func (s *Scheduler) validateArgs(call ToolCall) error {
	if _, err := ParseToolArguments(call.Request.Args); err != nil {
		return err
	}
	if err := ValidateAgainstSchema(call.Tool.Schema(), call.Request.Args); err != nil {
		return err
	}
	return call.Tool.ValidateParams(call.Request.Args)
}

// ResolveConfirmation applies the host's answer to a pending confirmation.
func (s *Scheduler) ResolveConfirmation(ctx context.Context, callID string, outcome ConfirmationOutcome, payload *ConfirmationPayload) error {
	s.lock()
	idx := -1
	for i, call := range s.calls {
		if call.Request.CallID == callID && call.Status == StatusAwaitingApproval {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.unlock()
		return fmt.Errorf("no tool call awaiting approval with id %q", callID)
	}
	call := s.calls[idx]
	s.unlock()

	switch outcome {
	case OutcomeCancel:
		s.setCall(idx, call.asCancelled(&ToolCallResponse{
			CallID:        call.Request.CallID,
			Parts:         errorFunctionResponseParts(call.Request.CallID, call.Request.Name, cancelledByUserMessage),
			ResultDisplay: cancelledByUserMessage,
			Err:           errors.New(cancelledByUserMessage),
		}))

	case OutcomeModifyWithEditor:
		modifiable, ok := call.Tool.(ModifiableTool)
		if !ok {
			return fmt.Errorf("tool %q does not support modification", call.Request.Name)
		}
		// Show the host that modification is in flight.
		details := *call.Confirmation
		details.IsModifying = true
		s.setCall(idx, call.asAwaitingApproval(&details))

		mc, err := modifiable.ModifyContext(ctx, call.Request.Args, payload)
		if err != nil {
			return fmt.Errorf("modify failed for tool %q: %w", call.Request.Name, err)
		}
		updated := *call.Confirmation
		updated.IsModifying = false
		if mc.UpdatedDiff != "" {
			updated.FileDiff = mc.UpdatedDiff
		}
		next := call
		if mc.UpdatedArgs != nil {
			next.Request.Args = mc.UpdatedArgs
		}
		s.setCall(idx, next.asAwaitingApproval(&updated))
		// Still awaiting approval; no execution attempt yet.
		return nil

	case OutcomeProceedAlways, OutcomeProceedAlwaysTool, OutcomeProceedAlwaysServer, OutcomeProceedOnce:
		switch outcome {
		case OutcomeProceedAlways, OutcomeProceedAlwaysTool:
			s.cfg.AllowList.AllowTool(call.Request.Name)
		case OutcomeProceedAlwaysServer:
			if call.Confirmation != nil && call.Confirmation.ServerName != "" {
				s.cfg.AllowList.AllowServer(call.Confirmation.ServerName)
			}
		}
		next := call
		if payload != nil && payload.UpdatedArgs != nil {
			next.Request.Args = payload.UpdatedArgs
		}
		scheduled := next.asScheduled()
		scheduled.Outcome = outcome
		s.setCall(idx, scheduled)

	default:
		return fmt.Errorf("unknown confirmation outcome %q", outcome)
	}

	s.attemptExecution(ctx)
	s.checkCompletion()
	return nil
}

// attemptExecution starts every scheduled call, but only once no call in the
// batch is still validating or awaiting approval.
func (s *Scheduler) attemptExecution(ctx context.Context) {
	s.lock()
	for _, call := range s.calls {
		if call.Status == StatusValidating || call.Status == StatusAwaitingApproval {
			s.unlock()
			return
		}
	}
	var toRun []int
	for i, call := range s.calls {
		if call.Status == StatusScheduled {
			s.calls[i] = call.asExecuting()
			toRun = append(toRun, i)
		}
	}
	s.unlock()

	if len(toRun) == 0 {
		return
	}
	s.notifyUpdate()

	for _, idx := range toRun {
		go s.runCall(ctx, idx)
	}
}

// runCall executes one call to a terminal state.
func (s *Scheduler) runCall(ctx context.Context, idx int) {
	s.lock()
	call := s.calls[idx]
	s.unlock()

	req := call.Request
	onOutput := func(chunk string) {
		s.lock()
		current := s.calls[idx]
		current.LiveOutput += chunk
		s.calls[idx] = current
		s.unlock()
		if s.cfg.OnOutputUpdate != nil {
			s.cfg.OnOutputUpdate(req.CallID, chunk)
		}
		s.notifyUpdate()
	}

	result, err := call.Tool.Execute(ctx, req.Args, onOutput)

	// Re-read so accumulated live output survives into the terminal state.
	s.lock()
	call = s.calls[idx]
	s.unlock()

	if ctx.Err() != nil {
		msg := "[Operation Cancelled] Reason: Request was cancelled"
		s.setCall(idx, call.asCancelled(&ToolCallResponse{
			CallID:        req.CallID,
			Parts:         errorFunctionResponseParts(req.CallID, req.Name, msg),
			ResultDisplay: msg,
			Err:           ctx.Err(),
		}))
		s.checkCompletion()
		return
	}

	if err == nil && result != nil && result.Error != nil {
		err = result.Error
	}
	if err != nil {
		msg := fmt.Sprintf("Tool %q failed: %v", req.Name, err)
		s.cfg.Logger.Debug().Str("tool", req.Name).Str("call_id", req.CallID).Err(err).Msg("tool execution failed")
		s.setCall(idx, call.asError(ErrCodeExecutionFailed, &ToolCallResponse{
			CallID:        req.CallID,
			Parts:         errorFunctionResponseParts(req.CallID, req.Name, msg),
			ResultDisplay: msg,
			Err:           err,
		}))
		s.checkCompletion()
		return
	}

	var content interface{}
	var display string
	if result != nil {
		content = result.LLMContent
		display = result.ReturnDisplay
	}
	if text, ok := content.(string); ok {
		content = TruncateToolOutput(text, req.Name, s.cfg.OutputCharLimits, s.cfg.OutputLineLimits)
	}

	s.setCall(idx, call.asSuccess(&ToolCallResponse{
		CallID:        req.CallID,
		Parts:         buildFunctionResponseParts(req.CallID, req.Name, content),
		ResultDisplay: display,
	}))
	s.checkCompletion()
}

// setCall replaces a call's state and notifies observers.
func (s *Scheduler) setCall(idx int, call ToolCall) {
	s.lock()
	s.calls[idx] = call
	s.unlock()
	s.notifyUpdate()
}

func (s *Scheduler) notifyUpdate() {
	if s.cfg.OnToolCallsUpdate == nil {
		return
	}
	s.lock()
	snapshot := s.snapshotLocked()
	s.unlock()
	s.cfg.OnToolCallsUpdate(snapshot)
}

// checkCompletion clears the slate and fires the completion handler once
// every call in the batch is terminal.
func (s *Scheduler) checkCompletion() {
	s.lock()
	if len(s.calls) == 0 {
		s.unlock()
		return
	}
	for _, call := range s.calls {
		if !call.Terminal() {
			s.unlock()
			return
		}
	}
	finished := s.calls
	s.calls = nil
	s.unlock()

	succeeded := 0
	for _, call := range finished {
		if call.Status == StatusSuccess {
			succeeded++
		}
	}
	s.cfg.Logger.Debug().
		Int("total", len(finished)).
		Int("succeeded", succeeded).
		Msg("tool call batch complete")

	if s.cfg.OnAllToolCallsComplete != nil {
		s.cfg.OnAllToolCallsComplete(finished)
	}
}

// responsesOf extracts the model-facing responses from a finished batch,
// skipping client-initiated calls whose results the model never asked for.
func responsesOf(calls []ToolCall) []llm.Part {
	var parts []llm.Part
	for _, call := range calls {
		if call.Request.ClientInitiated {
			continue
		}
		if call.Response != nil {
			parts = append(parts, call.Response.Parts...)
		}
	}
	return parts
}
