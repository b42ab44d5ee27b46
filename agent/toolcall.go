package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/martinemde/helmsman/llm"
)

// ApprovalMode controls how much the scheduler asks before executing tools.
type ApprovalMode string

const (
	// ApprovalDefault confirms every tool call that requests confirmation.
	ApprovalDefault ApprovalMode = "default"
	// ApprovalAutoEdit auto-approves file edit confirmations only.
	ApprovalAutoEdit ApprovalMode = "auto-edit"
	// ApprovalYOLO skips confirmation entirely.
	ApprovalYOLO ApprovalMode = "yolo"
)

// ToolCallRequest is a model- or client-initiated request to run a tool.
type ToolCallRequest struct {
	CallID          string          `json:"call_id"`
	Name            string          `json:"name"`
	Args            json.RawMessage `json:"args"`
	PromptID        string          `json:"prompt_id"`
	ClientInitiated bool            `json:"client_initiated,omitempty"`
}

// ToolCallStatus is the lifecycle state of a scheduled tool call.
type ToolCallStatus string

const (
	StatusValidating       ToolCallStatus = "validating"
	StatusScheduled        ToolCallStatus = "scheduled"
	StatusAwaitingApproval ToolCallStatus = "awaiting_approval"
	StatusExecuting        ToolCallStatus = "executing"
	StatusSuccess          ToolCallStatus = "success"
	StatusError            ToolCallStatus = "error"
	StatusCancelled        ToolCallStatus = "cancelled"
)

// Error codes attached to terminal error states.
const (
	ErrCodeToolNotRegistered = "TOOL_NOT_REGISTERED"
	ErrCodeInvalidParams     = "INVALID_PARAMS"
	ErrCodeExecutionFailed   = "EXECUTION_FAILED"
)

// ToolCallResponse is the result of a completed (or failed, or cancelled)
// tool call, in the shape the model expects back.
type ToolCallResponse struct {
	CallID        string     `json:"call_id"`
	Parts         []llm.Part `json:"parts,omitempty"`
	ResultDisplay string     `json:"result_display,omitempty"`
	Err           error      `json:"-"`
}

// ConfirmationOutcome is the host's answer to a confirmation request.
type ConfirmationOutcome string

const (
	OutcomeProceedOnce         ConfirmationOutcome = "proceed_once"
	OutcomeProceedAlways       ConfirmationOutcome = "proceed_always"
	OutcomeProceedAlwaysServer ConfirmationOutcome = "proceed_always_server"
	OutcomeProceedAlwaysTool   ConfirmationOutcome = "proceed_always_tool"
	OutcomeModifyWithEditor    ConfirmationOutcome = "modify_with_editor"
	OutcomeCancel              ConfirmationOutcome = "cancel"
)

// ConfirmationKind tags ConfirmationDetails.
type ConfirmationKind string

const (
	ConfirmEdit ConfirmationKind = "edit"
	ConfirmExec ConfirmationKind = "exec"
	ConfirmMCP  ConfirmationKind = "mcp"
	ConfirmInfo ConfirmationKind = "info"
)

// ConfirmationDetails describes what the host is being asked to approve.
// Kind selects which fields are meaningful.
type ConfirmationDetails struct {
	Kind  ConfirmationKind `json:"kind"`
	Title string           `json:"title"`

	// edit
	FileName        string `json:"file_name,omitempty"`
	FileDiff        string `json:"file_diff,omitempty"`
	OriginalContent string `json:"original_content,omitempty"`
	NewContent      string `json:"new_content,omitempty"`
	IsModifying     bool   `json:"is_modifying,omitempty"`

	// exec
	Command     string `json:"command,omitempty"`
	RootCommand string `json:"root_command,omitempty"`

	// mcp
	ServerName string `json:"server_name,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// info
	Prompt string   `json:"prompt,omitempty"`
	URLs   []string `json:"urls,omitempty"`
}

// ConfirmationRequest pairs pending confirmation details with the call they
// belong to. The host answers via Scheduler.ResolveConfirmation.
type ConfirmationRequest struct {
	CallID  string               `json:"call_id"`
	Details *ConfirmationDetails `json:"details"`
}

// ConfirmationPayload carries host-side modifications made during approval.
type ConfirmationPayload struct {
	NewContent  string          `json:"new_content,omitempty"`
	UpdatedArgs json.RawMessage `json:"updated_args,omitempty"`
}

// ToolCall is an immutable snapshot of one call's lifecycle state. State
// transitions produce a new value rather than mutating in place, so handlers
// observing a snapshot never see a half-applied transition.
type ToolCall struct {
	Status       ToolCallStatus
	Request      ToolCallRequest
	Tool         Tool
	StartTime    time.Time
	DurationMs   int64
	Outcome      ConfirmationOutcome
	Confirmation *ConfirmationDetails
	LiveOutput   string
	Response     *ToolCallResponse
	ErrorCode    string
}

// Terminal reports whether the call has reached a final state.
func (tc ToolCall) Terminal() bool {
	switch tc.Status {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

func (tc ToolCall) asScheduled() ToolCall {
	next := tc
	next.Status = StatusScheduled
	next.Confirmation = nil
	return next
}

func (tc ToolCall) asAwaitingApproval(details *ConfirmationDetails) ToolCall {
	next := tc
	next.Status = StatusAwaitingApproval
	next.Confirmation = details
	return next
}

func (tc ToolCall) asExecuting() ToolCall {
	next := tc
	next.Status = StatusExecuting
	next.StartTime = time.Now()
	return next
}

func (tc ToolCall) elapsedMs() int64 {
	if tc.StartTime.IsZero() {
		return 0
	}
	return time.Since(tc.StartTime).Milliseconds()
}

func (tc ToolCall) asSuccess(resp *ToolCallResponse) ToolCall {
	next := tc
	next.Status = StatusSuccess
	next.Response = resp
	next.DurationMs = tc.elapsedMs()
	next.Confirmation = nil
	return next
}

func (tc ToolCall) asError(code string, resp *ToolCallResponse) ToolCall {
	next := tc
	next.Status = StatusError
	next.ErrorCode = code
	next.Response = resp
	next.DurationMs = tc.elapsedMs()
	next.Confirmation = nil
	return next
}

// asCancelled keeps Confirmation so the host can still show what the user
// declined.
func (tc ToolCall) asCancelled(resp *ToolCallResponse) ToolCall {
	next := tc
	next.Status = StatusCancelled
	next.Outcome = OutcomeCancel
	next.Response = resp
	next.DurationMs = tc.elapsedMs()
	return next
}

// AllowList records "always allow" decisions for the life of a session. It is
// an explicit value owned by the session, not process-global state.
type AllowList struct {
	mu      sync.RWMutex
	tools   map[string]bool
	servers map[string]bool
}

// NewAllowList creates an empty allowlist.
func NewAllowList() *AllowList {
	return &AllowList{
		tools:   make(map[string]bool),
		servers: make(map[string]bool),
	}
}

// AllowTool marks a tool as always allowed.
func (a *AllowList) AllowTool(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools[name] = true
}

// AllowServer marks an MCP server as always allowed.
func (a *AllowList) AllowServer(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.servers[name] = true
}

// ToolAllowed reports whether a tool was previously always-allowed.
func (a *AllowList) ToolAllowed(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tools[name]
}

// ServerAllowed reports whether an MCP server was previously always-allowed.
func (a *AllowList) ServerAllowed(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.servers[name]
}
