package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/martinemde/helmsman/llm"
)

const continuePrompt = "Please continue."

// ErrSessionBusy is returned when Submit is called while a prompt is already
// being processed.
var ErrSessionBusy = errors.New("session is already processing a prompt")

// SessionConfig configures an AgentSession.
type SessionConfig struct {
	// Model identifies the active model, used for context window sizing.
	Model string

	// SystemInstruction is the agent's system prompt.
	SystemInstruction string

	// MaxSessionTurns bounds model round-trips per submitted prompt.
	// Defaults to 100.
	MaxSessionTurns int

	// SessionTokenLimit stops the session when the history exceeds it.
	// Zero means no limit.
	SessionTokenLimit int

	// CompressionThreshold is the fraction of the model's context window at
	// which history is compressed. Defaults to 0.7.
	CompressionThreshold float64

	// CompressionPreserve is the fraction of history kept verbatim through a
	// compression. Defaults to 0.3.
	CompressionPreserve float64

	ApprovalMode ApprovalMode

	// EventBufferSize sizes the event channel. Defaults to 256.
	EventBufferSize int

	// OutputCharLimits and OutputLineLimits override per-tool truncation.
	OutputCharLimits map[string]int
	OutputLineLimits map[string]int

	Logger zerolog.Logger
}

// AgentSession runs the outer agent loop: it submits prompts, drives turns,
// dispatches tool calls, and decides when the conversation is done. Events
// stream to the host on Events(); confirmations come back through
// ResolveConfirmation.
type AgentSession struct {
	id        string
	cfg       SessionConfig
	client    llm.ContentGenerator
	chat      *Chat
	registry  *ToolRegistry
	scheduler *Scheduler
	detector  *LoopDetector
	emitter   *EventEmitter
	allowList *AllowList
	logger    zerolog.Logger

	mu        sync.Mutex
	running   bool
	confirmed map[string]bool
	batchDone chan []ToolCall
}

// NewAgentSession creates a session over the given generator and tools.
func NewAgentSession(client llm.ContentGenerator, registry *ToolRegistry, cfg SessionConfig) *AgentSession {
	if cfg.MaxSessionTurns <= 0 {
		cfg.MaxSessionTurns = 100
	}
	if cfg.CompressionThreshold <= 0 || cfg.CompressionThreshold >= 1 {
		cfg.CompressionThreshold = 0.7
	}
	if cfg.CompressionPreserve <= 0 || cfg.CompressionPreserve >= 1 {
		cfg.CompressionPreserve = 0.3
	}
	if registry == nil {
		registry = NewToolRegistry()
	}

	s := &AgentSession{
		id:        uuid.NewString(),
		cfg:       cfg,
		client:    client,
		registry:  registry,
		emitter:   NewEventEmitter(cfg.EventBufferSize),
		allowList: NewAllowList(),
		confirmed: make(map[string]bool),
		batchDone: make(chan []ToolCall, 1),
	}
	s.logger = cfg.Logger.With().Str("session_id", s.id).Logger()
	s.chat = NewChat(client, cfg.SystemInstruction, registry.Declarations())
	s.detector = NewLoopDetector(client, func() []llm.Content { return s.chat.History(true) }, s.logger)
	s.scheduler = NewScheduler(SchedulerConfig{
		Registry:          registry,
		ApprovalMode:      cfg.ApprovalMode,
		AllowList:         s.allowList,
		OnToolCallsUpdate: s.onToolCallsUpdate,
		OnAllToolCallsComplete: func(calls []ToolCall) {
			s.batchDone <- calls
		},
		OutputCharLimits: cfg.OutputCharLimits,
		OutputLineLimits: cfg.OutputLineLimits,
		Logger:           s.logger,
	})
	return s
}

// ID returns the session identifier.
func (s *AgentSession) ID() string {
	return s.id
}

// Events returns the event stream for the host to consume.
func (s *AgentSession) Events() <-chan AgentEvent {
	return s.emitter.Events()
}

// History returns the conversation so far.
func (s *AgentSession) History() []llm.Content {
	return s.chat.History(true)
}

// Close shuts down the event stream. The session must not be used after.
func (s *AgentSession) Close() {
	s.emitter.Close()
}

// ResolveConfirmation answers a pending tool call confirmation.
func (s *AgentSession) ResolveConfirmation(ctx context.Context, callID string, outcome ConfirmationOutcome, payload *ConfirmationPayload) error {
	return s.scheduler.ResolveConfirmation(ctx, callID, outcome, payload)
}

// onToolCallsUpdate surfaces newly pending confirmations as events.
func (s *AgentSession) onToolCallsUpdate(calls []ToolCall) {
	s.mu.Lock()
	var pending []ConfirmationRequest
	for _, call := range calls {
		if call.Status == StatusAwaitingApproval && !s.confirmed[call.Request.CallID] {
			s.confirmed[call.Request.CallID] = true
			pending = append(pending, ConfirmationRequest{
				CallID:  call.Request.CallID,
				Details: call.Confirmation,
			})
		}
	}
	s.mu.Unlock()
	for _, req := range pending {
		s.emitter.Emit(NewToolCallConfirmationEvent(req))
	}
}

// Submit runs one prompt to completion, streaming events along the way. It
// returns an error only for session-fatal failures such as authentication
// errors or cancellation; everything else is reported as events.
func (s *AgentSession) Submit(ctx context.Context, prompt string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	// A cancelled prompt can leave a finished batch behind; discard it.
	select {
	case <-s.batchDone:
	default:
	}

	promptID := uuid.NewString()
	s.detector.Reset(promptID)
	s.logger.Info().Str("prompt_id", promptID).Msg("prompt submitted")

	return s.run(ctx, promptID, []llm.Part{llm.TextPart(prompt)})
}

// run is the bounded outer loop: one iteration per model round-trip.
func (s *AgentSession) run(ctx context.Context, promptID string, parts []llm.Part) error {
	for turnsLeft := s.cfg.MaxSessionTurns; ; turnsLeft-- {
		if turnsLeft <= 0 {
			s.emitter.Emit(NewMaxSessionTurnsEvent())
			s.logger.Warn().Str("prompt_id", promptID).Msg("session turn budget exhausted")
			return nil
		}
		if ctx.Err() != nil {
			s.emitter.Emit(NewUserCancelledEvent())
			return ctx.Err()
		}

		if s.detector.TurnStarted(ctx) {
			s.emitter.Emit(NewLoopDetectedEvent())
			return nil
		}

		if err := s.tryCompress(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("history compression skipped")
		}
		if stop, err := s.overTokenLimit(ctx); err == nil && stop {
			s.emitter.Emit(NewSessionTokenLimitExceededEvent())
			return nil
		}

		turn := NewTurn(s.chat, promptID)
		turnEvents := turn.Run(ctx, parts)
		for event := range turnEvents {
			s.emitter.Emit(event)
			if s.detector.AddAndCheck(event) {
				// Drain the rest of the turn so its goroutine can exit.
				go func() {
					for range turnEvents {
					}
				}()
				s.emitter.Emit(NewLoopDetectedEvent())
				return nil
			}
		}
		if err := turn.FatalError(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pending := turn.PendingToolCalls()
		if len(pending) > 0 {
			responses, err := s.runTools(ctx, pending)
			if err != nil {
				return err
			}
			if len(responses) == 0 {
				return nil
			}
			parts = responses
			continue
		}

		if CheckNextSpeaker(ctx, s.chat, s.client, promptID) == SpeakerModel {
			parts = []llm.Part{llm.TextPart(continuePrompt)}
			continue
		}
		return nil
	}
}

// runTools schedules the turn's tool calls and blocks until the batch
// completes, emitting a response event per call. It returns the parts to
// feed back to the model.
func (s *AgentSession) runTools(ctx context.Context, requests []ToolCallRequest) ([]llm.Part, error) {
	if err := s.scheduler.Schedule(ctx, requests); err != nil {
		return nil, err
	}

	var finished []ToolCall
	select {
	case finished = <-s.batchDone:
	case <-ctx.Done():
		// The scheduler observes the same context and will cancel its calls;
		// drain the completion so the next batch starts clean.
		select {
		case <-s.batchDone:
		default:
		}
		return nil, ctx.Err()
	}

	for _, call := range finished {
		if call.Response != nil {
			s.emitter.Emit(NewToolCallResponseEvent(*call.Response))
		}
	}
	return responsesOf(finished), nil
}

// overTokenLimit reports whether the history has outgrown the configured
// session token budget.
func (s *AgentSession) overTokenLimit(ctx context.Context) (bool, error) {
	if s.cfg.SessionTokenLimit <= 0 {
		return false, nil
	}
	tokens, err := s.chat.CountTokens(ctx)
	if err != nil {
		return false, err
	}
	return tokens > s.cfg.SessionTokenLimit, nil
}

// tryCompress compresses history once it crosses the threshold fraction of
// the model's context window. A compression that fails to shrink the history
// is discarded.
func (s *AgentSession) tryCompress(ctx context.Context) error {
	tokens, err := s.chat.CountTokens(ctx)
	if err != nil {
		return err
	}
	window := llm.ContextWindow(s.cfg.Model)
	if float64(tokens) < s.cfg.CompressionThreshold*float64(window) {
		return nil
	}

	original := s.chat.History(true)
	compressed, err := CompressHistory(ctx, s.client, original, s.cfg.CompressionPreserve)
	if err != nil {
		return err
	}

	s.chat.SetHistory(compressed)
	newTokens, err := s.chat.CountTokens(ctx)
	if err != nil || newTokens >= tokens {
		// Compression inflated the history; keep the original.
		s.chat.SetHistory(original)
		if err == nil {
			s.logger.Debug().Int("before", tokens).Int("after", newTokens).
				Msg("compression discarded, history did not shrink")
		}
		return err
	}

	s.logger.Info().Int("before", tokens).Int("after", newTokens).Msg("history compressed")
	s.emitter.Emit(NewChatCompressedEvent(tokens, newTokens))
	return nil
}
