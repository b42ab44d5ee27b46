package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/martinemde/helmsman/llm"
)

const (
	// Identical tool calls tolerated before declaring a loop.
	toolCallLoopThreshold = 5

	// Sliding window size for content repetition hashing.
	contentChunkSize = 50

	// Occurrences of one chunk that indicate content looping.
	contentLoopThreshold = 10

	// Repeats must be this densely packed, on average, to count as a loop.
	maxChunkSpacingFactor = 1.5

	// Tracked content is capped; older text ages out of the front.
	maxContentHistoryLength = 1000

	// Turn counts governing the LLM-adjudicated stagnation check.
	llmCheckAfterTurns      = 30
	defaultLLMCheckInterval = 3
	minLLMCheckInterval     = 5
	maxLLMCheckInterval     = 15

	// Conversation entries sent to the model for adjudication.
	llmLoopCheckHistoryCount = 20

	// Confidence above which the adjudicator's verdict is accepted.
	llmLoopConfidenceThreshold = 0.9
)

const loopCheckPrompt = `You are monitoring an AI agent's conversation for unproductive loops. A loop means the agent is repeating the same actions or statements without making progress toward the user's goal. Reviewing the recent conversation, estimate your confidence that the agent is stuck in such a loop. Respond with JSON.`

var loopCheckSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"reasoning": map[string]interface{}{
			"type":        "string",
			"description": "Brief analysis of whether the agent is making progress.",
		},
		"confidence": map[string]interface{}{
			"type":        "number",
			"description": "Confidence between 0 and 1 that the agent is looping.",
		},
	},
	"required": []interface{}{"reasoning", "confidence"},
}

// LoopDetector watches the event stream of a single prompt for three failure
// shapes: the same tool call repeated, the same content emitted over and
// over, and broader stagnation that only a model can judge. It is driven from
// the session goroutine only and needs no locking.
type LoopDetector struct {
	generator llm.ContentGenerator
	historyFn func() []llm.Content
	logger    zerolog.Logger

	promptID string

	// tool call repetition
	lastToolCallKey string
	toolCallRepeats int

	// content repetition
	contentHistory string
	contentOffsets map[string][]int
	lastChunkIndex int
	inCodeBlock    bool

	// LLM adjudication
	turnsInPrompt int
	lastCheckTurn int
	checkInterval int

	loopDetected bool
}

// NewLoopDetector creates a detector. generator may be nil to disable the
// LLM stagnation check; historyFn supplies the conversation for adjudication.
func NewLoopDetector(generator llm.ContentGenerator, historyFn func() []llm.Content, logger zerolog.Logger) *LoopDetector {
	return &LoopDetector{
		generator: generator,
		historyFn: historyFn,
		logger:    logger,
	}
}

// Reset prepares the detector for a new prompt. All tracking state is
// per-prompt.
func (d *LoopDetector) Reset(promptID string) {
	d.promptID = promptID
	d.lastToolCallKey = ""
	d.toolCallRepeats = 0
	d.resetContentTracking()
	d.inCodeBlock = false
	d.turnsInPrompt = 0
	d.lastCheckTurn = 0
	d.checkInterval = defaultLLMCheckInterval
	d.loopDetected = false
}

func (d *LoopDetector) resetContentTracking() {
	d.contentHistory = ""
	d.contentOffsets = make(map[string][]int)
	d.lastChunkIndex = 0
}

// TurnStarted is called at the top of each turn. After enough turns it asks
// the model whether the conversation has stalled, at an interval that
// tightens as the model grows more suspicious. Returns true when a loop has
// been declared.
func (d *LoopDetector) TurnStarted(ctx context.Context) bool {
	if d.loopDetected {
		return true
	}
	d.turnsInPrompt++
	if d.generator == nil || d.historyFn == nil {
		return false
	}
	if d.turnsInPrompt < llmCheckAfterTurns {
		return false
	}
	if d.turnsInPrompt-d.lastCheckTurn < d.checkInterval {
		return false
	}
	d.lastCheckTurn = d.turnsInPrompt

	confidence, ok := d.adjudicate(ctx)
	if !ok {
		// Adjudication failures never halt the session.
		return false
	}
	if confidence > llmLoopConfidenceThreshold {
		d.logger.Warn().
			Str("prompt_id", d.promptID).
			Float64("confidence", confidence).
			Msg("model adjudication detected an unproductive loop")
		d.loopDetected = true
		return true
	}
	interval := float64(minLLMCheckInterval) +
		float64(maxLLMCheckInterval-minLLMCheckInterval)*(1-confidence)
	d.checkInterval = int(math.Round(interval))
	return false
}

// adjudicate asks the model for a loop confidence over recent history.
func (d *LoopDetector) adjudicate(ctx context.Context) (float64, bool) {
	history := d.historyFn()
	if len(history) > llmLoopCheckHistoryCount {
		history = history[len(history)-llmLoopCheckHistoryCount:]
	}

	var sb strings.Builder
	for _, content := range history {
		sb.WriteString(string(content.Role))
		sb.WriteString(": ")
		sb.WriteString(content.TextContent())
		for _, fc := range content.FunctionCalls() {
			sb.WriteString("[called ")
			sb.WriteString(fc.Name)
			sb.WriteString("]")
		}
		sb.WriteString("\n")
	}

	resp, err := d.generator.GenerateContent(ctx, llm.GenerateRequest{
		Contents:          []llm.Content{llm.UserContent(sb.String())},
		SystemInstruction: loopCheckPrompt,
		Config: &llm.GenerationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   loopCheckSchema,
		},
	}, d.promptID)
	if err != nil {
		d.logger.Debug().Err(err).Msg("loop adjudication request failed")
		return 0, false
	}

	var verdict struct {
		Reasoning  string  `json:"reasoning"`
		Confidence float64 `json:"confidence"`
	}
	text := resp.Text()
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return 0, false
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdict); err != nil {
		d.logger.Debug().Err(err).Msg("loop adjudication returned malformed JSON")
		return 0, false
	}
	return verdict.Confidence, true
}

// AddAndCheck feeds one event to the detector and returns true when it
// crosses a loop threshold.
func (d *LoopDetector) AddAndCheck(event AgentEvent) bool {
	if d.loopDetected {
		return true
	}
	switch event.Kind {
	case EventToolCallRequest:
		d.loopDetected = d.checkToolCall(event.Request)
	case EventContent:
		d.loopDetected = d.checkContent(event.Content)
	}
	if d.loopDetected {
		d.logger.Warn().Str("prompt_id", d.promptID).Str("event", string(event.Kind)).Msg("loop detected")
	}
	return d.loopDetected
}

// checkToolCall counts consecutive identical tool calls. Identity covers the
// tool name and its arguments; any variation resets the streak.
func (d *LoopDetector) checkToolCall(req *ToolCallRequest) bool {
	// A tool call is forward progress for content purposes.
	d.resetContentTracking()
	if req == nil {
		return false
	}

	key := hashToolCall(req.Name, req.Args)
	if key == d.lastToolCallKey {
		d.toolCallRepeats++
	} else {
		d.lastToolCallKey = key
		d.toolCallRepeats = 1
	}
	return d.toolCallRepeats >= toolCallLoopThreshold
}

// hashToolCall produces a stable identity for a tool call by canonicalizing
// the argument JSON before hashing.
func hashToolCall(name string, args json.RawMessage) string {
	canonical := canonicalJSON(args)
	sum := sha256.Sum256([]byte(name + ":" + canonical))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-serializes JSON with sorted object keys so semantically
// identical arguments hash identically.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kj, _ := json.Marshal(k)
			sb.Write(kj)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	default:
		j, _ := json.Marshal(t)
		sb.Write(j)
	}
}

// checkContent tracks a sliding window over streamed text and flags dense
// repetition of any window. Code blocks legitimately repeat, so tracking is
// suspended inside them and reset around fences.
func (d *LoopDetector) checkContent(text string) bool {
	if text == "" {
		return false
	}

	numFences := strings.Count(text, "```")
	wasInCodeBlock := d.inCodeBlock
	if numFences%2 == 1 {
		d.inCodeBlock = !d.inCodeBlock
	}
	if wasInCodeBlock || numFences > 0 {
		d.resetContentTracking()
		return false
	}

	d.contentHistory += text
	d.truncateContentHistory()

	for i := d.lastChunkIndex; i+contentChunkSize <= len(d.contentHistory); i++ {
		chunk := d.contentHistory[i : i+contentChunkSize]
		sum := sha256.Sum256([]byte(chunk))
		key := hex.EncodeToString(sum[:])
		d.contentOffsets[key] = append(d.contentOffsets[key], i)
		d.lastChunkIndex = i + 1

		if d.isChunkLoop(key, chunk) {
			return true
		}
	}
	return false
}

// truncateContentHistory ages old text out of the front of the buffer,
// shifting recorded offsets to match.
func (d *LoopDetector) truncateContentHistory() {
	over := len(d.contentHistory) - maxContentHistoryLength
	if over <= 0 {
		return
	}
	d.contentHistory = d.contentHistory[over:]
	d.lastChunkIndex -= over
	if d.lastChunkIndex < 0 {
		d.lastChunkIndex = 0
	}
	for key, offsets := range d.contentOffsets {
		kept := offsets[:0]
		for _, off := range offsets {
			if off >= over {
				kept = append(kept, off-over)
			}
		}
		if len(kept) == 0 {
			delete(d.contentOffsets, key)
		} else {
			d.contentOffsets[key] = kept
		}
	}
}

// isChunkLoop decides whether a chunk's recorded occurrences form a loop:
// enough of them, actually identical (hashes can collide with truncated
// history), and packed closely together.
func (d *LoopDetector) isChunkLoop(key, chunk string) bool {
	offsets := d.contentOffsets[key]
	if len(offsets) < contentLoopThreshold {
		return false
	}

	recent := offsets[len(offsets)-contentLoopThreshold:]
	for _, off := range recent {
		if off+contentChunkSize > len(d.contentHistory) ||
			d.contentHistory[off:off+contentChunkSize] != chunk {
			return false
		}
	}

	totalSpacing := recent[len(recent)-1] - recent[0]
	avgSpacing := float64(totalSpacing) / float64(len(recent)-1)
	return avgSpacing <= maxChunkSpacingFactor*contentChunkSize
}
