package agent

import (
	"context"
	"fmt"

	"github.com/martinemde/helmsman/llm"
)

const compressionSystemPrompt = `You are a conversation state summarizer. Produce a dense snapshot of the conversation so far that a fresh instance of the same agent could resume from. Capture, in order:

1. The user's overall goal and any explicit constraints.
2. What has been done so far: files read or changed, commands run, decisions made.
3. The current state: what is working, what is broken, open errors.
4. The immediate next steps that were planned or in progress.

Write plain prose. Do not add commentary, preamble, or advice. Omit pleasantries and anything already superseded.`

const compressionAcknowledgement = "Got it. I have the conversation snapshot and will continue from that state."

// findCompressSplitPoint returns the index separating the history to
// summarize from the tail to preserve verbatim. The tail keeps roughly
// preserveFraction of the entries and always starts at a user entry, so tool
// call and response pairs are never split.
func findCompressSplitPoint(history []llm.Content, preserveFraction float64) int {
	if len(history) == 0 {
		return 0
	}
	target := len(history) - int(float64(len(history))*preserveFraction)
	if target < 0 {
		target = 0
	}
	for i := target; i < len(history); i++ {
		if history[i].Role == llm.RoleUser {
			return i
		}
	}
	// No user entry in the tail; summarize everything.
	return len(history)
}

// CompressHistory summarizes the head of the conversation via the generator
// and returns a replacement history: a user entry wrapping the snapshot, a
// model acknowledgement, then the preserved tail verbatim.
func CompressHistory(ctx context.Context, generator llm.ContentGenerator, history []llm.Content, preserveFraction float64) ([]llm.Content, error) {
	split := findCompressSplitPoint(history, preserveFraction)
	if split == 0 {
		return history, nil
	}
	head := history[:split]
	tail := history[split:]

	resp, err := generator.GenerateContent(ctx, llm.GenerateRequest{
		Contents:          head,
		SystemInstruction: compressionSystemPrompt,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("history compression failed: %w", err)
	}
	summary := resp.Text()
	if summary == "" {
		return nil, fmt.Errorf("history compression produced an empty summary")
	}

	compressed := make([]llm.Content, 0, len(tail)+2)
	compressed = append(compressed,
		llm.UserContent("Conversation snapshot (earlier history was summarized):\n\n"+summary),
		llm.ModelContent(compressionAcknowledgement),
	)
	compressed = append(compressed, tail...)
	return compressed, nil
}
