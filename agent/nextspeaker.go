package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/martinemde/helmsman/llm"
)

// Speaker says whose turn the conversation expects next.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

const nextSpeakerPrompt = `Analyze only the very last message of the conversation and decide who should speak next.

Rules, in priority order:
1. If the model stated it is about to take another action immediately (e.g. "Next, I will...", "Now I'll check..."), the model speaks next.
2. If the model asked the user a direct question, the user speaks next.
3. If the model completed the requested work or is clearly waiting for input, the user speaks next.

Respond with JSON.`

var nextSpeakerSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"reasoning": map[string]interface{}{
			"type":        "string",
			"description": "Brief justification for the decision.",
		},
		"next_speaker": map[string]interface{}{
			"type": "string",
			"enum": []interface{}{"user", "model"},
		},
	},
	"required": []interface{}{"reasoning", "next_speaker"},
}

// CheckNextSpeaker decides whether the model should keep going after a turn
// that ended without tool calls. An empty model response means the model
// stopped mid-thought and should continue; any adjudication failure defaults
// to handing control back to the user.
func CheckNextSpeaker(ctx context.Context, chat *Chat, generator llm.ContentGenerator, promptID string) Speaker {
	history := chat.History(true)
	if len(history) == 0 {
		return SpeakerUser
	}
	last := history[len(history)-1]
	if last.Role != llm.RoleModel {
		return SpeakerUser
	}
	if strings.TrimSpace(last.TextContent()) == "" && len(last.FunctionCalls()) == 0 {
		// The model produced nothing; prod it to continue.
		return SpeakerModel
	}

	contents := append(append([]llm.Content(nil), history...),
		llm.UserContent(nextSpeakerPrompt))
	resp, err := generator.GenerateContent(ctx, llm.GenerateRequest{
		Contents: contents,
		Config: &llm.GenerationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   nextSpeakerSchema,
		},
	}, promptID)
	if err != nil {
		return SpeakerUser
	}

	var verdict struct {
		Reasoning   string `json:"reasoning"`
		NextSpeaker string `json:"next_speaker"`
	}
	text := resp.Text()
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return SpeakerUser
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdict); err != nil {
		return SpeakerUser
	}
	if verdict.NextSpeaker == string(SpeakerModel) {
		return SpeakerModel
	}
	return SpeakerUser
}
