package llm

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		// cl100k_base is close enough for budgeting across providers.
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

func countText(text string) int {
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	// Offline fallback when the encoding data is unavailable.
	return len(text) / 4
}

// EstimateTokens computes the token footprint of a request. Function calls
// and responses are counted by their JSON serialization.
func EstimateTokens(req GenerateRequest) int {
	total := countText(req.SystemInstruction)
	for _, content := range req.Contents {
		for _, part := range content.Parts {
			switch {
			case part.Kind == PartText:
				total += countText(part.Text)
			case part.FunctionCall != nil:
				raw, _ := json.Marshal(part.FunctionCall)
				total += countText(string(raw))
			case part.FunctionResponse != nil:
				raw, _ := json.Marshal(part.FunctionResponse)
				total += countText(string(raw))
			case part.Blob != nil:
				total += len(part.Blob.Data) / 4
			}
		}
	}
	return total
}
