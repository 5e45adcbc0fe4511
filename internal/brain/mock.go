package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// MockAdapter produces deterministic local replies when no generation
// backend is configured, so the voice loop stays usable offline.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

var mockNamePattern = regexp.MustCompile(`(?i)\bmy name is ([A-Za-z][A-Za-z\-']*)`)

func (a *MockAdapter) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	select {
	case <-ctx.Done():
		return CompletionResponse{}, ctx.Err()
	default:
	}

	if req.ForceJSON {
		return CompletionResponse{Text: buildMockExtraction(req.InputText)}, nil
	}
	return CompletionResponse{Text: buildMockReply(req)}, nil
}

func buildMockReply(req CompletionRequest) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		base = "I am listening."
	}
	if m := mockNamePattern.FindStringSubmatch(base); m != nil {
		return fmt.Sprintf("Nice to meet you, %s. I'll remember that.", m[1])
	}

	memories := memoryLinesOf(req.SystemPrompt)
	if len(memories) == 0 {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, memories[0])
}

// buildMockExtraction emits the structured extraction document for the
// obvious introductions, and an empty fact list for everything else.
func buildMockExtraction(input string) string {
	type fact struct {
		Subject    string  `json:"subject"`
		Content    string  `json:"content"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	}
	facts := []fact{}
	if m := mockNamePattern.FindStringSubmatch(input); m != nil {
		facts = append(facts, fact{
			Subject:    "user.name",
			Content:    fmt.Sprintf("The user's name is %s", m[1]),
			Category:   "identity",
			Confidence: 0.95,
		})
	}
	doc, _ := json.Marshal(map[string]any{"facts": facts})
	return string(doc)
}

func memoryLinesOf(systemPrompt string) []string {
	var out []string
	for _, line := range strings.Split(systemPrompt, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			out = append(out, strings.TrimPrefix(line, "- "))
		}
	}
	return out
}
