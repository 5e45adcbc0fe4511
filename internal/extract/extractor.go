package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/antoniostano/keepsake/internal/brain"
	"github.com/antoniostano/keepsake/internal/memory"
	"github.com/antoniostano/keepsake/internal/policy"
)

const extractionPrompt = `You extract durable facts about the user from one conversation exchange.
Return ONLY a JSON object of the form {"facts": [...]}. Each fact has:
  "subject": a dotted key like "user.name" or "user.favorite_color" (lowercase, underscores)
  "content": one short declarative sentence stating the fact
  "category": one of "identity", "preference", "business-fact", "event", "other"
  "confidence": a number in [0,1], your certainty that the fact is real and durable
Extract only facts worth remembering across conversations. Transient chatter,
questions and opinions about the assistant yield {"facts": []}.`

const factsSchema = `{
  "type": "object",
  "required": ["facts"],
  "properties": {
    "facts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["subject", "content"],
        "properties": {
          "subject": {"type": "string", "minLength": 1},
          "content": {"type": "string", "minLength": 1},
          "category": {"type": "string"},
          "confidence": {"type": "number"}
        }
      }
    }
  }
}`

// Extractor turns a finished exchange into memory candidates by asking the
// generation backend for a constrained JSON document.
type Extractor struct {
	adapter brain.Adapter
	schema  *gojsonschema.Schema
	logger  *log.Logger
}

func New(adapter brain.Adapter, logger *log.Logger) (*Extractor, error) {
	if adapter == nil {
		return nil, fmt.Errorf("extractor requires a generation adapter")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(factsSchema))
	if err != nil {
		return nil, fmt.Errorf("compile extraction schema: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Extractor{adapter: adapter, schema: schema, logger: logger}, nil
}

type rawFact struct {
	Subject    string   `json:"subject"`
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence"`
}

type rawDocument struct {
	Facts []rawFact `json:"facts"`
}

// Extract returns zero or more candidates for the exchange. A provider error
// is returned to the caller; a malformed reply is not an error, it yields no
// candidates and a log line.
func (e *Extractor) Extract(ctx context.Context, sessionID, turnID, userText, assistantText string) ([]memory.Candidate, error) {
	input := fmt.Sprintf("User said: %s\nAssistant replied: %s", userText, assistantText)
	resp, err := e.adapter.Complete(ctx, brain.CompletionRequest{
		SessionID:    sessionID,
		TurnID:       turnID,
		SystemPrompt: extractionPrompt,
		InputText:    input,
		ForceJSON:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction completion: %w", err)
	}

	doc := stripCodeFence(resp.Text)
	result, err := e.schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil || !result.Valid() {
		e.logger.Printf("extract: discarding malformed extraction reply for turn %s: %v", turnID, validationDetail(result, err))
		return nil, nil
	}

	var parsed rawDocument
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		e.logger.Printf("extract: discarding unparseable extraction reply for turn %s: %v", turnID, err)
		return nil, nil
	}

	candidates := make([]memory.Candidate, 0, len(parsed.Facts))
	for _, f := range parsed.Facts {
		cand, ok := shapeFact(f, turnID)
		if !ok {
			e.logger.Printf("extract: dropping fact with empty subject or content for turn %s", turnID)
			continue
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// shapeFact normalizes one raw fact: trims, defaults missing confidence to
// 0.5, clamps out-of-range values, redacts PII from the content.
func shapeFact(f rawFact, turnID string) (memory.Candidate, bool) {
	subject := strings.TrimSpace(f.Subject)
	content := strings.TrimSpace(f.Content)
	if subject == "" || content == "" {
		return memory.Candidate{}, false
	}

	confidence := 0.5
	if f.Confidence != nil {
		confidence = *f.Confidence
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	content, _ = policy.RedactPII(content)

	return memory.Candidate{
		Subject:      subject,
		Content:      content,
		Category:     memory.ParseCategory(f.Category),
		Confidence:   confidence,
		SourceTurnID: turnID,
	}, true
}

// stripCodeFence unwraps a reply some models insist on fencing as ```json.
func stripCodeFence(text string) string {
	out := strings.TrimSpace(text)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}

func validationDetail(result *gojsonschema.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	var parts []string
	for _, desc := range result.Errors() {
		parts = append(parts, desc.String())
	}
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, "; ")
}
