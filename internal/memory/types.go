package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category buckets a remembered fact.
type Category string

const (
	CategoryIdentity     Category = "identity"
	CategoryPreference   Category = "preference"
	CategoryBusinessFact Category = "business-fact"
	CategoryEvent        Category = "event"
	CategoryOther        Category = "other"
)

// ParseCategory maps free-form category text onto the enum, defaulting to other.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryIdentity:
		return CategoryIdentity
	case CategoryPreference:
		return CategoryPreference
	case CategoryBusinessFact:
		return CategoryBusinessFact
	case CategoryEvent:
		return CategoryEvent
	default:
		return CategoryOther
	}
}

// ErrStoreUnavailable signals that the durable backend could not be reached.
// Callers should treat the failed write as retryable and keep going.
var ErrStoreUnavailable = errors.New("memory store unavailable")

// Record is one persisted fact about the user or their business.
// Embedding always reflects the current Content; the store recomputes it
// whenever content changes, so readers never observe the two out of sync.
type Record struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	Content      string    `json:"content"`
	Category     Category  `json:"category"`
	Confidence   float64   `json:"confidence"`
	Embedding    []float32 `json:"-"`
	SourceTurnID string    `json:"source_turn_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Candidate is an upsert-ready fact proposed by the extractor.
type Candidate struct {
	Subject      string   `json:"subject"`
	Content      string   `json:"content"`
	Category     Category `json:"category"`
	Confidence   float64  `json:"confidence"`
	SourceTurnID string   `json:"source_turn_id,omitempty"`
}

func (c Candidate) validate() error {
	if strings.TrimSpace(c.Subject) == "" {
		return fmt.Errorf("candidate subject is empty")
	}
	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("candidate content is empty")
	}
	return nil
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
