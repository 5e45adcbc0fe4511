package assistant

import (
	"strings"
	"testing"

	"github.com/antoniostano/keepsake/internal/memory"
)

func TestBuildSystemPromptNoMemories(t *testing.T) {
	got := BuildSystemPrompt(nil, 2000)
	if got != basePrompt {
		t.Fatalf("prompt with no memories should be the bare persona, got %q", got)
	}
	if strings.Contains(got, memoryPreamble) {
		t.Fatal("empty memory set must not render the memory preamble")
	}
}

func TestBuildSystemPromptRendersRankedLines(t *testing.T) {
	recs := []memory.Record{
		{Subject: "user.name", Content: "The user's name is Alex", Category: memory.CategoryIdentity},
		{Subject: "user.city", Content: "The user lives in Lisbon", Category: memory.CategoryEvent},
	}
	got := BuildSystemPrompt(recs, 2000)

	if !strings.Contains(got, memoryPreamble) {
		t.Fatalf("prompt missing memory preamble: %q", got)
	}
	first := strings.Index(got, "- [identity] user.name: The user's name is Alex")
	second := strings.Index(got, "- [event] user.city: The user lives in Lisbon")
	if first < 0 || second < 0 {
		t.Fatalf("prompt missing memory lines: %q", got)
	}
	if first > second {
		t.Fatal("memory lines not in rank order")
	}
}

func TestBuildSystemPromptCharBudgetDropsTail(t *testing.T) {
	recs := []memory.Record{
		{Subject: "user.name", Content: "The user's name is Alex", Category: memory.CategoryIdentity},
		{Subject: "user.job", Content: strings.Repeat("x", 500), Category: memory.CategoryBusinessFact},
		{Subject: "user.city", Content: "The user lives in Lisbon", Category: memory.CategoryEvent},
	}
	got := BuildSystemPrompt(recs, 80)

	if !strings.Contains(got, "user.name") {
		t.Fatalf("highest-ranked memory dropped: %q", got)
	}
	if strings.Contains(got, "user.job") || strings.Contains(got, "user.city") {
		t.Fatalf("over-budget memories not dropped: %q", got)
	}
	if !strings.Contains(got, omittedMarker) {
		t.Fatalf("prompt missing omission marker: %q", got)
	}
}

func TestBuildSystemPromptBudgetKeepsAtLeastOne(t *testing.T) {
	recs := []memory.Record{
		{Subject: "user.story", Content: strings.Repeat("y", 300), Category: memory.CategoryOther},
		{Subject: "user.city", Content: "The user lives in Lisbon", Category: memory.CategoryEvent},
	}
	got := BuildSystemPrompt(recs, 10)
	if !strings.Contains(got, "user.story") {
		t.Fatalf("tiny budget must still keep the top memory: %q", got)
	}
	if strings.Contains(got, "user.city") {
		t.Fatalf("budget overflow kept a lower-ranked memory: %q", got)
	}
}
