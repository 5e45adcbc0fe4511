package assistant

import (
	"fmt"
	"strings"

	"github.com/antoniostano/keepsake/internal/memory"
)

const basePrompt = `You are Keepsake, a warm, attentive voice companion. You speak in short,
natural sentences suited to being read aloud. You remember what the user has
told you across conversations and weave it in naturally, without reciting it
back like a database. Never invent memories you were not given.`

const memoryPreamble = "Things you remember about the user:"

const omittedMarker = "(older memories omitted)"

// BuildSystemPrompt renders the persona plus retrieved memories. Memories
// arrive ranked best-first; when the rendered lines exceed charBudget the
// lowest-ranked lines are dropped and a marker notes the omission.
func BuildSystemPrompt(memories []memory.Record, charBudget int) string {
	if len(memories) == 0 {
		return basePrompt
	}

	lines := make([]string, 0, len(memories))
	for _, r := range memories {
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s", r.Category, r.Subject, r.Content))
	}

	if charBudget > 0 {
		total := 0
		kept := 0
		for _, line := range lines {
			if total+len(line) > charBudget {
				break
			}
			total += len(line)
			kept++
		}
		if kept == 0 {
			kept = 1
		}
		if kept < len(lines) {
			lines = append(lines[:kept], omittedMarker)
		}
	}

	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")
	b.WriteString(memoryPreamble)
	for _, line := range lines {
		b.WriteByte('\n')
		b.WriteString(line)
	}
	return b.String()
}
