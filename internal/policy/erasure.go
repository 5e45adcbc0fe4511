package policy

import (
	"regexp"
	"strings"
)

// ErasureIntent is a recognized spoken request to delete stored memories.
type ErasureIntent struct {
	// SubjectPrefix selects the records to delete. Empty means everything
	// known about the user.
	SubjectPrefix string
	// Acknowledgement is the reply spoken back once the deletion succeeded.
	Acknowledgement string
}

var (
	forgetEverythingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(?:please\s+)?forget\s+everything(?:\s+(?:about|you\s+know\s+about)\s+me)?\s*[.!]?\s*$`),
		regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:delete|erase|wipe)\s+(?:all\s+)?(?:your\s+)?(?:memories|memory)(?:\s+(?:about|of)\s+me)?\s*[.!]?\s*$`),
	}
	forgetTopicPattern = regexp.MustCompile(`(?i)^\s*(?:please\s+)?forget\s+(?:about\s+|what\s+you\s+know\s+about\s+)?my\s+([a-z][a-z ]{0,40}?)\s*[.!]?\s*$`)
)

// DetectErasure inspects a user utterance for an explicit deletion command.
// It matches only whole utterances so ordinary conversation mentioning
// forgetting never triggers a wipe.
func DetectErasure(utterance string) (ErasureIntent, bool) {
	in := strings.TrimSpace(utterance)
	if in == "" {
		return ErasureIntent{}, false
	}

	for _, re := range forgetEverythingPatterns {
		if re.MatchString(in) {
			return ErasureIntent{
				SubjectPrefix:   "user.",
				Acknowledgement: "Done. I've forgotten everything I knew about you.",
			}, true
		}
	}

	if m := forgetTopicPattern.FindStringSubmatch(in); m != nil {
		topic := normalizeTopic(m[1])
		if topic == "" {
			return ErasureIntent{}, false
		}
		return ErasureIntent{
			SubjectPrefix:   "user." + topic,
			Acknowledgement: "Done. I've forgotten what I knew about your " + strings.TrimSpace(m[1]) + ".",
		}, true
	}

	return ErasureIntent{}, false
}

// normalizeTopic maps a spoken topic to the subject key convention used by
// the fact extractor: lowercase, spaces collapsed to underscores.
func normalizeTopic(topic string) string {
	fields := strings.Fields(strings.ToLower(topic))
	if len(fields) == 0 {
		return ""
	}
	return strings.Join(fields, "_")
}
