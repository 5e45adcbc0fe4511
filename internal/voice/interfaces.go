package voice

import "context"

// Audio is one synthesized utterance.
type Audio struct {
	Data   []byte
	Format string
}

// Transcriber turns one recorded WAV utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Synthesizer turns reply text into playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// Settings tunes synthesis where the backend supports it.
type Settings struct {
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}
