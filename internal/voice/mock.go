package voice

import (
	"context"
	"strings"
)

// MockProvider is a local fallback provider used when no speech backend is
// configured. Transcription treats the payload as UTF-8 text, which lets the
// CLI typed-input mode and tests run without audio hardware or keys.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Transcribe(_ context.Context, wav []byte) (string, error) {
	return strings.TrimSpace(string(wav)), nil
}

func (p *MockProvider) Synthesize(_ context.Context, text string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, nil
	}
	return Audio{Data: []byte(text), Format: "mock_text_bytes"}, nil
}
