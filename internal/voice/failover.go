package voice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// NewFailoverSynthesizer builds a synthesizer that prefers the primary backend
// and automatically switches to fallback when primary synthesis fails.
// Once fallback succeeds, it stays active until fallback fails; then primary
// is retried.
func NewFailoverSynthesizer(primary, fallback Synthesizer) Synthesizer {
	return &failoverSynthesizer{primary: primary, fallback: fallback}
}

type failoverSynthesizer struct {
	primary        Synthesizer
	fallback       Synthesizer
	fallbackActive atomic.Bool
}

func (s *failoverSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	if s.fallbackActive.Load() {
		audio, fbErr := s.fallback.Synthesize(ctx, text)
		if fbErr == nil {
			return audio, nil
		}
		// Fallback failed after being active; try primary again.
		audio, prErr := s.primary.Synthesize(ctx, text)
		if prErr == nil {
			s.fallbackActive.Store(false)
			return audio, nil
		}
		return Audio{}, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	audio, prErr := s.primary.Synthesize(ctx, text)
	if prErr == nil {
		return audio, nil
	}
	audio, fbErr := s.fallback.Synthesize(ctx, text)
	if fbErr != nil {
		return Audio{}, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	s.fallbackActive.Store(true)
	return audio, nil
}
