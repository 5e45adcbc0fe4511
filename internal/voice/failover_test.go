package voice

import (
	"context"
	"errors"
	"testing"
)

type countingSynth struct {
	calls int
	err   error
	tag   string
}

func (s *countingSynth) Synthesize(_ context.Context, _ string) (Audio, error) {
	s.calls++
	if s.err != nil {
		return Audio{}, s.err
	}
	return Audio{Data: []byte(s.tag), Format: "mock_text_bytes"}, nil
}

func TestFailoverPrefersPrimary(t *testing.T) {
	primary := &countingSynth{tag: "primary"}
	fallback := &countingSynth{tag: "fallback"}
	s := NewFailoverSynthesizer(primary, fallback)

	audio, err := s.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio.Data) != "primary" {
		t.Fatalf("served by %q, want primary", audio.Data)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback called %d times, want 0", fallback.calls)
	}
}

func TestFailoverSwitchesAndSticks(t *testing.T) {
	primary := &countingSynth{tag: "primary", err: errors.New("primary down")}
	fallback := &countingSynth{tag: "fallback"}
	s := NewFailoverSynthesizer(primary, fallback)

	for i := 0; i < 2; i++ {
		audio, err := s.Synthesize(context.Background(), "hello")
		if err != nil {
			t.Fatalf("Synthesize #%d: %v", i, err)
		}
		if string(audio.Data) != "fallback" {
			t.Fatalf("served by %q, want fallback", audio.Data)
		}
	}
	// Fallback stays active: primary is only probed on the first call.
	if primary.calls != 1 {
		t.Fatalf("primary called %d times, want 1", primary.calls)
	}
}

func TestFailoverReturnsToPrimaryWhenFallbackFails(t *testing.T) {
	primary := &countingSynth{tag: "primary", err: errors.New("primary down")}
	fallback := &countingSynth{tag: "fallback"}
	s := NewFailoverSynthesizer(primary, fallback)

	if _, err := s.Synthesize(context.Background(), "hello"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	primary.err = nil
	fallback.err = errors.New("fallback down")
	audio, err := s.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize after fallback failure: %v", err)
	}
	if string(audio.Data) != "primary" {
		t.Fatalf("served by %q, want primary", audio.Data)
	}

	// Both down surfaces a combined error.
	primary.err = errors.New("primary down again")
	fallback.err = errors.New("fallback still down")
	if _, err := s.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatal("Synthesize with both backends down returned nil error")
	}
}

func TestMockProviderRoundTrip(t *testing.T) {
	p := NewMockProvider()

	text, err := p.Transcribe(context.Background(), []byte("typed input\n"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "typed input" {
		t.Fatalf("text = %q, want %q", text, "typed input")
	}

	audio, err := p.Synthesize(context.Background(), "reply")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if audio.Format != "mock_text_bytes" || string(audio.Data) != "reply" {
		t.Fatalf("audio = %+v", audio)
	}
}
