package voice

import (
	"fmt"
	"strings"
)

// FactoryConfig selects the speech backends.
type FactoryConfig struct {
	Mode         string
	OpenAI       OpenAIConfig
	ElevenLabs   ElevenLabsConfig
	LocalWhisper LocalWhisperConfig
}

// NewProviders builds the transcriber and synthesizer for the configured
// mode. "auto" prefers OpenAI for both, layers ElevenLabs in front of
// synthesis when its key is present, and degrades to the mock provider when
// no backend is configured. "local" pairs whisper.cpp transcription with
// whatever synthesizer auto would pick.
func NewProviders(cfg FactoryConfig) (Transcriber, Synthesizer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return autoProviders(cfg)
	case "openai":
		if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
			return nil, nil, fmt.Errorf("openai api key is required for openai voice mode")
		}
		p := NewOpenAIProvider(cfg.OpenAI)
		return p, p, nil
	case "elevenlabs":
		if strings.TrimSpace(cfg.ElevenLabs.APIKey) == "" {
			return nil, nil, fmt.Errorf("elevenlabs api key is required for elevenlabs voice mode")
		}
		transcriber, err := autoTranscriber(cfg)
		if err != nil {
			return nil, nil, err
		}
		return transcriber, NewElevenLabsSynthesizer(cfg.ElevenLabs), nil
	case "local":
		transcriber, err := NewLocalWhisperTranscriber(cfg.LocalWhisper)
		if err != nil {
			return nil, nil, err
		}
		_, synth, err := autoProviders(cfg)
		if err != nil {
			return nil, nil, err
		}
		return transcriber, synth, nil
	case "mock":
		p := NewMockProvider()
		return p, p, nil
	default:
		return nil, nil, fmt.Errorf("unsupported voice mode %q", cfg.Mode)
	}
}

func autoProviders(cfg FactoryConfig) (Transcriber, Synthesizer, error) {
	transcriber, err := autoTranscriber(cfg)
	if err != nil {
		return nil, nil, err
	}

	var synth Synthesizer
	if strings.TrimSpace(cfg.OpenAI.APIKey) != "" {
		synth = NewOpenAIProvider(cfg.OpenAI)
	} else {
		synth = NewMockProvider()
	}
	if strings.TrimSpace(cfg.ElevenLabs.APIKey) != "" {
		synth = NewFailoverSynthesizer(NewElevenLabsSynthesizer(cfg.ElevenLabs), synth)
	}
	return transcriber, synth, nil
}

func autoTranscriber(cfg FactoryConfig) (Transcriber, error) {
	if strings.TrimSpace(cfg.OpenAI.APIKey) != "" {
		return NewOpenAIProvider(cfg.OpenAI), nil
	}
	return NewMockProvider(), nil
}
