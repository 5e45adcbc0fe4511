package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig selects the transcription and speech models.
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	SpeechModel        string
	SpeechVoice        string
}

// OpenAIProvider transcribes with Whisper and synthesizes with the speech API.
type OpenAIProvider struct {
	client             *openai.Client
	transcriptionModel string
	speechModel        string
	speechVoice        string
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	transcriptionModel := strings.TrimSpace(cfg.TranscriptionModel)
	if transcriptionModel == "" {
		transcriptionModel = openai.Whisper1
	}
	speechModel := strings.TrimSpace(cfg.SpeechModel)
	if speechModel == "" {
		speechModel = string(openai.TTSModel1)
	}
	speechVoice := strings.TrimSpace(cfg.SpeechVoice)
	if speechVoice == "" {
		speechVoice = string(openai.VoiceAlloy)
	}
	return &OpenAIProvider{
		client:             openai.NewClientWithConfig(clientCfg),
		transcriptionModel: transcriptionModel,
		speechModel:        speechModel,
		speechVoice:        speechVoice,
	}
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", nil
	}
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.transcriptionModel,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(wav),
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (p *OpenAIProvider) Synthesize(ctx context.Context, text string) (Audio, error) {
	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model: openai.SpeechModel(p.speechModel),
		Input: text,
		Voice: openai.SpeechVoice(p.speechVoice),
	})
	if err != nil {
		return Audio{}, fmt.Errorf("speech synthesis: %w", err)
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return Audio{}, fmt.Errorf("read synthesized audio: %w", err)
	}
	return Audio{Data: data, Format: "mp3"}, nil
}
