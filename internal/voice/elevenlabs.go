package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Settings     Settings
}

// ElevenLabsSynthesizer renders a whole reply in one text-to-speech request.
type ElevenLabsSynthesizer struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) *ElevenLabsSynthesizer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	return &ElevenLabsSynthesizer{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	if strings.TrimSpace(p.cfg.VoiceID) == "" {
		return Audio{}, fmt.Errorf("voice_id is required")
	}

	stability := clampSetting(p.cfg.Settings.Stability, 0.42)
	similarity := clampSetting(p.cfg.Settings.SimilarityBoost, 0.85)

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": p.cfg.ModelID,
		"voice_settings": map[string]any{
			"stability":        stability,
			"similarity_boost": similarity,
		},
	})
	if err != nil {
		return Audio{}, err
	}

	u := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(p.cfg.VoiceID) +
		"?output_format=" + url.QueryEscape(p.cfg.OutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Audio{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs synthesis: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return Audio{}, fmt.Errorf("elevenlabs synthesis HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("read synthesized audio: %w", err)
	}
	return Audio{Data: data, Format: "mp3"}, nil
}

func clampSetting(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	if v > 1 {
		return 1
	}
	return v
}
