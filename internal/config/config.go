package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the keepsake assistant.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	// Collaborator selection.
	BrainMode string // auto|openai|mock
	VoiceMode string // auto|openai|elevenlabs|local|mock
	EmbedMode string // auto|openai|local

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	ChatModel          string
	TranscriptionModel string
	SpeechModel        string
	SpeechVoice        string
	EmbeddingModel     string
	EmbeddingDim       int

	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	ElevenLabsVoiceID string
	ElevenLabsModelID string

	LocalWhisperCLI       string
	LocalWhisperModelPath string
	LocalWhisperLanguage  string
	LocalWhisperThreads   int

	// Memory store.
	DatabaseURL      string
	MemoryPath       string
	DedupThreshold   float64
	ReinforceStep    float64
	RetrieveK        int
	MinConfidence    float64
	MemoryCharBudget int

	// Conversation window fed back to the generation service.
	MaxHistoryExchanges int

	// Per-turn collaborator timeouts.
	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	ExtractTimeout    time.Duration
	SynthesizeTimeout time.Duration
	PersistTimeout    time.Duration
	RetryBackoffBase  time.Duration
	RetryBackoffCap   time.Duration

	SampleRate int
}

// Load reads .env (if present) and environment variables, applying safe defaults.
func Load() (Config, error) {
	// Matches the CLI workflow: secrets live in a local .env next to the binary.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "keepsake"),

		BrainMode: envOrDefault("BRAIN_MODE", "auto"),
		VoiceMode: envOrDefault("VOICE_MODE", "auto"),
		EmbedMode: envOrDefault("EMBED_MODE", "auto"),

		OpenAIAPIKey:       trimmedEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:      trimmedEnv("OPENAI_BASE_URL"),
		ChatModel:          envOrDefault("CHAT_MODEL", "gpt-4o-mini"),
		TranscriptionModel: envOrDefault("TRANSCRIPTION_MODEL", "whisper-1"),
		SpeechModel:        envOrDefault("SPEECH_MODEL", "tts-1"),
		SpeechVoice:        envOrDefault("SPEECH_VOICE", "alloy"),
		EmbeddingModel:     envOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDim:       1536,

		ElevenLabsAPIKey:  trimmedEnv("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL: envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsVoiceID: envOrDefault("ELEVENLABS_VOICE_ID", "pNInz6obpgDQGcFmaJgB"),
		ElevenLabsModelID: envOrDefault("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),

		LocalWhisperCLI:       envOrDefault("LOCAL_WHISPER_CLI", "whisper-cli"),
		LocalWhisperModelPath: envOrDefault("LOCAL_WHISPER_MODEL_PATH", ".models/whisper/ggml-base.bin"),
		LocalWhisperLanguage:  envOrDefault("LOCAL_WHISPER_LANGUAGE", "en"),
		LocalWhisperThreads:   0,

		DatabaseURL:      trimmedEnv("DATABASE_URL"),
		MemoryPath:       envOrDefault("MEMORY_PATH", "keepsake.db"),
		DedupThreshold:   0.92,
		ReinforceStep:    0.15,
		RetrieveK:        5,
		MinConfidence:    0,
		MemoryCharBudget: 2000,

		MaxHistoryExchanges: 10,

		TranscribeTimeout: 15 * time.Second,
		GenerateTimeout:   30 * time.Second,
		ExtractTimeout:    20 * time.Second,
		SynthesizeTimeout: 20 * time.Second,
		PersistTimeout:    5 * time.Second,
		RetryBackoffBase:  300 * time.Millisecond,
		RetryBackoffCap:   2 * time.Second,

		SampleRate:               16000,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingDim, err = intFromEnv("EMBEDDING_DIM", cfg.EmbeddingDim); err != nil {
		return Config{}, err
	}
	if cfg.DedupThreshold, err = floatFromEnv("MEMORY_DEDUP_THRESHOLD", cfg.DedupThreshold); err != nil {
		return Config{}, err
	}
	if cfg.ReinforceStep, err = floatFromEnv("MEMORY_REINFORCE_STEP", cfg.ReinforceStep); err != nil {
		return Config{}, err
	}
	if cfg.RetrieveK, err = intFromEnv("MEMORY_RETRIEVE_K", cfg.RetrieveK); err != nil {
		return Config{}, err
	}
	if cfg.MinConfidence, err = floatFromEnv("MEMORY_MIN_CONFIDENCE", cfg.MinConfidence); err != nil {
		return Config{}, err
	}
	if cfg.MemoryCharBudget, err = intFromEnv("MEMORY_PROMPT_CHAR_BUDGET", cfg.MemoryCharBudget); err != nil {
		return Config{}, err
	}
	if cfg.TranscribeTimeout, err = durationFromEnv("TRANSCRIBE_TIMEOUT", cfg.TranscribeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.GenerateTimeout, err = durationFromEnv("GENERATE_TIMEOUT", cfg.GenerateTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ExtractTimeout, err = durationFromEnv("EXTRACT_TIMEOUT", cfg.ExtractTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxHistoryExchanges, err = intFromEnv("SESSION_MAX_HISTORY", cfg.MaxHistoryExchanges); err != nil {
		return Config{}, err
	}
	if cfg.LocalWhisperThreads, err = intFromEnv("LOCAL_WHISPER_THREADS", cfg.LocalWhisperThreads); err != nil {
		return Config{}, err
	}
	if cfg.SynthesizeTimeout, err = durationFromEnv("SYNTHESIZE_TIMEOUT", cfg.SynthesizeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PersistTimeout, err = durationFromEnv("MEMORY_PERSIST_TIMEOUT", cfg.PersistTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.SampleRate); err != nil {
		return Config{}, err
	}
	ephemeral, err := boolFromEnv("MEMORY_EPHEMERAL", false)
	if err != nil {
		return Config{}, err
	}
	if ephemeral {
		cfg.MemoryPath = ""
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("EMBEDDING_DIM must be positive")
	}
	if cfg.DedupThreshold <= 0 || cfg.DedupThreshold > 1 {
		return Config{}, fmt.Errorf("MEMORY_DEDUP_THRESHOLD must be in (0,1]")
	}
	if cfg.ReinforceStep < 0 || cfg.ReinforceStep >= 1 {
		return Config{}, fmt.Errorf("MEMORY_REINFORCE_STEP must be in [0,1)")
	}
	if cfg.RetrieveK < 0 {
		return Config{}, fmt.Errorf("MEMORY_RETRIEVE_K must be >= 0")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return Config{}, fmt.Errorf("MEMORY_MIN_CONFIDENCE must be in [0,1]")
	}
	if cfg.MemoryCharBudget <= 0 {
		return Config{}, fmt.Errorf("MEMORY_PROMPT_CHAR_BUDGET must be positive")
	}
	if cfg.MaxHistoryExchanges <= 0 {
		return Config{}, fmt.Errorf("SESSION_MAX_HISTORY must be positive")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
