package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/antoniostano/keepsake/internal/assistant"
	"github.com/antoniostano/keepsake/internal/brain"
	"github.com/antoniostano/keepsake/internal/config"
	"github.com/antoniostano/keepsake/internal/embed"
	"github.com/antoniostano/keepsake/internal/extract"
	"github.com/antoniostano/keepsake/internal/httpapi"
	"github.com/antoniostano/keepsake/internal/memory"
	"github.com/antoniostano/keepsake/internal/observability"
	"github.com/antoniostano/keepsake/internal/session"
	"github.com/antoniostano/keepsake/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *assistant.Orchestrator
	Store        *memory.Store
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources
	// (DB handles, local workers).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = log.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	embedder, err := resolveEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}

	backend, err := memory.NewBackend(ctx, cfg.DatabaseURL, cfg.MemoryPath)
	if err != nil {
		return nil, fmt.Errorf("memory backend init failed: %w", err)
	}
	store, err := memory.Open(ctx, memory.Options{
		Embedder:       embedder,
		Backend:        backend,
		DedupThreshold: cfg.DedupThreshold,
		ReinforceStep:  cfg.ReinforceStep,
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	metrics.MemoryRecords.Set(float64(store.Count()))

	adapter, err := brain.NewAdapter(brain.Config{
		Mode:    cfg.BrainMode,
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.ChatModel,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}

	extractor, err := extract.New(adapter, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("extractor init failed: %w", err)
	}

	transcriber, synthesizer, err := voice.NewProviders(voice.FactoryConfig{
		Mode: cfg.VoiceMode,
		OpenAI: voice.OpenAIConfig{
			APIKey:             cfg.OpenAIAPIKey,
			BaseURL:            cfg.OpenAIBaseURL,
			TranscriptionModel: cfg.TranscriptionModel,
			SpeechModel:        cfg.SpeechModel,
			SpeechVoice:        cfg.SpeechVoice,
		},
		ElevenLabs: voice.ElevenLabsConfig{
			APIKey:  cfg.ElevenLabsAPIKey,
			BaseURL: cfg.ElevenLabsBaseURL,
			VoiceID: cfg.ElevenLabsVoiceID,
			ModelID: cfg.ElevenLabsModelID,
		},
		LocalWhisper: voice.LocalWhisperConfig{
			CLIPath:   cfg.LocalWhisperCLI,
			ModelPath: cfg.LocalWhisperModelPath,
			Language:  cfg.LocalWhisperLanguage,
			Threads:   cfg.LocalWhisperThreads,
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("voice provider init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator, err := assistant.New(assistant.Options{
		Store:       store,
		Extractor:   extractor,
		Brain:       adapter,
		Transcriber: transcriber,
		Synthesizer: synthesizer,
		Sessions:    sessions,
		Metrics:     metrics,
		Logger:      logger,

		RetrieveK:           cfg.RetrieveK,
		MinConfidence:       cfg.MinConfidence,
		MemoryCharBudget:    cfg.MemoryCharBudget,
		MaxHistoryExchanges: cfg.MaxHistoryExchanges,

		RetryBase: cfg.RetryBackoffBase,
		RetryCap:  cfg.RetryBackoffCap,

		TranscribeTimeout: cfg.TranscribeTimeout,
		GenerateTimeout:   cfg.GenerateTimeout,
		ExtractTimeout:    cfg.ExtractTimeout,
		PersistTimeout:    cfg.PersistTimeout,
		SynthesizeTimeout: cfg.SynthesizeTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	api := httpapi.New(cfg, sessions, orchestrator, store, metrics)

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Store:        store,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

// resolveEmbedder picks the embedding backend. "auto" uses OpenAI when a key
// is present; the local hash embedder keeps everything runnable offline, at
// the cost of cruder similarity.
func resolveEmbedder(cfg config.Config) (embed.Embedder, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.EmbedMode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			return embed.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim), nil
		}
		return embed.NewLocalEmbedder(cfg.EmbeddingDim), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, fmt.Errorf("openai api key is required for openai embed mode")
		}
		return embed.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim), nil
	case "local":
		return embed.NewLocalEmbedder(cfg.EmbeddingDim), nil
	default:
		return nil, fmt.Errorf("unsupported embed mode %q", cfg.EmbedMode)
	}
}
