package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrEmptyEnvironmentVariable   = errors.New("empty environment variable")
	ErrInvalidEnvironmentVariable = errors.New("invalid environment variable")
)

const (
	ReplyProviderOpenAI = "openai"
	ReplyProviderGemini = "gemini"

	defaultSystemPrompt = "You are a friendly phone assistant. Answer in one or two short sentences " +
		"that sound natural when spoken aloud."
)

// Config holds all application configuration
type Config struct {
	Services ServicesConfig
	Pipeline PipelineConfig
	Kafka    KafkaConfig
	Server   ServerConfig
}

// ServicesConfig holds external service API keys and model selection
type ServicesConfig struct {
	OpenAIAPIKey       string
	GoogleAIAPIKey     string
	ReplyProvider      string
	TranscriptionModel string
	ChatModel          string
	GeminiModel        string
	SpeechModel        string
	SpeechVoice        string
	SystemPrompt       string
}

// PipelineConfig controls per-call batching and the STT -> reply -> TTS stages
type PipelineConfig struct {
	BatchFragments       int           // media frames accumulated before a batch is dispatched
	StageTimeout         time.Duration // cap for each external call
	MaxQueuedBatches     int           // batches waiting behind the in-flight run
	SkipEmptyTranscripts bool
}

// KafkaConfig holds call event streaming configuration. Empty brokers disables publishing.
type KafkaConfig struct {
	Brokers string
	Topic   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	PublicStreamURL string
}

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}
	var err error

	// Services configuration
	if cfg.Services.OpenAIAPIKey, err = requireEnv("OPENAI_API_KEY"); err != nil {
		return nil, err
	}
	cfg.Services.ReplyProvider = getEnvWithDefault("REPLY_PROVIDER", ReplyProviderOpenAI)
	switch cfg.Services.ReplyProvider {
	case ReplyProviderOpenAI:
	case ReplyProviderGemini:
		if cfg.Services.GoogleAIAPIKey, err = requireEnv("GOOGLE_AI_API_KEY"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("REPLY_PROVIDER %q is not supported: %w", cfg.Services.ReplyProvider, ErrInvalidEnvironmentVariable)
	}
	cfg.Services.TranscriptionModel = getEnvWithDefault("OPENAI_TRANSCRIPTION_MODEL", "whisper-1")
	cfg.Services.ChatModel = getEnvWithDefault("OPENAI_CHAT_MODEL", "gpt-4o-mini")
	cfg.Services.GeminiModel = getEnvWithDefault("GEMINI_MODEL", "gemini-2.0-flash")
	cfg.Services.SpeechModel = getEnvWithDefault("OPENAI_SPEECH_MODEL", "tts-1")
	cfg.Services.SpeechVoice = getEnvWithDefault("OPENAI_SPEECH_VOICE", "alloy")
	cfg.Services.SystemPrompt = getEnvWithDefault("REPLY_SYSTEM_PROMPT", defaultSystemPrompt)

	// Pipeline configuration
	if cfg.Pipeline.BatchFragments, err = getIntEnv("AUDIO_BATCH_FRAGMENTS", 100); err != nil {
		return nil, err
	}
	if cfg.Pipeline.BatchFragments <= 0 {
		return nil, fmt.Errorf("AUDIO_BATCH_FRAGMENTS must be positive: %w", ErrInvalidEnvironmentVariable)
	}
	stageTimeout := getEnvWithDefault("PIPELINE_STAGE_TIMEOUT", "30s")
	if cfg.Pipeline.StageTimeout, err = time.ParseDuration(stageTimeout); err != nil || cfg.Pipeline.StageTimeout <= 0 {
		return nil, fmt.Errorf("failed to parse PIPELINE_STAGE_TIMEOUT %q: %w", stageTimeout, ErrInvalidEnvironmentVariable)
	}
	if cfg.Pipeline.MaxQueuedBatches, err = getIntEnv("PIPELINE_MAX_QUEUED_BATCHES", 4); err != nil {
		return nil, err
	}
	skipEmpty := getEnvWithDefault("PIPELINE_SKIP_EMPTY_TRANSCRIPTS", "true")
	if cfg.Pipeline.SkipEmptyTranscripts, err = strconv.ParseBool(skipEmpty); err != nil {
		return nil, fmt.Errorf("failed to parse PIPELINE_SKIP_EMPTY_TRANSCRIPTS: %w", ErrInvalidEnvironmentVariable)
	}

	// Kafka configuration
	cfg.Kafka.Brokers = os.Getenv("KAFKA_BROKERS")
	cfg.Kafka.Topic = getEnvWithDefault("KAFKA_TOPIC", "call-events")

	// Server configuration
	if cfg.Server.Port, err = getIntEnv("PORT", 8080); err != nil {
		return nil, err
	}
	cfg.Server.PublicStreamURL = os.Getenv("PUBLIC_STREAM_URL")

	return cfg, nil
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, ErrInvalidEnvironmentVariable)
	}
	return value, nil
}
