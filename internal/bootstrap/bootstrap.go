package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"voice-relay/internal/clients/googleai"
	kafkaClient "voice-relay/internal/clients/kafka"
	"voice-relay/internal/clients/openai"
	"voice-relay/internal/config"
	"voice-relay/internal/observability"
	"voice-relay/internal/voice/pipeline"
	voiceCallHandler "voice-relay/internal/voicecall/handler"
	voiceCallProcessor "voice-relay/internal/voicecall/processor"
	"voice-relay/internal/voicecall/session"
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	Logger *observability.Logger

	// Handlers
	VoiceCallHandler voiceCallHandler.Handler

	// Call sessions, closed on shutdown
	VoiceCallProcessor *voiceCallProcessor.VoiceCallProcessor
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Logger: logger,
	}

	// OpenAI always handles transcription and speech
	openAIClient, err := openai.NewClient(openai.Config{
		APIKey:             cfg.Services.OpenAIAPIKey,
		TranscriptionModel: cfg.Services.TranscriptionModel,
		ChatModel:          cfg.Services.ChatModel,
		SpeechModel:        cfg.Services.SpeechModel,
		SpeechVoice:        cfg.Services.SpeechVoice,
		SystemPrompt:       cfg.Services.SystemPrompt,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}

	var generator pipeline.ReplyGenerator = openAIClient
	if cfg.Services.ReplyProvider == config.ReplyProviderGemini {
		generator, err = googleai.NewGeminiReplyClient(ctx, googleai.Config{
			APIKey:       cfg.Services.GoogleAIAPIKey,
			Model:        cfg.Services.GeminiModel,
			SystemPrompt: cfg.Services.SystemPrompt,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
	}

	audioPipeline, err := pipeline.New(openAIClient, generator, openAIClient, logger, pipeline.Config{
		StageTimeout:         cfg.Pipeline.StageTimeout,
		SkipEmptyTranscripts: cfg.Pipeline.SkipEmptyTranscripts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audio pipeline: %w", err)
	}

	var publisher kafkaClient.EventPublisher = kafkaClient.NoopPublisher{}
	if brokers := splitBrokers(cfg.Kafka.Brokers); len(brokers) > 0 {
		publisher = kafkaClient.NewProducer(kafkaClient.ProducerConfig{
			Brokers: brokers,
			Topic:   cfg.Kafka.Topic,
		}, logger)
		logger.Info(ctx, fmt.Sprintf("Publishing call events to kafka topic %s", cfg.Kafka.Topic))
	}

	deps.VoiceCallProcessor = voiceCallProcessor.NewVoiceCallProcessor(audioPipeline, publisher, session.Config{
		BatchFragments:   cfg.Pipeline.BatchFragments,
		MaxQueuedBatches: cfg.Pipeline.MaxQueuedBatches,
		DefaultCallSid:   session.DefaultCallSid,
	}, logger)
	deps.VoiceCallHandler = voiceCallHandler.New(deps.VoiceCallProcessor, cfg.Server.PublicStreamURL, logger)

	logger.Info(ctx, fmt.Sprintf("Reply provider: %s, batch size: %d fragments", generator.Name(), cfg.Pipeline.BatchFragments))
	return deps, nil
}

// Cleanup ends all live calls and flushes call events
func (d *Dependencies) Cleanup(ctx context.Context) {
	if d.VoiceCallProcessor != nil {
		d.VoiceCallProcessor.Shutdown(ctx)
	}
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
