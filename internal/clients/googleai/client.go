package googleai

import (
	"context"
	"fmt"
	"strings"

	"voice-relay/internal/observability"
	"voice-relay/internal/voice/pipeline"

	"google.golang.org/genai"
)

const providerName = "gemini"

type Config struct {
	APIKey       string
	Model        string
	SystemPrompt string
	BaseURL      string // tests only
}

// GeminiReplyClient generates call replies with the Gemini API.
type GeminiReplyClient struct {
	client       *genai.Client
	model        string
	systemPrompt string
	logger       *observability.Logger
}

var _ pipeline.ReplyGenerator = (*GeminiReplyClient)(nil)

// NewGeminiReplyClient creates a Gemini client for single-turn reply generation
func NewGeminiReplyClient(ctx context.Context, config Config, logger *observability.Logger) (*GeminiReplyClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Google AI API key is required")
	}
	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google AI client: %w", err)
	}

	return &GeminiReplyClient{
		client:       client,
		model:        config.Model,
		systemPrompt: config.SystemPrompt,
		logger:       logger,
	}, nil
}

func (g *GeminiReplyClient) Name() string {
	return providerName
}

// GenerateReply answers a single transcript without prior turns.
func (g *GeminiReplyClient) GenerateReply(ctx context.Context, req pipeline.ReplyRequest) (string, error) {
	var config *genai.GenerateContentConfig
	if g.systemPrompt != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(g.systemPrompt, genai.RoleUser),
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Transcript), config)
	if err != nil {
		return "", fmt.Errorf("Gemini generate content failed: %w", err)
	}

	reply := strings.TrimSpace(resp.Text())
	g.logger.Debug(ctx, fmt.Sprintf("Gemini replied with %d characters", len(reply)))
	return reply, nil
}
