package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"voice-relay/internal/observability"
	"voice-relay/internal/voice/audio"
	"voice-relay/internal/voice/pipeline"

	"github.com/openai/openai-go"
	openaiOption "github.com/openai/openai-go/option"
)

const providerName = "openai"

// Config selects models and voice. Zero values fall back to the defaults below.
type Config struct {
	APIKey             string
	BaseURL            string // tests and proxies only
	TranscriptionModel string
	ChatModel          string
	SpeechModel        string
	SpeechVoice        string
	SystemPrompt       string
	Language           string
	MaxReplyTokens     int64
}

// Client implements all three pipeline stages against the OpenAI API.
// It is stateless per call and safe for concurrent use by every session.
type Client struct {
	client openai.Client
	config Config
	logger *observability.Logger
}

var (
	_ pipeline.Transcriber    = (*Client)(nil)
	_ pipeline.ReplyGenerator = (*Client)(nil)
	_ pipeline.Synthesizer    = (*Client)(nil)
)

func NewClient(config Config, logger *observability.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if config.TranscriptionModel == "" {
		config.TranscriptionModel = "whisper-1"
	}
	if config.ChatModel == "" {
		config.ChatModel = "gpt-4o-mini"
	}
	if config.SpeechModel == "" {
		config.SpeechModel = "tts-1"
	}
	if config.SpeechVoice == "" {
		config.SpeechVoice = "alloy"
	}
	if config.MaxReplyTokens == 0 {
		config.MaxReplyTokens = 150
	}

	options := []openaiOption.RequestOption{
		openaiOption.WithAPIKey(config.APIKey),
		// the next audio batch is the retry point
		openaiOption.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		options = append(options, openaiOption.WithBaseURL(config.BaseURL))
	}

	return &Client{
		client: openai.NewClient(options...),
		config: config,
		logger: logger,
	}, nil
}

func (c *Client) Name() string {
	return providerName
}

// Transcribe decodes the μ-law block to PCM, wraps it as WAV and sends it to the transcription endpoint.
func (c *Client) Transcribe(ctx context.Context, block []byte) (string, error) {
	if len(block) == 0 {
		return "", fmt.Errorf("audio block is empty")
	}
	wav := audio.WrapPCMAsWAV(audio.DecodeMuLaw(block), audio.TelephonySampleRate)

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: openai.AudioModel(c.config.TranscriptionModel),
	}
	if c.config.Language != "" {
		params.Language = openai.String(c.config.Language)
	}

	transcription, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("OpenAI transcription request failed: %w", err)
	}

	c.logger.Debug(ctx, fmt.Sprintf("Transcribed %d bytes of audio into %d characters", len(block), len(transcription.Text)))
	return transcription.Text, nil
}

// GenerateReply answers a single transcript. No earlier turns are sent.
func (c *Client) GenerateReply(ctx context.Context, req pipeline.ReplyRequest) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if c.config.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(c.config.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Transcript))

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               openai.ChatModel(c.config.ChatModel),
		MaxCompletionTokens: openai.Int(c.config.MaxReplyTokens),
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI chat request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("OpenAI chat returned no choices")
	}

	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

// Synthesize requests raw 24 kHz PCM and converts it to 8 kHz μ-law for the phone line.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(c.config.SpeechModel),
		Voice:          openai.AudioSpeechNewParamsVoice(c.config.SpeechVoice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI TTS request failed: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read TTS audio: %w", err)
	}

	return audio.ConvertPCM24kHzToMuLaw8kHz(pcm), nil
}
