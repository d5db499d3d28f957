package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-relay/internal/observability"
)

var (
	errEmptyReply = errors.New("empty reply")
	errEmptyAudio = errors.New("empty audio")
)

type Config struct {
	StageTimeout         time.Duration // applied to each external call separately
	SkipEmptyTranscripts bool          // end the batch without a reply when nothing was recognized
}

func DefaultConfig() Config {
	return Config{
		StageTimeout:         30 * time.Second,
		SkipEmptyTranscripts: true,
	}
}

// Batch is one flushed audio block and the identifiers needed to answer it.
type Batch struct {
	Seq       int
	CallSid   string
	StreamSid string
	Audio     []byte
}

type StageTimings struct {
	Transcription time.Duration
	Generation    time.Duration
	Synthesis     time.Duration
}

// Result holds every intermediate output of a completed run.
type Result struct {
	Transcript string
	Reply      string
	Audio      []byte
	Timings    StageTimings
}

// Pipeline runs STT -> reply -> TTS for a batch. It holds no per-call state and is shared by all sessions.
type Pipeline struct {
	transcriber Transcriber
	generator   ReplyGenerator
	synthesizer Synthesizer
	logger      *observability.Logger
	config      Config
}

func New(transcriber Transcriber, generator ReplyGenerator, synthesizer Synthesizer, logger *observability.Logger, config Config) (*Pipeline, error) {
	if transcriber == nil || generator == nil || synthesizer == nil {
		return nil, fmt.Errorf("pipeline adapters cannot be nil")
	}
	if config.StageTimeout <= 0 {
		config.StageTimeout = DefaultConfig().StageTimeout
	}
	return &Pipeline{
		transcriber: transcriber,
		generator:   generator,
		synthesizer: synthesizer,
		logger:      logger,
		config:      config,
	}, nil
}

// Run executes the three stages in order. A failing stage ends the batch: later stages are not called.
func (p *Pipeline) Run(ctx context.Context, batch Batch) (Result, error) {
	var result Result

	start := time.Now()
	transcript, err := callWithTimeout(ctx, p.config.StageTimeout, func(ctx context.Context) (string, error) {
		return p.transcriber.Transcribe(ctx, batch.Audio)
	})
	result.Timings.Transcription = time.Since(start)
	if err != nil {
		return result, newTranscriptionError(p.transcriber.Name(), err)
	}
	result.Transcript = strings.TrimSpace(transcript)

	if result.Transcript == "" && p.config.SkipEmptyTranscripts {
		p.logger.Debug(ctx, "Empty transcript, skipping reply")
		return result, ErrNoSpeech
	}

	start = time.Now()
	reply, err := callWithTimeout(ctx, p.config.StageTimeout, func(ctx context.Context) (string, error) {
		return p.generator.GenerateReply(ctx, ReplyRequest{CallSid: batch.CallSid, Transcript: result.Transcript})
	})
	result.Timings.Generation = time.Since(start)
	if err != nil {
		return result, newGenerationError(p.generator.Name(), err)
	}
	result.Reply = strings.TrimSpace(reply)
	if result.Reply == "" {
		return result, newGenerationError(p.generator.Name(), errEmptyReply)
	}

	start = time.Now()
	speech, err := callWithTimeout(ctx, p.config.StageTimeout, func(ctx context.Context) ([]byte, error) {
		return p.synthesizer.Synthesize(ctx, result.Reply)
	})
	result.Timings.Synthesis = time.Since(start)
	if err != nil {
		return result, newSynthesisError(p.synthesizer.Name(), err)
	}
	if len(speech) == 0 {
		return result, newSynthesisError(p.synthesizer.Name(), errEmptyAudio)
	}
	result.Audio = speech

	p.logger.Metrics(ctx,
		observability.MetricField{Key: "batch_seq", Value: batch.Seq},
		observability.MetricField{Key: "input_bytes", Value: len(batch.Audio)},
		observability.MetricField{Key: "output_bytes", Value: len(speech)},
		observability.MetricField{Key: "transcription_ms", Value: result.Timings.Transcription.Milliseconds()},
		observability.MetricField{Key: "generation_ms", Value: result.Timings.Generation.Milliseconds()},
		observability.MetricField{Key: "synthesis_ms", Value: result.Timings.Synthesis.Milliseconds()},
	)

	return result, nil
}

// callWithTimeout bounds fn by timeout even when fn ignores its context.
// A call that overruns keeps its goroutine until it returns, but the caller is released.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(stageCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-stageCtx.Done():
		var zero T
		return zero, fmt.Errorf("stage timed out after %s: %w", timeout, stageCtx.Err())
	}
}
