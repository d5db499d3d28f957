package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"voice-relay/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type mocks struct {
	stt *MockTranscriber
	gen *MockReplyGenerator
	tts *MockSynthesizer
}

func newTestPipeline(t *testing.T, config Config) (*Pipeline, mocks) {
	t.Helper()
	ctrl := gomock.NewController(t)

	m := mocks{
		stt: NewMockTranscriber(ctrl),
		gen: NewMockReplyGenerator(ctrl),
		tts: NewMockSynthesizer(ctrl),
	}
	m.stt.EXPECT().Name().Return("stt-mock").AnyTimes()
	m.gen.EXPECT().Name().Return("gen-mock").AnyTimes()
	m.tts.EXPECT().Name().Return("tts-mock").AnyTimes()

	p, err := New(m.stt, m.gen, m.tts, observability.NewLogger(), config)
	require.NoError(t, err)
	return p, m
}

func TestNewRejectsNilAdapters(t *testing.T) {
	_, err := New(nil, nil, nil, observability.NewLogger(), DefaultConfig())
	assert.Error(t, err)
}

func TestRunSuccess(t *testing.T) {
	p, m := newTestPipeline(t, DefaultConfig())
	batch := Batch{Seq: 1, CallSid: "CA123", StreamSid: "MZ1", Audio: []byte{1, 2, 3}}

	gomock.InOrder(
		m.stt.EXPECT().Transcribe(gomock.Any(), []byte{1, 2, 3}).Return("  hello there ", nil),
		m.gen.EXPECT().GenerateReply(gomock.Any(), ReplyRequest{CallSid: "CA123", Transcript: "hello there"}).Return("hi!", nil),
		m.tts.EXPECT().Synthesize(gomock.Any(), "hi!").Return([]byte{0xFF, 0xFE}, nil),
	)

	result, err := p.Run(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Transcript)
	assert.Equal(t, "hi!", result.Reply)
	assert.Equal(t, []byte{0xFF, 0xFE}, result.Audio)
}

func TestRunTranscriptionFailureStopsPipeline(t *testing.T) {
	p, m := newTestPipeline(t, DefaultConfig())
	cause := errors.New("quota exceeded")

	m.stt.EXPECT().Transcribe(gomock.Any(), gomock.Any()).Return("", cause)
	// no GenerateReply / Synthesize expectations: any call fails the test

	_, err := p.Run(context.Background(), Batch{Audio: []byte{1}})
	var te *TranscriptionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "stt-mock", te.Provider)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StageTranscription, FailedStage(err))
}

func TestRunEmptyTranscriptSkipsReply(t *testing.T) {
	p, m := newTestPipeline(t, DefaultConfig())
	m.stt.EXPECT().Transcribe(gomock.Any(), gomock.Any()).Return("   ", nil)

	_, err := p.Run(context.Background(), Batch{Audio: []byte{1}})
	assert.ErrorIs(t, err, ErrNoSpeech)
	assert.Empty(t, FailedStage(err))
}

func TestRunEmptyTranscriptForwardedWhenSkipDisabled(t *testing.T) {
	config := DefaultConfig()
	config.SkipEmptyTranscripts = false
	p, m := newTestPipeline(t, config)

	m.stt.EXPECT().Transcribe(gomock.Any(), gomock.Any()).Return("", nil)
	m.gen.EXPECT().GenerateReply(gomock.Any(), ReplyRequest{CallSid: "CA1"}).Return("Sorry, I didn't catch that.", nil)
	m.tts.EXPECT().Synthesize(gomock.Any(), "Sorry, I didn't catch that.").Return([]byte{1}, nil)

	result, err := p.Run(context.Background(), Batch{CallSid: "CA1", Audio: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, result.Audio)
}

func TestRunGenerationFailureSkipsSynthesis(t *testing.T) {
	p, m := newTestPipeline(t, DefaultConfig())
	m.stt.EXPECT().Transcribe(gomock.Any(), gomock.Any()).Return("hello", nil)
	m.gen.EXPECT().GenerateReply(gomock.Any(), gomock.Any()).Return("", errors.New("503"))

	_, err := p.Run(context.Background(), Batch{Audio: []byte{1}})
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, StageGeneration, FailedStage(err))
}

func TestRunEmptyReplyIsGenerationError(t *testing.T) {
	p, m := newTestPipeline(t, DefaultConfig())
	m.stt.EXPECT().Transcribe(gomock.Any(), gomock.Any()).Return("hello", nil)
	m.gen.EXPECT().GenerateReply(gomock.Any(), gomock.Any()).Return(" ", nil)

	_, err := p.Run(context.Background(), Batch{Audio: []byte{1}})
	var ge *GenerationError
	assert.ErrorAs(t, err, &ge)
}

func TestRunSynthesisFailures(t *testing.T) {
	tests := []struct {
		name  string
		audio []byte
		err   error
	}{
		{name: "service error", err: errors.New("bad voice")},
		{name: "empty audio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, m := newTestPipeline(t, DefaultConfig())
			m.stt.EXPECT().Transcribe(gomock.Any(), gomock.Any()).Return("hello", nil)
			m.gen.EXPECT().GenerateReply(gomock.Any(), gomock.Any()).Return("hi", nil)
			m.tts.EXPECT().Synthesize(gomock.Any(), "hi").Return(tt.audio, tt.err)

			_, err := p.Run(context.Background(), Batch{Audio: []byte{1}})
			var se *SynthesisError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestRunStageTimeoutHonoredByContextAwareAdapter(t *testing.T) {
	p, m := newTestPipeline(t, Config{StageTimeout: 50 * time.Millisecond, SkipEmptyTranscripts: true})
	m.stt.EXPECT().Transcribe(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ []byte) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	start := time.Now()
	_, err := p.Run(context.Background(), Batch{Audio: []byte{1}})
	assert.Less(t, time.Since(start), 2*time.Second)

	var te *TranscriptionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// hangingTranscriber ignores its context entirely.
type hangingTranscriber struct {
	release chan struct{}
}

func (h *hangingTranscriber) Transcribe(context.Context, []byte) (string, error) {
	<-h.release
	return "too late", nil
}

func (h *hangingTranscriber) Name() string { return "hanging" }

func TestRunStageTimeoutReleasesCallerWhenAdapterHangs(t *testing.T) {
	ctrl := gomock.NewController(t)
	hang := &hangingTranscriber{release: make(chan struct{})}
	t.Cleanup(func() { close(hang.release) })

	p, err := New(hang, NewMockReplyGenerator(ctrl), NewMockSynthesizer(ctrl), observability.NewLogger(),
		Config{StageTimeout: 30 * time.Millisecond})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), Batch{Audio: []byte{1}})
	var te *TranscriptionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "hanging", te.Provider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
