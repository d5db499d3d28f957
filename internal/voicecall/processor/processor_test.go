package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voice-relay/internal/observability"
	"voice-relay/internal/voice/pipeline"
	"voice-relay/internal/voicecall/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type fakeAdapters struct {
	transcript string
	stt        atomic.Int32
	gen        atomic.Int32
	tts        atomic.Int32
	blockSizes chan int
}

func (f *fakeAdapters) Transcribe(_ context.Context, block []byte) (string, error) {
	f.stt.Add(1)
	f.blockSizes <- len(block)
	return f.transcript, nil
}

func (f *fakeAdapters) GenerateReply(_ context.Context, req pipeline.ReplyRequest) (string, error) {
	f.gen.Add(1)
	return "you said " + req.Transcript, nil
}

func (f *fakeAdapters) Synthesize(_ context.Context, text string) ([]byte, error) {
	f.tts.Add(1)
	return []byte(text), nil
}

func (f *fakeAdapters) Name() string { return "fake" }

func newTestProcessor(t *testing.T, transcript string) (*VoiceCallProcessor, *fakeAdapters) {
	t.Helper()
	adapters := &fakeAdapters{transcript: transcript, blockSizes: make(chan int, 8)}
	logger := observability.NewLogger()

	p, err := pipeline.New(adapters, adapters, adapters, logger, pipeline.DefaultConfig())
	require.NoError(t, err)

	v := NewVoiceCallProcessor(p, nil, session.Config{BatchFragments: 20}, logger)
	t.Cleanup(func() { v.Shutdown(context.Background()) })
	return v, adapters
}

func media(payload []byte) []byte {
	return []byte(fmt.Sprintf(`{"event":"media","media":{"payload":%q}}`, base64.StdEncoding.EncodeToString(payload)))
}

func TestCallEndToEnd(t *testing.T) {
	v, adapters := newTestProcessor(t, "hello")
	conn := &fakeConn{}

	s, err := v.OpenSession(context.Background(), conn, "")
	require.NoError(t, err)

	require.NoError(t, v.HandleFrame(s.ID(), []byte(`{"event":"start","start":{"callSid":"CA123"}}`)))
	for i := 0; i < 21; i++ {
		require.NoError(t, v.HandleFrame(s.ID(), media(bytes.Repeat([]byte{0x7F}, 100))))
	}

	require.Eventually(t, func() bool { return conn.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2000, <-adapters.blockSizes)
	assert.Equal(t, int32(1), adapters.stt.Load())
	assert.Equal(t, int32(1), adapters.gen.Load())
	assert.Equal(t, int32(1), adapters.tts.Load())

	calls := v.ActiveCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "CA123", calls[0].CallSid)
	assert.Equal(t, 1, calls[0].BatchesCompleted)
}

func TestEmptyTranscriptProducesNoReply(t *testing.T) {
	v, adapters := newTestProcessor(t, "")
	conn := &fakeConn{}

	s, err := v.OpenSession(context.Background(), conn, "")
	require.NoError(t, err)
	require.NoError(t, v.HandleFrame(s.ID(), []byte(`{"event":"start","start":{"callSid":"CA1"}}`)))
	for i := 0; i < 20; i++ {
		require.NoError(t, v.HandleFrame(s.ID(), media([]byte{1})))
	}

	require.Eventually(t, func() bool { return adapters.stt.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return conn.Count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, adapters.gen.Load())
	assert.Zero(t, adapters.tts.Load())
}

func TestOpenSessionUsesCallerIDAsDefault(t *testing.T) {
	v, _ := newTestProcessor(t, "hi")

	s, err := v.OpenSession(context.Background(), &fakeConn{}, "caller-7")
	require.NoError(t, err)
	require.NoError(t, v.HandleFrame(s.ID(), media([]byte{1})))
	assert.Equal(t, "caller-7", s.CallSid())

	other, err := v.OpenSession(context.Background(), &fakeConn{}, "")
	require.NoError(t, err)
	require.NoError(t, v.HandleFrame(other.ID(), media([]byte{1})))
	assert.Equal(t, session.DefaultCallSid, other.CallSid())
}

func TestCloseSessionRemovesIt(t *testing.T) {
	v, _ := newTestProcessor(t, "hi")

	s, err := v.OpenSession(context.Background(), &fakeConn{}, "")
	require.NoError(t, err)
	assert.Len(t, v.ActiveCalls(), 1)

	v.CloseSession(s.ID())
	assert.Empty(t, v.ActiveCalls())
	assert.Equal(t, session.Ended, s.State())
	assert.Error(t, v.HandleFrame(s.ID(), media([]byte{1})))
}
