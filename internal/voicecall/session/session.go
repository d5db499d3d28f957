package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-relay/internal/clients/kafka"
	"voice-relay/internal/observability"
	"voice-relay/internal/voice/audio"
	"voice-relay/internal/voice/pipeline"
	"voice-relay/internal/voicecall/twilio"
)

// DefaultCallSid identifies calls whose start event never named them.
const DefaultCallSid = "unknown"

type State int

const (
	AwaitingStart State = iota
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case AwaitingStart:
		return "awaiting_start"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the session's half of a Media Streams connection.
type Conn interface {
	WriteFrame(frame []byte) error
	Close() error
}

// Runner turns a batch into reply audio. *pipeline.Pipeline is the production implementation.
type Runner interface {
	Run(ctx context.Context, batch pipeline.Batch) (pipeline.Result, error)
}

type Config struct {
	BatchFragments   int    // flush once this many fragments are buffered
	MaxQueuedBatches int    // batches waiting behind the in-flight run
	DefaultCallSid   string // used when start carries no callSid, or never arrives
}

func DefaultConfig() Config {
	return Config{
		BatchFragments:   100,
		MaxQueuedBatches: 4,
		DefaultCallSid:   DefaultCallSid,
	}
}

var errSessionClosed = errors.New("session closed")

// ConnectionError is a transport failure while writing to the caller. The session ends.
type ConnectionError struct {
	ConnectionID string
	Cause        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s failed: %v", e.ConnectionID, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Info is a point-in-time view of a session.
type Info struct {
	ConnectionID     string    `json:"connection_id"`
	CallSid          string    `json:"call_sid"`
	StreamSid        string    `json:"stream_sid"`
	State            string    `json:"state"`
	BatchesQueued    int       `json:"batches_queued"`
	BatchesCompleted int       `json:"batches_completed"`
	ConnectedAt      time.Time `json:"connected_at"`
}

// Session is the state machine for one telephony connection. Frames are fed in by a single reader
// through HandleFrame; batches are answered in order by the session's own worker goroutine.
type Session struct {
	id          string
	conn        Conn
	runner      Runner
	publisher   kafka.EventPublisher
	logger      *observability.Logger
	config      Config
	accumulator *audio.Accumulator
	connectedAt time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	done    chan struct{}

	mu            sync.Mutex
	state         State
	callSid       string
	streamSid     string
	stopRequested bool
	queue         []pipeline.Batch
	nextSeq       int
	completed     int

	writeMu sync.Mutex
	closed  bool
}

// New creates a session in AwaitingStart and starts its worker.
func New(ctx context.Context, id string, conn Conn, runner Runner, publisher kafka.EventPublisher, logger *observability.Logger, config Config) *Session {
	defaults := DefaultConfig()
	if config.BatchFragments <= 0 {
		config.BatchFragments = defaults.BatchFragments
	}
	if config.MaxQueuedBatches <= 0 {
		config.MaxQueuedBatches = defaults.MaxQueuedBatches
	}
	if config.DefaultCallSid == "" {
		config.DefaultCallSid = defaults.DefaultCallSid
	}
	if publisher == nil {
		publisher = kafka.NoopPublisher{}
	}

	ctx = observability.WithFields(ctx, observability.Field{Key: "connection_id", Value: id})
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:          id,
		conn:        conn,
		runner:      runner,
		publisher:   publisher,
		logger:      logger,
		config:      config,
		accumulator: audio.NewAccumulator(),
		connectedAt: time.Now(),
		baseCtx:     ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		state:       AwaitingStart,
	}
	go s.work()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CallSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSid
}

// Done is closed once the worker has exited after OnClose.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ConnectionID:     s.id,
		CallSid:          s.callSid,
		StreamSid:        s.streamSid,
		State:            s.state.String(),
		BatchesQueued:    len(s.queue),
		BatchesCompleted: s.completed,
		ConnectedAt:      s.connectedAt,
	}
}

// HandleFrame applies one inbound frame. Malformed frames return a *twilio.FrameParseError
// and leave the session untouched.
func (s *Session) HandleFrame(raw []byte) error {
	event, err := twilio.ParseEvent(raw)
	if err != nil {
		s.logger.Warn(s.logContext(), fmt.Sprintf("Dropping frame: %v", err))
		return err
	}

	switch event.Event {
	case twilio.EventConnected:
		s.logger.Debug(s.logContext(), "Media stream connected")
	case twilio.EventStart:
		s.handleStart(event)
	case twilio.EventMedia:
		return s.handleMedia(event)
	case twilio.EventStop:
		s.handleStop()
	default:
		s.logger.Debug(s.logContext(), fmt.Sprintf("Ignoring %s event", event.Event))
	}
	return nil
}

func (s *Session) handleStart(event twilio.MediaEvent) {
	callSid := ""
	if event.Start != nil {
		callSid = event.Start.CallSid
	}

	s.mu.Lock()
	if s.state != AwaitingStart {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn(s.logContext(), fmt.Sprintf("Ignoring start event in state %s", state))
		return
	}
	s.activateLocked(callSid, event.StreamID())
	s.mu.Unlock()

	s.announceStart()
}

func (s *Session) handleMedia(event twilio.MediaEvent) error {
	fragment, err := event.DecodePayload()
	if err != nil {
		s.logger.Warn(s.logContext(), fmt.Sprintf("Dropping frame: %v", err))
		return err
	}

	s.mu.Lock()
	switch {
	case s.state == Ended:
		s.mu.Unlock()
		return nil
	case s.stopRequested:
		s.mu.Unlock()
		s.logger.Debug(s.logContext(), "Ignoring media after stop")
		return nil
	}
	implicit := s.state == AwaitingStart
	if implicit {
		s.activateLocked("", event.StreamID())
	} else if s.streamSid == "" {
		s.streamSid = event.StreamID()
	}
	s.mu.Unlock()

	if implicit {
		s.logger.Warn(s.logContext(), "Media arrived before start, activating with default call identifier")
		s.announceStart()
	}

	s.accumulator.Append(fragment)
	if s.accumulator.Len() >= s.config.BatchFragments {
		s.enqueue(s.accumulator.Flush())
	}
	return nil
}

func (s *Session) handleStop() {
	s.mu.Lock()
	if s.state == Ended || s.stopRequested {
		s.mu.Unlock()
		return
	}
	// a stop before start still ends the stream: later media must not activate the call
	s.stopRequested = true
	callSid, streamSid := s.callSid, s.streamSid
	s.mu.Unlock()

	discarded := s.accumulator.Flush()
	ctx := s.logContext()
	s.logger.Info(ctx, fmt.Sprintf("Media stream stopped, discarding %d buffered bytes", len(discarded)))
	if callSid == "" {
		return
	}
	s.publish(ctx, kafka.NewCallEvent(kafka.EventCallStopped, callSid, streamSid, map[string]interface{}{
		"discarded_bytes": len(discarded),
	}))
}

// activateLocked moves AwaitingStart to Active. Caller holds s.mu.
func (s *Session) activateLocked(callSid, streamSid string) {
	if callSid == "" {
		callSid = s.config.DefaultCallSid
	}
	s.callSid = callSid
	s.streamSid = streamSid
	s.state = Active
}

func (s *Session) announceStart() {
	s.mu.Lock()
	callSid, streamSid := s.callSid, s.streamSid
	s.mu.Unlock()

	ctx := s.logContext()
	s.logger.Info(ctx, "Call session active")
	s.publish(ctx, kafka.NewCallEvent(kafka.EventCallStarted, callSid, streamSid, nil))
}

// enqueue appends a batch behind any in-flight run. When the queue is full the oldest waiting batch is dropped.
func (s *Session) enqueue(block []byte) {
	s.mu.Lock()
	if s.state == Ended {
		s.mu.Unlock()
		return
	}
	s.nextSeq++
	batch := pipeline.Batch{
		Seq:       s.nextSeq,
		CallSid:   s.callSid,
		StreamSid: s.streamSid,
		Audio:     block,
	}
	var dropped *pipeline.Batch
	if len(s.queue) >= s.config.MaxQueuedBatches {
		oldest := s.queue[0]
		dropped = &oldest
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, batch)
	s.mu.Unlock()

	if dropped != nil {
		s.logger.Warn(s.logContext(), fmt.Sprintf("Batch queue full, dropped batch %d (%d bytes)", dropped.Seq, len(dropped.Audio)))
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) dequeue() (pipeline.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Ended || len(s.queue) == 0 {
		return pipeline.Batch{}, false
	}
	batch := s.queue[0]
	s.queue = s.queue[1:]
	return batch, true
}

func (s *Session) work() {
	defer close(s.done)
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-s.wake:
		}
		for {
			batch, ok := s.dequeue()
			if !ok {
				break
			}
			s.process(batch)
		}
	}
}

// process runs one batch. The run is not cancelled by OnClose; only its write is suppressed.
func (s *Session) process(batch pipeline.Batch) {
	ctx := observability.WithFields(s.logContext(), observability.Field{Key: "batch_seq", Value: batch.Seq})
	runCtx := context.WithoutCancel(ctx)

	result, err := s.runner.Run(runCtx, batch)
	if err != nil {
		s.handleRunError(ctx, batch, err)
		return
	}

	frame, err := twilio.NewMediaFrame(batch.StreamSid, result.Audio)
	if err != nil {
		s.logger.Error(ctx, "Failed to build outbound media frame", err)
		return
	}

	if err := s.write(frame); err != nil {
		if errors.Is(err, errSessionClosed) {
			s.logger.Info(ctx, "Connection closed before reply was ready, discarding audio")
			return
		}
		s.logger.Error(ctx, "Failed to send reply audio", err)
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.completed++
	s.mu.Unlock()

	s.logger.Info(ctx, fmt.Sprintf("Sent %d bytes of reply audio", len(result.Audio)))
	s.publish(ctx, kafka.NewCallEvent(kafka.EventCallReplySent, batch.CallSid, batch.StreamSid, map[string]interface{}{
		"batch_seq":   batch.Seq,
		"transcript":  result.Transcript,
		"reply":       result.Reply,
		"audio_bytes": len(result.Audio),
	}))
}

func (s *Session) handleRunError(ctx context.Context, batch pipeline.Batch, err error) {
	if errors.Is(err, pipeline.ErrNoSpeech) {
		s.logger.Debug(ctx, "No speech in batch")
		return
	}

	stage := pipeline.FailedStage(err)
	s.logger.Error(observability.WithFields(ctx, observability.Field{Key: "stage", Value: stage}), "Batch abandoned", err)
	s.publish(ctx, kafka.NewCallEvent(kafka.EventCallBatchFailed, batch.CallSid, batch.StreamSid, map[string]interface{}{
		"batch_seq": batch.Seq,
		"stage":     stage,
		"error":     err.Error(),
	}))
}

// write sends a frame unless the session has been closed. Holding writeMu across the
// closed check and the send is what rules out a write after OnClose returns.
func (s *Session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	if err := s.conn.WriteFrame(frame); err != nil {
		return &ConnectionError{ConnectionID: s.id, Cause: err}
	}
	return nil
}

// fail ends the session after a transport error. The reader sees the closed socket and unregisters it.
func (s *Session) fail(err error) {
	s.logger.Warn(s.logContext(), fmt.Sprintf("Ending session: %v", err))
	s.OnClose()
}

// OnClose ends the session. Queued batches are dropped and no frame is written afterwards. Safe to call more than once.
func (s *Session) OnClose() {
	s.mu.Lock()
	if s.state == Ended {
		s.mu.Unlock()
		return
	}
	s.state = Ended
	dropped := len(s.queue)
	s.queue = nil
	callSid, streamSid, completed := s.callSid, s.streamSid, s.completed
	s.mu.Unlock()

	s.writeMu.Lock()
	s.closed = true
	s.writeMu.Unlock()

	s.cancel()
	s.accumulator.Flush()
	if err := s.conn.Close(); err != nil {
		s.logger.Debug(s.logContext(), fmt.Sprintf("Connection close: %v", err))
	}

	ctx := s.logContext()
	s.logger.Info(ctx, fmt.Sprintf("Call session ended, dropped %d queued batches", dropped))
	if callSid != "" {
		s.publish(ctx, kafka.NewCallEvent(kafka.EventCallEnded, callSid, streamSid, map[string]interface{}{
			"batches_completed": completed,
			"batches_dropped":   dropped,
			"duration_ms":       time.Since(s.connectedAt).Milliseconds(),
		}))
	}
}

func (s *Session) publish(ctx context.Context, event kafka.CallEvent) {
	// events outlive the session context
	if err := s.publisher.PublishCallEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn(ctx, fmt.Sprintf("Failed to publish %s event: %v", event.Type, err))
	}
}

func (s *Session) logContext() context.Context {
	s.mu.Lock()
	callSid, streamSid := s.callSid, s.streamSid
	s.mu.Unlock()

	if callSid == "" {
		return s.baseCtx
	}
	return observability.WithFields(s.baseCtx,
		observability.Field{Key: "call_sid", Value: callSid},
		observability.Field{Key: "stream_sid", Value: streamSid},
	)
}
