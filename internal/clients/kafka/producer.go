package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voice-relay/internal/observability"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Call lifecycle event types
const (
	EventCallStarted     = "call.started"
	EventCallStopped     = "call.stopped"
	EventCallReplySent   = "call.reply_sent"
	EventCallBatchFailed = "call.batch_failed"
	EventCallEnded       = "call.ended"
)

// CallEvent is the JSON body of every message on the call events topic.
type CallEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	CallSid   string                 `json:"call_sid"`
	StreamSid string                 `json:"stream_sid,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// NewCallEvent stamps an event with a fresh id and the current time
func NewCallEvent(eventType, callSid, streamSid string, data map[string]interface{}) CallEvent {
	return CallEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		CallSid:   callSid,
		StreamSid: streamSid,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// EventPublisher is what the call processor needs from a broker.
type EventPublisher interface {
	PublishCallEvent(ctx context.Context, event CallEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes call events to Kafka
type Producer struct {
	writer messageWriter
	logger *observability.Logger
}

// ProducerConfig contains configuration for Kafka producer
type ProducerConfig struct {
	Brokers []string
	Topic   string
}

// NewProducer creates a new Kafka producer. Writes are async so a slow
// broker never holds up audio processing.
func NewProducer(config ProducerConfig, logger *observability.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		Compression:  kafka.Snappy,
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error(context.Background(), fmt.Sprintf("failed to deliver %d call events", len(messages)), err)
			}
		},
	}

	return &Producer{
		writer: writer,
		logger: logger,
	}
}

// PublishCallEvent publishes a single event keyed by call sid so one call's
// events stay on one partition in order.
func (p *Producer) PublishCallEvent(ctx context.Context, event CallEvent) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "event_type", Value: event.Type},
		observability.Field{Key: "event_id", Value: event.ID},
	)

	eventBytes, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal call event", err)
		return fmt.Errorf("failed to marshal call event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.CallSid),
		Value: eventBytes,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "call_sid", Value: []byte(event.CallSid)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error(ctx, "failed to write call event to kafka", err)
		return fmt.Errorf("failed to write call event to kafka: %w", err)
	}

	p.logger.Debug(ctx, fmt.Sprintf("published event %s to kafka", event.Type))
	return nil
}

// Close flushes pending events and closes the writer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// NoopPublisher is used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishCallEvent(context.Context, CallEvent) error { return nil }

func (NoopPublisher) Close() error { return nil }
