package processor

import (
	"context"
	"fmt"

	"voice-relay/internal/clients/kafka"
	"voice-relay/internal/observability"
	"voice-relay/internal/voicecall/session"

	"github.com/google/uuid"
)

// VoiceCallProcessor creates call sessions and tracks the live ones.
type VoiceCallProcessor struct {
	runner    session.Runner
	registry  *session.Registry
	publisher kafka.EventPublisher
	config    session.Config
	logger    *observability.Logger
}

func NewVoiceCallProcessor(runner session.Runner, publisher kafka.EventPublisher, config session.Config, logger *observability.Logger) *VoiceCallProcessor {
	if publisher == nil {
		publisher = kafka.NoopPublisher{}
	}
	return &VoiceCallProcessor{
		runner:    runner,
		registry:  session.NewRegistry(),
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

// OpenSession registers a new session for conn. callerID, when set, replaces the default call identifier
// for streams whose start event carries none.
func (v *VoiceCallProcessor) OpenSession(ctx context.Context, conn session.Conn, callerID string) (*session.Session, error) {
	config := v.config
	if callerID != "" {
		config.DefaultCallSid = callerID
	}

	id := uuid.New().String()
	// the session outlives the upgrade request context
	s := session.New(context.WithoutCancel(ctx), id, conn, v.runner, v.publisher, v.logger, config)
	if err := v.registry.Register(s); err != nil {
		s.OnClose()
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	v.logger.Info(observability.WithFields(ctx, observability.Field{Key: "connection_id", Value: id}),
		fmt.Sprintf("Opened call session, %d active", v.registry.Len()))
	return s, nil
}

func (v *VoiceCallProcessor) HandleFrame(connID string, raw []byte) error {
	return v.registry.Dispatch(connID, raw)
}

func (v *VoiceCallProcessor) CloseSession(connID string) {
	v.registry.Close(connID)
}

func (v *VoiceCallProcessor) ActiveCalls() []session.Info {
	return v.registry.Snapshot()
}

// Shutdown ends every session and flushes pending call events.
func (v *VoiceCallProcessor) Shutdown(ctx context.Context) {
	closed := v.registry.CloseAll()
	v.logger.Info(ctx, fmt.Sprintf("Closed %d call sessions", closed))
	if err := v.publisher.Close(); err != nil {
		v.logger.Error(ctx, "failed to close call event publisher", err)
	}
}
