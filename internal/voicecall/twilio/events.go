package twilio

import (
	"encoding/json"
	"fmt"

	"voice-relay/internal/voice/audio"
)

// Twilio Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
)

// MediaEvent is one inbound Media Streams frame. Only the fields the relay reads are mapped.
type MediaEvent struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSid      string `json:"streamSid,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Media          *Media `json:"media,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
}

type Start struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Stop struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// FrameParseError reports an inbound frame that could not be decoded. The frame is dropped.
type FrameParseError struct {
	Reason string
	Cause  error
}

func (e *FrameParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Cause)
	}
	return "malformed frame: " + e.Reason
}

func (e *FrameParseError) Unwrap() error {
	return e.Cause
}

// ParseEvent decodes a raw frame. Unknown event names are returned as-is for the caller to ignore.
func ParseEvent(raw []byte) (MediaEvent, error) {
	var event MediaEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return MediaEvent{}, &FrameParseError{Reason: "invalid json", Cause: err}
	}
	if event.Event == "" {
		return MediaEvent{}, &FrameParseError{Reason: "missing event name"}
	}
	if event.Event == EventMedia && event.Media == nil {
		return MediaEvent{}, &FrameParseError{Reason: "media event without media body"}
	}
	return event, nil
}

// StreamID returns the stream identifier carried by the frame, preferring the top-level field.
func (e MediaEvent) StreamID() string {
	if e.StreamSid != "" {
		return e.StreamSid
	}
	if e.Start != nil {
		return e.Start.StreamSid
	}
	return ""
}

// DecodePayload returns the raw audio of a media frame.
func (e MediaEvent) DecodePayload() ([]byte, error) {
	if e.Media == nil {
		return nil, &FrameParseError{Reason: "media event without media body"}
	}
	data, err := audio.Base64ToBytes(e.Media.Payload)
	if err != nil {
		return nil, &FrameParseError{Reason: "invalid base64 payload", Cause: err}
	}
	return data, nil
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     outboundBody `json:"media"`
}

type outboundBody struct {
	Payload string `json:"payload"`
}

// NewMediaFrame builds the outbound frame that plays audio back on streamSid.
func NewMediaFrame(streamSid string, audioData []byte) ([]byte, error) {
	msg := outboundMedia{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     outboundBody{Payload: audio.BytesToBase64(audioData)},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal media message: %w", err)
	}
	return data, nil
}
