//go:generate go run go.uber.org/mock/mockgen@latest -source=interfaces.go -destination=mocks_test.go -package=pipeline

package pipeline

import (
	"context"
)

// Transcriber turns one telephony audio block (8 kHz μ-law) into text.
type Transcriber interface {
	Transcribe(ctx context.Context, block []byte) (string, error)
	Name() string
}

// ReplyRequest is everything a reply generator sees. No conversation history is kept between batches.
type ReplyRequest struct {
	CallSid    string
	Transcript string
}

// ReplyGenerator produces the assistant's spoken reply for a transcript.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req ReplyRequest) (string, error)
	Name() string
}

// Synthesizer renders reply text as audio ready for the telephony leg (8 kHz μ-law).
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Name() string
}
