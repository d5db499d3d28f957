package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoSpeech is returned when the transcript is empty and the batch ends without a reply.
var ErrNoSpeech = errors.New("no speech recognized")

// StageError is the common shape of the three stage failures.
type StageError struct {
	Stage    string
	Provider string
	Cause    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage (%s) failed: %v", e.Stage, e.Provider, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// TranscriptionError reports a failed speech-to-text call.
type TranscriptionError struct{ StageError }

// GenerationError reports a failed reply generation call.
type GenerationError struct{ StageError }

// SynthesisError reports a failed text-to-speech call.
type SynthesisError struct{ StageError }

const (
	StageTranscription = "transcription"
	StageGeneration    = "generation"
	StageSynthesis     = "synthesis"
)

func newTranscriptionError(provider string, cause error) *TranscriptionError {
	return &TranscriptionError{StageError{Stage: StageTranscription, Provider: provider, Cause: cause}}
}

func newGenerationError(provider string, cause error) *GenerationError {
	return &GenerationError{StageError{Stage: StageGeneration, Provider: provider, Cause: cause}}
}

func newSynthesisError(provider string, cause error) *SynthesisError {
	return &SynthesisError{StageError{Stage: StageSynthesis, Provider: provider, Cause: cause}}
}

// FailedStage names the stage behind err, or "" when err is not a stage failure.
func FailedStage(err error) string {
	var te *TranscriptionError
	var ge *GenerationError
	var se *SynthesisError
	switch {
	case errors.As(err, &te):
		return te.Stage
	case errors.As(err, &ge):
		return ge.Stage
	case errors.As(err, &se):
		return se.Stage
	}
	return ""
}
