package agent

import (
	"context"
	"time"

	"github.com/chadiek/voice-console/internal/backend"
)

// Recognizer is the minimal interface for speech capture.
// Final transcripts and recognition errors are delivered to the session by
// the host (HandleTranscript, OnVoiceError); Recognizer only controls capture.
// The session reads Err when a host reports an error without one; Transcript
// is for hosts that show the running text.
type Recognizer interface {
	Start() error
	Stop()
	// Transcript returns the latest partial or final text of the current utterance.
	Transcript() string
	Listening() bool
	Err() error
}

// Synthesizer speaks text. onDone fires exactly once when an utterance
// finishes on its own; a cancelled utterance never fires it.
type Synthesizer interface {
	Speak(text string, onDone func())
	Cancel()
	Speaking() bool
}

// Backend is the interpretation/execution RPC surface the session drives.
type Backend interface {
	Interpret(ctx context.Context, conversation, sessionID string, turn int) (backend.Decision, error)
	Execute(ctx context.Context, toolID string, params map[string]any, sessionID string, userID int) (backend.Execution, error)
}

// Metrics observes session outcomes. All methods must be safe for concurrent use.
type Metrics interface {
	RoundFinished(outcome string)
	ToolExecuted(result string)
	SpeechError()
	InterpretLatency(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RoundFinished(string)           {}
func (nopMetrics) ToolExecuted(string)            {}
func (nopMetrics) SpeechError()                   {}
func (nopMetrics) InterpretLatency(time.Duration) {}
