// Package recognition owns the microphone capture lifecycle for dictation
// and continuous voice chat.
//
// All state changes go through Transition, a pure function from a session
// and an event to the next session and a list of effects. The Controller
// runs Transition on a single goroutine and carries out the effects.
package recognition

import (
	"errors"
	"strings"
	"time"
)

// Mode selects single-shot dictation or the continuous voice loop
type Mode string

const (
	ModeNone      Mode = ""
	ModeDictation Mode = "dictation"
	ModeVoiceChat Mode = "voiceChat"
)

// Phase is where a session stands in its mode
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseListening  Phase = "listening"
	PhaseFinalizing Phase = "finalizing"
	PhaseProcessing Phase = "processing"
	PhaseSpeaking   Phase = "speaking"
)

// ErrorKind is the recognizer's error code
type ErrorKind string

const (
	KindNoSpeech   ErrorKind = "no-speech"
	KindNetwork    ErrorKind = "network"
	KindNotAllowed ErrorKind = "not-allowed"
	KindAborted    ErrorKind = "aborted"
	KindAudio      ErrorKind = "audio-capture"
	KindUnknown    ErrorKind = "unknown"
)

// Severity of a recognizer error
type Severity int

const (
	SeverityBenign Severity = iota
	SeverityFatal
	SeverityUnknown // logged, then handled as benign
)

// Classify maps an error kind to its severity
func Classify(kind ErrorKind) Severity {
	switch kind {
	case KindNoSpeech:
		return SeverityBenign
	case KindNetwork, KindNotAllowed:
		return SeverityFatal
	default:
		return SeverityUnknown
	}
}

// Error is a recognizer failure tagged with its kind
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from err, or KindUnknown
func KindOf(err error) ErrorKind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return KindUnknown
}

// StopReason says why a session ended
type StopReason string

const (
	ReasonUser       StopReason = "user"
	ReasonFatal      StopReason = "fatal"
	ReasonGaveUp     StopReason = "gaveUp"
	ReasonCompleted  StopReason = "completed"
	ReasonSuperseded StopReason = "superseded"
)

// Segment is one entry of the recognizer's result list
type Segment struct {
	Transcript string
	Final      bool
}

// Session is the state of the one capture a conversation may own
type Session struct {
	Mode         Mode
	Phase        Phase
	LanguageCode string

	// RestartCount counts consecutive failed starts. Any non-empty
	// transcript resets it.
	RestartCount int
	Restarting   bool

	// Buffer holds accepted final transcripts not yet dispatched
	Buffer string

	// Interim is a dictation's latest unfinished transcript. It is
	// delivered on End when no final arrived.
	Interim   string
	Delivered bool
}

// Idle reports whether no capture is desired
func (s Session) Idle() bool {
	return s.Phase == PhaseIdle || s.Phase == ""
}

// Policy carries the tunables Transition needs
type Policy struct {
	MaxRestarts  int
	RestartDelay time.Duration
	// Suppress reports whether a final transcript is playback echo
	Suppress func(transcript string) bool
}

// DefaultPolicy returns the stock restart behavior with no echo filter
func DefaultPolicy() Policy {
	return Policy{MaxRestarts: 3, RestartDelay: 800 * time.Millisecond}
}

func joinText(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
