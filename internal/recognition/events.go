package recognition

import "time"

// Event is an input to Transition
type Event interface {
	event()
}

// Start asks for a capture in the given mode
type Start struct {
	Mode         Mode
	LanguageCode string
}

// Result is one delivery of the recognizer's result list. Only the entries
// from ResultIndex on are new; earlier ones were already seen.
type Result struct {
	Results     []Segment
	ResultIndex int
}

// End reports that the recognizer stopped on its own or after a stop request
type End struct{}

// ErrorEvent reports a recognizer error
type ErrorEvent struct {
	Kind ErrorKind
}

// Stop is the user ending the current mode
type Stop struct{}

// SpeechEnd reports trailing silence from the voice activity detector
type SpeechEnd struct{}

// RestartDue fires when the restart debounce elapses
type RestartDue struct{}

// Started reports a recognizer start that succeeded
type Started struct {
	stream Stream
}

// StartFailed reports a recognizer start that failed
type StartFailed struct {
	Kind ErrorKind
	Err  error
}

// ResponseReady carries the agent's answer to a dispatched utterance
type ResponseReady struct {
	Text string
}

// ResponseFailed reports that a dispatched utterance got no answer
type ResponseFailed struct{}

// PlaybackFinished is playback's completion signal, already delayed for the
// audio tail to decay.
type PlaybackFinished struct{}

func (Start) event()            {}
func (Result) event()           {}
func (End) event()              {}
func (ErrorEvent) event()       {}
func (Stop) event()             {}
func (SpeechEnd) event()        {}
func (RestartDue) event()       {}
func (Started) event()          {}
func (StartFailed) event()      {}
func (ResponseReady) event()    {}
func (ResponseFailed) event()   {}
func (PlaybackFinished) event() {}

// Effect is an output of Transition for the Controller to carry out
type Effect interface {
	effect()
}

// StartRecognizer probes the microphone and starts a recognizer
type StartRecognizer struct {
	LanguageCode string
}

// StopRecognizer stops the running recognizer, if any
type StopRecognizer struct{}

// ScheduleRestart arms the restart debounce, replacing any armed one
type ScheduleRestart struct {
	Delay time.Duration
}

// CancelRestart disarms the restart debounce
type CancelRestart struct{}

// ShowInterim publishes the best-so-far transcript
type ShowInterim struct {
	Text string
}

// Dictated delivers the single transcript of a dictation
type Dictated struct {
	Text string
}

// Dispatch sends an accepted utterance to the agent
type Dispatch struct {
	Text string
}

// Speak hands the agent's answer to playback
type Speak struct {
	Text string
}

// StopPlayback interrupts whatever is playing
type StopPlayback struct{}

// EchoSuppressed reports a final transcript discarded as echo
type EchoSuppressed struct {
	Text string
}

// Stopped reports that the session ended
type Stopped struct {
	Mode   Mode
	Reason StopReason
	Kind   ErrorKind
}

func (StartRecognizer) effect() {}
func (StopRecognizer) effect()  {}
func (ScheduleRestart) effect() {}
func (CancelRestart) effect()   {}
func (ShowInterim) effect()     {}
func (Dictated) effect()        {}
func (Dispatch) effect()        {}
func (Speak) effect()           {}
func (StopPlayback) effect()    {}
func (EchoSuppressed) effect()  {}
func (Stopped) effect()         {}
