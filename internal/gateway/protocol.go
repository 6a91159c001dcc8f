package gateway

import (
	"encoding/json"

	"github.com/immoassist/chat-gateway/internal/agent"
	"github.com/immoassist/chat-gateway/internal/sources"
)

// Inbound message types sent by the UI
const (
	TypeMessage        = "message"
	TypeDictationStart = "dictation_start"
	TypeVoiceStart     = "voice_start"
	TypeStop           = "stop"
	TypeMicGranted     = "mic_granted"
	TypeMicDenied      = "mic_denied"
	TypePlaybackEnded  = "playback_ended"
	TypePlaybackError  = "playback_error"
)

// Outbound message types sent to the UI
const (
	TypeReady          = "ready"
	TypeRender         = "render"
	TypeTurnError      = "turn_error"
	TypeInterim        = "interim"
	TypeDictated       = "dictated"
	TypeUserMessage    = "user_message"
	TypePhase          = "phase"
	TypeStopped        = "stopped"
	TypeMicRequest     = "mic_request"
	TypeAudioStart     = "audio_start"
	TypeAudioStop      = "audio_stop"
	TypeEchoSuppressed = "echo_suppressed"
)

// ClientMessage is any JSON control message from the UI. Binary frames
// carry microphone audio and never decode into this.
type ClientMessage struct {
	Type           string `json:"type"`
	Text           string `json:"text,omitempty"`
	PreferredAgent string `json:"preferredAgent,omitempty"`
	Language       string `json:"language,omitempty"`
	ID             uint64 `json:"id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ParseClientMessage decodes one UI text frame
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ReadyMessage opens every connection
type ReadyMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// RenderMessage is one snapshot of an assistant message
type RenderMessage struct {
	Type      string           `json:"type"`
	MessageID string           `json:"messageId"`
	Text      string           `json:"text"`
	Final     bool             `json:"final"`
	Sources   []sources.Source `json:"sources,omitempty"`
	Chart     *agent.Chart     `json:"chart,omitempty"`
}

// TurnErrorMessage reports a turn abandoned at its last rendered state
type TurnErrorMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// TextMessage carries interim, dictated, user_message and echo_suppressed
type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PhaseMessage mirrors the recognition session for the listening indicator
type PhaseMessage struct {
	Type  string `json:"type"`
	Mode  string `json:"mode"`
	Phase string `json:"phase"`
}

// StoppedMessage ends a dictation or voice chat. Kind is set for fatal stops.
type StoppedMessage struct {
	Type   string `json:"type"`
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
	Kind   string `json:"kind,omitempty"`
}

// MicConstraints are passed to getUserMedia by the UI
type MicConstraints struct {
	EchoCancellation bool `json:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression"`
}

// MicRequestMessage asks the UI to open and release the microphone
type MicRequestMessage struct {
	Type        string         `json:"type"`
	Constraints MicConstraints `json:"constraints"`
}

// AudioStartMessage precedes the binary frame of one playback resource
type AudioStartMessage struct {
	Type        string `json:"type"`
	ID          uint64 `json:"id"`
	ContentType string `json:"contentType"`
}

// AudioStopMessage tells the UI to stop a playing resource
type AudioStopMessage struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}
