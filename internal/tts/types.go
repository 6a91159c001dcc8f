package tts

import "errors"

// ErrEmptyText is returned when there is nothing speakable to synthesize
var ErrEmptyText = errors.New("no speakable text")

// Request is the streaming synthesis request body
type Request struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
	ModelID string `json:"model_id,omitempty"`
}

// contentType of the audio the synthesis endpoint streams back
const contentType = "audio/mpeg"
