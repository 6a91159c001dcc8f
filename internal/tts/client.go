package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/config"
	"github.com/immoassist/chat-gateway/internal/observability"
	"github.com/immoassist/chat-gateway/internal/resilience"
)

// Client streams synthesized speech from an ElevenLabs style endpoint
type Client struct {
	apiURL     string
	apiKey     string
	voiceID    string
	modelID    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// NewClient creates a TTS client from configuration
func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	breaker := resilience.NewCircuitBreaker(
		"tts",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	return &Client{
		apiURL:  cfg.TTSURL,
		apiKey:  cfg.TTSAPIKey,
		voiceID: cfg.TTSVoiceID,
		modelID: cfg.TTSModelID,
		// No overall timeout: the body streams for as long as the speech
		// lasts and the caller's context bounds it.
		httpClient: &http.Client{},
		breaker:    breaker,
		logger:     logger.With().Str("component", "tts").Logger(),
	}
}

// ContentType of the returned audio
func (c *Client) ContentType() string {
	return contentType
}

// Synthesize requests speech for text and returns the streaming audio body.
// Markdown is stripped first; text with nothing speakable is ErrEmptyText.
func (c *Client) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	speakable := SpeakableText(text)
	if speakable == "" {
		return nil, ErrEmptyText
	}

	body, err := json.Marshal(Request{Text: speakable, VoiceID: c.voiceID, ModelID: c.modelID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	err = c.breaker.Call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", contentType)
		req.Header.Set("xi-api-key", c.apiKey)

		r, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to make request: %w", err)
		}
		if r.StatusCode != http.StatusOK {
			defer r.Body.Close()
			snippet, _ := io.ReadAll(io.LimitReader(r.Body, 512))
			return fmt.Errorf("tts API returned status %d: %s", r.StatusCode, strings.TrimSpace(string(snippet)))
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug().Int("chars", len(speakable)).Msg("TTS stream opened")
	return resp.Body, nil
}

// HealthCheck reports whether the breaker currently lets requests through
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	if state := c.breaker.GetState(); state == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
