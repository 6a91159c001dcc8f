package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the chat gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`
	// Browser origins allowed to open /ws/chat, comma separated. Empty allows any.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	// Conversational agent (ADK api server) configuration
	AgentURL     string `envconfig:"AGENT_URL" default:"http://localhost:8000"`
	AgentAppName string `envconfig:"AGENT_APP_NAME" default:"immoassist_agent"`
	AgentTimeout int    `envconfig:"AGENT_TIMEOUT" default:"120"` // seconds, unary calls and max silence within a stream

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"de"` // default recognition language

	// TTS API configuration
	TTSURL     string `envconfig:"TTS_URL" default:"https://api.elevenlabs.io/v1/text-to-speech/stream"`
	TTSAPIKey  string `envconfig:"TTS_API_KEY" required:"true"`
	TTSVoiceID string `envconfig:"TTS_VOICE_ID" default:"pNInz6obpgDQGcFmaJgB"`
	TTSModelID string `envconfig:"TTS_MODEL_ID" default:"eleven_multilingual_v2"`

	// Response rendering
	RenderDebounceMs int `envconfig:"RENDER_DEBOUNCE_MS" default:"50"`

	// Voice session timing
	RestartDelayMs  int     `envconfig:"RESTART_DELAY_MS" default:"800"` // debounce before restarting recognition
	MaxRestarts     int     `envconfig:"MAX_RESTARTS" default:"3"`       // consecutive failed restarts before giving up
	ResumeDelayMs   int     `envconfig:"RESUME_DELAY_MS" default:"500"`  // tail decay after playback
	EchoThreshold   float64 `envconfig:"ECHO_THRESHOLD" default:"0.8"`
	MicProbeTimeout int     `envconfig:"MIC_PROBE_TIMEOUT" default:"10"` // seconds

	// Audio processing configuration
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"40"`      // 20ms frames of silence to mark speech end

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.TTSAPIKey == "" {
		return fmt.Errorf("TTS_API_KEY is required")
	}
	if c.MaxRestarts < 1 {
		return fmt.Errorf("MAX_RESTARTS must be at least 1, got %d", c.MaxRestarts)
	}
	if c.EchoThreshold <= 0 || c.EchoThreshold > 1 {
		return fmt.Errorf("ECHO_THRESHOLD must be in (0,1], got %v", c.EchoThreshold)
	}
	return nil
}

// RenderDebounce returns the render coalescing window
func (c *Config) RenderDebounce() time.Duration {
	return time.Duration(c.RenderDebounceMs) * time.Millisecond
}

// RestartDelay returns the recognition restart debounce
func (c *Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMs) * time.Millisecond
}

// ResumeDelay returns the delay between playback end and listening again
func (c *Config) ResumeDelay() time.Duration {
	return time.Duration(c.ResumeDelayMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
