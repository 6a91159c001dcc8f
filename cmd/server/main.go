package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/agent"
	"github.com/immoassist/chat-gateway/internal/config"
	"github.com/immoassist/chat-gateway/internal/gateway"
	"github.com/immoassist/chat-gateway/internal/observability"
	"github.com/immoassist/chat-gateway/internal/stt"
	"github.com/immoassist/chat-gateway/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("agent_url", cfg.AgentURL).
		Str("agent_app", cfg.AgentAppName).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Chat Gateway Service starting")

	agentClient := agent.NewClient(cfg, logger)
	ttsClient := tts.NewClient(cfg, logger)
	deepgram := stt.NewService(cfg, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/ws/chat", gateway.NewHandler(gateway.Deps{
		Config:      cfg,
		Agent:       agentClient,
		Synthesizer: ttsClient,
		Recognizers: func(metrics *observability.Metrics, logger zerolog.Logger) gateway.AudioRecognizer {
			return deepgram.NewRecognizer(metrics, logger)
		},
	}))

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"agent":    agentClient.HealthCheck,
		"tts":      ttsClient.HealthCheck,
		"deepgram": deepgram.HealthCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WebSocket connections are hijacked, so the timeouts below only bound
	// plain HTTP requests.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/chat", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
