// Command ask sends one message to the agent and streams the answer to
// stdout the way the UI would render it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/immoassist/chat-gateway/internal/agent"
	"github.com/immoassist/chat-gateway/internal/assembler"
	"github.com/immoassist/chat-gateway/internal/config"
	"github.com/immoassist/chat-gateway/internal/observability"
)

func main() {
	_ = godotenv.Load()

	agentURL := flag.String("url", config.GetEnv("AGENT_URL", "http://localhost:8000"), "Agent base URL")
	appName := flag.String("app", config.GetEnv("AGENT_APP_NAME", "immoassist_agent"), "Agent application name")
	userID := flag.String("user", "cli-user", "User id")
	preferred := flag.String("agent", "", "Preferred sub-agent")
	debounceMs := flag.Int("debounce", 50, "Render debounce in milliseconds")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	text := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if text == "" {
		fmt.Fprintln(os.Stderr, "usage: ask [flags] <message>")
		os.Exit(2)
	}

	observability.InitLogger(*logLevel, true)
	logger := observability.GetLogger()

	cfg := &config.Config{
		AgentURL:                   *agentURL,
		AgentAppName:               *appName,
		AgentTimeout:               120,
		RenderDebounceMs:           *debounceMs,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           3,
		RetryInitialBackoff:        100,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := agent.NewClient(cfg, logger)
	sessionID := uuid.NewString()
	if err := client.CreateSession(ctx, *userID, sessionID); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create session")
	}

	dec, err := client.Run(ctx, agent.RunRequest{
		UserID:         *userID,
		SessionID:      sessionID,
		NewMessage:     agent.NewUserMessage(text),
		PreferredAgent: *preferred,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start turn")
	}
	defer dec.Close()

	printed := 0
	acc, err := assembler.New(cfg.RenderDebounce(), logger).Assemble(ctx, dec, func(s assembler.Snapshot) {
		// text only ever grows, so printing the new tail is enough
		if len(s.Text) > printed {
			fmt.Print(s.Text[printed:])
			printed = len(s.Text)
		}
		if !s.Final {
			return
		}
		fmt.Println()
		if s.Chart != nil {
			fmt.Printf("\n[chart] %s %s\n", s.Chart.ChartType, s.Chart.Title)
		}
		if len(s.Sources) > 0 {
			fmt.Println("\nSources:")
			for _, src := range s.Sources {
				fmt.Printf("  - %s", src.Title)
				if src.URI != "" {
					fmt.Printf(" (%s)", src.URI)
				}
				fmt.Println()
			}
		}
	})
	if err != nil {
		fmt.Println()
		logger.Error().Err(err).Int("frames", acc.Frames).Msg("Turn abandoned")
		os.Exit(1)
	}
	logger.Debug().Int("frames", acc.Frames).Int("malformed", acc.Malformed).Msg("Turn completed")
}
