package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/config"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		AgentURL:                   url,
		AgentAppName:               "immoassist_agent",
		AgentTimeout:               5,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           3,
		RetryInitialBackoff:        1,
	}
}

func TestRunStreamsFrames(t *testing.T) {
	var got RunRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run_sse" {
			t.Errorf("Expected /run_sse, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":{\"parts\":[{\"text\":\"Die \"}]}}\n\n")
		fmt.Fprint(w, "data: {\"content\":{\"parts\":[{\"text\":\"Rendite \"}]}}\n\n")
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), zerolog.Nop())
	dec, err := client.Run(context.Background(), RunRequest{
		UserID:         "u1",
		SessionID:      "s1",
		NewMessage:     NewUserMessage("Wie hoch ist die Rendite?"),
		PreferredAgent: "analyst",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer dec.Close()

	var texts []string
	for {
		payload, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		ev, err := ParseEvent(payload)
		if err != nil {
			t.Fatalf("ParseEvent failed: %v", err)
		}
		texts = append(texts, ev.TextDeltas()...)
	}

	if len(texts) != 2 || texts[0] != "Die " || texts[1] != "Rendite " {
		t.Errorf("Unexpected deltas %q", texts)
	}
	if got.AppName != "immoassist_agent" || !got.Streaming {
		t.Errorf("Expected app name and streaming flag to be filled in, got %+v", got)
	}
	if got.NewMessage.Role != "user" || got.NewMessage.Parts[0].Text != "Wie hoch ist die Rendite?" {
		t.Errorf("Unexpected message %+v", got.NewMessage)
	}
	if got.PreferredAgent != "analyst" {
		t.Errorf("Expected preferred agent analyst, got %q", got.PreferredAgent)
	}
}

func TestRunRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "data: {}\n\n")
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), zerolog.Nop())
	dec, err := client.Run(context.Background(), RunRequest{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	dec.Close()

	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestRunDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), zerolog.Nop())
	_, err := client.Run(context.Background(), RunRequest{SessionID: "missing"})
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("Expected ErrStatus, got %v", err)
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected a single attempt, got %d", n)
	}
}

func TestCreateSession(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"created", http.StatusOK, false},
		{"already exists", http.StatusConflict, false},
		{"rejected", http.StatusBadRequest, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := NewClient(testConfig(server.URL), zerolog.Nop())
			err := client.CreateSession(context.Background(), "u1", "s1")
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if path != "/apps/immoassist_agent/users/u1/sessions/s1" {
				t.Errorf("Unexpected path %s", path)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/list-apps" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `["immoassist_agent"]`)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), zerolog.Nop())
	ok, err := client.HealthCheck(context.Background())
	if !ok || err != nil {
		t.Errorf("Expected healthy agent, got %v %v", ok, err)
	}
}

const partFrame = "data: {\"content\":{\"parts\":[{\"text\":\"Teil \"}]}}\n\n"

// drainRun reads a turn to its end and returns the frame count and the
// error that ended it, nil on a clean end of stream.
func drainRun(t *testing.T, client *Client) (int, error) {
	t.Helper()
	dec, err := client.Run(context.Background(), RunRequest{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer dec.Close()

	frames := 0
	for {
		_, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames++
	}
}

func TestRunOutlivesTimeoutWhileFramesArrive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 3; i++ {
			fmt.Fprint(w, partFrame)
			w.(http.Flusher).Flush()
			time.Sleep(600 * time.Millisecond)
		}
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.AgentTimeout = 1

	frames, err := drainRun(t, NewClient(cfg, zerolog.Nop()))
	if err != nil || frames != 3 {
		t.Errorf("Expected the stream to complete with 3 frames, got %d, %v", frames, err)
	}
}

func TestRunAbandonsSilentStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, partFrame)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.AgentTimeout = 1

	start := time.Now()
	frames, err := drainRun(t, NewClient(cfg, zerolog.Nop()))
	if frames != 1 {
		t.Errorf("Expected the frame before the stall, got %d", frames)
	}
	if err == nil {
		t.Fatal("Expected a silent stream to fail")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Expected the idle timeout to end the turn, took %v", elapsed)
	}
}
