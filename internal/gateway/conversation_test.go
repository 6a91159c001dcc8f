package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/agent"
	"github.com/immoassist/chat-gateway/internal/config"
	"github.com/immoassist/chat-gateway/internal/observability"
	"github.com/immoassist/chat-gateway/internal/recognition"
	"github.com/immoassist/chat-gateway/internal/sse"
)

type fakeAgent struct {
	mu       sync.Mutex
	body     string
	requests []agent.RunRequest
	sessions []string
}

func (a *fakeAgent) AppName() string { return "immoassist_agent" }

func (a *fakeAgent) CreateSession(ctx context.Context, userID, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, sessionID)
	return nil
}

func (a *fakeAgent) Run(ctx context.Context, req agent.RunRequest) (*sse.Decoder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	return sse.NewDecoder(io.NopCloser(strings.NewReader(a.body))), nil
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("mp3-bytes")), nil
}

func (fakeSynth) ContentType() string { return "audio/mpeg" }

type fakeStream struct{}

func (fakeStream) Stop() error { return nil }

type fakeRecognizer struct {
	sinks chan recognition.Sink

	mu    sync.Mutex
	audio int
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{sinks: make(chan recognition.Sink, 4)}
}

func (r *fakeRecognizer) Start(ctx context.Context, languageCode string, sink recognition.Sink) (recognition.Stream, error) {
	r.sinks <- sink
	return fakeStream{}, nil
}

func (r *fakeRecognizer) SendAudio(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio += len(pcm)
	return nil
}

func (r *fakeRecognizer) audioBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audio
}

func (r *fakeRecognizer) nextSink(t *testing.T) recognition.Sink {
	t.Helper()
	select {
	case s := <-r.sinks:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("Expected recognizer to be started")
		return nil
	}
}

func testConfig() *config.Config {
	return &config.Config{
		AgentAppName:       "immoassist_agent",
		RenderDebounceMs:   5,
		RestartDelayMs:     20,
		MaxRestarts:        3,
		ResumeDelayMs:      10,
		EchoThreshold:      0.8,
		MicProbeTimeout:    2,
		VADEnergyThreshold: 500,
		VADSilenceFrames:   40,
	}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ag *fakeAgent, rec *fakeRecognizer) *testClient {
	t.Helper()
	deps := Deps{
		Config:      testConfig(),
		Agent:       ag,
		Synthesizer: fakeSynth{},
		Recognizers: func(*observability.Metrics, zerolog.Logger) AudioRecognizer { return rec },
	}
	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) next() (int, []byte) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("Failed to read message: %v", err)
	}
	return mt, data
}

// expect skips frames until a JSON message of type typ satisfies match
func (c *testClient) expect(typ string, match func(map[string]any) bool) map[string]any {
	c.t.Helper()
	for {
		mt, data := c.next()
		if mt != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			c.t.Fatalf("Invalid JSON from gateway: %v", err)
		}
		if m["type"] == typ && (match == nil || match(m)) {
			return m
		}
	}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("Failed to send: %v", err)
	}
}

func isFinal(m map[string]any) bool { return m["final"] == true }

func phaseIs(phase string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["phase"] == phase }
}

func TestConversation_ChatTurn(t *testing.T) {
	ag := &fakeAgent{body: "data: {\"content\":{\"parts\":[{\"text\":\"Die \"}]}}\n\n" +
		"data: {\"content\":{\"parts\":[{\"text\":\"Rendite \"}]}}\n\n" +
		"data: {\"content\":{\"parts\":[{\"functionResponse\":{\"response\":{\"type\":\"chart\",\"data\":[]}}}]}}\n\n"}
	c := dial(t, ag, newFakeRecognizer())

	ready := c.expect(TypeReady, nil)
	conversationID, _ := ready["conversationId"].(string)
	if conversationID == "" {
		t.Fatal("Expected a conversation id")
	}

	c.send(ClientMessage{Type: TypeMessage, Text: "Wie hoch ist die Rendite?", PreferredAgent: "finance"})
	final := c.expect(TypeRender, isFinal)

	if final["text"] != "Die  Rendite " {
		t.Errorf("Expected %q, got %q", "Die  Rendite ", final["text"])
	}
	if final["chart"] == nil {
		t.Error("Expected chart on the final render")
	}

	ag.mu.Lock()
	defer ag.mu.Unlock()
	if len(ag.requests) != 1 {
		t.Fatalf("Expected 1 run request, got %d", len(ag.requests))
	}
	req := ag.requests[0]
	if req.SessionID != conversationID || req.PreferredAgent != "finance" || !req.Streaming {
		t.Errorf("Unexpected run request: %+v", req)
	}
	if len(ag.sessions) != 1 || ag.sessions[0] != conversationID {
		t.Errorf("Expected session %s to be created, got %v", conversationID, ag.sessions)
	}
}

func TestConversation_VoiceLoop(t *testing.T) {
	const answer = "Die Rendite liegt bei 4 %."
	ag := &fakeAgent{body: "data: {\"content\":{\"parts\":[{\"text\":\"" + answer + "\"}]}}\n\n"}
	rec := newFakeRecognizer()
	c := dial(t, ag, rec)
	c.expect(TypeReady, nil)

	c.send(ClientMessage{Type: TypeVoiceStart, Language: "de-DE"})
	req := c.expect(TypeMicRequest, nil)
	constraints, _ := req["constraints"].(map[string]any)
	if constraints["echoCancellation"] != true {
		t.Errorf("Expected echo cancellation constraint, got %v", req["constraints"])
	}
	c.send(ClientMessage{Type: TypeMicGranted})
	sink := rec.nextSink(t)

	if err := c.conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640)); err != nil {
		t.Fatalf("Failed to send audio: %v", err)
	}

	sink.Result([]recognition.Segment{{Transcript: "Wie hoch ist die Rendite?", Final: true}}, 0)
	user := c.expect(TypeUserMessage, nil)
	if user["text"] != "Wie hoch ist die Rendite?" {
		t.Errorf("Expected dispatched transcript, got %v", user["text"])
	}

	start := c.expect(TypeAudioStart, nil)
	if start["contentType"] != "audio/mpeg" {
		t.Errorf("Expected audio/mpeg, got %v", start["contentType"])
	}
	mt, data := c.next()
	if mt != websocket.BinaryMessage || string(data) != "mp3-bytes" {
		t.Fatalf("Expected audio frame after audio_start, got type %d %q", mt, data)
	}

	c.send(ClientMessage{Type: TypePlaybackEnded, ID: uint64(start["id"].(float64))})
	c.expect(TypePhase, phaseIs(string(recognition.PhaseListening)))

	// the recognizer hears the answer through the speakers
	sink.Result([]recognition.Segment{{Transcript: answer, Final: true}}, 0)
	echoed := c.expect(TypeEchoSuppressed, nil)
	if echoed["text"] != answer {
		t.Errorf("Expected echo of %q, got %v", answer, echoed["text"])
	}

	c.send(ClientMessage{Type: TypeStop})
	stopped := c.expect(TypeStopped, nil)
	if stopped["reason"] != string(recognition.ReasonUser) {
		t.Errorf("Expected user stop, got %v", stopped["reason"])
	}

	if rec.audioBytes() != 640 {
		t.Errorf("Expected 640 audio bytes forwarded, got %d", rec.audioBytes())
	}
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if len(ag.requests) != 1 {
		t.Errorf("Expected the echo not to start a turn, got %d requests", len(ag.requests))
	}
}

func TestConversation_MicDenied(t *testing.T) {
	c := dial(t, &fakeAgent{}, newFakeRecognizer())
	c.expect(TypeReady, nil)

	c.send(ClientMessage{Type: TypeVoiceStart})
	c.expect(TypeMicRequest, nil)
	c.send(ClientMessage{Type: TypeMicDenied, Error: "NotAllowedError"})

	stopped := c.expect(TypeStopped, nil)
	if stopped["reason"] != string(recognition.ReasonFatal) {
		t.Errorf("Expected fatal stop, got %v", stopped["reason"])
	}
	if stopped["kind"] != string(recognition.KindNotAllowed) {
		t.Errorf("Expected not-allowed, got %v", stopped["kind"])
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.immoassist.de", " "})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.immoassist.de", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws/chat", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("Origin %q: expected %v, got %v", tt.origin, tt.want, got)
		}
	}

	if !originChecker(nil)(httptest.NewRequest("GET", "/ws/chat", nil)) {
		t.Error("Expected empty allow list to accept any origin")
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	deps := Deps{
		Config:      testConfig(),
		Agent:       &fakeAgent{},
		Synthesizer: fakeSynth{},
		Recognizers: func(*observability.Metrics, zerolog.Logger) AudioRecognizer { return newFakeRecognizer() },
	}
	rec := httptest.NewRecorder()
	NewHandler(deps)(rec, httptest.NewRequest("GET", "/ws/chat", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a request without upgrade headers, got %d", rec.Code)
	}
}

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"playback_error","id":7,"error":"decode"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage failed: %v", err)
	}
	if msg.Type != TypePlaybackError || msg.ID != 7 || msg.Error != "decode" {
		t.Errorf("Unexpected message: %+v", msg)
	}

	if _, err := ParseClientMessage([]byte("not json")); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}
