// Package gateway serves the browser UI over one WebSocket per
// conversation: chat turns against the agent, dictation, and the voice loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/agent"
	"github.com/immoassist/chat-gateway/internal/assembler"
	"github.com/immoassist/chat-gateway/internal/audio"
	"github.com/immoassist/chat-gateway/internal/config"
	"github.com/immoassist/chat-gateway/internal/echo"
	"github.com/immoassist/chat-gateway/internal/observability"
	"github.com/immoassist/chat-gateway/internal/playback"
	"github.com/immoassist/chat-gateway/internal/recognition"
	"github.com/immoassist/chat-gateway/internal/sse"
	"github.com/immoassist/chat-gateway/internal/stt"
	"github.com/immoassist/chat-gateway/internal/tts"
)

// maxMessageSize bounds one inbound frame. Mic chunks are a few KB.
const maxMessageSize = 1 << 20

// AgentClient runs turns against the conversational agent
type AgentClient interface {
	AppName() string
	CreateSession(ctx context.Context, userID, sessionID string) error
	Run(ctx context.Context, req agent.RunRequest) (*sse.Decoder, error)
}

// AudioRecognizer is a recognizer fed with the UI's microphone audio
type AudioRecognizer interface {
	recognition.Recognizer
	SendAudio(pcm []byte) error
}

// RecognizerFactory creates the recognizer of one conversation
type RecognizerFactory func(metrics *observability.Metrics, logger zerolog.Logger) AudioRecognizer

// Deps are the shared services every conversation uses
type Deps struct {
	Config      *config.Config
	Agent       AgentClient
	Synthesizer playback.Synthesizer
	Recognizers RecognizerFactory
}

// NewHandler returns the /ws/chat handler
func NewHandler(deps Deps) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin:     originChecker(deps.Config.AllowedOrigins),
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		conv := NewConversation(conn, deps, r.URL.Query().Get("userId"))
		conv.Serve(r.Context())
	}
}

// originChecker allows requests without an Origin header and, when the
// list is empty, every origin.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			set[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Conversation is one UI connection. It implements recognition.Listener.
type Conversation struct {
	id     string
	userID string
	conn   *websocket.Conn
	agent  AgentClient

	writer      *connWriter
	player      *wsPlayer
	mic         *wsMicrophone
	recognizer  AudioRecognizer
	recognition *recognition.Controller
	playback    *playback.Controller
	echo        *echo.Filter
	assembler   *assembler.Assembler

	metrics *observability.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	turns      sync.WaitGroup

	// speech end detection runs on the read loop while dictating
	dictating atomic.Bool
	vadMu     sync.Mutex
	speechEnd *audio.SpeechEndDetector
}

// NewConversation wires the voice components of one connection. An empty
// userID gets a generated one.
func NewConversation(conn *websocket.Conn, deps Deps, userID string) *Conversation {
	cfg := deps.Config
	id := uuid.NewString()
	if userID == "" {
		userID = "user-" + uuid.NewString()
	}

	logger := observability.WithCorrelationID(observability.NewCorrelationID()).
		With().
		Str("conversation_id", id).
		Logger()
	metrics := observability.NewConversationMetrics(id)

	writer := &connWriter{conn: conn}
	c := &Conversation{
		id:        id,
		userID:    userID,
		conn:      conn,
		agent:     deps.Agent,
		writer:    writer,
		player:    newPlayer(writer),
		mic:       newMicrophone(writer, time.Duration(cfg.MicProbeTimeout)*time.Second),
		echo:      echo.NewFilter(cfg.EchoThreshold),
		assembler: assembler.New(cfg.RenderDebounce(), logger),
		metrics:   metrics,
		logger:    logger,
		speechEnd: audio.NewSpeechEndDetector(&audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
			FrameSize:       audio.FrameSamples,
		}),
	}

	c.recognizer = deps.Recognizers(metrics, logger)
	c.playback = playback.NewController(deps.Synthesizer, c.player, cfg.ResumeDelay(), c.onPlaybackFinished, metrics, logger)
	c.recognition = recognition.NewController(c.recognizer, c.mic, c, recognition.Policy{
		MaxRestarts:  cfg.MaxRestarts,
		RestartDelay: cfg.RestartDelay(),
		Suppress:     c.echo.Suppress,
	}, metrics, logger)

	return c
}

// ID returns the conversation id, also used as the agent session id
func (c *Conversation) ID() string {
	return c.id
}

// Serve runs the conversation until the connection closes or ctx is done
func (c *Conversation) Serve(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.shutdown()

	c.metrics.RecordConversationStart()
	c.logger.Info().Str("user_id", c.userID).Msg("Conversation started")

	go c.recognition.Run(c.ctx)

	if err := c.agent.CreateSession(c.ctx, c.userID, c.id); err != nil {
		c.logger.Error().Err(err).Msg("Failed to create agent session")
		c.metrics.RecordError("create_session", "agent")
	}

	c.send(ReadyMessage{Type: TypeReady, ConversationID: c.id})
	c.readLoop()
}

func (c *Conversation) shutdown() {
	c.cancel()
	c.playback.Stop()
	c.turns.Wait()
	c.writer.close(websocket.CloseNormalClosure, "")
	c.metrics.RecordConversationEnd()
	c.logger.Info().Msg("Conversation ended")
}

func (c *Conversation) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		if c.ctx.Err() != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.handleAudio(data)
		case websocket.TextMessage:
			msg, err := ParseClientMessage(data)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Failed to parse client message")
				continue
			}
			c.handleMessage(msg)
		}
	}
}

func (c *Conversation) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case TypeMessage:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return
		}
		c.startTurn(text, msg.PreferredAgent, false)

	case TypeDictationStart:
		c.recognition.StartDictation(msg.Language)

	case TypeVoiceStart:
		c.recognition.StartVoiceChat(msg.Language)

	case TypeStop:
		if err := c.recognition.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("Stop after recognition shut down")
		}

	case TypeMicGranted:
		c.mic.report(nil)

	case TypeMicDenied:
		err := ErrMicDenied
		if msg.Error != "" {
			err = fmt.Errorf("%w: %s", ErrMicDenied, msg.Error)
		}
		c.mic.report(err)

	case TypePlaybackEnded:
		c.player.report(msg.ID, nil)

	case TypePlaybackError:
		c.player.report(msg.ID, fmt.Errorf("playback failed in browser: %s", msg.Error))

	default:
		c.logger.Warn().Str("type", msg.Type).Msg("Unknown client message")
	}
}

// handleAudio forwards microphone audio to the recognizer and, while
// dictating, watches it for the end of speech.
func (c *Conversation) handleAudio(pcm []byte) {
	if err := c.recognizer.SendAudio(pcm); err != nil && !errors.Is(err, stt.ErrNotActive) {
		c.logger.Debug().Err(err).Msg("Dropped microphone audio")
	}

	if !c.dictating.Load() {
		return
	}
	c.vadMu.Lock()
	ended := c.speechEnd.Feed(pcm)
	c.vadMu.Unlock()
	if ended {
		c.recognition.SpeechEnd()
	}
}

// startTurn supersedes any running turn
func (c *Conversation) startTurn(text, preferredAgent string, voice bool) {
	c.turnMu.Lock()
	if c.turnCancel != nil {
		c.turnCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.turnCancel = cancel
	c.turnMu.Unlock()

	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		defer cancel()
		c.runTurn(ctx, text, preferredAgent, voice)
	}()
}

func (c *Conversation) runTurn(ctx context.Context, text, preferredAgent string, voice bool) {
	messageID := uuid.NewString()
	logger := c.logger.With().Str("message_id", messageID).Bool("voice", voice).Logger()
	c.metrics.RecordTurnStart(messageID)

	dec, err := c.agent.Run(ctx, agent.RunRequest{
		AppName:        c.agent.AppName(),
		UserID:         c.userID,
		SessionID:      c.id,
		NewMessage:     agent.NewUserMessage(text),
		PreferredAgent: preferredAgent,
		Streaming:      true,
	})
	if err != nil {
		c.failTurn(logger, messageID, voice, err, 0, 0)
		return
	}
	defer dec.Close()

	acc, err := c.assembler.Assemble(ctx, dec, func(s assembler.Snapshot) {
		c.metrics.RecordRender(s.Final)
		c.send(RenderMessage{
			Type:      TypeRender,
			MessageID: messageID,
			Text:      s.Text,
			Final:     s.Final,
			Sources:   s.Sources,
			Chart:     s.Chart,
		})
	})
	if err != nil {
		c.failTurn(logger, messageID, voice, err, acc.Frames, acc.Malformed)
		return
	}

	c.metrics.RecordTurnEnd(messageID, true, acc.Frames, acc.Malformed)
	logger.Info().
		Int("frames", acc.Frames).
		Int("malformed", acc.Malformed).
		Int("sources", len(acc.PendingSources)).
		Bool("chart", acc.Chart != nil).
		Msg("Turn completed")

	if voice {
		c.recognition.ResponseReady(acc.RawText)
	}
}

// failTurn leaves the message at its last render and lets the voice loop
// listen again.
func (c *Conversation) failTurn(logger zerolog.Logger, messageID string, voice bool, err error, frames, malformed int) {
	c.metrics.RecordTurnEnd(messageID, false, frames, malformed)
	c.metrics.RecordError("turn", "agent")
	logger.Warn().Err(err).Int("frames", frames).Msg("Turn abandoned")

	if c.ctx.Err() == nil {
		c.send(TurnErrorMessage{Type: TypeTurnError, MessageID: messageID, Error: err.Error()})
	}
	if voice {
		c.recognition.ResponseFailed()
	}
}

func (c *Conversation) onPlaybackFinished() {
	c.recognition.PlaybackFinished()
}

func (c *Conversation) send(v any) {
	if err := c.writer.writeJSON(v); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to write to WebSocket")
	}
}

// OnPhase implements recognition.Listener
func (c *Conversation) OnPhase(mode recognition.Mode, phase recognition.Phase) {
	dictating := mode == recognition.ModeDictation && phase == recognition.PhaseListening
	if dictating && !c.dictating.Load() {
		c.vadMu.Lock()
		c.speechEnd.Reset()
		c.vadMu.Unlock()
	}
	c.dictating.Store(dictating)

	c.send(PhaseMessage{Type: TypePhase, Mode: string(mode), Phase: string(phase)})
}

// OnInterim implements recognition.Listener
func (c *Conversation) OnInterim(text string) {
	c.send(TextMessage{Type: TypeInterim, Text: text})
}

// OnDictated implements recognition.Listener
func (c *Conversation) OnDictated(text string) {
	c.send(TextMessage{Type: TypeDictated, Text: text})
}

// OnDispatch implements recognition.Listener
func (c *Conversation) OnDispatch(text string) {
	c.send(TextMessage{Type: TypeUserMessage, Text: text})
	c.startTurn(text, "", true)
}

// OnSpeak implements recognition.Listener. The echo filter compares
// transcripts against the text as it is spoken, not as it is rendered.
func (c *Conversation) OnSpeak(text string) {
	c.echo.SetLastSpoken(tts.SpeakableText(text))
	c.playback.Speak(c.ctx, text)
}

// OnStopPlayback implements recognition.Listener
func (c *Conversation) OnStopPlayback() {
	c.playback.Stop()
}

// OnEchoSuppressed implements recognition.Listener
func (c *Conversation) OnEchoSuppressed(text string) {
	c.send(TextMessage{Type: TypeEchoSuppressed, Text: text})
}

// OnStopped implements recognition.Listener
func (c *Conversation) OnStopped(mode recognition.Mode, reason recognition.StopReason, kind recognition.ErrorKind) {
	c.send(StoppedMessage{Type: TypeStopped, Mode: string(mode), Reason: string(reason), Kind: string(kind)})
}
