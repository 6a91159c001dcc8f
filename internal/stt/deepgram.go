package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/audio"
	"github.com/immoassist/chat-gateway/internal/config"
	"github.com/immoassist/chat-gateway/internal/observability"
	"github.com/immoassist/chat-gateway/internal/recognition"
	"github.com/immoassist/chat-gateway/internal/resilience"
)

// ErrNotActive is returned when audio arrives with no recognizer running
var ErrNotActive = errors.New("deepgram recognizer is not active")

// finalizeWait bounds how long Stop keeps an open utterance alive for
// Deepgram to finalize it.
const finalizeWait = 1500 * time.Millisecond

// messageCallbackHandler embeds the default handler and overrides only the
// callbacks a recognition stream reacts to.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

// Message forwards transcripts to the stream
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.stream.handleMessage(message)
	return nil
}

// UtteranceEnd closes the open utterance after trailing silence
func (m *messageCallbackHandler) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	m.stream.handleUtteranceEnd()
	return nil
}

// Error classifies Deepgram errors into recognizer error kinds
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.stream.handleError(fmt.Sprintf("%+v", errorResponse))
	return nil
}

// Close reports the end of the stream
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	m.stream.end()
	return nil
}

// Service holds the Deepgram credentials and the breaker shared by every
// conversation's recognizer.
type Service struct {
	apiKey          string
	model           string
	defaultLanguage string
	breaker         *resilience.CircuitBreaker
	logger          zerolog.Logger
}

// NewService creates the shared Deepgram service from configuration
func NewService(cfg *config.Config, logger zerolog.Logger) *Service {
	breaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	return &Service{
		apiKey:          cfg.DeepgramAPIKey,
		model:           cfg.DeepgramModel,
		defaultLanguage: cfg.DeepgramLanguage,
		breaker:         breaker,
		logger:          logger.With().Str("component", "deepgram").Logger(),
	}
}

// HealthCheck reports whether the breaker lets new streams through. No
// stream is opened so the check costs nothing.
func (s *Service) HealthCheck(ctx context.Context) (bool, error) {
	if s.apiKey == "" {
		return false, errors.New("deepgram API key not configured")
	}
	if s.breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// NewRecognizer creates the recognizer of one conversation
func (s *Service) NewRecognizer(metrics *observability.Metrics, logger zerolog.Logger) *DeepgramRecognizer {
	return &DeepgramRecognizer{
		service: s,
		metrics: metrics,
		logger:  logger.With().Str("component", "deepgram").Logger(),
	}
}

// DeepgramRecognizer implements recognition.Recognizer over Deepgram's live
// transcription websocket. One stream is active at a time; starting a new
// one retires the previous.
type DeepgramRecognizer struct {
	service *Service
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	active *deepgramStream
}

// Start opens a live transcription stream that reports to sink
func (r *DeepgramRecognizer) Start(ctx context.Context, languageCode string, sink recognition.Sink) (recognition.Stream, error) {
	lang := languageFor(languageCode, r.service.defaultLanguage)

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.service.model,
		Language:       lang,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     audio.SampleRate,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &deepgramStream{
		recognizer: r,
		sink:       sink,
		cancel:     cancel,
		finalized:  make(chan struct{}, 1),
		logger:     r.logger.With().Str("language", lang).Logger(),
	}

	err := r.service.breaker.Call(func() error {
		callback := &messageCallbackHandler{
			DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
			stream:                 stream,
		}
		client, err := listenClient.NewWSUsingCallback(streamCtx, r.service.apiKey, nil, tOptions, callback)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return errors.New("failed to connect to Deepgram")
		}
		stream.client = client
		return nil
	})
	if err != nil {
		cancel()
		return nil, &recognition.Error{Kind: recognition.KindAborted, Err: err}
	}

	r.mu.Lock()
	previous := r.active
	r.active = stream
	r.mu.Unlock()
	if previous != nil {
		// the retired stream gets no more audio, so don't hold the new one
		// up while it waits to finalize
		go previous.Stop()
	}

	stream.logger.Info().Str("model", r.service.model).Msg("Deepgram stream started")
	return stream, nil
}

// SendAudio forwards 16kHz PCM16LE microphone audio to the active stream
func (r *DeepgramRecognizer) SendAudio(pcm []byte) error {
	r.mu.Lock()
	stream := r.active
	r.mu.Unlock()
	if stream == nil {
		return ErrNotActive
	}
	return stream.write(pcm)
}

// Active reports whether a stream is running
func (r *DeepgramRecognizer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (r *DeepgramRecognizer) release(s *deepgramStream) {
	r.mu.Lock()
	if r.active == s {
		r.active = nil
	}
	r.mu.Unlock()
}

type deepgramStream struct {
	recognizer *DeepgramRecognizer
	sink       recognition.Sink
	cancel     context.CancelFunc
	logger     zerolog.Logger

	mu       sync.Mutex
	client   *listenClient.WSCallback
	results  resultList
	stopping bool
	stopped  bool

	// finalized is signaled whenever an utterance closes
	finalized chan struct{}
	endOnce   sync.Once
}

func (s *deepgramStream) write(pcm []byte) error {
	s.mu.Lock()
	client, stopped := s.client, s.stopped
	s.mu.Unlock()
	if stopped || client == nil {
		return ErrNotActive
	}

	if _, err := client.Write(pcm); err != nil {
		s.recognizer.service.breaker.RecordResult(false)
		s.recognizer.metrics.RecordError("send_audio", "deepgram")
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	s.recognizer.metrics.RecordAudioBytes("in", int64(len(pcm)))
	return nil
}

// Stop finishes the stream. The sink sees End exactly once, whether the
// stream was stopped here or closed by Deepgram.
// An utterance still open is given finalizeWait to close, with audio still
// flowing, so its words reach the sink before End.
func (s *deepgramStream) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	select {
	case <-s.finalized:
	default:
	}
	pending := s.client != nil && s.results.pending()
	s.mu.Unlock()

	if pending {
		timer := time.NewTimer(finalizeWait)
		select {
		case <-s.finalized:
		case <-timer.C:
			s.logger.Debug().Msg("Deepgram did not finalize before stop")
		}
		timer.Stop()
	}

	s.mu.Lock()
	s.stopped = true
	client := s.client
	s.mu.Unlock()

	if client != nil {
		client.Finish()
	}
	s.cancel()
	s.end()
	s.logger.Debug().Msg("Deepgram stream stopped")
	return nil
}

func (s *deepgramStream) end() {
	s.endOnce.Do(func() {
		s.recognizer.release(s)
		s.sink.End()
	})
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	s.mu.Lock()
	segments, index, ok := s.results.apply(msg.Channel.Alternatives[0].Transcript, msg.IsFinal, msg.SpeechFinal)
	s.mu.Unlock()
	s.deliver(segments, index, ok)
}

func (s *deepgramStream) handleUtteranceEnd() {
	s.mu.Lock()
	segments, index, ok := s.results.utteranceEnd()
	s.mu.Unlock()
	s.deliver(segments, index, ok)
}

func (s *deepgramStream) deliver(segments []recognition.Segment, index int, ok bool) {
	if !ok {
		return
	}
	s.sink.Result(segments, index)
	if segments[index].Final {
		select {
		case s.finalized <- struct{}{}:
		default:
		}
	}
}

func (s *deepgramStream) handleError(detail string) {
	kind := classifyError(detail)
	s.logger.Warn().Str("kind", string(kind)).Str("detail", detail).Msg("Deepgram error")
	s.recognizer.service.breaker.RecordResult(false)
	s.recognizer.metrics.RecordError(string(kind), "deepgram")
	s.sink.Error(kind)
}

// classifyError maps a Deepgram error description to a recognizer kind.
// Anything unrecognized is reported as unknown and does not end the session.
func classifyError(detail string) recognition.ErrorKind {
	d := strings.ToLower(detail)
	switch {
	case strings.Contains(d, "401"), strings.Contains(d, "403"),
		strings.Contains(d, "unauthorized"), strings.Contains(d, "forbidden"),
		strings.Contains(d, "auth"):
		return recognition.KindNotAllowed
	case strings.Contains(d, "net0001"), strings.Contains(d, "timeout"):
		// no audio reached Deepgram in time
		return recognition.KindNoSpeech
	case strings.Contains(d, "connection reset"), strings.Contains(d, "connection closed"),
		strings.Contains(d, "broken pipe"), strings.Contains(d, "unexpected eof"):
		return recognition.KindNetwork
	default:
		return recognition.KindUnknown
	}
}
