package recognition

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/observability"
)

// ErrControllerClosed is returned by synchronous calls after Run has exited
var ErrControllerClosed = errors.New("recognition controller closed")

// Sink receives a running recognizer's callbacks
type Sink interface {
	Result(segments []Segment, resultIndex int)
	End()
	Error(kind ErrorKind)
}

// Stream is one running recognizer instance
type Stream interface {
	Stop() error
}

// Recognizer starts speech recognition instances
type Recognizer interface {
	Start(ctx context.Context, languageCode string, sink Sink) (Stream, error)
}

// Microphone checks that capture is permitted before each start. The probe
// handle is released before Probe returns.
type Microphone interface {
	Probe(ctx context.Context) error
}

// Listener observes the controller. Callbacks run on the controller's
// goroutine and must not call back into it synchronously.
type Listener interface {
	OnPhase(mode Mode, phase Phase)
	OnInterim(text string)
	OnDictated(text string)
	OnDispatch(text string)
	OnSpeak(text string)
	OnStopPlayback()
	OnEchoSuppressed(text string)
	OnStopped(mode Mode, reason StopReason, kind ErrorKind)
}

type envelope struct {
	ev Event

	// startGen tags recognizer callbacks, timerGen tags restart timers.
	// Zero means untagged.
	startGen uint64
	timerGen uint64

	reply chan Session
}

// Controller serializes every session change onto one goroutine
type Controller struct {
	recognizer Recognizer
	mic        Microphone
	listener   Listener
	policy     Policy
	metrics    *observability.Metrics
	logger     zerolog.Logger

	events chan envelope
	done   chan struct{}

	// owned by the Run goroutine
	ctx          context.Context
	session      Session
	stream       Stream
	startGen     uint64
	timerGen     uint64
	restartTimer *time.Timer
}

// NewController creates a controller. mic may be nil when capture needs no
// permission check.
func NewController(rec Recognizer, mic Microphone, listener Listener, policy Policy, metrics *observability.Metrics, logger zerolog.Logger) *Controller {
	if policy.MaxRestarts < 1 {
		policy.MaxRestarts = DefaultPolicy().MaxRestarts
	}
	return &Controller{
		recognizer: rec,
		mic:        mic,
		listener:   listener,
		policy:     policy,
		metrics:    metrics,
		logger:     logger.With().Str("component", "recognition").Logger(),
		events:     make(chan envelope, 64),
		done:       make(chan struct{}),
		session:    Session{Phase: PhaseIdle},
	}
}

// Run processes events until ctx is done, then releases the recognizer and
// any armed timer.
func (c *Controller) Run(ctx context.Context) {
	c.ctx = ctx
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case env := <-c.events:
			c.handle(env)
		}
	}
}

// StartDictation begins a single-shot capture
func (c *Controller) StartDictation(languageCode string) {
	c.post(envelope{ev: Start{Mode: ModeDictation, LanguageCode: languageCode}})
}

// StartVoiceChat begins the continuous voice loop
func (c *Controller) StartVoiceChat(languageCode string) {
	c.post(envelope{ev: Start{Mode: ModeVoiceChat, LanguageCode: languageCode}})
}

// Stop ends the current mode. When it returns the restart timer is
// disarmed and the recognizer has been told to stop; its late callbacks are
// ignored.
func (c *Controller) Stop() error {
	_, err := c.call(Stop{})
	return err
}

// SpeechEnd forwards trailing silence detected on the audio path
func (c *Controller) SpeechEnd() {
	c.post(envelope{ev: SpeechEnd{}})
}

// ResponseReady delivers the agent's answer to a dispatched utterance
func (c *Controller) ResponseReady(text string) {
	c.post(envelope{ev: ResponseReady{Text: text}})
}

// ResponseFailed reports that a dispatched utterance got no answer
func (c *Controller) ResponseFailed() {
	c.post(envelope{ev: ResponseFailed{}})
}

// PlaybackFinished is the playback completion signal
func (c *Controller) PlaybackFinished() {
	c.post(envelope{ev: PlaybackFinished{}})
}

// Snapshot returns the current session
func (c *Controller) Snapshot() (Session, error) {
	return c.call(nil)
}

func (c *Controller) call(ev Event) (Session, error) {
	reply := make(chan Session, 1)
	if !c.post(envelope{ev: ev, reply: reply}) {
		return Session{}, ErrControllerClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return Session{}, ErrControllerClosed
	}
}

func (c *Controller) post(env envelope) bool {
	select {
	case c.events <- env:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) handle(env envelope) {
	if env.reply != nil {
		defer func() { env.reply <- c.session }()
	}
	if env.ev == nil {
		return
	}

	if env.startGen != 0 && env.startGen != c.startGen {
		if st, ok := env.ev.(Started); ok {
			c.releaseStream(st.stream)
		}
		c.logger.Debug().Uint64("gen", env.startGen).Msg("Dropping event from superseded recognizer")
		return
	}
	if env.timerGen != 0 && env.timerGen != c.timerGen {
		return
	}

	switch ev := env.ev.(type) {
	case ErrorEvent:
		if Classify(ev.Kind) == SeverityUnknown {
			c.logger.Warn().Str("kind", string(ev.Kind)).Msg("Unrecognized recognizer error, continuing")
		}
	case Started:
		c.metrics.RecordRecognitionStart(true)
	case StartFailed:
		c.metrics.RecordRecognitionStart(false)
		c.logger.Warn().Err(ev.Err).Str("kind", string(ev.Kind)).Msg("Recognizer start failed")
	}

	prev := c.session
	next, effects := Transition(c.session, env.ev, c.policy)
	c.session = next

	if st, ok := env.ev.(Started); ok {
		if next.Idle() {
			c.releaseStream(st.stream)
		} else {
			c.stream = st.stream
		}
	}

	for _, eff := range effects {
		c.apply(eff)
	}

	if prev.Mode != next.Mode || prev.Phase != next.Phase {
		mode := next.Mode
		if next.Idle() {
			mode = prev.Mode
		}
		c.listener.OnPhase(mode, next.Phase)
	}
}

func (c *Controller) apply(eff Effect) {
	switch eff := eff.(type) {
	case StartRecognizer:
		c.startRecognizer(eff.LanguageCode)
	case StopRecognizer:
		c.releaseStream(c.stream)
		c.stream = nil
	case ScheduleRestart:
		c.armRestart(eff.Delay)
	case CancelRestart:
		c.disarmRestart()
	case ShowInterim:
		c.listener.OnInterim(eff.Text)
	case Dictated:
		c.listener.OnDictated(eff.Text)
	case Dispatch:
		c.listener.OnDispatch(eff.Text)
	case Speak:
		c.listener.OnSpeak(eff.Text)
	case StopPlayback:
		c.listener.OnStopPlayback()
	case EchoSuppressed:
		c.metrics.RecordEchoSuppressed()
		c.logger.Info().Str("transcript", eff.Text).Msg("Suppressed playback echo")
		c.listener.OnEchoSuppressed(eff.Text)
	case Stopped:
		c.metrics.RecordRecognitionStop(string(eff.Mode), string(eff.Reason))
		c.logger.Info().
			Str("mode", string(eff.Mode)).
			Str("reason", string(eff.Reason)).
			Str("kind", string(eff.Kind)).
			Msg("Recognition session stopped")
		c.listener.OnStopped(eff.Mode, eff.Reason, eff.Kind)
	}
}

// startRecognizer probes the microphone and starts a recognizer off the
// loop. A newer start makes the result of this one stale.
func (c *Controller) startRecognizer(languageCode string) {
	c.releaseStream(c.stream)
	c.stream = nil

	c.startGen++
	gen := c.startGen
	ctx := c.ctx
	sink := &taggedSink{c: c, gen: gen}

	go func() {
		if c.mic != nil {
			if err := c.mic.Probe(ctx); err != nil {
				c.post(envelope{ev: StartFailed{Kind: startKind(err, KindNotAllowed), Err: err}, startGen: gen})
				return
			}
		}
		stream, err := c.recognizer.Start(ctx, languageCode, sink)
		if err != nil {
			c.post(envelope{ev: StartFailed{Kind: startKind(err, KindUnknown), Err: err}, startGen: gen})
			return
		}
		if !c.post(envelope{ev: Started{stream: stream}, startGen: gen}) {
			_ = stream.Stop()
		}
	}()
}

func startKind(err error, fallback ErrorKind) ErrorKind {
	if kind := KindOf(err); kind != KindUnknown {
		return kind
	}
	return fallback
}

func (c *Controller) releaseStream(s Stream) {
	if s == nil {
		return
	}
	go func() {
		if err := s.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("Recognizer stop returned error")
		}
	}()
}

func (c *Controller) armRestart(delay time.Duration) {
	c.disarmRestart()
	gen := c.timerGen
	c.restartTimer = time.AfterFunc(delay, func() {
		c.post(envelope{ev: RestartDue{}, timerGen: gen})
	})
}

// disarmRestart stops the timer and invalidates a RestartDue already queued
func (c *Controller) disarmRestart() {
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	c.timerGen++
}

func (c *Controller) shutdown() {
	c.disarmRestart()
	c.releaseStream(c.stream)
	c.stream = nil
}

type taggedSink struct {
	c   *Controller
	gen uint64
}

func (s *taggedSink) Result(segments []Segment, resultIndex int) {
	s.c.post(envelope{ev: Result{Results: segments, ResultIndex: resultIndex}, startGen: s.gen})
}

func (s *taggedSink) End() {
	s.c.post(envelope{ev: End{}, startGen: s.gen})
}

func (s *taggedSink) Error(kind ErrorKind) {
	s.c.post(envelope{ev: ErrorEvent{Kind: kind}, startGen: s.gen})
}
