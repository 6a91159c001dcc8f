package recognition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/observability"
)

type fakeStream struct {
	mu      sync.Mutex
	stopped bool
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeRecognizer struct {
	mu      sync.Mutex
	starts  int
	sinks   []Sink
	streams []*fakeStream
	// failFrom makes every start from this attempt on fail (1-based, 0 = never)
	failFrom int
	started  chan Sink
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{started: make(chan Sink, 16)}
}

func (r *fakeRecognizer) Start(ctx context.Context, languageCode string, sink Sink) (Stream, error) {
	r.mu.Lock()
	r.starts++
	n := r.starts
	r.mu.Unlock()

	if r.failFrom > 0 && n >= r.failFrom {
		return nil, &Error{Kind: KindAudio, Err: errors.New("no capture device")}
	}

	stream := &fakeStream{}
	r.mu.Lock()
	r.sinks = append(r.sinks, sink)
	r.streams = append(r.streams, stream)
	r.mu.Unlock()
	r.started <- sink
	return stream, nil
}

func (r *fakeRecognizer) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

type deniedMic struct{}

func (deniedMic) Probe(context.Context) error {
	return errors.New("permission denied")
}

type stopInfo struct {
	mode   Mode
	reason StopReason
	kind   ErrorKind
}

type fakeListener struct {
	mu         sync.Mutex
	dispatched []string
	dictated   []string
	phases     []Phase
	stopped    chan stopInfo
	dispatch   chan string
}

func newFakeListener() *fakeListener {
	return &fakeListener{stopped: make(chan stopInfo, 4), dispatch: make(chan string, 4)}
}

func (l *fakeListener) OnPhase(mode Mode, phase Phase) {
	l.mu.Lock()
	l.phases = append(l.phases, phase)
	l.mu.Unlock()
}
func (l *fakeListener) OnInterim(string) {}
func (l *fakeListener) OnDictated(text string) {
	l.mu.Lock()
	l.dictated = append(l.dictated, text)
	l.mu.Unlock()
}
func (l *fakeListener) OnDispatch(text string) {
	l.mu.Lock()
	l.dispatched = append(l.dispatched, text)
	l.mu.Unlock()
	l.dispatch <- text
}
func (l *fakeListener) OnSpeak(string)          {}
func (l *fakeListener) OnStopPlayback()         {}
func (l *fakeListener) OnEchoSuppressed(string) {}
func (l *fakeListener) OnStopped(mode Mode, reason StopReason, kind ErrorKind) {
	l.stopped <- stopInfo{mode, reason, kind}
}

func startController(t *testing.T, rec Recognizer, mic Microphone, l Listener) *Controller {
	t.Helper()
	policy := Policy{MaxRestarts: 3, RestartDelay: time.Millisecond}
	c := NewController(rec, mic, l, policy, observability.NewConversationMetrics("test"), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)
	return c
}

func waitSink(t *testing.T, rec *fakeRecognizer) Sink {
	t.Helper()
	select {
	case s := <-rec.started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for recognizer start")
		return nil
	}
}

func TestControllerGivesUpAfterFailedRestarts(t *testing.T) {
	rec := newFakeRecognizer()
	rec.failFrom = 2
	l := newFakeListener()
	c := startController(t, rec, nil, l)

	c.StartVoiceChat("de-DE")
	sink := waitSink(t, rec)
	sink.End()

	select {
	case info := <-l.stopped:
		if info.reason != ReasonGaveUp || info.mode != ModeVoiceChat || info.kind != KindAudio {
			t.Errorf("Expected gave-up stop, got %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for stop")
	}

	time.Sleep(20 * time.Millisecond)
	if n := rec.startCount(); n != 4 {
		t.Errorf("Expected 1 start plus 3 restarts, got %d", n)
	}
}

func TestControllerStopIgnoresLateEnd(t *testing.T) {
	rec := newFakeRecognizer()
	l := newFakeListener()
	c := startController(t, rec, nil, l)

	c.StartVoiceChat("de-DE")
	sink := waitSink(t, rec)

	// wait for Started to be applied so Stop has a stream to release
	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := c.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if !s.Restarting && s.Phase == PhaseListening {
			rec.mu.Lock()
			n := len(rec.streams)
			rec.mu.Unlock()
			if n == 1 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for listening")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	s, _ := c.Snapshot()
	if !s.Idle() {
		t.Errorf("Expected idle right after Stop, got %s", s.Phase)
	}

	sink.End()
	sink.Result([]Segment{{Transcript: "zu spät", Final: true}}, 0)
	time.Sleep(30 * time.Millisecond)

	if n := rec.startCount(); n != 1 {
		t.Errorf("Expected no restart after stop, got %d starts", n)
	}
	l.mu.Lock()
	dispatched := len(l.dispatched)
	l.mu.Unlock()
	if dispatched != 0 {
		t.Errorf("Expected late result ignored, got %d dispatches", dispatched)
	}

	info := <-l.stopped
	if info.reason != ReasonUser {
		t.Errorf("Expected user stop, got %+v", info)
	}

	rec.mu.Lock()
	stream := rec.streams[0]
	rec.mu.Unlock()
	deadline = time.Now().Add(time.Second)
	for !stream.isStopped() {
		if time.Now().After(deadline) {
			t.Fatal("Expected recognizer stream to be stopped")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestControllerMicDenied(t *testing.T) {
	rec := newFakeRecognizer()
	l := newFakeListener()
	c := startController(t, rec, deniedMic{}, l)

	c.StartVoiceChat("de-DE")
	select {
	case info := <-l.stopped:
		if info.reason != ReasonFatal || info.kind != KindNotAllowed {
			t.Errorf("Expected fatal not-allowed stop, got %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for stop")
	}
	if n := rec.startCount(); n != 0 {
		t.Errorf("Expected recognizer never started, got %d", n)
	}
}

func TestControllerDropsSupersededRecognizer(t *testing.T) {
	rec := newFakeRecognizer()
	l := newFakeListener()
	c := startController(t, rec, nil, l)

	c.StartVoiceChat("de-DE")
	first := waitSink(t, rec)
	first.End()
	second := waitSink(t, rec)

	first.Result([]Segment{{Transcript: "alter Text", Final: true}}, 0)
	second.Result([]Segment{{Transcript: "neuer Text", Final: true}}, 0)

	select {
	case text := <-l.dispatch:
		if text != "neuer Text" {
			t.Errorf("Expected only the current recognizer's text, got %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for dispatch")
	}
}

func TestControllerDictation(t *testing.T) {
	rec := newFakeRecognizer()
	l := newFakeListener()
	c := startController(t, rec, nil, l)

	c.StartDictation("de-DE")
	sink := waitSink(t, rec)
	sink.Result([]Segment{{Transcript: "Mietspiegel Hamburg", Final: true}}, 0)
	sink.End()

	select {
	case info := <-l.stopped:
		if info.reason != ReasonCompleted || info.mode != ModeDictation {
			t.Errorf("Expected completed dictation, got %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for stop")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.dictated) != 1 || l.dictated[0] != "Mietspiegel Hamburg" {
		t.Errorf("Expected one dictated transcript, got %q", l.dictated)
	}
}

func TestControllerClosed(t *testing.T) {
	c := NewController(newFakeRecognizer(), nil, newFakeListener(), DefaultPolicy(), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if err := c.Stop(); !errors.Is(err, ErrControllerClosed) {
		t.Errorf("Expected ErrControllerClosed, got %v", err)
	}
}
