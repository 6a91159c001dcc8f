package playback

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/observability"
)

type fakeSynth struct {
	audio string
	err   error
}

func (s *fakeSynth) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.audio)), nil
}

func (s *fakeSynth) ContentType() string {
	return "audio/mpeg"
}

type fakePlayer struct {
	mu     sync.Mutex
	played []Resource
	err    error
	// block makes Play wait for ctx
	block bool
}

func (p *fakePlayer) Play(ctx context.Context, res Resource) error {
	p.mu.Lock()
	p.played = append(p.played, res)
	block := p.block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.err
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

func newTestController(synth Synthesizer, player Player, delay time.Duration, finished *int32) *Controller {
	return NewController(synth, player, delay, func() { atomic.AddInt32(finished, 1) },
		observability.NewConversationMetrics("test"), zerolog.Nop())
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for handle")
	}
}

func TestSpeakPlaysAndFinishesAfterDelay(t *testing.T) {
	var finished int32
	player := &fakePlayer{}
	c := newTestController(&fakeSynth{audio: "ID3audio"}, player, 40*time.Millisecond, &finished)

	start := time.Now()
	h := c.Speak(context.Background(), "Guten Tag")
	waitDone(t, h)

	if player.count() != 1 {
		t.Fatalf("Expected one playback, got %d", player.count())
	}
	if res := player.played[0]; string(res.Data) != "ID3audio" || res.ContentType != "audio/mpeg" || res.ID != h.ID() {
		t.Errorf("Unexpected resource %+v", res)
	}

	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&finished) != 0 {
		t.Error("Expected finished to wait for the resume delay")
	}
	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&finished) != 1 {
		t.Errorf("Expected one finished signal, got %d", atomic.LoadInt32(&finished))
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("Expected resume delay to elapse")
	}
	if c.Active() {
		t.Error("Expected no current handle after finishing")
	}
}

func TestSpeakFinishesWithoutAudio(t *testing.T) {
	tests := []struct {
		name   string
		synth  *fakeSynth
		player *fakePlayer
	}{
		{"empty body", &fakeSynth{audio: ""}, &fakePlayer{}},
		{"synthesis error", &fakeSynth{err: errors.New("tts unavailable")}, &fakePlayer{}},
		{"player error", &fakeSynth{audio: "x"}, &fakePlayer{err: errors.New("decode failed")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var finished int32
			c := newTestController(tt.synth, tt.player, 0, &finished)
			waitDone(t, c.Speak(context.Background(), "Hallo"))
			time.Sleep(30 * time.Millisecond)

			if atomic.LoadInt32(&finished) != 1 {
				t.Errorf("Expected finished signal, got %d", atomic.LoadInt32(&finished))
			}
		})
	}
}

func TestSpeakSupersedesPrevious(t *testing.T) {
	var finished int32
	player := &fakePlayer{block: true}
	c := newTestController(&fakeSynth{audio: "a"}, player, 0, &finished)

	first := c.Speak(context.Background(), "erste Antwort")
	deadline := time.Now().Add(time.Second)
	for player.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected first playback to start")
		}
		time.Sleep(time.Millisecond)
	}

	player.mu.Lock()
	player.block = false
	player.mu.Unlock()

	second := c.Speak(context.Background(), "zweite Antwort")
	waitDone(t, first)
	waitDone(t, second)
	time.Sleep(30 * time.Millisecond)

	if got := atomic.LoadInt32(&finished); got != 1 {
		t.Errorf("Expected only the second handle to finish, got %d signals", got)
	}
}

func TestStopSuppressesFinished(t *testing.T) {
	var finished int32
	c := newTestController(&fakeSynth{audio: "a"}, &fakePlayer{}, 50*time.Millisecond, &finished)

	h := c.Speak(context.Background(), "Hallo")
	waitDone(t, h)
	c.Stop()
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&finished) != 0 {
		t.Error("Expected no finished signal after Stop")
	}
	if c.Active() {
		t.Error("Expected no current handle after Stop")
	}
}
