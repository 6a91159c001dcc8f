// Package playback fetches synthesized speech, plays it, and reports when
// the voice loop may listen again.
package playback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/observability"
)

// DefaultResumeDelay lets the audio tail decay before the finished signal
const DefaultResumeDelay = 500 * time.Millisecond

// Synthesizer turns text into a streamed audio body
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
	ContentType() string
}

// Resource is one complete, decodable audio clip
type Resource struct {
	ID          uint64
	ContentType string
	Data        []byte
}

// Player plays a resource and blocks until it ends or ctx is done
type Player interface {
	Play(ctx context.Context, res Resource) error
}

// Handle is one playback. At most one is current per Controller.
type Handle struct {
	id     uint64
	text   string
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Controller.mu
	finishTimer *time.Timer
}

// ID identifies the handle's resource
func (h *Handle) ID() uint64 {
	return h.id
}

// Done is closed when the handle's fetch and play have returned
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Controller owns the single playback of one conversation
type Controller struct {
	synth       Synthesizer
	player      Player
	resumeDelay time.Duration
	onFinished  func()
	metrics     *observability.Metrics
	logger      zerolog.Logger

	mu      sync.Mutex
	current *Handle
	nextID  uint64
}

// NewController creates a controller. onFinished is called once per handle
// that completes, fails or produces no audio, never for one that was
// superseded or stopped.
func NewController(synth Synthesizer, player Player, resumeDelay time.Duration, onFinished func(), metrics *observability.Metrics, logger zerolog.Logger) *Controller {
	if resumeDelay < 0 {
		resumeDelay = DefaultResumeDelay
	}
	if onFinished == nil {
		onFinished = func() {}
	}
	return &Controller{
		synth:       synth,
		player:      player,
		resumeDelay: resumeDelay,
		onFinished:  onFinished,
		metrics:     metrics,
		logger:      logger.With().Str("component", "playback").Logger(),
	}
}

// Speak stops whatever is current and starts fetching and playing text
func (c *Controller) Speak(ctx context.Context, text string) *Handle {
	hctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.releaseLocked()
	c.nextID++
	h := &Handle{id: c.nextID, text: text, cancel: cancel, done: make(chan struct{})}
	c.current = h
	c.mu.Unlock()

	go c.run(hctx, h)
	return h
}

// Stop interrupts the current handle without a finished signal
func (c *Controller) Stop() {
	c.mu.Lock()
	c.releaseLocked()
	c.mu.Unlock()
}

// Active reports whether a handle is current
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *Controller) releaseLocked() {
	if c.current == nil {
		return
	}
	c.current.cancel()
	if c.current.finishTimer != nil {
		c.current.finishTimer.Stop()
	}
	c.current = nil
}

func (c *Controller) run(ctx context.Context, h *Handle) {
	defer close(h.done)
	defer h.cancel()

	data, err := c.fetch(ctx, h)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Uint64("handle", h.id).Msg("Speech synthesis failed, resuming")
		c.finish(h)
		return
	}
	if len(data) == 0 {
		c.logger.Warn().Uint64("handle", h.id).Msg("Synthesis returned no audio, resuming")
		c.finish(h)
		return
	}

	err = c.player.Play(ctx, Resource{ID: h.id, ContentType: c.synth.ContentType(), Data: data})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Warn().Err(err).Uint64("handle", h.id).Msg("Playback failed, resuming")
		c.metrics.RecordError("playback", "playback")
	}
	c.finish(h)
}

// fetch buffers the whole body; the player needs a complete resource
func (c *Controller) fetch(ctx context.Context, h *Handle) ([]byte, error) {
	start := time.Now()
	body, err := c.synth.Synthesize(ctx, h.text)
	if err != nil {
		c.metrics.RecordTTS(false, time.Since(start), 0)
		return nil, err
	}
	defer body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil && !errors.Is(err, io.EOF) {
		c.metrics.RecordTTS(false, time.Since(start), buf.Len())
		return nil, err
	}
	c.metrics.RecordTTS(true, time.Since(start), buf.Len())
	return buf.Bytes(), nil
}

func (c *Controller) finish(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != h {
		return
	}
	h.finishTimer = time.AfterFunc(c.resumeDelay, func() {
		c.mu.Lock()
		if c.current != h {
			c.mu.Unlock()
			return
		}
		c.current = nil
		c.mu.Unlock()
		c.onFinished()
	})
}
