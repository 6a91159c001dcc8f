// Package assembler folds the payloads of one agent turn into a single
// message and renders it at a bounded rate.
package assembler

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/immoassist/chat-gateway/internal/agent"
	"github.com/immoassist/chat-gateway/internal/sources"
)

// DefaultDebounce coalesces bursts of payloads into one partial render
const DefaultDebounce = 50 * time.Millisecond

// PayloadSource yields decoded frame payloads in arrival order and io.EOF
// once the turn is complete.
type PayloadSource interface {
	Next() (string, error)
}

// Snapshot is what a render callback receives. Partial snapshots carry text
// only; the chart and sources arrive with the final one.
type Snapshot struct {
	Text    string
	Final   bool
	Sources []sources.Source
	Chart   *agent.Chart
}

// RenderFunc receives snapshots. Calls are serialized and the final snapshot
// is always the last one.
type RenderFunc func(Snapshot)

// Accumulator is the in-progress message of one turn
type Accumulator struct {
	RawText        string
	Chart          *agent.Chart
	PendingSources []sources.Source

	Frames    int
	Malformed int
}

// Apply folds one payload into the accumulator. It reports whether the
// visible text changed. A payload that is not JSON is returned as an error
// and leaves the accumulator untouched.
func (m *Accumulator) Apply(payload string) (bool, error) {
	m.Frames++
	ev, err := agent.ParseEvent(payload)
	if err != nil {
		m.Malformed++
		return false, err
	}

	textChanged := false
	for _, delta := range ev.TextDeltas() {
		// Upstream fragments are not guaranteed to carry their own spacing.
		if m.RawText != "" {
			m.RawText += " "
		}
		m.RawText += delta
		textChanged = true
	}

	for _, tr := range ev.ToolResults() {
		if tr.Chart != nil {
			m.Chart = tr.Chart
		}
		if len(tr.Sources) > 0 {
			m.PendingSources = sources.Merge(m.PendingSources, tr.Sources)
		}
	}
	if gs := ev.GroundingSources(); len(gs) > 0 {
		m.PendingSources = sources.Merge(m.PendingSources, gs)
	}
	return textChanged, nil
}

// Assembler drives one Accumulator per turn
type Assembler struct {
	debounce time.Duration
	logger   zerolog.Logger
}

// New creates an assembler; a non-positive debounce selects the default
func New(debounce time.Duration, logger zerolog.Logger) *Assembler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Assembler{debounce: debounce, logger: logger}
}

type turn struct {
	mu      sync.Mutex
	acc     Accumulator
	render  RenderFunc
	timer   *time.Timer
	pending bool
	done    bool
}

// Assemble consumes src until io.EOF and renders the final message
// synchronously before returning. On a transport error or cancellation the
// pending partial render is dropped, no final render happens, and the
// partial accumulator is returned with the error.
func (a *Assembler) Assemble(ctx context.Context, src PayloadSource, render RenderFunc) (*Accumulator, error) {
	t := &turn{render: render}

	for {
		if err := ctx.Err(); err != nil {
			return t.abandon(), err
		}

		payload, err := src.Next()
		if errors.Is(err, io.EOF) {
			return t.finish(), nil
		}
		if err != nil {
			return t.abandon(), err
		}

		t.mu.Lock()
		changed, perr := t.acc.Apply(payload)
		if perr != nil {
			t.mu.Unlock()
			a.logger.Warn().Err(perr).Int("frame", t.acc.Frames).Msg("Skipping malformed payload")
			continue
		}
		if changed && !t.pending {
			t.pending = true
			t.timer = time.AfterFunc(a.debounce, t.flushPartial)
		}
		t.mu.Unlock()
	}
}

func (t *turn) flushPartial() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.pending = false
	t.render(Snapshot{Text: t.acc.RawText})
}

func (t *turn) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = false
	t.done = true
}

func (t *turn) finish() *Accumulator {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimer()

	t.render(Snapshot{
		Text:    t.acc.RawText,
		Final:   true,
		Sources: t.acc.PendingSources,
		Chart:   t.acc.Chart,
	})
	acc := t.acc
	return &acc
}

func (t *turn) abandon() *Accumulator {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimer()
	acc := t.acc
	return &acc
}
