package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/immoassist/chat-gateway/internal/playback"
	"github.com/immoassist/chat-gateway/internal/recognition"
)

const writeWait = 10 * time.Second

var (
	// ErrMicDenied is returned when the UI refuses microphone access
	ErrMicDenied = errors.New("microphone access denied")
	// ErrMicTimeout is returned when the UI never answers a probe
	ErrMicTimeout = errors.New("microphone probe timed out")
)

// connWriter serializes writes. gorilla/websocket allows one concurrent
// writer per connection.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

// writeAudio sends the announcement and the clip back to back so no other
// frame can slip between them.
func (w *connWriter) writeAudio(start AudioStartMessage, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteJSON(start); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *connWriter) close(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

type playbackResult struct {
	id  uint64
	err error
}

// wsPlayer plays resources in the browser. Play returns when the UI
// reports the clip ended or failed.
type wsPlayer struct {
	writer  *connWriter
	results chan playbackResult
}

func newPlayer(writer *connWriter) *wsPlayer {
	return &wsPlayer{writer: writer, results: make(chan playbackResult, 8)}
}

// Play implements playback.Player
func (p *wsPlayer) Play(ctx context.Context, res playback.Resource) error {
	start := AudioStartMessage{Type: TypeAudioStart, ID: res.ID, ContentType: res.ContentType}
	if err := p.writer.writeAudio(start, res.Data); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = p.writer.writeJSON(AudioStopMessage{Type: TypeAudioStop, ID: res.ID})
			return ctx.Err()
		case r := <-p.results:
			if r.id != res.ID {
				// report for a clip that was already superseded
				continue
			}
			return r.err
		}
	}
}

func (p *wsPlayer) report(id uint64, err error) {
	select {
	case p.results <- playbackResult{id: id, err: err}:
	default:
	}
}

// wsMicrophone asks the UI to open and immediately release the microphone
// with echo cancellation enabled.
type wsMicrophone struct {
	writer  *connWriter
	timeout time.Duration
	replies chan error
	mu      sync.Mutex
}

func newMicrophone(writer *connWriter, timeout time.Duration) *wsMicrophone {
	return &wsMicrophone{writer: writer, timeout: timeout, replies: make(chan error, 1)}
}

// Probe implements recognition.Microphone
func (m *wsMicrophone) Probe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// drop a reply that arrived after an earlier probe gave up
	select {
	case <-m.replies:
	default:
	}

	req := MicRequestMessage{
		Type:        TypeMicRequest,
		Constraints: MicConstraints{EchoCancellation: true, NoiseSuppression: true},
	}
	if err := m.writer.writeJSON(req); err != nil {
		return &recognition.Error{Kind: recognition.KindAudio, Err: err}
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case err := <-m.replies:
		if err != nil {
			return &recognition.Error{Kind: recognition.KindNotAllowed, Err: err}
		}
		return nil
	case <-timer.C:
		return &recognition.Error{Kind: recognition.KindAudio, Err: ErrMicTimeout}
	case <-ctx.Done():
		return &recognition.Error{Kind: recognition.KindAborted, Err: ctx.Err()}
	}
}

func (m *wsMicrophone) report(err error) {
	select {
	case m.replies <- err:
	default:
	}
}
