package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Conversation metrics
	activeConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_gateway_active_conversations",
		Help: "Number of connected UI conversations",
	})

	conversationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_gateway_conversation_duration_seconds",
		Help:    "Duration of UI conversations in seconds",
		Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600},
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_turns_total",
		Help: "Agent turns by outcome",
	}, []string{"status"})

	turnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_gateway_turn_duration_seconds",
		Help:    "Time from request to final render",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 90},
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_frames_total",
		Help: "Decoded stream frames by outcome",
	}, []string{"result"}) // result: "ok" or "malformed"

	rendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_renders_total",
		Help: "Render callbacks issued",
	}, []string{"kind"}) // kind: "partial" or "final"

	// Recognition metrics
	recognitionStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_recognition_starts_total",
		Help: "Recognizer start attempts by outcome",
	}, []string{"status"})

	recognitionStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_recognition_stops_total",
		Help: "Recognition sessions ended, by mode and reason",
	}, []string{"mode", "reason"})

	echoSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_gateway_echo_suppressed_total",
		Help: "Final transcripts discarded as playback echo",
	})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_tts_requests_total",
		Help: "Total number of TTS requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_gateway_tts_latency_seconds",
		Help:    "Time to receive the complete synthesized audio",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single UI conversation
type Metrics struct {
	conversationID string
	startTime      time.Time

	mu         sync.Mutex
	turnStarts map[string]time.Time
}

// NewConversationMetrics creates a new metrics tracker for a conversation
func NewConversationMetrics(conversationID string) *Metrics {
	return &Metrics{
		conversationID: conversationID,
		startTime:      time.Now(),
		turnStarts:     make(map[string]time.Time),
	}
}

// RecordConversationStart records a newly connected conversation
func (m *Metrics) RecordConversationStart() {
	activeConversations.Inc()
}

// RecordConversationEnd records the end of a conversation
func (m *Metrics) RecordConversationEnd() {
	activeConversations.Dec()
	conversationDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTurnStart records the start of an agent turn
func (m *Metrics) RecordTurnStart(messageID string) {
	m.mu.Lock()
	m.turnStarts[messageID] = time.Now()
	m.mu.Unlock()
}

// RecordTurnEnd records the outcome of an agent turn with its frame counts
func (m *Metrics) RecordTurnEnd(messageID string, success bool, frames, malformed int) {
	m.mu.Lock()
	start, ok := m.turnStarts[messageID]
	delete(m.turnStarts, messageID)
	m.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	turnsTotal.WithLabelValues(status).Inc()
	if ok && success {
		turnLatency.Observe(time.Since(start).Seconds())
	}
	framesTotal.WithLabelValues("ok").Add(float64(frames - malformed))
	framesTotal.WithLabelValues("malformed").Add(float64(malformed))
}

// RecordRender records one render callback
func (m *Metrics) RecordRender(final bool) {
	kind := "partial"
	if final {
		kind = "final"
	}
	rendersTotal.WithLabelValues(kind).Inc()
}

// RecordRecognitionStart records a recognizer start attempt
func (m *Metrics) RecordRecognitionStart(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	recognitionStarts.WithLabelValues(status).Inc()
}

// RecordRecognitionStop records the end of a recognition session
func (m *Metrics) RecordRecognitionStop(mode, reason string) {
	recognitionStops.WithLabelValues(mode, reason).Inc()
}

// RecordEchoSuppressed records a discarded echo transcript
func (m *Metrics) RecordEchoSuppressed() {
	echoSuppressed.Inc()
}

// RecordTTS records a completed TTS fetch
func (m *Metrics) RecordTTS(success bool, latency time.Duration, bytes int) {
	status := "success"
	if !success {
		status = "error"
	}
	ttsRequests.WithLabelValues(status).Inc()
	if success {
		ttsLatency.Observe(latency.Seconds())
	}
	audioBytesProcessed.WithLabelValues("out").Add(float64(bytes))
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
