package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // consecutive silent frames that end speech
	FrameSize       int     // samples per frame
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   40, // 800ms at 20ms frames
		FrameSize:       FrameSamples,
	}
}

// VADDetector performs energy based Voice Activity Detection
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame classifies one frame.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	var speechStarted, speechEnded bool

	if !DetectSilence(samples, v.config.EnergyThreshold) {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
		return v.isSpeaking, speechStarted, speechEnded
	}

	v.silenceCounter++
	if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
		speechEnded = true
		v.isSpeaking = false
		v.silenceCounter = 0
	}
	return v.isSpeaking, speechStarted, speechEnded
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// SpeechEndDetector runs the VAD over a raw PCM stream. Only the first
// speech end after a Reset is reported; dictation needs nothing more.
type SpeechEndDetector struct {
	framer   *Framer
	vad      *VADDetector
	frame    []byte
	reported bool
}

// NewSpeechEndDetector creates a detector for 16kHz PCM16LE input
func NewSpeechEndDetector(config *VADConfig) *SpeechEndDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.FrameSize < 1 {
		config.FrameSize = FrameSamples
	}
	frameBytes := config.FrameSize * BytesPerSample
	return &SpeechEndDetector{
		// one second of headroom
		framer: NewFramer(frameBytes, SampleRate/config.FrameSize),
		vad:    NewVADDetector(config),
		frame:  make([]byte, frameBytes),
	}
}

// Feed consumes pcm and reports whether speech ended within it. Callers
// feed from a single goroutine.
func (d *SpeechEndDetector) Feed(pcm []byte) bool {
	d.framer.Write(pcm)

	ended := false
	for d.framer.ReadFrame(d.frame) {
		samples, err := BytesToSamples(d.frame)
		if err != nil {
			continue
		}
		if _, _, end := d.vad.ProcessFrame(samples); end && !d.reported {
			d.reported = true
			ended = true
		}
	}
	return ended
}

// Reset arms the detector for a new capture
func (d *SpeechEndDetector) Reset() {
	d.framer.Reset()
	d.vad.Reset()
	d.reported = false
}
