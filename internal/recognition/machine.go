package recognition

import "strings"

// Transition returns the session after ev and the effects to carry out. It
// never blocks and touches nothing outside its arguments.
func Transition(s Session, ev Event, p Policy) (Session, []Effect) {
	switch ev := ev.(type) {
	case Start:
		return onStart(s, ev)
	case Result:
		return onResult(s, ev, p)
	case End:
		return onEnd(s, p)
	case ErrorEvent:
		return onError(s, ev.Kind)
	case Stop:
		if s.Idle() {
			return s, nil
		}
		return stopped(s, ReasonUser, "")
	case SpeechEnd:
		if s.Mode == ModeDictation && s.Phase == PhaseListening {
			s.Phase = PhaseFinalizing
			return s, []Effect{StopRecognizer{}}
		}
		return s, nil
	case RestartDue:
		if s.Mode != ModeVoiceChat || !s.Restarting || s.Idle() {
			return s, nil
		}
		return s, []Effect{StartRecognizer{LanguageCode: s.LanguageCode}}
	case Started:
		if s.Idle() {
			return s, nil
		}
		s.Restarting = false
		if s.Phase == PhaseFinalizing {
			// Speech ended while the recognizer was still coming up.
			return s, []Effect{StopRecognizer{}}
		}
		return s, nil
	case StartFailed:
		return onStartFailed(s, ev, p)
	case ResponseReady:
		if s.Mode != ModeVoiceChat || s.Phase != PhaseProcessing {
			return s, nil
		}
		if strings.TrimSpace(ev.Text) == "" {
			return resumeListening(s)
		}
		s.Phase = PhaseSpeaking
		return s, []Effect{Speak{Text: ev.Text}}
	case ResponseFailed:
		if s.Mode != ModeVoiceChat || s.Phase != PhaseProcessing {
			return s, nil
		}
		return resumeListening(s)
	case PlaybackFinished:
		if s.Mode != ModeVoiceChat || s.Phase != PhaseSpeaking {
			return s, nil
		}
		return resumeListening(s)
	}
	return s, nil
}

func onStart(s Session, ev Start) (Session, []Effect) {
	if ev.Mode != ModeDictation && ev.Mode != ModeVoiceChat {
		return s, nil
	}
	var effects []Effect
	if !s.Idle() {
		if s.Mode == ev.Mode {
			return s, nil
		}
		s, effects = stopped(s, ReasonSuperseded, "")
	}

	next := Session{
		Mode:         ev.Mode,
		Phase:        PhaseListening,
		LanguageCode: ev.LanguageCode,
	}
	return next, append(effects, StartRecognizer{LanguageCode: ev.LanguageCode})
}

// transcripts recomputes the best-so-far text from the entries at or after
// resultIndex. Earlier entries are re-deliveries.
func transcripts(segments []Segment, resultIndex int) (final, interim string) {
	if resultIndex < 0 {
		resultIndex = 0
	}
	if resultIndex > len(segments) {
		return "", ""
	}
	for _, seg := range segments[resultIndex:] {
		if seg.Final {
			final = joinText(final, seg.Transcript)
		} else {
			interim = joinText(interim, seg.Transcript)
		}
	}
	return final, interim
}

func onResult(s Session, ev Result, p Policy) (Session, []Effect) {
	if s.Idle() {
		return s, nil
	}
	// A dictation stopped on speech end still takes the final that was in
	// flight.
	if s.Phase == PhaseFinalizing && (s.Mode != ModeDictation || s.Delivered) {
		return s, nil
	}

	final, interim := transcripts(ev.Results, ev.ResultIndex)
	if final == "" && interim == "" {
		return s, nil
	}
	s.RestartCount = 0

	var effects []Effect
	if interim != "" {
		effects = append(effects, ShowInterim{Text: joinText(joinText(s.Buffer, final), interim)})
	}
	if s.Mode == ModeDictation {
		s.Interim = interim
	}
	if final == "" {
		return s, effects
	}

	if s.Mode == ModeDictation {
		s.Interim = ""
		s.Delivered = true
		if s.Phase == PhaseFinalizing {
			// the recognizer is already stopping
			return s, append(effects, Dictated{Text: final})
		}
		s.Phase = PhaseFinalizing
		return s, append(effects, Dictated{Text: final}, StopRecognizer{})
	}

	if p.Suppress != nil && p.Suppress(final) {
		return s, append(effects, EchoSuppressed{Text: final})
	}

	switch s.Phase {
	case PhaseProcessing:
		s.Buffer = joinText(s.Buffer, final)
	case PhaseSpeaking:
		// The user talked over playback.
		text := joinText(s.Buffer, final)
		s.Buffer = ""
		s.Phase = PhaseProcessing
		effects = append(effects, StopPlayback{}, Dispatch{Text: text})
	default:
		text := joinText(s.Buffer, final)
		s.Buffer = ""
		s.Phase = PhaseProcessing
		effects = append(effects, Dispatch{Text: text})
	}
	return s, effects
}

func onEnd(s Session, p Policy) (Session, []Effect) {
	if s.Idle() {
		return s, nil
	}
	if s.Mode == ModeDictation {
		var effects []Effect
		if !s.Delivered && s.Interim != "" {
			effects = append(effects, Dictated{Text: s.Interim})
		}
		next, stop := stopped(s, ReasonCompleted, "")
		return next, append(effects, stop...)
	}
	s.Restarting = true
	return s, []Effect{ScheduleRestart{Delay: p.RestartDelay}}
}

func onError(s Session, kind ErrorKind) (Session, []Effect) {
	if s.Idle() {
		return s, nil
	}
	if Classify(kind) == SeverityFatal {
		return stopped(s, ReasonFatal, kind)
	}
	return s, nil
}

func onStartFailed(s Session, ev StartFailed, p Policy) (Session, []Effect) {
	if s.Idle() {
		return s, nil
	}
	if Classify(ev.Kind) == SeverityFatal {
		return stopped(s, ReasonFatal, ev.Kind)
	}
	if s.Mode == ModeDictation {
		return stopped(s, ReasonGaveUp, ev.Kind)
	}

	s.RestartCount++
	if s.RestartCount >= p.MaxRestarts {
		return stopped(s, ReasonGaveUp, ev.Kind)
	}
	s.Restarting = true
	return s, []Effect{ScheduleRestart{Delay: p.RestartDelay}}
}

// resumeListening returns a voice session to listening and dispatches
// anything said while the agent was busy.
func resumeListening(s Session) (Session, []Effect) {
	if s.Buffer == "" {
		s.Phase = PhaseListening
		return s, nil
	}
	text := s.Buffer
	s.Buffer = ""
	s.Phase = PhaseProcessing
	return s, []Effect{Dispatch{Text: text}}
}

// stopped tears the session down. Playback only belongs to voice chat.
func stopped(s Session, reason StopReason, kind ErrorKind) (Session, []Effect) {
	effects := []Effect{CancelRestart{}, StopRecognizer{}}
	if s.Mode == ModeVoiceChat {
		effects = append(effects, StopPlayback{})
	}
	effects = append(effects, Stopped{Mode: s.Mode, Reason: reason, Kind: kind})
	return Session{Phase: PhaseIdle}, effects
}
