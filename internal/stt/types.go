package stt

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/immoassist/chat-gateway/internal/recognition"
)

// resultList turns Deepgram's messages into the growing result list the
// recognition package consumes. Deepgram finalizes an utterance piece by
// piece (is_final); the pieces stay one open entry until speech_final or an
// UtteranceEnd closes it, so one spoken sentence is one final segment.
type resultList struct {
	segments []recognition.Segment
	// committed is the is_final text of the open utterance
	committed string
}

// apply records one message. It returns a snapshot of the list and the index
// of the first changed entry, or ok=false when nothing visible changed.
func (l *resultList) apply(transcript string, isFinal, speechFinal bool) (segments []recognition.Segment, index int, ok bool) {
	transcript = strings.TrimSpace(transcript)

	if !isFinal {
		if transcript == "" {
			return nil, 0, false
		}
		return l.setTail(joinWords(l.committed, transcript), false)
	}

	l.committed = joinWords(l.committed, transcript)
	if speechFinal {
		return l.closeUtterance(false)
	}
	if l.committed == "" {
		// an is_final without words closes an interim that was noise
		l.dropOpen()
		return nil, 0, false
	}
	return l.setTail(l.committed, false)
}

// utteranceEnd closes the open utterance. An interim nobody finalized is
// kept as the utterance's text.
func (l *resultList) utteranceEnd() (segments []recognition.Segment, index int, ok bool) {
	return l.closeUtterance(true)
}

// pending reports whether an utterance is still open
func (l *resultList) pending() bool {
	return len(l.segments) > 0 && !l.segments[len(l.segments)-1].Final
}

func (l *resultList) closeUtterance(keepInterim bool) ([]recognition.Segment, int, bool) {
	text := l.committed
	l.committed = ""
	if text == "" && keepInterim && l.pending() {
		text = l.segments[len(l.segments)-1].Transcript
	}
	if text == "" {
		l.dropOpen()
		return nil, 0, false
	}
	return l.setTail(text, true)
}

func (l *resultList) dropOpen() {
	if l.pending() {
		l.segments = l.segments[:len(l.segments)-1]
	}
}

func (l *resultList) setTail(text string, final bool) ([]recognition.Segment, int, bool) {
	seg := recognition.Segment{Transcript: text, Final: final}
	if l.pending() {
		l.segments[len(l.segments)-1] = seg
	} else {
		l.segments = append(l.segments, seg)
	}

	index := len(l.segments) - 1
	snapshot := make([]recognition.Segment, len(l.segments))
	copy(snapshot, l.segments)
	return snapshot, index, true
}

func joinWords(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

// languageFor maps a browser language tag to the code Deepgram expects.
// English keeps its region; other languages use the base code.
func languageFor(tag, fallback string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return fallback
	}
	t, err := language.Parse(tag)
	if err != nil {
		return fallback
	}
	base, _ := t.Base()
	if base.String() == "en" {
		if region, conf := t.Region(); conf == language.Exact {
			return "en-" + region.String()
		}
		return "en"
	}
	return base.String()
}
