package tts

import (
	"regexp"
	"strings"
)

var (
	fencedBlock  = regexp.MustCompile("(?s)```.*?```")
	markdownLink = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	inlineCode   = regexp.MustCompile("`([^`]+)`")
	emphasis     = regexp.MustCompile(`(\*{1,3}|_{2,3})([^*_]+)(\*{1,3}|_{2,3})`)
	headingMark  = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	listMark     = regexp.MustCompile(`(?m)^\s*([-*+•]|\d+[.)])\s+`)
	quoteMark    = regexp.MustCompile(`(?m)^\s*>\s?`)
	tableRule    = regexp.MustCompile(`(?m)^\s*\|?[\s:|-]+\|[\s:|-]*$`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// SpeakableText reduces markdown to plain prose for synthesis. Code blocks
// are dropped entirely; links keep their label.
func SpeakableText(text string) string {
	text = fencedBlock.ReplaceAllString(text, " ")
	text = tableRule.ReplaceAllString(text, " ")
	text = markdownLink.ReplaceAllString(text, "$1")
	text = inlineCode.ReplaceAllString(text, "$1")
	text = headingMark.ReplaceAllString(text, "")
	text = listMark.ReplaceAllString(text, "")
	text = quoteMark.ReplaceAllString(text, "")
	text = emphasis.ReplaceAllString(text, "$2")
	text = strings.ReplaceAll(text, "|", " ")
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
