package markup

import (
	"strings"

	"github.com/grafana/regexp"
)

// DefaultVoice marks narration outside any voice tag.
const DefaultVoice = "DEFAULT"

var voiceTag = regexp.MustCompile(`\[VOICE:\s*([^\]]+?)\s*\]((?s:.+?))\[/VOICE\]`)

// VoiceSpan is a piece of narration bound to one voice.
type VoiceSpan struct {
	Voice string
	Text  string
}

// SplitVoices returns the voice spans of text in document order. Spans are
// cut at match offsets, so identical text under two different tags keeps
// its own voice. Blank spans are dropped.
func SplitVoices(text string) []VoiceSpan {
	var spans []VoiceSpan
	add := func(voice, chunk string) {
		if chunk = strings.TrimSpace(chunk); chunk != "" {
			spans = append(spans, VoiceSpan{Voice: voice, Text: chunk})
		}
	}

	pos := 0
	for _, m := range voiceTag.FindAllStringSubmatchIndex(text, -1) {
		add(DefaultVoice, text[pos:m[0]])
		add(strings.TrimSpace(text[m[2]:m[3]]), text[m[4]:m[5]])
		pos = m[1]
	}
	add(DefaultVoice, text[pos:])
	return spans
}

// StripVoiceTags removes voice markup and returns the trimmed narration.
func StripVoiceTags(text string) string {
	return strings.TrimSpace(voiceTag.ReplaceAllString(text, "$2"))
}
