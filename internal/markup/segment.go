// Package markup turns tagged narration text into ordered segments.
//
// Two tags are recognised:
//
//	[IMAGE: keyword N]          starts a segment illustrated by N images of keyword (N defaults to 5)
//	[VOICE: id] text [/VOICE]   narrates text with voice id inside a segment
//
// Markup is forgiving: anything that does not match a tag is kept as narration.
package markup

import (
	"strconv"
	"strings"

	"github.com/grafana/regexp"
)

// DefaultImageCount applies when an image tag carries no count.
const DefaultImageCount = 5

var imageTag = regexp.MustCompile(`\[IMAGE:\s*(.+?)\s*(\d*)\]`)

// Segment is one narrative unit of the final video.
type Segment struct {
	Order        int
	Narration    string
	Voices       []VoiceSpan
	ImageKeyword string
	ImageCount   int
	// Tagged reports whether the segment was opened by an image tag.
	Tagged bool
}

// Parse splits raw text on image tags. Each tag is paired with the text that
// follows it; text before the first tag becomes an untagged segment. Orders are
// assigned 1..n in document order.
func Parse(raw string) []Segment {
	matches := imageTag.FindAllStringSubmatchIndex(raw, -1)

	var segments []Segment
	emit := func(seg Segment) {
		seg.Order = len(segments) + 1
		segments = append(segments, seg)
	}

	leadEnd := len(raw)
	if len(matches) > 0 {
		leadEnd = matches[0][0]
	}
	if lead := raw[:leadEnd]; strings.TrimSpace(lead) != "" {
		emit(newSegment(lead, "", 0, false))
	}

	for i, m := range matches {
		keyword := strings.TrimSpace(raw[m[2]:m[3]])
		count := parseCount(raw[m[4]:m[5]])

		bodyEnd := len(raw)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		emit(newSegment(raw[m[1]:bodyEnd], keyword, count, true))
	}
	return segments
}

func newSegment(body, keyword string, count int, tagged bool) Segment {
	return Segment{
		Narration:    StripVoiceTags(body),
		Voices:       SplitVoices(body),
		ImageKeyword: keyword,
		ImageCount:   count,
		Tagged:       tagged,
	}
}

func parseCount(s string) int {
	if s == "" {
		return DefaultImageCount
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return DefaultImageCount
	}
	return n
}
