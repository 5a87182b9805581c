// Package chunk splits outgoing chat messages into parts that fit the
// platform's single-message length limit without breaking markdown
// links apart.
package chunk

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrUnsplittable is returned when no legal break point exists, which
// happens only when a non-breaking span starts at the beginning of the
// text and extends past the length limit.
var ErrUnsplittable = errors.New("chunk: message has no legal split point")

var linkRe = regexp.MustCompile(`\[[^\]]+\]\([^)]+\)`)

// Split cuts text into ordered parts of at most maxLen characters. The
// limit counts characters, not bytes; multibyte text is never cut
// inside a rune.
//
// Text that already fits, or that contains an internal newline, is
// returned as a single part: the platform renders embedded newlines as
// a multi-line message on its own, so no further splitting is needed.
func Split(text string, maxLen int) ([]string, error) {
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}, nil
	}
	if strings.IndexByte(text[:len(text)-1], '\n') >= 0 {
		return []string{text}, nil
	}

	var parts []string
	rest := []rune(text)
	for len(rest) > maxLen {
		cut := lastSpace(rest[:maxLen+1])
		if cut < 0 {
			// No space to break on, cut mid-word.
			parts = append(parts, string(rest[:maxLen]))
			rest = rest[maxLen:]
			continue
		}
		// Right to left, so a cut moved just before one link is checked
		// against the link preceding it too.
		spans := linkSpans(rest)
		for i := len(spans) - 1; i >= 0; i-- {
			if cut > spans[i][0] && cut < spans[i][1] {
				cut = spans[i][0] - 1
			}
		}
		if cut < 0 || (cut == 0 && rest[0] != ' ') {
			return nil, ErrUnsplittable
		}
		parts = append(parts, string(rest[:cut]))
		if rest[cut] == ' ' {
			rest = rest[cut+1:]
		} else {
			rest = rest[cut:]
		}
	}
	return append(parts, string(rest)), nil
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}

// linkSpans returns the markdown link spans of rest as ascending
// [start, end) rune index pairs.
func linkSpans(rest []rune) [][2]int {
	s := string(rest)
	var spans [][2]int
	for _, m := range linkRe.FindAllStringIndex(s, -1) {
		spans = append(spans, [2]int{
			utf8.RuneCountInString(s[:m[0]]),
			utf8.RuneCountInString(s[:m[1]]),
		})
	}
	return spans
}
