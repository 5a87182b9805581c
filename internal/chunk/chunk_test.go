package chunk

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplit_ShortTextUnsplit(t *testing.T) {
	for _, text := range []string{"", "hi", strings.Repeat("a", 500)} {
		parts, err := Split(text, 500)
		if err != nil {
			t.Fatalf("Split(%q) failed: %v", text, err)
		}
		if len(parts) != 1 || parts[0] != text {
			t.Errorf("Split(%q) = %q, want the input as a single part", text, parts)
		}
	}
}

func TestSplit_InternalNewlineUnsplit(t *testing.T) {
	text := strings.Repeat("a", 300) + "\n" + strings.Repeat("b", 300)
	parts, err := Split(text, 500)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) != 1 || parts[0] != text {
		t.Errorf("expected multi-line text to stay unsplit, got %d parts", len(parts))
	}
}

func TestSplit_TrailingNewlineStillSplits(t *testing.T) {
	text := strings.Repeat("word ", 150) + "\n"
	parts, err := Split(text, 500)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) < 2 {
		t.Errorf("expected a split, got %d parts", len(parts))
	}
}

func TestSplit_BreaksOnLastSpace(t *testing.T) {
	// 120 five-char words: the first part must end at a word boundary
	// at or before the limit.
	text := strings.TrimSpace(strings.Repeat("abcd ", 120))
	parts, err := Split(text, 500)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	for i, p := range parts {
		if len(p) > 500 {
			t.Errorf("part %d is %d chars, exceeds limit", i, len(p))
		}
		if strings.HasPrefix(p, " ") || strings.HasSuffix(p, " ") {
			t.Errorf("part %d has boundary spaces: %q", i, p)
		}
	}
	if got := strings.Join(parts, " "); got != text {
		t.Errorf("re-joined parts differ from input:\ngot  %q\nwant %q", got, text)
	}
}

func TestSplit_NeverInsideMarkdownLink(t *testing.T) {
	link := "[a rather long link label here](https://example.com/some/long/path)"
	// Position the link so it spans the 500-char break point.
	text := strings.Repeat("x ", 235) + link + " " + strings.Repeat("y ", 100)
	text = strings.TrimSpace(text)
	parts, err := Split(text, 500)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) < 2 {
		t.Fatalf("expected a split, got %d parts", len(parts))
	}
	for i, p := range parts {
		opens := strings.Count(p, "[")
		closes := strings.Count(p, ")")
		if strings.Contains(p, "[") != strings.Contains(p, ")") || opens != closes {
			t.Errorf("part %d split inside the link: %q", i, p)
		}
	}
	if got := strings.Join(parts, " "); got != text {
		t.Errorf("re-joined parts differ from input")
	}
}

func TestSplit_MultibyteUnderLimitUnsplit(t *testing.T) {
	// 300 characters but 900 bytes: the limit counts characters.
	text := strings.Repeat("日", 300)
	parts, err := Split(text, 500)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) != 1 || parts[0] != text {
		t.Errorf("300-char text was split into %d parts", len(parts))
	}
}

func TestSplit_MultibyteHardBreak(t *testing.T) {
	text := strings.Repeat("日", 700)
	parts, err := Split(text, 500)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	for i, p := range parts {
		if !utf8.ValidString(p) {
			t.Errorf("part %d is not valid UTF-8", i)
		}
		if n := utf8.RuneCountInString(p); n > 500 {
			t.Errorf("part %d is %d chars, exceeds limit", i, n)
		}
	}
	if parts[0]+parts[1] != text {
		t.Error("re-joined parts differ from input")
	}
}

func TestSplit_MultibyteWordsBreakOnSpaces(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("héllo wörld ", 60)) // 719 chars
	parts, err := Split(text, 500)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) < 2 {
		t.Fatalf("expected a split, got %d parts", len(parts))
	}
	for i, p := range parts {
		if !utf8.ValidString(p) {
			t.Errorf("part %d is not valid UTF-8", i)
		}
		if n := utf8.RuneCountInString(p); n > 500 {
			t.Errorf("part %d is %d chars, exceeds limit", i, n)
		}
	}
	if got := strings.Join(parts, " "); got != text {
		t.Errorf("re-joined parts differ from input")
	}
}

func TestSplit_AdjacentLinksMoveBreakBeforeBoth(t *testing.T) {
	// Two back-to-back links straddling the limit: a cut moved just
	// before the second link lands on the first link's closing paren
	// and must be moved again, in front of both.
	first := "[one](https://example.com/1)"
	second := "[two words](https://example.com/" + strings.Repeat("q", 67) + ")"
	text := strings.Repeat("x ", 230) + first + second + " tail"
	parts, err := Split(text, 500)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if strings.Contains(parts[0], "[") {
		t.Errorf("first part split inside a link: %q", parts[0])
	}
	if want := first + second + " tail"; parts[1] != want {
		t.Errorf("second part = %q, want both links intact", parts[1])
	}
	if got := strings.Join(parts, " "); got != text {
		t.Errorf("re-joined parts differ from input")
	}
}

func TestSplit_NoSpaceHardBreak(t *testing.T) {
	text := strings.Repeat("a", 1200)
	parts, err := Split(text, 500)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	want := []string{strings.Repeat("a", 500), strings.Repeat("a", 500), strings.Repeat("a", 200)}
	if len(parts) != len(want) {
		t.Fatalf("got %d parts, want %d", len(parts), len(want))
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Errorf("part %d = %d chars, want %d", i, len(parts[i]), len(want[i]))
		}
	}
}

func TestSplit_UnsplittableLink(t *testing.T) {
	// A single link longer than the limit with a space inside its
	// label: the only space candidate falls inside the span and the
	// span starts at position zero.
	link := "[label with spaces](https://example.com/" + strings.Repeat("p", 600) + ")"
	_, err := Split(link, 500)
	if !errors.Is(err, ErrUnsplittable) {
		t.Fatalf("expected ErrUnsplittable, got %v", err)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("some words and a [link](https://example.com) ", 30))
	first, err := Split(text, 500)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	second, err := Split(text, 500)
	if err != nil {
		t.Fatalf("second Split failed: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("runs disagree: %d vs %d parts", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("part %d differs between runs", i)
		}
	}
}
