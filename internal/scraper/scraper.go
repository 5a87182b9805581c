// Package scraper extracts the handful of values the chat client needs
// from the platform's HTML pages: the anti-forgery token, message
// history details, the seeded presence list, upload results and room
// tag names. Each function is a single-purpose parse over one page
// shape; none of them keeps state.
package scraper

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// ErrElementNotFound reports that an expected element is missing from
// the page, which usually means the session is no longer authenticated
// or the page shape changed.
var ErrElementNotFound = errors.New("scraper: expected element not found")

var (
	presentUserRe = regexp.MustCompile(`\{id:\s?(\d+),`)
	uploadedURLRe = regexp.MustCompile(`var result = '(.+?)';`)
)

// historyTimeLayout is the time-of-day format used on message history
// pages, e.g. "2:39 PM". The page carries no date component.
const historyTimeLayout = "3:04 PM"

// FKey returns the value of the anti-forgery token input embedded in a
// chat room page.
func FKey(body string) (string, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", err
	}
	n := findNode(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && attr(n, "id") == "fkey"
	})
	if n == nil {
		return "", errors.New("scraper: fkey element not found")
	}
	v := attr(n, "value")
	if v == "" {
		return "", errors.New("scraper: fkey element has no value")
	}
	return v, nil
}

// InputValue returns the value of the first input with the given name
// attribute. Used for the login form's own token.
func InputValue(body, name string) (string, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", err
	}
	n := findNode(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "input" && attr(n, "name") == name
	})
	if n == nil {
		return "", ErrElementNotFound
	}
	return attr(n, "value"), nil
}

// HasClass reports whether any element on the page carries the given
// CSS class.
func HasClass(body, class string) bool {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return false
	}
	return findNode(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && hasClass(n, class)
	}) != nil
}

// History is what a message history page yields: the author, the
// original post time and the message's current flags and counters.
type History struct {
	AuthorID   int64
	AuthorName string
	Posted     time.Time
	Deleted    bool
	StarCount  int
	Pinned     bool
	EditCount  int
}

// ParseHistory extracts the history of a single message. The page
// lists revisions newest first, so the last timestamp on the page is
// the original post time. Timestamps carry only a time of day; they
// are resolved against now's UTC date, rolling back one day when the
// result would lie in the future.
func ParseHistory(body string, now time.Time) (*History, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, err
	}

	h := &History{}

	username := findNode(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && hasClass(n, "username")
	})
	if username == nil {
		return nil, errors.New("scraper: history has no username element")
	}
	link := findNode(username, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "a"
	})
	if link == nil {
		return nil, errors.New("scraper: history username has no link")
	}
	parts := strings.Split(attr(link, "href"), "/")
	if len(parts) < 3 {
		return nil, errors.New("scraper: malformed history user link")
	}
	h.AuthorID, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, errors.New("scraper: malformed history user id")
	}
	h.AuthorName = text(link)

	var lastStamp string
	walk(doc, func(n *html.Node) {
		if n.Type == html.ElementNode && hasClass(n, "timestamp") {
			lastStamp = text(n)
		}
	})
	if lastStamp == "" {
		return nil, errors.New("scraper: history has no timestamp")
	}
	h.Posted, err = resolveClockTime(lastStamp, now)
	if err != nil {
		return nil, err
	}

	contents := 0
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch {
		case hasClass(n, "content"):
			contents++
			if b := findNode(n, func(m *html.Node) bool {
				return m.Type == html.ElementNode && m.Data == "b"
			}); b != nil && text(b) == "deleted" {
				h.Deleted = true
			}
		case hasClass(n, "times"):
			if h.StarCount == 0 {
				h.StarCount, _ = strconv.Atoi(text(n))
			}
		case hasClass(n, "owner-star"):
			h.Pinned = true
		}
	})
	if contents > 1 {
		h.EditCount = contents - 1
	}
	return h, nil
}

func resolveClockTime(stamp string, now time.Time) (time.Time, error) {
	t, err := time.Parse(historyTimeLayout, strings.TrimSpace(stamp))
	if err != nil {
		return time.Time{}, errors.New("scraper: malformed history timestamp " + strconv.Quote(stamp))
	}
	now = now.UTC()
	resolved := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	if resolved.After(now) {
		resolved = resolved.AddDate(0, 0, -1)
	}
	return resolved, nil
}

// PresentUserIDs returns the ids of users currently in the room, read
// from the user-list literals embedded in the room page's script. Ids
// are returned in page order, deduplicated.
func PresentUserIDs(body string) []int64 {
	var ids []int64
	seen := map[int64]struct{}{}
	for _, m := range presentUserRe.FindAllStringSubmatch(body, -1) {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// UploadedURL extracts the image URL from an upload response page.
func UploadedURL(body string) (string, error) {
	m := uploadedURLRe.FindStringSubmatch(body)
	if m == nil {
		return "", errors.New("scraper: upload response carries no result URL")
	}
	return m[1], nil
}

// TagNames returns the anchor texts of a room's tags fragment.
func TagNames(fragment string) []string {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	var tags []string
	walk(doc, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if t := text(n); t != "" {
				tags = append(tags, t)
			}
		}
	})
	return tags
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func text(n *html.Node) string {
	var b strings.Builder
	walk(n, func(m *html.Node) {
		if m.Type == html.TextNode {
			b.WriteString(m.Data)
		}
	})
	return strings.TrimSpace(b.String())
}
