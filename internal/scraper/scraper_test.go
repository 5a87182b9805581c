package scraper

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

const roomPage = `<!DOCTYPE html>
<html><head><title>Sandbox</title></head>
<body>
<input id="fkey" name="fkey" type="hidden" value="0123456789abcdef0123456789abcdef">
<script>
  CHAT.RoomUsers.initPresent([{id: 1607, name: 'Alice'},{id:2, name: 'Bob'},{id: 1607, name: 'Alice'}]);
</script>
</body></html>`

func TestFKey(t *testing.T) {
	fkey, err := FKey(roomPage)
	if err != nil {
		t.Fatalf("FKey failed: %v", err)
	}
	if fkey != "0123456789abcdef0123456789abcdef" {
		t.Errorf("fkey = %q", fkey)
	}
}

func TestFKey_Missing(t *testing.T) {
	if _, err := FKey("<html><body>please log in</body></html>"); err == nil {
		t.Fatal("expected an error for a page without an fkey")
	}
}

func TestInputValue(t *testing.T) {
	page := `<form><input type="hidden" name="fkey" value="loginkey"><input name="email"></form>`
	v, err := InputValue(page, "fkey")
	if err != nil {
		t.Fatalf("InputValue failed: %v", err)
	}
	if v != "loginkey" {
		t.Errorf("value = %q", v)
	}

	if _, err := InputValue(page, "nope"); !errors.Is(err, ErrElementNotFound) {
		t.Errorf("expected ErrElementNotFound, got %v", err)
	}
}

func TestHasClass(t *testing.T) {
	page := `<div class="topbar my-profile active"><span>me</span></div>`
	if !HasClass(page, "my-profile") {
		t.Error("my-profile not found")
	}
	if HasClass(page, "my-prof") {
		t.Error("matched a class prefix instead of the full name")
	}
}

const historyPage = `<html><body>
<div class="message">
  <div class="username"><a href="/users/1607/alice">Alice</a></div>
  <div class="content">current revision text</div>
  <span class="flash"><span class="times">3</span><span class="owner-star"></span></span>
  <div class="timestamp">4:12 PM</div>
</div>
<div class="message">
  <div class="username"><a href="/users/1607/alice">Alice</a></div>
  <div class="content">original text</div>
  <div class="timestamp">2:39 PM</div>
</div>
</body></html>`

func TestParseHistory(t *testing.T) {
	now := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	h, err := ParseHistory(historyPage, now)
	if err != nil {
		t.Fatalf("ParseHistory failed: %v", err)
	}
	if h.AuthorID != 1607 || h.AuthorName != "Alice" {
		t.Errorf("author = %d %q", h.AuthorID, h.AuthorName)
	}
	// Last timestamp on the page is the original post time.
	want := time.Date(2024, 3, 1, 14, 39, 0, 0, time.UTC)
	if !h.Posted.Equal(want) {
		t.Errorf("posted = %v, want %v", h.Posted, want)
	}
	if h.Deleted {
		t.Error("message wrongly marked deleted")
	}
	if h.StarCount != 3 {
		t.Errorf("stars = %d, want 3", h.StarCount)
	}
	if !h.Pinned {
		t.Error("pin marker missed")
	}
	if h.EditCount != 1 {
		t.Errorf("edits = %d, want 1", h.EditCount)
	}
}

func TestParseHistory_TimestampRollsBackOneDay(t *testing.T) {
	// At 01:00 UTC a "2:39 PM" stamp must resolve to yesterday.
	now := time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)
	h, err := ParseHistory(historyPage, now)
	if err != nil {
		t.Fatalf("ParseHistory failed: %v", err)
	}
	want := time.Date(2024, 3, 1, 14, 39, 0, 0, time.UTC)
	if !h.Posted.Equal(want) {
		t.Errorf("posted = %v, want %v", h.Posted, want)
	}
}

func TestParseHistory_Deleted(t *testing.T) {
	page := `<html><body>
<div class="username"><a href="/users/2/bob">Bob</a></div>
<div class="content">(<b>deleted</b>)</div>
<div class="timestamp">9:05 AM</div>
</body></html>`
	h, err := ParseHistory(page, time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ParseHistory failed: %v", err)
	}
	if !h.Deleted {
		t.Error("deleted marker missed")
	}
	if h.EditCount != 0 {
		t.Errorf("edits = %d, want 0", h.EditCount)
	}
	if h.StarCount != 0 || h.Pinned {
		t.Errorf("unexpected flags: stars=%d pinned=%v", h.StarCount, h.Pinned)
	}
}

func TestParseHistory_NoUsername(t *testing.T) {
	if _, err := ParseHistory("<html><body>nothing here</body></html>", time.Now()); err == nil {
		t.Fatal("expected an error for a page without a username")
	}
}

func TestPresentUserIDs(t *testing.T) {
	got := PresentUserIDs(roomPage)
	want := []int64{1607, 2}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ids = %v, want %v", got, want)
	}
}

func TestPresentUserIDs_Empty(t *testing.T) {
	if got := PresentUserIDs("<html></html>"); got != nil {
		t.Errorf("ids = %v, want none", got)
	}
}

func TestUploadedURL(t *testing.T) {
	page := `<script>
	var result = 'https://i.sstatic.net/abc123.png';
	window.parent.closeDialog(result);
</script>`
	url, err := UploadedURL(page)
	if err != nil {
		t.Fatalf("UploadedURL failed: %v", err)
	}
	if url != "https://i.sstatic.net/abc123.png" {
		t.Errorf("url = %q", url)
	}
}

func TestUploadedURL_Error(t *testing.T) {
	if _, err := UploadedURL(`var error = 'file too large';`); err == nil {
		t.Fatal("expected an error when no result URL present")
	}
}

func TestTagNames(t *testing.T) {
	fragment := `<a rel="tag" href="//stackoverflow.com/questions/tagged/go"><span class="tag">go</span></a> <a rel="tag" href="//stackoverflow.com/questions/tagged/http"><span class="tag">http</span></a>`
	got := TagNames(fragment)
	want := []string{"go", "http"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tags = %v, want %v", got, want)
	}
	if TagNames("") != nil {
		t.Error("empty fragment yielded tags")
	}
}

func TestResolveClockTime_Malformed(t *testing.T) {
	if _, err := resolveClockTime("yesterday", time.Now()); err == nil {
		t.Fatal("expected an error for a malformed stamp")
	}
	if !strings.Contains(errText(resolveClockTime("yesterday", time.Now())), "yesterday") {
		t.Error("error does not name the offending stamp")
	}
}

func errText(_ time.Time, err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
