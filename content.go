package chatexchange

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

var stripPolicy = bluemonday.StrictPolicy()

// TextContent returns the rendered content with all HTML stripped and
// entities unescaped. It is empty when the rendered content is absent.
func (m *Message) TextContent() string {
	if m.Content == "" {
		return ""
	}
	return html.UnescapeString(stripPolicy.Sanitize(m.Content))
}
