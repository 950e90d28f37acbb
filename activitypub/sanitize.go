package activitypub

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var ugcPolicy = bluemonday.UGCPolicy()
var stripPolicy = bluemonday.StrictPolicy()

// SanitizeContent cleans remote HTML content.
func SanitizeContent(content string) string {
	return strings.TrimSpace(ugcPolicy.Sanitize(content))
}

// PlainText strips all markup, for summaries and feed titles.
func PlainText(content string) string {
	return html.UnescapeString(stripPolicy.Sanitize(content))
}

// TextToHTML renders locally written plain text as paragraphs.
func TextToHTML(text string) string {
	var b strings.Builder
	for _, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		for i, l := range lines {
			lines[i] = html.EscapeString(l)
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}
