// -----------------------------------------------------------------------
// HTML conversion - Normalize HTML résumés to markdown before sectioning
// -----------------------------------------------------------------------

package parsing

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

// convertHTML normalizes an HTML résumé to markdown. Chrome around the
// content (scripts, navigation, footers) is dropped first, then the main
// content area is converted. A failed or empty conversion falls back to
// tag stripping so the section detector always has something to work on.
func convertHTML(html string, logger arbor.ILogger) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}

	content := html
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		doc.Find("script, style, nav, footer, aside").Remove()
		selection := doc.Find("main, article, .resume, .cv, #resume, body").First()
		if selection.Length() == 0 {
			selection = doc.Find("body")
		}
		if inner, err := selection.Html(); err == nil && strings.TrimSpace(inner) != "" {
			content = inner
		}
	}

	converter := md.NewConverter("", true, nil)
	converted, err := converter.ConvertString(content)
	if err != nil {
		logger.Warn().Err(err).Msg("HTML to markdown conversion failed, stripping tags")
		return stripHTMLTags(content)
	}
	if strings.TrimSpace(converted) == "" {
		logger.Warn().Msg("HTML to markdown conversion produced empty output, stripping tags")
		return stripHTMLTags(content)
	}
	return converted
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`[ \t]+`)
)

// stripHTMLTags is the fallback conversion: drop tags, collapse runs of
// spaces, decode the entities that matter for text content.
func stripHTMLTags(html string) string {
	stripped := tagPattern.ReplaceAllString(html, "\n")
	stripped = spacePattern.ReplaceAllString(stripped, " ")

	stripped = strings.ReplaceAll(stripped, "&amp;", "&")
	stripped = strings.ReplaceAll(stripped, "&lt;", "<")
	stripped = strings.ReplaceAll(stripped, "&gt;", ">")
	stripped = strings.ReplaceAll(stripped, "&quot;", "\"")
	stripped = strings.ReplaceAll(stripped, "&#39;", "'")
	stripped = strings.ReplaceAll(stripped, "&nbsp;", " ")

	var lines []string
	for _, line := range strings.Split(stripped, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return strings.Join(lines, "\n")
}
