package compiler

import (
	"html/template"
	"regexp"
	"strings"
)

// boldOpenPlaceholder/boldClosePlaceholder stand in for <b>/</b> while the
// rest of a string goes through template.HTMLEscapeString, then get swapped
// back. They are delimited by U+E000 (private use) rather than NUL, since
// HTMLEscapeString rewrites NUL to U+FFFD and the swap would then miss.
// Grounded on original_source/workers/utils/html_stripper.py's
// _escape_html, which does the identical placeholder swap to let decorator
// bolding survive escaping.
const (
	boldOpenPlaceholder  = "BOLD_OPEN"
	boldClosePlaceholder = "BOLD_CLOSE"
)

// escapeBold HTML-escapes s while preserving any <b>/</b> tags it contains,
// returning a template.HTML value the templates can emit without a second
// escaping pass.
func escapeBold(s string) template.HTML {
	s = strings.ReplaceAll(s, "<b>", boldOpenPlaceholder)
	s = strings.ReplaceAll(s, "</b>", boldClosePlaceholder)
	s = template.HTMLEscapeString(s)
	s = strings.ReplaceAll(s, boldOpenPlaceholder, "<b>")
	s = strings.ReplaceAll(s, boldClosePlaceholder, "</b>")
	return template.HTML(s)
}

// escapePlain HTML-escapes s with no emphasis-markup whitelist, for fields
// (headlines, labels) that decoration never puts bold tags into.
func escapePlain(s string) template.HTML {
	return template.HTML(template.HTMLEscapeString(s))
}

// bulletLines splits text built by joinBullets ("• line one\n• line two")
// back into individual, still-escaped bullet strings.
func bulletLines(text string) []template.HTML {
	var out []template.HTML
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimPrefix(strings.TrimSpace(line), "• ")
		if line == "" {
			continue
		}
		out = append(out, escapeBold(line))
	}
	return out
}

// brandReplacement matches the deliverability variant's textual brand
// swap (spec §4.9: "the brand name textually replaced with a generic
// equivalent"), ported from html_stripper.py's
// re.sub(r'Pivot\s*5', 'Daily AI Briefing', html, flags=re.IGNORECASE).
var brandReplacement = regexp.MustCompile(`(?i)pivot\s*5`)

func replaceBrand(html, genericName string) string {
	return brandReplacement.ReplaceAllString(html, genericName)
}
