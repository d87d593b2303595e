package sanitize

import (
	"regexp"
	"strings"
)

var (
	scriptTagPattern    = regexp.MustCompile(`(?is)<script[^>]*>.*?</script[^>]*>|<script[^>]*/?>`)
	jsProtocolPattern   = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandlerPattern = regexp.MustCompile(`(?i)\bon\w+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	htmlTagPattern      = regexp.MustCompile(`<[^>]*>`)

	// residualXSSPattern flags anything that still looks executable after
	// stripping. A match here rejects the submission instead of silently
	// cleaning again.
	residualXSSPattern = regexp.MustCompile(`(?i)(` +
		`<[^>]*script.*?>|` +
		`\bon\w+\s*=|` +
		`javascript:|` +
		`alert\s*\(|confirm\s*\(|prompt\s*\(|eval\s*\(|` +
		`data:text/javascript|` +
		`expression\s*\(|` +
		`<[^>]*iframe|<[^>]*object|<[^>]*embed|<[^>]*applet` +
		`)`)
)

// Field strips script tags, javascript: URLs, inline event handlers and any
// remaining HTML tags from a submitted value. Stripping repeats until the
// value stops changing so nested payloads ("<scr<script>ipt>") cannot
// reassemble.
func Field(value string) string {
	cleaned := value
	for {
		next := scriptTagPattern.ReplaceAllString(cleaned, "")
		next = jsProtocolPattern.ReplaceAllString(next, "")
		next = eventHandlerPattern.ReplaceAllString(next, "")
		next = htmlTagPattern.ReplaceAllString(next, "")
		if next == cleaned {
			break
		}
		cleaned = next
	}
	return strings.TrimSpace(cleaned)
}

// HasResidualXSS reports whether a sanitized value still matches an
// executable pattern. Such values are rejected, never re-cleaned.
func HasResidualXSS(value string) bool {
	return residualXSSPattern.MatchString(value)
}
