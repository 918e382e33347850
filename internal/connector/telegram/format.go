package telegram

import "strings"

// EscapeHTML escapes the characters Telegram's HTML parse mode treats
// specially. Every piece of user-derived text must pass through here before
// being embedded in an HTML message.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// StripHTML removes the small HTML subset the bot emits (<b>, <i>, <code>,
// <pre>, <a>) and unescapes entities, producing a plain-text fallback for
// when Telegram rejects the HTML body.
func StripHTML(s string) string {
	for _, tag := range []string{"b", "i", "u", "s", "code", "pre"} {
		s = strings.ReplaceAll(s, "<"+tag+">", "")
		s = strings.ReplaceAll(s, "</"+tag+">", "")
	}
	// Anchor tags: drop the tag, keep the visible text.
	for {
		start := strings.Index(s, "<a href=")
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], ">")
		if end < 0 {
			break
		}
		s = s[:start] + s[start+end+1:]
	}
	s = strings.ReplaceAll(s, "</a>", "")

	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}
