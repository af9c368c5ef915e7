package tgui

import (
	"html"
	"strings"
	"unicode/utf8"
)

// TruncRunes keeps the first n runes of s and appends "…" when anything was cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for k := 0; k < n; k++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i] + "…"
}

// PlainText is the text Telegram shows for an HTML message: tags are
// dropped and entities decoded.
func PlainText(h string) string {
	var b strings.Builder
	inTag := false
	for _, r := range h {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return html.UnescapeString(b.String())
}

// VisibleLen counts the runes of PlainText(h).
func VisibleLen(h string) int {
	return utf8.RuneCountInString(PlainText(h))
}

// Fit appends whole entries to head while the visible length stays within
// limit. It returns the result and how many entries were left out. Cutting
// only between entries keeps every tag balanced.
func Fit(head H, entries []H, limit int) (H, int) {
	var b strings.Builder
	b.WriteString(string(head))
	used := VisibleLen(string(head))
	for i, e := range entries {
		n := VisibleLen(string(e))
		if used+n > limit {
			return H(b.String()), len(entries) - i
		}
		b.WriteString(string(e))
		used += n
	}
	return H(b.String()), 0
}
