package translate

import "strings"

// Lang is a supported target language.
type Lang struct {
	Code  string
	Label string
	Flags []string
}

// Flag is the first flag mapped to the language.
func (l Lang) Flag() string {
	if len(l.Flags) == 0 {
		return ""
	}
	return l.Flags[0]
}

var langs = []Lang{
	{Code: "ja", Label: "Japanese", Flags: []string{"🇯🇵"}},
	{Code: "en", Label: "English", Flags: []string{"🇺🇸", "🇬🇧"}},
	{Code: "ko", Label: "Korean", Flags: []string{"🇰🇷"}},
	{Code: "zh-TW", Label: "Chinese (Taiwan)", Flags: []string{"🇹🇼"}},
	{Code: "id", Label: "Indonesian", Flags: []string{"🇮🇩"}},
	{Code: "vi", Label: "Vietnamese", Flags: []string{"🇻🇳"}},
}

var byFlag = func() map[string]Lang {
	m := map[string]Lang{}
	for _, l := range langs {
		for _, f := range l.Flags {
			m[f] = l
		}
	}
	return m
}()

// Langs lists the supported languages in help order.
func Langs() []Lang {
	out := make([]Lang, len(langs))
	copy(out, langs)
	return out
}

// LangForEmoji maps a flag emoji to its language. Variation selectors are
// ignored.
func LangForEmoji(emoji string) (Lang, bool) {
	l, ok := byFlag[strings.ReplaceAll(strings.TrimSpace(emoji), "\ufe0f", "")]
	return l, ok
}

// LookupLang accepts a language code (case-insensitive) or a flag.
func LookupLang(s string) (Lang, bool) {
	s = strings.TrimSpace(s)
	if l, ok := LangForEmoji(s); ok {
		return l, true
	}
	for _, l := range langs {
		if strings.EqualFold(l.Code, s) {
			return l, true
		}
	}
	return Lang{}, false
}

// FlagSummary renders "🇯🇵 Japanese · 🇺🇸/🇬🇧 English · …" for help and logs.
func FlagSummary() string {
	parts := make([]string, 0, len(langs))
	for _, l := range langs {
		parts = append(parts, strings.Join(l.Flags, "/")+" "+l.Label)
	}
	return strings.Join(parts, " · ")
}
