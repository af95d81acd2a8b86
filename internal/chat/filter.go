package chat

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

var defaultWords = []string{
	"arse", "asshole", "bastard", "bitch", "bollocks", "crap", "damn",
	"dick", "fuck", "fucking", "motherfucker", "piss", "prick", "shit", "slut", "wanker",
}

// Filter masks listed words. Matching ignores case and diacritics, so
// "Shït" is caught by "shit".
type Filter struct {
	words map[string]struct{}
}

func NewFilter(words []string) *Filter {
	f := &Filter{words: make(map[string]struct{}, len(words))}
	for _, w := range words {
		f.words[fold(w)] = struct{}{}
	}
	return f
}

func DefaultFilter() *Filter { return NewFilter(defaultWords) }

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Clean returns content with every listed word replaced by asterisks and
// reports whether anything was replaced.
func (f *Filter) Clean(content string) (string, bool) {
	locs := wordPattern.FindAllStringIndex(content, -1)
	var (
		b       strings.Builder
		last    int
		changed bool
	)
	for _, loc := range locs {
		word := content[loc[0]:loc[1]]
		if _, bad := f.words[fold(word)]; !bad {
			continue
		}
		if !changed {
			b.Grow(len(content))
		}
		changed = true
		b.WriteString(content[last:loc[0]])
		b.WriteString(strings.Repeat("*", utf8.RuneCountInString(word)))
		last = loc[1]
	}
	if !changed {
		return content, false
	}
	b.WriteString(content[last:])
	return b.String(), true
}
