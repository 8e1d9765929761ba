// Package chunk splits long text into sentence-aligned pieces that fit the
// worker's text limit, so a document can be synthesized request by request.
package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Splitter breaks text into sentences and packs them into chunks.
type Splitter struct {
	maxRunes      int
	abbreviations map[string]bool
	titles        map[string]bool
}

// New creates a splitter whose chunks hold at most maxRunes characters.
func New(maxRunes int) *Splitter {
	if maxRunes < 1 {
		maxRunes = 1
	}
	return &Splitter{
		maxRunes:      maxRunes,
		abbreviations: defaultAbbreviations(),
		titles:        defaultTitles(),
	}
}

// Chunks returns text as a sequence of chunks no longer than the limit.
// Sentences are kept whole where possible; a sentence longer than the limit
// is split between words.
func (s *Splitter) Chunks(text string) []string {
	var (
		chunks []string
		cur    strings.Builder
		n      int
	)
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			n = 0
		}
	}

	for _, sentence := range s.Sentences(text) {
		size := utf8.RuneCountInString(sentence)
		if size > s.maxRunes {
			flush()
			chunks = append(chunks, s.splitWords(sentence)...)
			continue
		}
		if n > 0 && n+1+size > s.maxRunes {
			flush()
		}
		if n > 0 {
			cur.WriteByte(' ')
			n++
		}
		cur.WriteString(sentence)
		n += size
	}
	flush()
	return chunks
}

// Sentences splits text at sentence boundaries. Whitespace is collapsed.
func (s *Splitter) Sentences(text string) []string {
	runes := []rune(strings.Join(strings.Fields(text), " "))

	var (
		sentences []string
		start     int
	)
	for i := 0; i < len(runes); i++ {
		end, ok := s.boundary(runes, i)
		if !ok {
			continue
		}
		if sentence := strings.TrimSpace(string(runes[start:end])); sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = end
		i = end - 1
	}
	if sentence := strings.TrimSpace(string(runes[start:])); sentence != "" {
		sentences = append(sentences, sentence)
	}
	return sentences
}

// boundary reports whether the sentence ending punctuation at pos closes a
// sentence, and where that sentence ends.
func (s *Splitter) boundary(runes []rune, pos int) (int, bool) {
	r := runes[pos]
	if r != '.' && r != '!' && r != '?' {
		return 0, false
	}

	// Closing quotes and brackets stay with their sentence.
	end := pos + 1
	for end < len(runes) && strings.ContainsRune(`"')]»”’`, runes[end]) {
		end++
	}
	if end >= len(runes) {
		return end, true
	}
	if runes[end] != ' ' {
		return 0, false
	}

	if r == '.' {
		if pos > 0 && runes[pos-1] == '.' {
			return 0, false // ellipsis
		}
		word := strings.ToLower(lastWord(runes, pos))
		if s.titles[word] {
			return 0, false
		}
		if s.abbreviations[word] && !startsUpper(runes, end+1) {
			return 0, false
		}
		if pos > 0 && unicode.IsDigit(runes[pos-1]) && startsDigit(runes, end+1) {
			return 0, false
		}
	}
	if startsUpper(runes, end+1) || startsDigit(runes, end+1) {
		return end, true
	}
	return 0, false
}

// splitWords breaks an oversize sentence between words, and words longer
// than the limit between characters.
func (s *Splitter) splitWords(sentence string) []string {
	var (
		parts []string
		cur   []rune
	)
	for _, word := range strings.Fields(sentence) {
		w := []rune(word)
		for len(w) > s.maxRunes {
			if len(cur) > 0 {
				parts = append(parts, string(cur))
				cur = cur[:0]
			}
			parts = append(parts, string(w[:s.maxRunes]))
			w = w[s.maxRunes:]
		}
		if len(cur) > 0 && len(cur)+1+len(w) > s.maxRunes {
			parts = append(parts, string(cur))
			cur = cur[:0]
		}
		if len(cur) > 0 {
			cur = append(cur, ' ')
		}
		cur = append(cur, w...)
	}
	if len(cur) > 0 {
		parts = append(parts, string(cur))
	}
	return parts
}

func lastWord(runes []rune, end int) string {
	start := end
	for start > 0 && !unicode.IsSpace(runes[start-1]) {
		start--
	}
	return strings.TrimLeft(string(runes[start:end]), `"'(`)
}

func startsUpper(runes []rune, pos int) bool {
	for pos < len(runes) && strings.ContainsRune(`"'(«“‘`, runes[pos]) {
		pos++
	}
	return pos < len(runes) && unicode.IsUpper(runes[pos])
}

func startsDigit(runes []rune, pos int) bool {
	return pos < len(runes) && unicode.IsDigit(runes[pos])
}

func defaultAbbreviations() map[string]bool {
	words := []string{
		"etc", "vs", "e.g", "i.e", "inc", "ltd", "co", "corp", "approx",
		"jan", "feb", "mar", "apr", "jun", "jul", "aug", "sep", "sept", "oct", "nov", "dec",
		"no", "fig", "vol", "ch", "pp", "cf",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// defaultTitles are never sentence ends; a name always follows.
func defaultTitles() map[string]bool {
	return map[string]bool{
		"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
		"sr": true, "jr": true, "st": true,
	}
}
