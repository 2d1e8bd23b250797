package embedding

import (
	"strings"
	"unicode"
)

// TextMetrics are derived statistics stored with an embedding.
type TextMetrics struct {
	WordCount     int
	SentenceCount int
	// Density is unique words over total words.
	Density float64
}

// Analyze computes word and sentence counts and lexical density of text.
func Analyze(text string) TextMetrics {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	m := TextMetrics{WordCount: len(words)}
	if m.WordCount == 0 {
		return m
	}

	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[strings.ToLower(w)] = struct{}{}
	}
	m.Density = float64(len(unique)) / float64(m.WordCount)

	inSentence := false
	for _, r := range text {
		switch {
		case r == '.' || r == '!' || r == '?':
			if inSentence {
				m.SentenceCount++
				inSentence = false
			}
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			inSentence = true
		}
	}
	if inSentence {
		m.SentenceCount++
	}
	return m
}
